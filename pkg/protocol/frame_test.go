package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{
			name: "startpod",
			msg:  Message{Command: CmdStartPod, Payload: []byte(`{"hostname":"pod1"}`)},
		},
		{
			name: "ping without payload",
			msg:  Message{Command: CmdPing},
		},
		{
			name: "writefile with binary payload",
			msg:  Message{Command: CmdWriteFile, Payload: append([]byte(`{"container":"c1","file":"/x"}`), 0, 1, 2, 0xff)},
		},
		{
			name: "large payload",
			msg:  Message{Command: CmdExecCmd, Payload: bytes.Repeat([]byte("x"), 65536)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer

			if err := WriteMessage(&buf, tt.msg); err != nil {
				t.Fatalf("WriteMessage failed: %v", err)
			}
			if got, want := buf.Len(), MessageHeaderSize+len(tt.msg.Payload); got != want {
				t.Errorf("wire size: got %d, want %d", got, want)
			}

			decoded, err := ReadMessage(&buf)
			if err != nil {
				t.Fatalf("ReadMessage failed: %v", err)
			}

			if decoded.Command != tt.msg.Command {
				t.Errorf("Command: got %v, want %v", decoded.Command, tt.msg.Command)
			}
			if !bytes.Equal(decoded.Payload, tt.msg.Payload) {
				t.Errorf("Payload mismatch: got %d bytes, want %d bytes",
					len(decoded.Payload), len(tt.msg.Payload))
			}
		})
	}
}

func TestMessageLengthIncludesHeader(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, Message{Command: CmdKillContainer, Payload: []byte("abc")}); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	raw := buf.Bytes()
	if got := binary.BigEndian.Uint32(raw[0:4]); got != uint32(CmdKillContainer) {
		t.Errorf("command word: got %d, want %d", got, CmdKillContainer)
	}
	if got := binary.BigEndian.Uint32(raw[4:8]); got != 11 {
		t.Errorf("length word: got %d, want 11", got)
	}
}

func TestReadMessageLimits(t *testing.T) {
	header := func(cmd Command, length uint32) []byte {
		b := make([]byte, 8)
		binary.BigEndian.PutUint32(b[0:4], uint32(cmd))
		binary.BigEndian.PutUint32(b[4:8], length)
		return b
	}

	t.Run("too large", func(t *testing.T) {
		_, err := ReadMessageLimit(bytes.NewReader(header(CmdStartPod, 4096)), 1024)
		if !errors.Is(err, ErrTooLarge) {
			t.Errorf("error = %v, want ErrTooLarge", err)
		}
	})

	t.Run("shorter than header", func(t *testing.T) {
		if _, err := ReadMessage(bytes.NewReader(header(CmdPing, 4))); err == nil {
			t.Error("expected error for length below header size")
		}
	})

	t.Run("truncated payload", func(t *testing.T) {
		data := append(header(CmdExecCmd, 20), []byte("short")...)
		if _, err := ReadMessage(bytes.NewReader(data)); err == nil {
			t.Error("expected error for truncated payload")
		}
	})

	t.Run("clean eof", func(t *testing.T) {
		_, err := ReadMessage(bytes.NewReader(nil))
		if !errors.Is(err, io.EOF) {
			t.Errorf("error = %v, want io.EOF", err)
		}
	})
}

func TestAckAndError(t *testing.T) {
	var buf bytes.Buffer

	if err := WriteAck(&buf, []byte("file contents")); err != nil {
		t.Fatalf("WriteAck failed: %v", err)
	}
	if err := WriteError(&buf, "no such container"); err != nil {
		t.Fatalf("WriteError failed: %v", err)
	}

	ack, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if ack.Command != CmdAck || string(ack.Payload) != "file contents" {
		t.Errorf("ack: got %v %q, want ack %q", ack.Command, ack.Payload, "file contents")
	}

	nack, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if nack.Command != CmdError || string(nack.Payload) != "no such container" {
		t.Errorf("error: got %v %q, want error %q", nack.Command, nack.Payload, "no such container")
	}
}

func TestStreamFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame StreamFrame
	}{
		{"stdout", StreamFrame{Seq: 1, Payload: []byte("hello world\n")}},
		{"end of stream", StreamFrame{Seq: 2}},
		{"high seq", StreamFrame{Seq: 1 << 40, Payload: []byte{0}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer

			if err := WriteStreamFrame(&buf, tt.frame); err != nil {
				t.Fatalf("WriteStreamFrame failed: %v", err)
			}
			if got, want := buf.Len(), StreamHeaderSize+len(tt.frame.Payload); got != want {
				t.Errorf("wire size: got %d, want %d", got, want)
			}

			decoded, err := ReadStreamFrame(&buf)
			if err != nil {
				t.Fatalf("ReadStreamFrame failed: %v", err)
			}
			if decoded.Seq != tt.frame.Seq {
				t.Errorf("Seq: got %d, want %d", decoded.Seq, tt.frame.Seq)
			}
			if !bytes.Equal(decoded.Payload, tt.frame.Payload) {
				t.Errorf("Payload: got %q, want %q", decoded.Payload, tt.frame.Payload)
			}
		})
	}
}

func TestWriteExitCode(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteExitCode(&buf, 7, 42); err != nil {
		t.Fatalf("WriteExitCode failed: %v", err)
	}

	eof, err := ReadStreamFrame(&buf)
	if err != nil {
		t.Fatalf("ReadStreamFrame failed: %v", err)
	}
	if eof.Seq != 7 || len(eof.Payload) != 0 {
		t.Errorf("first frame: got seq %d with %d bytes, want empty frame on 7", eof.Seq, len(eof.Payload))
	}

	code, err := ReadStreamFrame(&buf)
	if err != nil {
		t.Fatalf("ReadStreamFrame failed: %v", err)
	}
	if code.Seq != 7 || !bytes.Equal(code.Payload, []byte{42}) {
		t.Errorf("exit frame: got seq %d payload %v, want seq 7 payload [42]", code.Seq, code.Payload)
	}
}

func TestCommandNames(t *testing.T) {
	for cmd, name := range commandNames {
		if cmd.String() != name {
			t.Errorf("String(%d): got %q, want %q", cmd, cmd.String(), name)
		}
		got, ok := ParseCommand(name)
		if !ok || got != cmd {
			t.Errorf("ParseCommand(%q): got %v %v, want %v", name, got, ok, cmd)
		}
	}
	if got := Command(99).String(); got != "command(99)" {
		t.Errorf("unknown command: got %q, want %q", got, "command(99)")
	}
}
