package client

import (
	"bytes"
	"errors"
	"hyperstart/pkg/protocol"
	"net"
	"path/filepath"
	"testing"
)

// serveOnce answers a single message on a fresh socket with reply.
func serveOnce(t *testing.T, reply protocol.Message) (string, <-chan protocol.Message) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "control.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	got := make(chan protocol.Message, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		m, err := protocol.ReadMessage(conn)
		if err != nil {
			return
		}
		got <- m
		protocol.WriteMessage(conn, reply)
	}()
	return path, got
}

func TestSend(t *testing.T) {
	path, got := serveOnce(t, protocol.Message{Command: protocol.CmdAck, Payload: []byte("contents")})

	data, err := Send(path, protocol.CmdReadFile, []byte(`{"container":"c1","file":"/etc/hosts"}`))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if string(data) != "contents" {
		t.Errorf("reply: got %q, want %q", data, "contents")
	}

	m := <-got
	if m.Command != protocol.CmdReadFile {
		t.Errorf("command: got %s, want %s", m.Command, protocol.CmdReadFile)
	}
}

func TestSendError(t *testing.T) {
	path, _ := serveOnce(t, protocol.Message{Command: protocol.CmdError, Payload: []byte("no such container")})

	_, err := Send(path, protocol.CmdKillContainer, []byte(`{}`))
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("error = %v, want *RemoteError", err)
	}
	if remote.Reason != "no such container" || remote.Command != protocol.CmdKillContainer {
		t.Errorf("remote error: got %+v", remote)
	}
}

func TestSendUnexpectedReply(t *testing.T) {
	path, _ := serveOnce(t, protocol.Message{Command: protocol.CmdNext})

	if _, err := Send(path, protocol.CmdPing, nil); err == nil {
		t.Error("expected error for a non-ack reply")
	}
}

func TestSendNoAgent(t *testing.T) {
	if _, err := Send(filepath.Join(t.TempDir(), "missing.sock"), protocol.CmdPing, nil); err == nil {
		t.Error("expected error without a listener")
	}
}

func TestReadStream(t *testing.T) {
	var in bytes.Buffer
	protocol.WriteStreamFrame(&in, protocol.StreamFrame{Seq: 1, Payload: []byte("hello ")})
	protocol.WriteStreamFrame(&in, protocol.StreamFrame{Seq: 2, Payload: []byte("other")})
	protocol.WriteStreamFrame(&in, protocol.StreamFrame{Seq: 1, Payload: []byte("world")})
	protocol.WriteExitCode(&in, 2, 9)
	protocol.WriteExitCode(&in, 1, 42)

	var out bytes.Buffer
	code, err := readStream(&in, 1, &out)
	if err != nil {
		t.Fatalf("readStream failed: %v", err)
	}
	if code != 42 {
		t.Errorf("exit code: got %d, want 42", code)
	}
	if out.String() != "hello world" {
		t.Errorf("output: got %q, want %q", out.String(), "hello world")
	}
}

func TestReadStreamClosed(t *testing.T) {
	var in bytes.Buffer
	protocol.WriteStreamFrame(&in, protocol.StreamFrame{Seq: 1, Payload: []byte("partial")})

	if _, err := readStream(&in, 1, &bytes.Buffer{}); err == nil {
		t.Error("expected error when the channel closes before the exit code")
	}
}

func TestRelayInput(t *testing.T) {
	var wire bytes.Buffer
	relayInput(&wire, 7, bytes.NewReader([]byte("input")))

	f, err := protocol.ReadStreamFrame(&wire)
	if err != nil {
		t.Fatalf("ReadStreamFrame failed: %v", err)
	}
	if f.Seq != 7 || string(f.Payload) != "input" {
		t.Errorf("data frame: got seq %d %q", f.Seq, f.Payload)
	}
	f, err = protocol.ReadStreamFrame(&wire)
	if err != nil {
		t.Fatalf("ReadStreamFrame failed: %v", err)
	}
	if f.Seq != 7 || len(f.Payload) != 0 {
		t.Errorf("end frame: got seq %d %q, want empty", f.Seq, f.Payload)
	}
}
