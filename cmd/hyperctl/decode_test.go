package main

import (
	"bytes"
	"hyperstart/pkg/protocol"
	"strings"
	"testing"
)

func TestDecodePayload(t *testing.T) {
	dec := protocol.NewDecoder(protocol.DecoderConfig{})

	tests := []struct {
		name    string
		kind    string
		input   string
		wantErr bool
	}{
		{"kill", "kill", `{"container": "c1", "signal": 9}`, false},
		{"jsonc comments", "exec", "{\n  // the shell\n  \"container\": \"c1\",\n  \"seq\": 3, /* stream */\n  \"cmd\": [\"sh\"]\n}", false},
		{"trailing comma", "readfile", `{"container": "c1", "file": "/etc/hosts",}`, false},
		{"unknown kind", "bogus", `{}`, true},
		{"invalid payload", "winsize", `{"tty": "pts/0"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodePayload(dec, tt.kind, []byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Errorf("decodePayload error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecodePayloadKeepsWriteFileContent(t *testing.T) {
	dec := protocol.NewDecoder(protocol.DecoderConfig{})

	v, err := decodePayload(dec, "writefile", []byte(`{"container": "c1", "file": "/a"}// not a comment`))
	if err != nil {
		t.Fatalf("decodePayload failed: %v", err)
	}
	req := v.(*protocol.WriteFileRequest)
	if string(req.Data) != "// not a comment" {
		t.Errorf("data: got %q, want %q", req.Data, "// not a comment")
	}
}

func TestRender(t *testing.T) {
	ws := &protocol.WinSize{TTY: "pts/0", Seq: 3, Row: 24, Column: 80}

	tests := []struct {
		format string
		want   string
	}{
		{"yaml", "row: 24"},
		{"json", `"Column": 80`},
		{"cbor", `"TTY": "pts/0"`},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			if err := render(&buf, ws, tt.format); err != nil {
				t.Fatalf("render failed: %v", err)
			}
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output %q does not contain %q", buf.String(), tt.want)
			}
		})
	}

	if err := render(&bytes.Buffer{}, ws, "xml"); err == nil {
		t.Error("expected error for an unknown format")
	}
}

func TestResolveCommand(t *testing.T) {
	tests := []struct {
		name     string
		wantCmd  protocol.Command
		wantKind string
		wantErr  bool
	}{
		{"pod", protocol.CmdStartPod, "pod", false},
		{"startpod", protocol.CmdStartPod, "pod", false},
		{"execcmd", protocol.CmdExecCmd, "exec", false},
		{"ping", protocol.CmdPing, "", false},
		{"destroypod", protocol.CmdDestroyPod, "", false},
		{"launch", 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, kind, err := resolveCommand(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("resolveCommand error = %v, wantErr %v", err, tt.wantErr)
			}
			if cmd != tt.wantCmd || kind != tt.wantKind {
				t.Errorf("got %s/%q, want %s/%q", cmd, kind, tt.wantCmd, tt.wantKind)
			}
		})
	}
}
