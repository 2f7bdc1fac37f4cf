package agent

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAuditLogger(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "audit.jsonl")

	logger, err := NewAuditLogger(logPath)
	if err != nil {
		t.Fatalf("create audit logger: %v", err)
	}

	entries := []AuditEntry{
		{Command: "startpod", Bytes: 512, Result: "ack", Duration: 12.5},
		{Command: "execcmd", Container: "web", Seq: 9, Bytes: 40, Result: "ack"},
		{Command: "killcontainer", Container: "ghost", Bytes: 30, Result: "error", Error: "no such container"},
	}
	for _, entry := range entries {
		if err := logger.Log(entry); err != nil {
			t.Fatalf("log entry: %v", err)
		}
	}
	logger.Close()

	got, err := ReadAuditLog(logPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(got), len(entries))
	}
	for i, entry := range got {
		if entry.Command != entries[i].Command || entry.Result != entries[i].Result {
			t.Errorf("entry %d: got %s/%s, want %s/%s", i, entry.Command, entry.Result, entries[i].Command, entries[i].Result)
		}
		if entry.Timestamp == "" {
			t.Errorf("entry %d: timestamp is empty", i)
		}
	}
	if got[1].Seq != 9 || got[2].Error != "no such container" {
		t.Errorf("fields lost: %+v %+v", got[1], got[2])
	}
}

func TestAuditLoggerDisabled(t *testing.T) {
	logger, err := NewAuditLogger("")
	if err != nil {
		t.Fatalf("create audit logger: %v", err)
	}
	if err := logger.Log(AuditEntry{Command: "ping"}); err != nil {
		t.Errorf("Log failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestReadAuditLogMissing(t *testing.T) {
	entries, err := ReadAuditLog(filepath.Join(t.TempDir(), "none.jsonl"))
	if err != nil || entries != nil {
		t.Errorf("got %v, %v, want no entries", entries, err)
	}
}

func TestReadAuditLogTruncated(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	content := `{"command":"ping","result":"ack"}` + "\n" + `{"command":"sta`
	if err := os.WriteFile(logPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	entries, err := ReadAuditLog(logPath)
	if err != nil {
		t.Fatalf("ReadAuditLog failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Command != "ping" {
		t.Errorf("got %+v, want the complete entry only", entries)
	}
}
