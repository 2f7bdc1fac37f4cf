package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEntry records one handled control message.
type AuditEntry struct {
	Timestamp string  `json:"timestamp"`
	Command   string  `json:"command"`
	Container string  `json:"container,omitempty"`
	Seq       uint64  `json:"seq,omitempty"`
	Bytes     int     `json:"bytes"`  // payload size
	Result    string  `json:"result"` // "ack" or "error"
	Duration  float64 `json:"duration_ms,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// AuditLogger writes audit entries in JSON-lines format.
type AuditLogger struct {
	writer io.WriteCloser
	mu     sync.Mutex
}

// NewAuditLogger creates an audit logger appending to path. An empty path
// disables audit logging.
func NewAuditLogger(path string) (*AuditLogger, error) {
	if path == "" {
		return &AuditLogger{writer: nopWriteCloser{}}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	return &AuditLogger{writer: file}, nil
}

// Log appends an entry, stamping it with the current time if unset.
func (al *AuditLogger) Log(entry AuditEntry) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	data = append(data, '\n')
	if _, err := al.writer.Write(data); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// Close closes the audit log file.
func (al *AuditLogger) Close() error {
	al.mu.Lock()
	defer al.mu.Unlock()
	return al.writer.Close()
}

// ReadAuditLog reads every entry of an audit log. Entries with mistyped
// fields are skipped and reading stops at the first torn line. A missing
// file has no entries.
func ReadAuditLog(path string) ([]AuditEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	var entries []AuditEntry
	decoder := json.NewDecoder(file)
	for {
		var entry AuditEntry
		if err := decoder.Decode(&entry); err != nil {
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &typeErr) {
				continue
			}
			// EOF, or a torn line the decoder cannot resync past.
			break
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }
