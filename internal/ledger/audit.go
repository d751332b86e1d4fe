package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultMaxAuditSize is the rotation threshold for the audit file (100MB).
	DefaultMaxAuditSize = 100 * 1024 * 1024
	auditFileExtension  = ".jsonl"
	archiveDir          = "archive"
)

// AuditEntry is one line of the JSONL audit mirror.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	CommandID string    `json:"command_id,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// AuditWriter appends entries to a JSONL file with size-based rotation into
// an archive/ subdirectory.
type AuditWriter struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	path            string
	rotationCounter int
}

// NewAuditWriter opens (or creates) the audit file at path.
func NewAuditWriter(path string, maxSize int64) (*AuditWriter, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxAuditSize
	}

	w := &AuditWriter{path: path, maxSize: maxSize}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *AuditWriter) openFile() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit file: %w", err)
	}

	w.file = f
	w.currentSize = stat.Size()
	return nil
}

// Write appends one entry as a JSONL line, rotating first if the file would
// exceed the size limit.
func (w *AuditWriter) Write(entry AuditEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	if w.currentSize+int64(len(data)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return fmt.Errorf("rotate audit file: %w", err)
		}
	}

	n, err := w.file.Write(data)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync audit file: %w", err)
	}

	w.currentSize += int64(n)
	return nil
}

func (w *AuditWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close current audit file: %w", err)
	}

	dir := filepath.Join(filepath.Dir(w.path), archiveDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	w.rotationCounter++
	base := filepath.Base(w.path)
	name := fmt.Sprintf("%s.%s.%d%s",
		base[:len(base)-len(auditFileExtension)], timestamp, w.rotationCounter, auditFileExtension)

	if err := os.Rename(w.path, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("archive audit file: %w", err)
	}

	return w.openFile()
}

// Close syncs and closes the audit file.
func (w *AuditWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}
