package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Rajchodisetti/tradegate/internal/observ"
	"github.com/Rajchodisetti/tradegate/internal/safety"
)

// AuditReader is implemented by every audit backend that can serve history.
type AuditReader interface {
	Recent(ctx context.Context, limit int) ([]safety.LogEntry, error)
}

// AuditFile is the append-only JSONL emergency log. Each entry is fsynced
// before Append returns; the file is never rewritten.
type AuditFile struct {
	mu   sync.Mutex
	path string
}

func NewAuditFile(path string) *AuditFile { return &AuditFile{path: path} }

func (f *AuditFile) Append(ctx context.Context, e safety.LogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return appendJSONLine(f.path, e)
}

// appendJSONLine writes v as one line and fsyncs before returning.
func appendJSONLine(path string, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s line: %w", filepath.Base(path), err)
	}
	line = append(line, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := file.Write(line); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// ReadAll returns every parseable entry in file order. Malformed lines are
// skipped and logged.
func (f *AuditFile) ReadAll(ctx context.Context) ([]safety.LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var (
		entries []safety.LogEntry
		lineNo  int
	)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineNo++
		if lineNo%256 == 0 {
			if err := ctx.Err(); err != nil {
				return entries, err
			}
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e safety.LogEntry
		if err := json.Unmarshal(line, &e); err != nil {
			observ.Warn("audit_line_malformed", map[string]any{
				"path":  f.path,
				"line":  lineNo,
				"error": err.Error(),
			})
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

func (f *AuditFile) Recent(ctx context.Context, limit int) ([]safety.LogEntry, error) {
	all, err := f.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	return tail(all, limit), nil
}

func tail(entries []safety.LogEntry, limit int) []safety.LogEntry {
	if limit <= 0 || limit >= len(entries) {
		return entries
	}
	return entries[len(entries)-limit:]
}
