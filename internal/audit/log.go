// Package audit keeps a tamper-evident, hash-chained JSONL log of
// repository mutations.
package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/jvs-project/jvb/internal/integrity"
	"github.com/jvs-project/jvb/pkg/errclass"
	"github.com/jvs-project/jvb/pkg/model"
)

// Path is the log location relative to the repository.
var Path = filepath.Join("audit", "audit.jsonl")

// Log appends audit records to a JSONL file. Each record carries the hash
// of its predecessor.
type Log struct {
	fs  afero.Fs
	mu  sync.Mutex
	now func() time.Time
}

// NewLog opens the audit log of a repository filesystem.
func NewLog(fs afero.Fs) *Log {
	return &Log{fs: fs, now: time.Now}
}

// SetClock overrides the time source.
func (l *Log) SetClock(now func() time.Time) {
	l.now = now
}

// Append adds a record to the end of the chain.
func (l *Log) Append(event model.AuditEventType, snapshotID model.SnapshotID, details map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.fs.MkdirAll(filepath.Dir(Path), 0o755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	file, err := l.fs.OpenFile(Path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	prevHash, err := lastHash(file)
	if err != nil {
		return err
	}

	record := &model.AuditRecord{
		Timestamp:  l.now().UTC(),
		EventType:  event,
		SnapshotID: snapshotID,
		Details:    details,
		PrevHash:   prevHash,
	}
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	if record.RecordHash, err = recordHash(line); err != nil {
		return err
	}
	if line, err = json.Marshal(record); err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seek to end: %w", err)
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	return file.Sync()
}

// LastHash returns the hash of the newest record, or "" for an empty log.
func (l *Log) LastHash() (model.HashValue, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := l.fs.Open(Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()
	return lastHash(file)
}

// Records returns every record in append order.
func (l *Log) Records() ([]model.AuditRecord, error) {
	var out []model.AuditRecord
	err := l.each(func(_ int, _ []byte, rec model.AuditRecord) error {
		out = append(out, rec)
		return nil
	})
	return out, err
}

// Verify walks the chain and returns the number of intact records. A
// record whose hash or back-link does not match yields ErrAuditChainBroken.
func (l *Log) Verify() (int, error) {
	var (
		prev  model.HashValue
		count int
	)
	err := l.each(func(lineNo int, raw []byte, rec model.AuditRecord) error {
		if rec.PrevHash != prev {
			return errclass.ErrAuditChainBroken.WithMessagef("line %d: prev_hash does not match preceding record", lineNo)
		}
		want, err := recordHash(raw)
		if err != nil {
			return err
		}
		if rec.RecordHash != want {
			return errclass.ErrAuditChainBroken.WithMessagef("line %d: record_hash mismatch", lineNo)
		}
		prev = rec.RecordHash
		count++
		return nil
	})
	return count, err
}

func (l *Log) each(fn func(lineNo int, raw []byte, rec model.AuditRecord) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := l.fs.Open(Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec model.AuditRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return errclass.ErrAuditChainBroken.WithMessagef("line %d: %v", lineNo, err)
		}
		if err := fn(lineNo, raw, rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan audit log: %w", err)
	}
	return nil
}

func lastHash(file afero.File) (model.HashValue, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("seek to start: %w", err)
	}
	var last model.HashValue
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec model.AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		last = rec.RecordHash
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan audit log: %w", err)
	}
	return last, nil
}

// recordHash hashes the canonical form of a serialized record with its
// record_hash field removed.
func recordHash(raw []byte) (model.HashValue, error) {
	return integrity.DocumentChecksum(raw, "record_hash")
}
