package scan

import (
	"bytes"
	"context"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/jvs-project/jvb/pkg/model"
)

// Memory is an in-memory source. Tests use it to stage trees, change files
// between runs and inject read failures.
type Memory struct {
	root string

	mu      sync.Mutex
	entries map[string]*memEntry
}

type memEntry struct {
	rec     Record
	data    []byte
	openErr error
}

// NewMemory returns an empty source reporting root as its root.
func NewMemory(root string) *Memory {
	return &Memory{root: root, entries: map[string]*memEntry{}}
}

// Root returns the reported root.
func (m *Memory) Root() string { return m.root }

// WriteFile adds or replaces a regular file.
func (m *Memory) WriteFile(path string, data []byte, mtime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[path] = &memEntry{
		rec: Record{
			Path:    path,
			Type:    model.FileTypeRegular,
			Size:    int64(len(data)),
			ModTime: mtime,
			Mode:    0o644,
		},
		data: append([]byte(nil), data...),
	}
}

// Mkdir adds a directory.
func (m *Memory) Mkdir(path string, mtime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[path] = &memEntry{rec: Record{Path: path, Type: model.FileTypeDir, ModTime: mtime, Mode: os.ModeDir | 0o755}}
}

// Symlink adds a symbolic link.
func (m *Memory) Symlink(path, target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[path] = &memEntry{rec: Record{Path: path, Type: model.FileTypeSymlink, Target: target, Mode: os.ModeSymlink | 0o777}}
}

// Remove deletes an entry.
func (m *Memory) Remove(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, path)
}

// FailOpen makes opening path fail with err, as if the file vanished or was
// unreadable after it was listed.
func (m *Memory) FailOpen(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[path]; ok {
		e.openErr = err
	}
}

// Scan yields entries in lexical path order.
func (m *Memory) Scan(ctx context.Context, fn WalkFunc) error {
	m.mu.Lock()
	paths := make([]string, 0, len(m.entries))
	for p := range m.entries {
		paths = append(paths, p)
	}
	snapshot := make(map[string]memEntry, len(m.entries))
	for p, e := range m.entries {
		snapshot[p] = *e
	}
	m.mu.Unlock()
	sort.Strings(paths)

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		e := snapshot[p]
		rec := e.rec
		if rec.Type == model.FileTypeRegular {
			data, openErr := e.data, e.openErr
			rec.open = func() (io.ReadCloser, error) {
				if openErr != nil {
					return nil, openErr
				}
				return io.NopCloser(bytes.NewReader(data)), nil
			}
		}
		if err := fn(rec, nil); err != nil {
			return err
		}
	}
	return nil
}
