// Package scan walks a source directory and yields one record per entry.
// It applies no include or exclude rules and never follows symlinks.
package scan

import (
	"context"
	"io"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/jvs-project/jvb/pkg/model"
	"github.com/jvs-project/jvb/pkg/pathutil"
)

// Record describes one filesystem entry relative to the scan root.
type Record struct {
	Path    string
	Type    model.FileType
	Size    int64
	ModTime time.Time
	Mode    os.FileMode
	UID     int
	GID     int
	User    string
	Group   string
	Target  string

	open func() (io.ReadCloser, error)
}

// Open opens a regular file's content for reading.
func (r Record) Open() (io.ReadCloser, error) {
	if r.open == nil {
		return nil, &fs.PathError{Op: "open", Path: r.Path, Err: fs.ErrInvalid}
	}
	return r.open()
}

// WithOpener returns a copy of r whose content comes from open. Used by
// in-memory sources.
func (r Record) WithOpener(open func() (io.ReadCloser, error)) Record {
	r.open = open
	return r
}

// WalkFunc receives each record in lexical order. A non-nil err reports a
// per-path failure (rec.Path is set); returning an error stops the walk.
type WalkFunc func(rec Record, err error) error

// Source produces scanner records.
type Source interface {
	Scan(ctx context.Context, fn WalkFunc) error
	Root() string
}

// Dir scans a directory on the host filesystem.
type Dir struct {
	root  string
	names *nameCache
}

// NewDir returns a source rooted at root.
func NewDir(root string) *Dir {
	return &Dir{root: filepath.Clean(root), names: newNameCache()}
}

// Root returns the absolute scan root, or the cleaned root if it cannot
// be made absolute.
func (d *Dir) Root() string {
	if abs, err := filepath.Abs(d.root); err == nil {
		return abs
	}
	return d.root
}

// Walk scans the host directory root.
func Walk(ctx context.Context, root string, fn WalkFunc) error {
	return NewDir(root).Scan(ctx, fn)
}

// Scan walks the tree. An unreadable root is returned as an error; any
// other unreadable path is passed to fn.
func (d *Dir) Scan(ctx context.Context, fn WalkFunc) error {
	if _, err := os.Lstat(d.root); err != nil {
		return err
	}
	return filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == d.root {
			if walkErr != nil {
				return walkErr
			}
			return nil
		}
		rel, err := filepath.Rel(d.root, path)
		if err != nil {
			return err
		}
		rec := Record{Path: pathutil.NormalizeEntryPath(rel)}

		if walkErr != nil {
			if err := fn(rec, walkErr); err != nil {
				return err
			}
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return fn(rec, err)
		}
		rec, err = d.record(rec, path, info)
		if err != nil {
			return fn(rec, err)
		}
		return fn(rec, nil)
	})
}

func (d *Dir) record(rec Record, path string, info os.FileInfo) (Record, error) {
	rec.Mode = info.Mode()
	rec.ModTime = info.ModTime()
	rec.UID, rec.GID = owner(info)
	rec.User = d.names.user(rec.UID)
	rec.Group = d.names.group(rec.GID)

	switch {
	case info.Mode().IsRegular():
		rec.Type = model.FileTypeRegular
		rec.Size = info.Size()
		rec.open = func() (io.ReadCloser, error) { return os.Open(path) }
	case info.Mode()&os.ModeSymlink != 0:
		rec.Type = model.FileTypeSymlink
		target, err := os.Readlink(path)
		if err != nil {
			return rec, err
		}
		rec.Target = target
	case info.IsDir():
		rec.Type = model.FileTypeDir
	default:
		rec.Type = model.FileTypeSpecial
	}
	return rec, nil
}

type nameCache struct {
	mu     sync.Mutex
	users  map[int]string
	groups map[int]string
}

func newNameCache() *nameCache {
	return &nameCache{users: map[int]string{}, groups: map[int]string{}}
}

func (c *nameCache) user(uid int) string {
	if uid < 0 {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if name, ok := c.users[uid]; ok {
		return name
	}
	name := ""
	if u, err := user.LookupId(strconv.Itoa(uid)); err == nil {
		name = u.Username
	}
	c.users[uid] = name
	return name
}

func (c *nameCache) group(gid int) string {
	if gid < 0 {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if name, ok := c.groups[gid]; ok {
		return name
	}
	name := ""
	if g, err := user.LookupGroupId(strconv.Itoa(gid)); err == nil {
		name = g.Name
	}
	c.groups[gid] = name
	return name
}
