package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/jvs-project/jvb/pkg/errclass"
	"github.com/jvs-project/jvb/pkg/fsutil"
	"github.com/jvs-project/jvb/pkg/model"
)

// Dir holds committed manifests relative to the repository.
const Dir = "manifests"

const ext = ".json"

// Catalog reads and writes manifests on a repository filesystem.
type Catalog struct {
	fs afero.Fs
}

// NewCatalog creates a catalog.
func NewCatalog(fs afero.Fs) *Catalog {
	return &Catalog{fs: fs}
}

// Path returns the manifest path for id.
func Path(id model.SnapshotID) string {
	return filepath.Join(Dir, string(id)+ext)
}

// Commit writes m atomically. This is the commit point of a backup run;
// an existing manifest is never overwritten.
func (c *Catalog) Commit(m *model.Manifest) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	return c.write(m.SnapshotID, data)
}

// Import stores a verified manifest document byte for byte, keeping fields
// this build does not know. A stored copy with the same checksum is kept; a
// differing one is replaced.
func (c *Catalog) Import(raw []byte) (*model.Manifest, error) {
	m, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	if existing, err := c.Raw(m.SnapshotID); err == nil {
		if old, derr := Decode(existing); derr == nil && old.Checksum == m.Checksum {
			return old, nil
		}
		if err := fsutil.RemoveAndSync(c.fs, Path(m.SnapshotID)); err != nil {
			return nil, errclass.ErrStorageIO.Wrap(err, "replace manifest %s", m.SnapshotID)
		}
	}
	if err := c.write(m.SnapshotID, raw); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *Catalog) write(id model.SnapshotID, data []byte) error {
	path := Path(id)
	if ok, _ := afero.Exists(c.fs, path); ok {
		return errclass.ErrStorageIO.WithMessagef("manifest %s already exists", id)
	}
	if err := fsutil.AtomicWrite(c.fs, path, data, 0o644); err != nil {
		return errclass.ErrStorageIO.Wrap(err, "commit manifest %s", id)
	}
	return nil
}

// Raw returns the stored document for id.
func (c *Catalog) Raw(id model.SnapshotID) ([]byte, error) {
	data, err := afero.ReadFile(c.fs, Path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, errclass.ErrSnapshotNotFound.WithMessagef("manifest %s", id)
	}
	if err != nil {
		return nil, errclass.ErrStorageIO.Wrap(err, "read manifest %s", id)
	}
	return data, nil
}

// Exists reports whether a manifest is committed.
func (c *Catalog) Exists(id model.SnapshotID) (bool, error) {
	return afero.Exists(c.fs, Path(id))
}

// Load reads and verifies one manifest.
func (c *Catalog) Load(id model.SnapshotID) (*model.Manifest, error) {
	data, err := c.Raw(id)
	if err != nil {
		return nil, err
	}
	m, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if m.SnapshotID != id {
		return nil, errclass.ErrManifestCorrupt.WithMessagef("manifest file %s holds snapshot %s", id, m.SnapshotID)
	}
	return m, nil
}

// IDs lists committed manifest ids in ascending (chronological) order.
func (c *Catalog) IDs() ([]model.SnapshotID, error) {
	entries, err := afero.ReadDir(c.fs, Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errclass.ErrStorageIO.Wrap(err, "read manifests directory")
	}

	var ids []model.SnapshotID
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || fsutil.IsTemp(name) || !strings.HasSuffix(name, ext) {
			continue
		}
		ids = append(ids, model.SnapshotID(strings.TrimSuffix(name, ext)))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// LoadAll loads every manifest, oldest first. Any unreadable manifest fails
// the call: callers that reclaim storage must see every reference.
func (c *Catalog) LoadAll() ([]*model.Manifest, error) {
	ids, err := c.IDs()
	if err != nil {
		return nil, err
	}
	out := make([]*model.Manifest, 0, len(ids))
	for _, id := range ids {
		m, err := c.Load(id)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	sortOldestFirst(out)
	return out, nil
}

// ListAll returns every readable manifest, newest first. Corrupt manifests
// are skipped.
func (c *Catalog) ListAll() ([]*model.Manifest, error) {
	ids, err := c.IDs()
	if err != nil {
		return nil, err
	}
	var out []*model.Manifest
	for _, id := range ids {
		m, err := c.Load(id)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	sortOldestFirst(out)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Latest returns the newest complete manifest, or nil when none exists.
func (c *Catalog) Latest() (*model.Manifest, error) {
	ids, err := c.IDs()
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	var newest *model.Manifest
	for _, id := range ids {
		m, err := c.Load(id)
		if err != nil {
			return nil, err
		}
		if m.Status != model.RunComplete {
			continue
		}
		if newest == nil || newer(m, newest) {
			newest = m
		}
	}
	return newest, nil
}

// Delete removes a manifest. Deleting an absent manifest succeeds so an
// interrupted GC can be replayed.
func (c *Catalog) Delete(id model.SnapshotID) error {
	err := fsutil.RemoveAndSync(c.fs, Path(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return errclass.ErrStorageIO.Wrap(err, "delete manifest %s", id)
	}
	return nil
}

func newer(a, b *model.Manifest) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.SnapshotID > b.SnapshotID
}

func sortOldestFirst(ms []*model.Manifest) {
	sort.SliceStable(ms, func(i, j int) bool { return newer(ms[j], ms[i]) })
}

// FilterOptions for searching snapshots.
type FilterOptions struct {
	NoteContains string
	HasTag       string
	SourceRoot   string
	Since        time.Time
	Until        time.Time
}

// Find returns snapshots matching filter criteria, newest first.
func (c *Catalog) Find(opts FilterOptions) ([]*model.Manifest, error) {
	all, err := c.ListAll()
	if err != nil {
		return nil, err
	}
	var result []*model.Manifest
	for _, m := range all {
		if matchesFilter(m, opts) {
			result = append(result, m)
		}
	}
	return result, nil
}

func matchesFilter(m *model.Manifest, opts FilterOptions) bool {
	if opts.NoteContains != "" && !strings.Contains(m.Note, opts.NoteContains) {
		return false
	}
	if opts.HasTag != "" && !hasTag(m, opts.HasTag) {
		return false
	}
	if opts.SourceRoot != "" && m.SourceRoot != opts.SourceRoot {
		return false
	}
	if !opts.Since.IsZero() && m.CreatedAt.Before(opts.Since) {
		return false
	}
	if !opts.Until.IsZero() && m.CreatedAt.After(opts.Until) {
		return false
	}
	return true
}

func hasTag(m *model.Manifest, tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Resolve finds a single snapshot by exact id, id prefix, tag or note
// prefix. An empty query selects the latest snapshot.
func (c *Catalog) Resolve(query string) (*model.Manifest, error) {
	if query == "" {
		m, err := c.Latest()
		if err != nil {
			return nil, err
		}
		if m == nil {
			return nil, errclass.ErrSnapshotNotFound.WithMessage("repository has no snapshots")
		}
		return m, nil
	}
	if ok, _ := c.Exists(model.SnapshotID(query)); ok {
		return c.Load(model.SnapshotID(query))
	}

	all, err := c.ListAll()
	if err != nil {
		return nil, err
	}
	var matches []*model.Manifest
	for _, m := range all {
		if matchesQuery(m, query) {
			matches = append(matches, m)
		}
	}
	if len(matches) == 0 {
		return nil, errclass.ErrSnapshotNotFound.WithMessagef("no snapshot matches %q", query)
	}
	if len(matches) > 1 {
		var ids []string
		for _, m := range matches {
			ids = append(ids, string(m.SnapshotID))
		}
		return nil, fmt.Errorf("ambiguous query %q matches multiple snapshots: %s", query, strings.Join(ids, ", "))
	}
	return matches[0], nil
}

func matchesQuery(m *model.Manifest, query string) bool {
	if strings.HasPrefix(string(m.SnapshotID), query) {
		return true
	}
	for _, tag := range m.Tags {
		if tag == query {
			return true
		}
	}
	return m.Note != "" && strings.HasPrefix(m.Note, query)
}
