package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"
)

// ManifestFormatVersion is the newest manifest layout this build writes and reads.
const ManifestFormatVersion = 1

// SnapshotID is the unique identifier for a snapshot: <unix_ms>-<rand8hex>.
// Lexical order matches creation order at millisecond granularity.
type SnapshotID string

// NewSnapshotID generates a new unique snapshot ID.
func NewSnapshotID() SnapshotID {
	return NewSnapshotIDAt(time.Now())
}

// NewSnapshotIDAt generates a snapshot ID for the given creation time.
func NewSnapshotIDAt(t time.Time) SnapshotID {
	var randBytes [4]byte
	if _, err := rand.Read(randBytes[:]); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return SnapshotID(fmt.Sprintf("%013d-%s", t.UnixMilli(), hex.EncodeToString(randBytes[:])))
}

// String returns the full snapshot ID as string.
func (id SnapshotID) String() string {
	return string(id)
}

// FileEntry is one file's metadata in a snapshot manifest.
type FileEntry struct {
	Path    string      `json:"path"`
	Type    FileType    `json:"type"`
	Hash    ContentHash `json:"hash,omitempty"`
	Size    int64       `json:"size"`
	ModTime time.Time   `json:"mtime"`
	Mode    os.FileMode `json:"mode"`
	UID     int         `json:"uid"`
	GID     int         `json:"gid"`
	User    string      `json:"user,omitempty"`
	Group   string      `json:"group,omitempty"`
	// Target is the link target for symlinks.
	Target string `json:"target,omitempty"`
}

// ManifestStats summarizes how a snapshot was produced.
type ManifestStats struct {
	Files        int   `json:"files"`
	Reused       int   `json:"reused"`
	Deduplicated int   `json:"deduplicated"`
	Stored       int   `json:"stored"`
	Failed       int   `json:"failed"`
	BytesRead    int64 `json:"bytes_read"`
	BytesStored  int64 `json:"bytes_stored"`
	TotalSize    int64 `json:"total_size"`
}

// Manifest is the complete listing of files and their content references
// for one snapshot. It is immutable once committed.
type Manifest struct {
	FormatVersion int           `json:"format_version"`
	SnapshotID    SnapshotID    `json:"snapshot_id"`
	ParentID      *SnapshotID   `json:"parent_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	SourceRoot    string        `json:"source_root"`
	Hostname      string        `json:"hostname,omitempty"`
	Status        RunStatus     `json:"status"`
	Note          string        `json:"note,omitempty"`
	Tags          []string      `json:"tags,omitempty"`
	Stats         ManifestStats `json:"stats"`
	Entries       []FileEntry   `json:"entries"`
	Checksum      HashValue     `json:"checksum"`
}

// Hashes returns every content hash referenced by the manifest, one element
// per referencing entry (duplicates included).
func (m *Manifest) Hashes() []ContentHash {
	hashes := make([]ContentHash, 0, len(m.Entries))
	for _, e := range m.Entries {
		if e.Type == FileTypeRegular && e.Hash != "" {
			hashes = append(hashes, e.Hash)
		}
	}
	return hashes
}

// Lookup builds a path index over the manifest entries.
func (m *Manifest) Lookup() map[string]*FileEntry {
	idx := make(map[string]*FileEntry, len(m.Entries))
	for i := range m.Entries {
		idx[m.Entries[i].Path] = &m.Entries[i]
	}
	return idx
}

// IntentRecord tracks an in-progress backup run for crash recovery.
type IntentRecord struct {
	RunID      string     `json:"run_id"`
	SnapshotID SnapshotID `json:"snapshot_id"`
	SourceRoot string     `json:"source_root"`
	StartedAt  time.Time  `json:"started_at"`
	PID        int        `json:"pid"`
}
