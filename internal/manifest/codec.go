// Package manifest stores snapshot manifests: checksummed JSON documents
// committed atomically under manifests/<id>.json.
package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/jvs-project/jvb/internal/integrity"
	"github.com/jvs-project/jvb/pkg/errclass"
	"github.com/jvs-project/jvb/pkg/model"
	"github.com/jvs-project/jvb/pkg/pathutil"
)

const checksumKey = "checksum"

// ComputeChecksum hashes the canonical form of a manifest document with its
// checksum key removed. Keys this build does not know are included.
func ComputeChecksum(raw []byte) (model.HashValue, error) {
	return integrity.DocumentChecksum(raw, checksumKey)
}

// Encode stamps the format version and checksum on m and returns the
// indented JSON document.
func Encode(m *model.Manifest) ([]byte, error) {
	m.FormatVersion = model.ManifestFormatVersion
	m.Checksum = ""
	if m.Entries == nil {
		m.Entries = []model.FileEntry{}
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	sum, err := ComputeChecksum(raw)
	if err != nil {
		return nil, fmt.Errorf("checksum manifest: %w", err)
	}
	m.Checksum = sum

	out, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	return out, nil
}

// Decode parses and verifies a manifest document.
func Decode(raw []byte) (*model.Manifest, error) {
	var m model.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errclass.ErrManifestCorrupt.Wrap(err, "parse manifest")
	}
	if m.FormatVersion > model.ManifestFormatVersion {
		return nil, errclass.ErrFormatUnsupported.WithMessagef(
			"manifest %s has format_version %d, newest supported is %d",
			m.SnapshotID, m.FormatVersion, model.ManifestFormatVersion)
	}
	if m.FormatVersion < 1 {
		return nil, errclass.ErrManifestCorrupt.WithMessagef("manifest %s has no format_version", m.SnapshotID)
	}
	if m.SnapshotID == "" {
		return nil, errclass.ErrManifestCorrupt.WithMessage("manifest has no snapshot_id")
	}

	sum, err := ComputeChecksum(raw)
	if err != nil {
		return nil, errclass.ErrManifestCorrupt.Wrap(err, "checksum manifest %s", m.SnapshotID)
	}
	if sum != m.Checksum {
		return nil, errclass.ErrManifestCorrupt.WithMessagef(
			"manifest %s checksum mismatch: recorded %s, computed %s", m.SnapshotID, m.Checksum, sum)
	}

	for _, e := range m.Entries {
		if err := pathutil.ValidateEntryPath(e.Path); err != nil {
			return nil, errclass.ErrManifestCorrupt.Wrap(err, "manifest %s", m.SnapshotID)
		}
		if e.Type == model.FileTypeRegular {
			if _, err := model.ParseContentHash(string(e.Hash)); err != nil {
				return nil, errclass.ErrManifestCorrupt.Wrap(err, "manifest %s entry %s", m.SnapshotID, e.Path)
			}
		}
	}
	return &m, nil
}
