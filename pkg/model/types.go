package model

import (
	"encoding/hex"
	"fmt"
)

// HashValue is a SHA-256 hash stored as hex string. Used for manifest
// checksums and the audit chain.
type HashValue string

// ContentHashSize is the digest length of a content hash in bytes.
const ContentHashSize = 32

// ContentHash identifies one unique content blob: the BLAKE3-256 digest of a
// file's uncompressed bytes, hex encoded.
type ContentHash string

// NewContentHash encodes a raw digest.
func NewContentHash(sum [ContentHashSize]byte) ContentHash {
	return ContentHash(hex.EncodeToString(sum[:]))
}

// ParseContentHash validates s as a hex encoded content hash.
func ParseContentHash(s string) (ContentHash, error) {
	if len(s) != ContentHashSize*2 {
		return "", fmt.Errorf("content hash %q: want %d hex characters, got %d", s, ContentHashSize*2, len(s))
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return "", fmt.Errorf("content hash %q: invalid character %q", s, c)
		}
	}
	return ContentHash(s), nil
}

// String returns the full hex digest.
func (h ContentHash) String() string {
	return string(h)
}

// Short returns the first 12 characters for display.
func (h ContentHash) Short() string {
	s := string(h)
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

// FileType is the kind of filesystem entry recorded in a manifest.
type FileType string

const (
	FileTypeRegular FileType = "file"
	FileTypeSymlink FileType = "symlink"
	FileTypeDir     FileType = "dir"
	FileTypeSpecial FileType = "special"
)

// RunStatus is the completion state of a backup run.
type RunStatus string

const (
	RunComplete    RunStatus = "complete"
	RunFailed      RunStatus = "failed"
	RunInterrupted RunStatus = "interrupted"
)
