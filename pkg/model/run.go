package model

import "time"

// FileError is a per-file failure recorded during a run.
type FileError struct {
	Path  string `json:"path"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// RunReport is the user-visible outcome of a backup run.
type RunReport struct {
	RunID        string        `json:"run_id"`
	SnapshotID   SnapshotID    `json:"snapshot_id"`
	Status       RunStatus     `json:"status"`
	Committed    bool          `json:"committed"`
	Scanned      int           `json:"scanned"`
	Reused       int           `json:"reused"`
	Deduplicated int           `json:"deduplicated"`
	Stored       int           `json:"stored"`
	Failed       int           `json:"failed"`
	BytesRead    int64         `json:"bytes_read"`
	BytesStored  int64         `json:"bytes_stored"`
	BytesSaved   int64         `json:"bytes_saved"`
	Duration     time.Duration `json:"duration"`
	Errors       []FileError   `json:"errors,omitempty"`
}
