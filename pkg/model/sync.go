package model

import "time"

// RemoteManifest describes one manifest held by a remote.
type RemoteManifest struct {
	SnapshotID SnapshotID `json:"snapshot_id"`
	Checksum   HashValue  `json:"checksum"`
}

// SyncReport summarizes a remote sync run.
type SyncReport struct {
	ObjectsUploaded   int           `json:"objects_uploaded"`
	BytesUploaded     int64         `json:"bytes_uploaded"`
	ManifestsUploaded int           `json:"manifests_uploaded"`
	ManifestsPruned   int           `json:"manifests_pruned"`
	Retries           int           `json:"retries"`
	Duration          time.Duration `json:"duration"`
}
