package model

import "time"

// AuditEventType identifies the type of auditable event.
type AuditEventType string

const (
	EventTypeBackupCommit AuditEventType = "backup_commit"
	EventTypeBackupAbort  AuditEventType = "backup_abort"
	EventTypeGCPlan       AuditEventType = "gc_plan"
	EventTypeGCRun        AuditEventType = "gc_run"
	EventTypeSync         AuditEventType = "sync"
	EventTypeRestore      AuditEventType = "restore"
)

// AuditRecord is a single line in the audit log (JSONL format).
type AuditRecord struct {
	Timestamp  time.Time      `json:"timestamp"`
	EventType  AuditEventType `json:"event_type"`
	SnapshotID SnapshotID     `json:"snapshot_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	PrevHash   HashValue      `json:"prev_hash"`
	RecordHash HashValue      `json:"record_hash"`
}
