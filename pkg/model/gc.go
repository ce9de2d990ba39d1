package model

import (
	"time"

	"github.com/jvs-project/jvb/pkg/errclass"
)

// RetentionPolicy configures which snapshots survive GC.
// A snapshot is retained if it matches ANY enabled rule:
// - among the KeepLast most recent snapshots
// - created within KeepWithin of the GC run
type RetentionPolicy struct {
	// KeepLast keeps the N most recent snapshots. Zero disables the rule.
	KeepLast int `json:"keep_last"`

	// KeepWithin keeps snapshots younger than this duration. Zero disables the rule.
	KeepWithin time.Duration `json:"keep_within"`
}

// DefaultRetentionPolicy returns the default retention policy.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{KeepLast: 7}
}

// Validate checks if the retention policy is valid.
func (rp *RetentionPolicy) Validate() error {
	if rp.KeepLast < 0 {
		return errclass.ErrRetentionInvalid.WithMessagef("keep_last must be non-negative (got: %d)", rp.KeepLast)
	}
	if rp.KeepWithin < 0 {
		return errclass.ErrRetentionInvalid.WithMessagef("keep_within must be non-negative (got: %s)", rp.KeepWithin)
	}
	if rp.KeepLast == 0 && rp.KeepWithin == 0 {
		return errclass.ErrRetentionInvalid.WithMessage("at least one of keep_last or keep_within must be set")
	}
	return nil
}

// GCPlan is the output of the gc plan phase.
type GCPlan struct {
	PlanID          string          `json:"plan_id"`
	CreatedAt       time.Time       `json:"created_at"`
	RetentionPolicy RetentionPolicy `json:"retention_policy"`
	Retained        []SnapshotID    `json:"retained"`
	ToDelete        []SnapshotID    `json:"to_delete"`
	// ReclaimableObjects is the number of objects no retained manifest
	// references at planning time.
	ReclaimableObjects int   `json:"reclaimable_objects"`
	ReclaimableBytes   int64 `json:"reclaimable_bytes"`
}

// GCJournal durably records manifest deletions before any object is
// reclaimed, so an interrupted GC can resume.
type GCJournal struct {
	PlanID    string       `json:"plan_id"`
	StartedAt time.Time    `json:"started_at"`
	ToDelete  []SnapshotID `json:"to_delete"`
}

// GCResult summarizes an executed plan.
type GCResult struct {
	PlanID           string        `json:"plan_id"`
	ManifestsDeleted int           `json:"manifests_deleted"`
	ObjectsDeleted   int           `json:"objects_deleted"`
	BytesReclaimed   int64         `json:"bytes_reclaimed"`
	IntentsCleared   int           `json:"intents_cleared"`
	TempFilesCleared int           `json:"temp_files_cleared"`
	Duration         time.Duration `json:"duration"`
}
