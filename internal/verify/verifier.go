// Package verify checks repository integrity and backup freshness.
package verify

import (
	"context"
	"errors"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/jvs-project/jvb/internal/audit"
	"github.com/jvs-project/jvb/internal/pipeline"
	"github.com/jvs-project/jvb/internal/repo"
	"github.com/jvs-project/jvb/pkg/errclass"
	"github.com/jvs-project/jvb/pkg/logging"
	"github.com/jvs-project/jvb/pkg/model"
)

// Problem is one integrity finding.
type Problem struct {
	SnapshotID model.SnapshotID  `json:"snapshot_id,omitempty"`
	Hash       model.ContentHash `json:"hash,omitempty"`
	Code       string            `json:"code"`
	Error      string            `json:"error"`
}

// Report is the outcome of Verify.
type Report struct {
	Manifests      int                 `json:"manifests"`
	ObjectsChecked int                 `json:"objects_checked"`
	Problems       []Problem           `json:"problems,omitempty"`
	Orphans        []model.ContentHash `json:"orphans,omitempty"`
	AuditRecords   int                 `json:"audit_records"`
	Full           bool                `json:"full"`
}

// Healthy reports whether no problems were found. Orphans are not problems;
// GC reclaims them.
func (r *Report) Healthy() bool {
	return len(r.Problems) == 0
}

// Verifier inspects a repository without modifying it.
type Verifier struct {
	repo   *repo.Repo
	logger *logging.Logger
	now    func() time.Time
}

// NewVerifier creates a verifier.
func NewVerifier(r *repo.Repo, logger *logging.Logger) *Verifier {
	if logger == nil {
		logger = logging.Global()
	}
	return &Verifier{repo: r, logger: logger, now: time.Now}
}

// SetClock overrides the time source.
func (v *Verifier) SetClock(now func() time.Time) {
	v.now = now
}

// Verify checks every manifest checksum and that every referenced object
// exists. With full set, every stored object is also decoded and rehashed.
// The audit chain is verified in both modes.
func (v *Verifier) Verify(ctx context.Context, full bool, workers int) (*Report, error) {
	report := &Report{Full: full}

	ids, err := v.repo.Catalog.IDs()
	if err != nil {
		return nil, err
	}
	referenced := sets.New[model.ContentHash]()
	owner := make(map[model.ContentHash]model.SnapshotID)
	for _, id := range ids {
		m, err := v.repo.Catalog.Load(id)
		if err != nil {
			report.Problems = append(report.Problems, problem(id, "", err))
			continue
		}
		report.Manifests++
		for _, h := range m.Hashes() {
			if !referenced.Has(h) {
				referenced.Insert(h)
				owner[h] = id
			}
		}
	}

	stored, err := v.repo.Store.List(ctx)
	if err != nil {
		return nil, err
	}
	present := sets.New(stored...)
	for _, h := range sets.List(referenced.Difference(present)) {
		report.Problems = append(report.Problems, problem(owner[h], h,
			errclass.ErrObjectNotFound.WithMessagef("object %s referenced by %s", h, owner[h])))
	}
	report.Orphans = sets.List(present.Difference(referenced))

	if full {
		outcomes, err := pipeline.Run(ctx, workers, workers*2, stored, func(ctx context.Context, h model.ContentHash) (struct{}, error) {
			_, err := v.repo.Store.Get(ctx, h)
			return struct{}{}, err
		})
		if err != nil {
			return nil, err
		}
		for _, o := range outcomes {
			report.ObjectsChecked++
			if o.Err != nil {
				if errors.Is(o.Err, context.Canceled) {
					return nil, o.Err
				}
				report.Problems = append(report.Problems, problem(owner[o.Task], o.Task, o.Err))
			}
		}
	} else {
		report.ObjectsChecked = referenced.Intersection(present).Len()
	}

	n, err := audit.NewLog(v.repo.FS).Verify()
	report.AuditRecords = n
	if err != nil {
		report.Problems = append(report.Problems, problem("", "", err))
	}

	fields := map[string]any{
		"manifests": report.Manifests,
		"objects":   report.ObjectsChecked,
		"problems":  len(report.Problems),
		"orphans":   len(report.Orphans),
		"full":      full,
	}
	if report.Healthy() {
		v.logger.Info("verify passed", fields)
	} else {
		v.logger.Error("verify found problems", fields)
	}
	return report, nil
}

func problem(id model.SnapshotID, h model.ContentHash, err error) Problem {
	p := Problem{SnapshotID: id, Hash: h, Error: err.Error(), Code: "E_UNKNOWN"}
	var je *errclass.JVSError
	if errors.As(err, &je) {
		p.Code = je.Code
	}
	return p
}

// CheckFreshness returns the newest snapshot, or ErrStaleBackup when it is
// older than maxAge or no snapshot exists.
func (v *Verifier) CheckFreshness(maxAge time.Duration) (*model.Manifest, error) {
	latest, err := v.repo.Catalog.Latest()
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, errclass.ErrStaleBackup.WithMessage("no snapshots exist")
	}
	age := v.now().Sub(latest.CreatedAt)
	if maxAge > 0 && age > maxAge {
		return latest, errclass.ErrStaleBackup.WithMessagef("newest snapshot %s is %s old (limit %s)",
			latest.SnapshotID, age.Round(time.Second), maxAge)
	}
	return latest, nil
}
