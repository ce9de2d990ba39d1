// Package gc applies the retention policy: it deletes manifests the policy
// no longer keeps and reclaims every object no surviving manifest
// references.
package gc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/jvs-project/jvb/internal/index"
	"github.com/jvs-project/jvb/internal/repo"
	"github.com/jvs-project/jvb/pkg/errclass"
	"github.com/jvs-project/jvb/pkg/fsutil"
	"github.com/jvs-project/jvb/pkg/logging"
	"github.com/jvs-project/jvb/pkg/model"
)

// JournalFile records an in-flight deletion set.
var JournalFile = filepath.Join(repo.GCDir, "journal.json")

// Collector plans and executes garbage collection.
type Collector struct {
	repo   *repo.Repo
	logger *logging.Logger
	now    func() time.Time
	guard  func() error
}

// NewCollector creates a collector for r.
func NewCollector(r *repo.Repo, logger *logging.Logger) *Collector {
	if logger == nil {
		logger = logging.Global()
	}
	return &Collector{repo: r, logger: logger, now: time.Now}
}

// SetClock overrides the time source.
func (c *Collector) SetClock(now func() time.Time) {
	c.now = now
}

// SetGuard installs a check run immediately before objects are deleted.
// An error stops the run; the journal lets a later run resume.
func (c *Collector) SetGuard(guard func() error) {
	c.guard = guard
}

// Select splits manifests into retained and deleted ids. A manifest is
// retained if it is among the KeepLast newest or younger than KeepWithin.
func Select(manifests []*model.Manifest, policy model.RetentionPolicy, now time.Time) (retained, deleted []model.SnapshotID) {
	ordered := append([]*model.Manifest(nil), manifests...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.SnapshotID > b.SnapshotID
	})
	for i, m := range ordered {
		keep := policy.KeepLast > 0 && i < policy.KeepLast
		if !keep && policy.KeepWithin > 0 && now.Sub(m.CreatedAt) <= policy.KeepWithin {
			keep = true
		}
		if keep {
			retained = append(retained, m.SnapshotID)
		} else {
			deleted = append(deleted, m.SnapshotID)
		}
	}
	sortIDs(retained)
	sortIDs(deleted)
	return retained, deleted
}

func sortIDs(ids []model.SnapshotID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// DryRun computes a plan without persisting it.
func (c *Collector) DryRun(ctx context.Context, policy model.RetentionPolicy) (*model.GCPlan, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	manifests, err := c.repo.Catalog.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load manifests: %w", err)
	}
	now := c.now().UTC()
	retained, deleted := Select(manifests, policy, now)

	plan := &model.GCPlan{
		PlanID:          uuid.NewString(),
		CreatedAt:       now,
		RetentionPolicy: policy,
		Retained:        retained,
		ToDelete:        deleted,
	}

	keep := sets.New(retained...)
	var survivors []*model.Manifest
	for _, m := range manifests {
		if keep.Has(m.SnapshotID) {
			survivors = append(survivors, m)
		}
	}
	objects, err := c.repo.Store.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, h := range sets.List(index.Rebuild(survivors, objects).ZeroReferenced()) {
		obj, err := c.repo.Store.Stat(h)
		if err != nil {
			continue
		}
		plan.ReclaimableObjects++
		plan.ReclaimableBytes += obj.StoredSize
	}
	return plan, nil
}

// Plan computes a plan and writes it to gc/<plan_id>.json.
func (c *Collector) Plan(ctx context.Context, policy model.RetentionPolicy) (*model.GCPlan, error) {
	plan, err := c.DryRun(ctx, policy)
	if err != nil {
		return nil, err
	}
	if err := c.writeJSON(planPath(plan.PlanID), plan); err != nil {
		return nil, fmt.Errorf("write plan: %w", err)
	}
	c.logger.Info("gc plan written", map[string]any{
		"plan_id":     plan.PlanID,
		"retained":    len(plan.Retained),
		"to_delete":   len(plan.ToDelete),
		"reclaimable": plan.ReclaimableObjects,
	})
	return plan, nil
}

// Collect plans and runs in one step.
func (c *Collector) Collect(ctx context.Context, policy model.RetentionPolicy) (*model.GCResult, error) {
	plan, err := c.Plan(ctx, policy)
	if err != nil {
		return nil, err
	}
	return c.Run(ctx, plan.PlanID)
}

// Run executes a persisted plan. The plan is rejected with
// ErrGCPlanMismatch when a manifest it deletes is retained under the
// current state. An unfinished run of the same plan is resumed.
func (c *Collector) Run(ctx context.Context, planID string) (*model.GCResult, error) {
	journal, err := c.loadJournal()
	if err != nil {
		return nil, err
	}
	if journal != nil {
		if journal.PlanID != planID {
			return nil, errclass.ErrGCPlanMismatch.WithMessagef("gc plan %s is unfinished; resume it first", journal.PlanID)
		}
		return c.execute(ctx, journal)
	}

	var plan model.GCPlan
	if err := c.readJSON(planPath(planID), &plan); err != nil {
		return nil, fmt.Errorf("load plan %s: %w", planID, err)
	}

	manifests, err := c.repo.Catalog.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("revalidate plan: %w", err)
	}
	retained, _ := Select(manifests, plan.RetentionPolicy, c.now().UTC())
	keep := sets.New(retained...)
	for _, id := range plan.ToDelete {
		if keep.Has(id) {
			return nil, errclass.ErrGCPlanMismatch.WithMessagef("snapshot %s is now retained", id)
		}
	}

	journal = &model.GCJournal{PlanID: plan.PlanID, StartedAt: c.now().UTC(), ToDelete: plan.ToDelete}
	if err := c.writeJSON(JournalFile, journal); err != nil {
		return nil, fmt.Errorf("write gc journal: %w", err)
	}
	return c.execute(ctx, journal)
}

// Resume finishes an interrupted run. It returns nil when no run is pending.
func (c *Collector) Resume(ctx context.Context) (*model.GCResult, error) {
	journal, err := c.loadJournal()
	if err != nil || journal == nil {
		return nil, err
	}
	c.logger.Warn("resuming interrupted gc", map[string]any{"plan_id": journal.PlanID})
	return c.execute(ctx, journal)
}

func (c *Collector) execute(ctx context.Context, journal *model.GCJournal) (*model.GCResult, error) {
	start := c.now()
	result := &model.GCResult{PlanID: journal.PlanID}
	log := c.logger.WithFields(map[string]any{"plan_id": journal.PlanID})

	idx, err := c.referenceCounts(ctx, journal, log)
	if err != nil {
		log.ErrorErr("refusing to reclaim objects", err)
		return result, err
	}

	for _, id := range journal.ToDelete {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		exists, err := c.repo.Catalog.Exists(id)
		if err != nil {
			return result, err
		}
		if err := c.repo.Catalog.Delete(id); err != nil {
			return result, err
		}
		if exists {
			result.ManifestsDeleted++
		}
	}

	if c.guard != nil {
		if err := c.guard(); err != nil {
			log.ErrorErr("gc stopped before reclaiming objects", err)
			return result, err
		}
	}
	for _, h := range sets.List(idx.ZeroReferenced()) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		var size int64
		if obj, err := c.repo.Store.Stat(h); err == nil {
			size = obj.StoredSize
		}
		err := c.repo.Store.Remove(ctx, h)
		switch {
		case err == nil:
			result.ObjectsDeleted++
			result.BytesReclaimed += size
		case errors.Is(err, errclass.ErrObjectNotFound):
		default:
			return result, err
		}
		idx.Forget(h)
	}

	intents, err := c.repo.Intents()
	if err != nil {
		return result, err
	}
	for _, p := range intents {
		if err := c.repo.FS.Remove(p); err == nil {
			result.IntentsCleared++
		}
	}
	if result.TempFilesCleared, err = c.repo.Store.CleanupTemp(ctx); err != nil {
		return result, err
	}

	if err := idx.Save(c.repo.FS); err != nil {
		return result, err
	}
	if err := c.repo.FS.Remove(JournalFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return result, errclass.ErrStorageIO.Wrap(err, "remove gc journal")
	}
	c.repo.FS.Remove(planPath(journal.PlanID))

	result.Duration = c.now().Sub(start)
	log.Info("gc complete", map[string]any{
		"manifests_deleted": result.ManifestsDeleted,
		"objects_deleted":   result.ObjectsDeleted,
		"bytes_reclaimed":   result.BytesReclaimed,
	})
	return result, nil
}

// referenceCounts derives the counts that remain once the journal's
// manifests are gone. Every surviving manifest must load, every object it
// references must exist, and a persisted index for the current manifest set
// must agree with the rebuild after the deleted manifests are subtracted.
func (c *Collector) referenceCounts(ctx context.Context, journal *model.GCJournal, log *logging.Logger) (*index.Index, error) {
	ids, err := c.repo.Catalog.IDs()
	if err != nil {
		return nil, err
	}
	doomed := sets.New(journal.ToDelete...)
	var survivors, deleted []*model.Manifest
	uncounted := false
	for _, id := range ids {
		m, err := c.repo.Catalog.Load(id)
		switch {
		case err == nil && doomed.Has(id):
			deleted = append(deleted, m)
		case err == nil:
			survivors = append(survivors, m)
		case doomed.Has(id):
			// Its references cannot be subtracted from the cache.
			uncounted = true
		default:
			return nil, fmt.Errorf("load surviving manifest %s: %w", id, err)
		}
	}

	objects, err := c.repo.Store.List(ctx)
	if err != nil {
		return nil, err
	}
	rebuilt := index.Rebuild(survivors, objects)
	if missing := rebuilt.Referenced().Difference(sets.New(objects...)); missing.Len() > 0 {
		return nil, errclass.ErrIndexInconsistent.WithMessagef(
			"%d referenced objects are missing from the store (first %s)", missing.Len(), sets.List(missing)[0])
	}

	cached, err := index.Load(c.repo.FS, ids)
	switch {
	case errors.Is(err, index.ErrStale):
		log.Debug("no index cache for the current manifests")
		return rebuilt, nil
	case err != nil:
		return nil, err
	case uncounted:
		return rebuilt, nil
	}
	for _, m := range deleted {
		if err := cached.RemoveManifest(m); err != nil {
			return nil, fmt.Errorf("%w; remove %s to rebuild it", err, index.FileName)
		}
	}
	if diff := index.Diff(cached, rebuilt); len(diff) > 0 {
		return nil, errclass.ErrIndexInconsistent.WithMessagef(
			"cached index disagrees with manifests on %d objects (first %s); remove %s to rebuild it",
			len(diff), diff[0], index.FileName)
	}
	return rebuilt, nil
}

func (c *Collector) loadJournal() (*model.GCJournal, error) {
	var j model.GCJournal
	err := c.readJSON(JournalFile, &j)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load gc journal: %w", err)
	}
	return &j, nil
}

func planPath(planID string) string {
	return filepath.Join(repo.GCDir, planID+".json")
}

func (c *Collector) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := fsutil.AtomicWrite(c.repo.FS, path, data, 0o644); err != nil {
		return errclass.ErrStorageIO.Wrap(err, "write %s", path)
	}
	return nil
}

func (c *Collector) readJSON(path string, v any) error {
	data, err := afero.ReadFile(c.repo.FS, path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
