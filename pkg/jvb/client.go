package jvb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/jvs-project/jvb/internal/audit"
	"github.com/jvs-project/jvb/internal/gc"
	"github.com/jvs-project/jvb/internal/lock"
	"github.com/jvs-project/jvb/internal/manifest"
	"github.com/jvs-project/jvb/internal/remote"
	"github.com/jvs-project/jvb/internal/repo"
	"github.com/jvs-project/jvb/internal/restore"
	"github.com/jvs-project/jvb/internal/scan"
	"github.com/jvs-project/jvb/internal/snapshot"
	"github.com/jvs-project/jvb/internal/verify"
	"github.com/jvs-project/jvb/pkg/config"
	"github.com/jvs-project/jvb/pkg/logging"
	"github.com/jvs-project/jvb/pkg/metrics"
	"github.com/jvs-project/jvb/pkg/model"
	"github.com/jvs-project/jvb/pkg/progress"
)

type (
	// RestoreResult summarizes a restore.
	RestoreResult = restore.Result
	// VerifyReport is the outcome of a verify run.
	VerifyReport = verify.Report
	// FilterOptions narrows a snapshot listing.
	FilterOptions = manifest.FilterOptions
)

// Client provides high-level JVB operations on a repository.
type Client struct {
	repo    *repo.Repo
	logger  *logging.Logger
	metrics *metrics.Registry
	audit   *audit.Log
	locks   *lock.Manager
	http    *http.Client
	now     func() time.Time
}

// BackupOptions configures a backup run. Zero values fall back to the
// repository configuration.
type BackupOptions struct {
	Note      string
	Tags      []string
	RehashAll bool
	Workers   int
	Progress  progress.Callback
}

// GCOptions configures garbage collection. When both retention fields are
// zero the configured retention policy applies.
type GCOptions struct {
	KeepLast   int
	KeepWithin time.Duration
	DryRun     bool
}

// GCReport is the outcome of a GC call.
type GCReport struct {
	Plan *model.GCPlan `json:"plan"`
	// Result is nil for a dry run.
	Result *model.GCResult `json:"result,omitempty"`
	// Resumed is set when an interrupted earlier run was finished first.
	Resumed *model.GCResult `json:"resumed,omitempty"`
}

// RestoreOptions configures a restore.
type RestoreOptions struct {
	// Snapshot is an id, id prefix, tag or note prefix. Empty means latest.
	Snapshot string
	Workers  int
	Progress progress.Callback
}

// Init initializes a new repository at path.
func Init(path string) (*Client, error) {
	r, err := repo.Init(path)
	if err != nil {
		return nil, fmt.Errorf("jvb init: %w", err)
	}
	return newClient(r), nil
}

// Open opens the repository at or above path.
func Open(path string) (*Client, error) {
	r, err := repo.Discover(path)
	if err != nil {
		return nil, fmt.Errorf("jvb open: %w", err)
	}
	return newClient(r), nil
}

// OpenOrInit opens the repository at path, initializing it first if needed.
func OpenOrInit(path string) (*Client, error) {
	if _, err := os.Stat(filepath.Join(path, repo.FormatVersionFile)); err == nil {
		return Open(path)
	}
	return Init(path)
}

// InitFS initializes a repository on fs. A nil cfg uses the defaults.
func InitFS(fs afero.Fs, cfg *config.Config) (*Client, error) {
	r, err := repo.InitFS(fs, cfg)
	if err != nil {
		return nil, fmt.Errorf("jvb init: %w", err)
	}
	return newClient(r), nil
}

// OpenFS opens a repository laid out on fs.
func OpenFS(fs afero.Fs, cfg *config.Config) (*Client, error) {
	r, err := repo.OpenFS(fs, cfg)
	if err != nil {
		return nil, fmt.Errorf("jvb open: %w", err)
	}
	return newClient(r), nil
}

func newClient(r *repo.Repo) *Client {
	level, err := logging.ParseLevel(r.Config.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	return &Client{
		repo:    r,
		logger:  logging.NewLogger(level).WithFields(map[string]any{"repo_id": r.RepoID}),
		metrics: metrics.Default(),
		audit:   audit.NewLog(r.FS),
		locks:   lock.NewManager(r.FS, model.LockPolicy{LeaseTTL: r.Config.LeaseTTL()}),
		now:     time.Now,
	}
}

// SetLogger replaces the client's logger.
func (c *Client) SetLogger(l *logging.Logger) { c.logger = l }

// SetMetrics replaces the metrics registry.
func (c *Client) SetMetrics(m *metrics.Registry) { c.metrics = m }

// SetHTTPClient sets the HTTP client used by Sync.
func (c *Client) SetHTTPClient(hc *http.Client) { c.http = hc }

// SetClock overrides the time source of every component.
func (c *Client) SetClock(now func() time.Time) {
	c.now = now
	c.audit.SetClock(now)
	c.locks.SetClock(now)
}

// Root returns the repository's host path, empty for non-host filesystems.
func (c *Client) Root() string { return c.repo.Root }

// RepoID returns the repository's unique identifier.
func (c *Client) RepoID() string { return c.repo.RepoID }

// Config returns the repository configuration.
func (c *Client) Config() *config.Config { return c.repo.Config }

// Metrics exposes the metrics registry for an external exporter.
func (c *Client) Metrics() prometheus.Gatherer { return c.metrics.Gatherer() }

// Close flushes buffered log output.
func (c *Client) Close() error {
	// Syncing stderr fails on some platforms; nothing is lost.
	_ = c.logger.Sync()
	return nil
}

// withLease runs fn while holding the repository lease. fn must do its
// work on the context it is given, which is cancelled if the lease is lost.
func (c *Client) withLease(ctx context.Context, purpose string, fn func(ctx context.Context, lease *lock.Lease) error) (err error) {
	lease, err := c.locks.Hold(ctx, purpose)
	if err != nil {
		return err
	}
	defer func() {
		if lerr := lease.Err(); lerr != nil && err == nil {
			err = lerr
		}
		err = multierr.Append(err, lease.Release())
	}()
	return fn(lease.Context(), lease)
}

func (c *Client) record(event model.AuditEventType, id model.SnapshotID, details map[string]any) {
	if err := c.audit.Append(event, id, details); err != nil {
		c.logger.Warn("audit append failed", map[string]any{"event": string(event), "error": err.Error()})
	}
}

func status(err error) string {
	if err != nil {
		return "failed"
	}
	return "complete"
}

// Backup snapshots the directory tree at source.
func (c *Client) Backup(ctx context.Context, source string, opts BackupOptions) (*model.RunReport, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("backup source: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("backup source %s is not a directory", source)
	}
	return c.BackupSource(ctx, scan.NewDir(source), opts)
}

// BackupSource snapshots whatever src produces.
func (c *Client) BackupSource(ctx context.Context, src scan.Source, opts BackupOptions) (*model.RunReport, error) {
	var report *model.RunReport
	err := c.withLease(ctx, "backup", func(ctx context.Context, lease *lock.Lease) error {
		idx, err := c.repo.LoadIndex(ctx)
		if err != nil {
			return err
		}
		b := snapshot.NewBuilder(c.repo, idx, c.logger)
		b.SetClock(c.now)
		b.SetGuard(lease.Check)

		runOpts := snapshot.OptionsFromConfig(c.repo)
		runOpts.Note = opts.Note
		runOpts.Tags = opts.Tags
		runOpts.Progress = opts.Progress
		runOpts.RehashAll = runOpts.RehashAll || opts.RehashAll
		if opts.Workers > 0 {
			runOpts.Workers = opts.Workers
		}

		report, err = b.Run(ctx, src, runOpts)
		c.metrics.RecordBackup(report)
		details := map[string]any{
			"status":       string(report.Status),
			"scanned":      report.Scanned,
			"stored":       report.Stored,
			"deduplicated": report.Deduplicated,
			"failed":       report.Failed,
			"bytes_stored": report.BytesStored,
		}
		if report.Committed {
			c.record(model.EventTypeBackupCommit, report.SnapshotID, details)
		} else {
			if err != nil {
				details["error"] = err.Error()
			}
			c.record(model.EventTypeBackupAbort, report.SnapshotID, details)
		}
		return err
	})
	return report, err
}

// GC applies a retention policy. A GC interrupted earlier is finished before
// a new plan is made; a dry run reports the plan and changes nothing.
func (c *Client) GC(ctx context.Context, opts GCOptions) (*GCReport, error) {
	policy := model.RetentionPolicy{KeepLast: opts.KeepLast, KeepWithin: opts.KeepWithin}
	if opts.KeepLast == 0 && opts.KeepWithin == 0 {
		p, err := c.repo.Config.Retention()
		if err != nil {
			return nil, err
		}
		policy = p
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	start := c.now()
	report := &GCReport{}
	err := c.withLease(ctx, "gc", func(ctx context.Context, lease *lock.Lease) error {
		col := gc.NewCollector(c.repo, c.logger)
		col.SetClock(c.now)
		col.SetGuard(lease.Check)

		if opts.DryRun {
			plan, err := col.DryRun(ctx, policy)
			report.Plan = plan
			return err
		}

		resumed, err := col.Resume(ctx)
		if err != nil {
			return fmt.Errorf("resume interrupted gc: %w", err)
		}
		if resumed != nil {
			report.Resumed = resumed
			c.metrics.RecordGC(resumed)
			c.record(model.EventTypeGCRun, "", map[string]any{"plan_id": resumed.PlanID, "resumed": true})
		}

		plan, err := col.Plan(ctx, policy)
		if err != nil {
			return err
		}
		report.Plan = plan
		c.record(model.EventTypeGCPlan, "", map[string]any{
			"plan_id":   plan.PlanID,
			"to_delete": len(plan.ToDelete),
			"retained":  len(plan.Retained),
		})

		result, err := col.Run(ctx, plan.PlanID)
		if err != nil {
			return err
		}
		report.Result = result
		c.metrics.RecordGC(result)
		c.record(model.EventTypeGCRun, "", map[string]any{
			"plan_id":           result.PlanID,
			"manifests_deleted": result.ManifestsDeleted,
			"objects_deleted":   result.ObjectsDeleted,
			"bytes_reclaimed":   result.BytesReclaimed,
		})
		return nil
	})
	if err != nil {
		c.metrics.RecordOperation("gc", "failed", c.now().Sub(start))
	}
	return report, err
}

// Sync mirrors the repository to the configured remote.
func (c *Client) Sync(ctx context.Context) (*model.SyncReport, error) {
	client, err := remote.NewClient(remote.ConfigFrom(c.repo.Config), c.http, c.logger)
	if err != nil {
		return nil, err
	}
	var report *model.SyncReport
	err = c.withLease(ctx, "sync", func(ctx context.Context, _ *lock.Lease) error {
		var err error
		report, err = remote.NewSyncer(c.repo, client, c.logger).Run(ctx)
		c.metrics.RecordSync(report, err)
		details := map[string]any{
			"objects_uploaded":   report.ObjectsUploaded,
			"manifests_uploaded": report.ManifestsUploaded,
			"manifests_pruned":   report.ManifestsPruned,
			"retries":            report.Retries,
		}
		if err != nil {
			details["error"] = err.Error()
		}
		c.record(model.EventTypeSync, "", details)
		return err
	})
	return report, err
}

// Restore writes a snapshot into target on the host filesystem. target must
// be missing or empty.
func (c *Client) Restore(ctx context.Context, target string, opts RestoreOptions) (*RestoreResult, error) {
	return c.restore(ctx, func(ctx context.Context, r *restore.Restorer, o restore.Options) (*restore.Result, error) {
		return r.Restore(ctx, target, o)
	}, opts)
}

// RestoreFS writes a snapshot into an arbitrary filesystem.
func (c *Client) RestoreFS(ctx context.Context, target afero.Fs, opts RestoreOptions) (*RestoreResult, error) {
	return c.restore(ctx, func(ctx context.Context, r *restore.Restorer, o restore.Options) (*restore.Result, error) {
		return r.RestoreFS(ctx, target, o)
	}, opts)
}

func (c *Client) restore(ctx context.Context, run func(context.Context, *restore.Restorer, restore.Options) (*restore.Result, error), opts RestoreOptions) (*RestoreResult, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = c.repo.Config.Backup.Workers
	}
	start := c.now()
	var res *RestoreResult
	err := c.withLease(ctx, "restore", func(ctx context.Context, _ *lock.Lease) error {
		var err error
		res, err = run(ctx, restore.NewRestorer(c.repo, c.logger), restore.Options{
			Snapshot: opts.Snapshot,
			Workers:  workers,
			Progress: opts.Progress,
		})
		if err == nil {
			c.record(model.EventTypeRestore, res.SnapshotID, map[string]any{
				"files": res.Files,
				"bytes": res.Bytes,
			})
		}
		return err
	})
	c.metrics.RecordOperation("restore", status(err), c.now().Sub(start))
	return res, err
}

// Verify checks manifests, object presence and the audit chain. With full
// set every stored object is also decoded and rehashed.
func (c *Client) Verify(ctx context.Context, full bool) (*VerifyReport, error) {
	start := c.now()
	var report *VerifyReport
	err := c.withLease(ctx, "verify", func(ctx context.Context, _ *lock.Lease) error {
		v := verify.NewVerifier(c.repo, c.logger)
		v.SetClock(c.now)
		var err error
		report, err = v.Verify(ctx, full, c.repo.Config.Backup.Workers)
		return err
	})
	st := status(err)
	if err == nil && !report.Healthy() {
		st = "unhealthy"
	}
	c.metrics.RecordOperation("verify", st, c.now().Sub(start))
	return report, err
}

// Check returns the newest snapshot, or errclass.ErrStaleBackup when it is
// older than check.max_time_without_backups.
func (c *Client) Check(_ context.Context) (*model.Manifest, error) {
	v := verify.NewVerifier(c.repo, c.logger)
	v.SetClock(c.now)
	return v.CheckFreshness(c.repo.Config.MaxTimeWithoutBackups())
}

// Snapshots lists committed snapshots matching filter, newest first.
func (c *Client) Snapshots(filter FilterOptions) ([]*model.Manifest, error) {
	return c.repo.Catalog.Find(filter)
}

// Snapshot resolves an id, id prefix, tag or note prefix to one snapshot.
func (c *Client) Snapshot(query string) (*model.Manifest, error) {
	return c.repo.Catalog.Resolve(query)
}

// Handler returns the remote protocol server for this repository. Callers
// that serve it must hold the lease themselves; Serve does.
func (c *Client) Handler(token string) http.Handler {
	return remote.NewServer(c.repo, token, c.logger)
}

// Serve accepts sync uploads on addr until ctx is done.
func (c *Client) Serve(ctx context.Context, addr, token string) error {
	return c.withLease(ctx, "serve", func(ctx context.Context, _ *lock.Lease) error {
		srv := &http.Server{
			Addr:              addr,
			Handler:           c.Handler(token),
			ReadHeaderTimeout: 30 * time.Second,
		}
		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe() }()
		c.logger.Info("serving repository", map[string]any{"addr": addr})

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
}

// LockStatus reports the state of the repository lease.
func (c *Client) LockStatus() (lock.State, *model.LockRecord, error) {
	return c.locks.Status()
}

// BreakLock removes an expired lease left behind by a crashed process and
// returns its record. A live lease is never broken.
func (c *Client) BreakLock() (*model.LockRecord, error) {
	_, prev, err := c.locks.Status()
	if err != nil {
		return nil, err
	}
	rec, err := c.locks.Steal("break")
	if err != nil {
		return nil, err
	}
	if err := c.locks.Release(rec.HolderNonce); err != nil {
		return nil, err
	}
	return prev, nil
}
