// Package snapshot builds snapshot manifests from a scanner source. Files
// whose size and mtime match the previous manifest reuse its hash; all
// others are hashed, compressed and stored by a bounded worker pool.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/jvs-project/jvb/internal/index"
	"github.com/jvs-project/jvb/internal/pipeline"
	"github.com/jvs-project/jvb/internal/repo"
	"github.com/jvs-project/jvb/internal/scan"
	"github.com/jvs-project/jvb/pkg/errclass"
	"github.com/jvs-project/jvb/pkg/fsutil"
	"github.com/jvs-project/jvb/pkg/logging"
	"github.com/jvs-project/jvb/pkg/model"
	"github.com/jvs-project/jvb/pkg/pathutil"
	"github.com/jvs-project/jvb/pkg/progress"
)

// Options tune one backup run.
type Options struct {
	Workers    int
	QueueDepth int
	// MaxFileErrors is the number of per-file failures tolerated before the
	// run is marked failed. Negative means unlimited.
	MaxFileErrors int
	// RehashAll disables the size+mtime fast path.
	RehashAll bool
	Note      string
	Tags      []string
	Progress  progress.Callback
}

// OptionsFromConfig derives run options from the repository configuration.
func OptionsFromConfig(r *repo.Repo) Options {
	c := r.Config.Backup
	return Options{
		Workers:       c.Workers,
		QueueDepth:    c.QueueDepth,
		MaxFileErrors: c.MaxFileErrors,
		RehashAll:     c.RehashAll,
	}
}

// Builder runs backups against one repository.
type Builder struct {
	repo   *repo.Repo
	index  *index.Index
	logger *logging.Logger
	now    func() time.Time
	guard  func() error
}

// NewBuilder creates a builder over the loaded repository state.
func NewBuilder(r *repo.Repo, idx *index.Index, logger *logging.Logger) *Builder {
	if logger == nil {
		logger = logging.Global()
	}
	return &Builder{repo: r, index: idx, logger: logger, now: time.Now}
}

// SetClock overrides the time source.
func (b *Builder) SetClock(now func() time.Time) {
	b.now = now
}

// SetGuard installs a check run immediately before the manifest commit.
// An error aborts the run and nothing is committed.
func (b *Builder) SetGuard(guard func() error) {
	b.guard = guard
}

type task struct {
	seq int
	rec scan.Record
}

type hashed struct {
	hash        model.ContentHash
	size        int64
	stored      bool
	storedBytes int64
}

type fileFailure struct {
	seq int
	err error
}

var errTooManyFailures = errors.New("too many file errors")

// Run scans src and commits a manifest when the run completes. The report
// is always returned; the error is non-nil for failed and interrupted runs.
func (b *Builder) Run(ctx context.Context, src scan.Source, opts Options) (*model.RunReport, error) {
	start := b.now()
	report := &model.RunReport{
		RunID:      uuid.NewString(),
		SnapshotID: model.NewSnapshotIDAt(start),
		Status:     model.RunFailed,
	}
	log := b.logger.WithFields(map[string]any{
		"run_id":      report.RunID,
		"snapshot_id": string(report.SnapshotID),
	})
	defer func() { report.Duration = b.now().Sub(start) }()

	for _, tag := range opts.Tags {
		if err := pathutil.ValidateTag(tag); err != nil {
			return report, err
		}
	}

	intentPath, err := b.writeIntent(report, src.Root(), start)
	if err != nil {
		return report, err
	}
	defer b.repo.FS.Remove(intentPath)

	var prev map[string]*model.FileEntry
	var parentID *model.SnapshotID
	latest, err := b.repo.Catalog.Latest()
	switch {
	case err != nil:
		log.Warn("previous manifest unreadable, hashing every file", map[string]any{"error": err.Error()})
	case latest != nil:
		id := latest.SnapshotID
		parentID = &id
		if !opts.RehashAll {
			prev = latest.Lookup()
		}
	}

	log.Info("backup started", map[string]any{"source": src.Root(), "rehash_all": opts.RehashAll})

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	maxErrors := opts.MaxFileErrors
	var (
		mu       sync.Mutex
		failures []fileFailure
	)
	fail := func(seq int, err error) {
		mu.Lock()
		failures = append(failures, fileFailure{seq: seq, err: err})
		n := len(failures)
		mu.Unlock()
		if maxErrors >= 0 && n > maxErrors {
			cancel(errTooManyFailures)
		}
	}

	prog := progress.New("backup", 0, opts.Progress)
	pool := pipeline.New(runCtx, opts.Workers, opts.QueueDepth, b.hashFile)

	results := make(map[int]hashed)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for o := range pool.Results() {
			if o.Err != nil {
				switch {
				case errors.Is(o.Err, errclass.ErrStorageIO):
					cancel(o.Err)
				case errors.Is(o.Err, context.Canceled):
				default:
					fail(o.Task.seq, o.Err)
				}
				continue
			}
			results[o.Task.seq] = o.Result
			prog.AddBytes(o.Result.size)
		}
	}()

	var entries []model.FileEntry
	scanErr := src.Scan(runCtx, func(rec scan.Record, err error) error {
		seq := len(entries)
		entries = append(entries, model.FileEntry{Path: rec.Path})
		if err != nil {
			fail(seq, errclass.ErrFileRead.Wrap(err, "scan %s", rec.Path))
			return nil
		}
		report.Scanned++
		entries[seq] = entryFor(rec)

		if rec.Type != model.FileTypeRegular {
			prog.Increment(rec.Path)
			return nil
		}
		// Fast path: an unchanged size and mtime is trusted to mean unchanged
		// content. A write that preserves both (same-size rewrite within the
		// filesystem's mtime resolution, or an explicit mtime reset) is missed
		// until RehashAll is used.
		if p, ok := prev[rec.Path]; ok && p.Type == model.FileTypeRegular && p.Hash != "" &&
			p.Size == rec.Size && p.ModTime.Equal(rec.ModTime) {
			entries[seq].Hash = p.Hash
			report.Reused++
			prog.Increment(rec.Path)
			return nil
		}
		return pool.Submit(task{seq: seq, rec: rec})
	})
	pool.Close()
	<-collected

	var fileErrs error
	failed := make(map[int]bool, len(failures))
	for _, f := range failures {
		failed[f.seq] = true
		fileErrs = multierr.Append(fileErrs, f.err)
		report.Errors = append(report.Errors, model.FileError{
			Path:  entries[f.seq].Path,
			Kind:  errorKind(f.err),
			Error: f.err.Error(),
		})
		log.Warn("file skipped", map[string]any{"path": entries[f.seq].Path, "error": f.err.Error()})
	}
	report.Failed = len(failures)

	var totalSize int64
	kept := make([]model.FileEntry, 0, len(entries))
	for seq, e := range entries {
		if failed[seq] {
			continue
		}
		if r, ok := results[seq]; ok {
			e.Hash = r.hash
			e.Size = r.size
			report.BytesRead += r.size
			if r.stored {
				report.Stored++
				report.BytesStored += r.storedBytes
			} else {
				report.Deduplicated++
				report.BytesSaved += r.size
			}
		} else if e.Type == model.FileTypeRegular {
			if e.Hash == "" {
				// Never hashed: the run was cut short before this file ran.
				continue
			}
			report.BytesSaved += e.Size
		}
		if e.Type == model.FileTypeRegular {
			totalSize += e.Size
		}
		kept = append(kept, e)
	}

	cause := context.Cause(runCtx)
	switch {
	case errors.Is(cause, errclass.ErrStorageIO):
		log.ErrorErr("backup aborted on storage error", cause)
		return report, cause
	case ctx.Err() != nil:
		report.Status = model.RunInterrupted
		log.Warn("backup interrupted")
		return report, errclass.ErrRunInterrupted.Wrap(context.Cause(ctx), "backup %s", report.SnapshotID)
	case errors.Is(cause, errTooManyFailures) || (maxErrors >= 0 && report.Failed > maxErrors):
		log.Error("backup failed", map[string]any{"failed": report.Failed, "max_file_errors": maxErrors})
		return report, errclass.ErrRunFailed.Wrap(fileErrs, "%d files failed (limit %d)", report.Failed, maxErrors)
	case scanErr != nil:
		log.ErrorErr("scan failed", scanErr)
		return report, errclass.ErrRunFailed.Wrap(scanErr, "scan %s", src.Root())
	}

	hostname, _ := os.Hostname()
	m := &model.Manifest{
		SnapshotID: report.SnapshotID,
		ParentID:   parentID,
		CreatedAt:  start.UTC(),
		SourceRoot: src.Root(),
		Hostname:   hostname,
		Status:     model.RunComplete,
		Note:       opts.Note,
		Tags:       opts.Tags,
		Stats: model.ManifestStats{
			Files:        report.Scanned,
			Reused:       report.Reused,
			Deduplicated: report.Deduplicated,
			Stored:       report.Stored,
			Failed:       report.Failed,
			BytesRead:    report.BytesRead,
			BytesStored:  report.BytesStored,
			TotalSize:    totalSize,
		},
		Entries: kept,
	}
	if b.guard != nil {
		if err := b.guard(); err != nil {
			log.ErrorErr("backup not committed", err)
			return report, err
		}
	}
	if err := b.repo.Catalog.Commit(m); err != nil {
		log.ErrorErr("manifest commit failed", err)
		return report, err
	}
	report.Status = model.RunComplete
	report.Committed = true

	for _, r := range results {
		b.index.Track(r.hash)
	}
	b.index.AddManifest(m)
	if err := b.index.Save(b.repo.FS); err != nil {
		// The manifest is committed; the index is only a cache.
		log.Warn("index save failed", map[string]any{"error": err.Error()})
	}

	log.Info("backup committed", map[string]any{
		"scanned":      report.Scanned,
		"reused":       report.Reused,
		"stored":       report.Stored,
		"deduplicated": report.Deduplicated,
		"failed":       report.Failed,
		"bytes_stored": report.BytesStored,
	})
	return report, nil
}

func (b *Builder) hashFile(ctx context.Context, t task) (hashed, error) {
	rc, err := t.rec.Open()
	if err != nil {
		return hashed{}, errclass.ErrFileRead.Wrap(err, "open %s", t.rec.Path)
	}
	var buf bytes.Buffer
	if t.rec.Size > 0 {
		buf.Grow(int(t.rec.Size))
	}
	_, err = io.Copy(&buf, rc)
	rc.Close()
	if err != nil {
		return hashed{}, errclass.ErrFileRead.Wrap(err, "read %s", t.rec.Path)
	}

	blob, err := b.repo.Store.Prepare(buf.Bytes())
	if err != nil {
		return hashed{}, err
	}
	stored, err := b.repo.Store.Write(ctx, blob)
	if err != nil {
		return hashed{}, err
	}
	out := hashed{hash: blob.Hash, size: blob.Size, stored: stored}
	if stored {
		out.storedBytes = blob.StoredSize()
	}
	return out, nil
}

func (b *Builder) writeIntent(report *model.RunReport, root string, start time.Time) (string, error) {
	intent := &model.IntentRecord{
		RunID:      report.RunID,
		SnapshotID: report.SnapshotID,
		SourceRoot: root,
		StartedAt:  start.UTC(),
		PID:        os.Getpid(),
	}
	data, err := json.Marshal(intent)
	if err != nil {
		return "", fmt.Errorf("marshal intent: %w", err)
	}
	path := filepath.Join(repo.IntentsDir, report.RunID+".json")
	if err := fsutil.AtomicWrite(b.repo.FS, path, data, 0o644); err != nil {
		return "", errclass.ErrStorageIO.Wrap(err, "write intent")
	}
	return path, nil
}

func entryFor(rec scan.Record) model.FileEntry {
	e := model.FileEntry{
		Path:    rec.Path,
		Type:    rec.Type,
		ModTime: rec.ModTime.UTC(),
		Mode:    rec.Mode,
		UID:     rec.UID,
		GID:     rec.GID,
		User:    rec.User,
		Group:   rec.Group,
	}
	switch rec.Type {
	case model.FileTypeRegular:
		e.Size = rec.Size
	case model.FileTypeSymlink:
		e.Target = rec.Target
	}
	return e
}

func errorKind(err error) string {
	var je *errclass.JVSError
	if errors.As(err, &je) {
		return je.Code
	}
	return errclass.ErrFileRead.Code
}
