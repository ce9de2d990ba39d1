// Package restore materializes a snapshot into an empty directory.
package restore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/jvs-project/jvb/internal/pipeline"
	"github.com/jvs-project/jvb/internal/repo"
	"github.com/jvs-project/jvb/pkg/errclass"
	"github.com/jvs-project/jvb/pkg/fsutil"
	"github.com/jvs-project/jvb/pkg/logging"
	"github.com/jvs-project/jvb/pkg/model"
	"github.com/jvs-project/jvb/pkg/pathutil"
	"github.com/jvs-project/jvb/pkg/progress"
)

// Options select what to restore.
type Options struct {
	// Snapshot is an id, id prefix, tag or note prefix. Empty means latest.
	Snapshot string
	Workers  int
	Progress progress.Callback
}

// Result summarizes a restore.
type Result struct {
	SnapshotID model.SnapshotID `json:"snapshot_id"`
	Files      int              `json:"files"`
	Dirs       int              `json:"dirs"`
	Symlinks   int              `json:"symlinks"`
	Skipped    int              `json:"skipped"`
	Bytes      int64            `json:"bytes"`
}

// Restorer reads snapshots from a repository.
type Restorer struct {
	repo   *repo.Repo
	logger *logging.Logger
}

// NewRestorer creates a restorer.
func NewRestorer(r *repo.Repo, logger *logging.Logger) *Restorer {
	if logger == nil {
		logger = logging.Global()
	}
	return &Restorer{repo: r, logger: logger}
}

// Restore writes the snapshot into target on the host filesystem. target
// must be missing or empty.
func (r *Restorer) Restore(ctx context.Context, target string, opts Options) (*Result, error) {
	abs, err := filepath.Abs(target)
	if err != nil {
		return nil, fmt.Errorf("resolve target: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create target: %w", err)
	}
	return r.restore(ctx, hostFs{Fs: afero.NewBasePathFs(afero.NewOsFs(), abs), root: abs}, opts, func(rel string) error {
		p, err := pathutil.JoinUnder(abs, rel)
		if err != nil {
			return err
		}
		return pathutil.ValidatePathSafety(abs, p)
	})
}

// hostFs is a restore target rooted at a host directory. Symlinks keep the
// target string recorded in the manifest; BasePathFs would rebase it under
// root.
type hostFs struct {
	afero.Fs
	root string
}

func (h hostFs) SymlinkIfPossible(oldname, newname string) error {
	p, err := pathutil.JoinUnder(h.root, filepath.ToSlash(newname))
	if err != nil {
		return err
	}
	if err := os.Symlink(oldname, p); err != nil {
		return &os.LinkError{Op: "symlink", Old: oldname, New: newname, Err: err}
	}
	return nil
}

// RestoreFS writes the snapshot onto an arbitrary filesystem.
func (r *Restorer) RestoreFS(ctx context.Context, target afero.Fs, opts Options) (*Result, error) {
	return r.restore(ctx, target, opts, nil)
}

func (r *Restorer) restore(ctx context.Context, target afero.Fs, opts Options, check func(rel string) error) (*Result, error) {
	m, err := r.repo.Catalog.Resolve(opts.Snapshot)
	if err != nil {
		return nil, err
	}
	if err := ensureEmpty(target); err != nil {
		return nil, err
	}

	var dirs, files, links []model.FileEntry
	for _, e := range m.Entries {
		if err := pathutil.ValidateEntryPath(e.Path); err != nil {
			return nil, errclass.ErrPathEscape.WithMessagef("snapshot %s entry %q: %v", m.SnapshotID, e.Path, err)
		}
		switch e.Type {
		case model.FileTypeDir:
			dirs = append(dirs, e)
		case model.FileTypeRegular:
			files = append(files, e)
		case model.FileTypeSymlink:
			links = append(links, e)
		}
	}

	res := &Result{SnapshotID: m.SnapshotID, Skipped: len(m.Entries) - len(dirs) - len(files) - len(links)}
	log := r.logger.WithFields(map[string]any{"snapshot_id": string(m.SnapshotID)})
	log.Info("restore started", map[string]any{"entries": len(m.Entries)})
	prog := progress.New("restore", len(m.Entries), opts.Progress)

	for _, d := range dirs {
		if err := target.MkdirAll(filepath.FromSlash(d.Path), 0o755); err != nil {
			return res, errclass.ErrStorageIO.Wrap(err, "create directory %s", d.Path)
		}
		res.Dirs++
		prog.Increment(d.Path)
	}

	workers := opts.Workers
	if workers < 1 {
		workers = 4
	}
	outcomes, err := pipeline.Run(ctx, workers, workers*2, files, func(ctx context.Context, e model.FileEntry) (int64, error) {
		if check != nil {
			if err := check(e.Path); err != nil {
				return 0, err
			}
		}
		return r.writeFile(ctx, target, e)
	})
	var errs error
	for _, o := range outcomes {
		if o.Err != nil {
			errs = multierr.Append(errs, o.Err)
			continue
		}
		res.Files++
		res.Bytes += o.Result
		prog.AddBytes(o.Result)
	}
	if errs == nil {
		errs = err
	}
	if errs != nil {
		log.ErrorErr("restore failed", errs)
		return res, errs
	}

	// Symlinks are created last so no write above can traverse one.
	linker, canLink := target.(afero.Linker)
	for _, l := range links {
		if !canLink {
			res.Skipped++
			continue
		}
		p := filepath.FromSlash(l.Path)
		if err := target.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return res, errclass.ErrStorageIO.Wrap(err, "create parent of %s", l.Path)
		}
		if dir := path.Dir(l.Path); check != nil && dir != "." {
			if err := check(dir); err != nil {
				return res, err
			}
		}
		if err := linker.SymlinkIfPossible(l.Target, p); err != nil {
			return res, errclass.ErrStorageIO.Wrap(err, "symlink %s", l.Path)
		}
		res.Symlinks++
		prog.Increment(l.Path)
	}

	// Directory metadata goes last, deepest first, so restoring children
	// does not disturb it.
	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i].Path, "/") > strings.Count(dirs[j].Path, "/")
	})
	for _, d := range dirs {
		p := filepath.FromSlash(d.Path)
		if err := target.Chmod(p, d.Mode.Perm()); err != nil {
			return res, errclass.ErrStorageIO.Wrap(err, "chmod %s", d.Path)
		}
		chown(target, p, d)
		if err := target.Chtimes(p, d.ModTime, d.ModTime); err != nil {
			return res, errclass.ErrStorageIO.Wrap(err, "set times of %s", d.Path)
		}
	}

	prog.Done("")
	log.Info("restore complete", map[string]any{"files": res.Files, "bytes": res.Bytes, "skipped": res.Skipped})
	return res, nil
}

func (r *Restorer) writeFile(ctx context.Context, target afero.Fs, e model.FileEntry) (int64, error) {
	var data []byte
	if e.Hash != "" {
		var err error
		if data, err = r.repo.Store.Get(ctx, e.Hash); err != nil {
			return 0, err
		}
	}
	if int64(len(data)) != e.Size {
		return 0, errclass.ErrObjectCorrupt.WithMessagef("%s: object %s has %d bytes, manifest records %d",
			e.Path, e.Hash.Short(), len(data), e.Size)
	}

	p := filepath.FromSlash(e.Path)
	if dir := path.Dir(e.Path); dir != "." {
		if err := target.MkdirAll(filepath.FromSlash(dir), 0o755); err != nil {
			return 0, errclass.ErrStorageIO.Wrap(err, "create parent of %s", e.Path)
		}
	}
	if err := fsutil.AtomicWrite(target, p, data, e.Mode.Perm()); err != nil {
		return 0, errclass.ErrStorageIO.Wrap(err, "write %s", e.Path)
	}
	chown(target, p, e)
	if err := target.Chtimes(p, e.ModTime, e.ModTime); err != nil {
		return 0, errclass.ErrStorageIO.Wrap(err, "set times of %s", e.Path)
	}
	return int64(len(data)), nil
}

// chown restores ownership when running as root; otherwise it is skipped.
func chown(target afero.Fs, p string, e model.FileEntry) {
	if os.Geteuid() != 0 {
		return
	}
	if err := target.Chown(p, e.UID, e.GID); err != nil {
		logging.Debug("chown failed", map[string]any{"path": p, "error": err.Error()})
	}
}

func ensureEmpty(target afero.Fs) error {
	entries, err := afero.ReadDir(target, ".")
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read target: %w", err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("restore target is not empty (%d entries)", len(entries))
	}
	return nil
}
