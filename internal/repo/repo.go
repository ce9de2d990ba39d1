// Package repo opens and initializes JVB repositories and derives the
// per-run repository state.
package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/jvs-project/jvb/internal/compression"
	"github.com/jvs-project/jvb/internal/index"
	"github.com/jvs-project/jvb/internal/manifest"
	"github.com/jvs-project/jvb/internal/store"
	"github.com/jvs-project/jvb/pkg/config"
	"github.com/jvs-project/jvb/pkg/errclass"
	"github.com/jvs-project/jvb/pkg/fsutil"
	"github.com/jvs-project/jvb/pkg/logging"
)

const (
	FormatVersion     = 1
	FormatVersionFile = "format_version"
	RepoIDFile        = "repo_id"

	IntentsDir = "intents"
	LocksDir   = "locks"
	AuditDir   = "audit"
	GCDir      = "gc"
)

// Repo is an opened repository. State that changes between runs (the
// reference index) is loaded explicitly with LoadIndex.
type Repo struct {
	Root          string
	FormatVersion int
	RepoID        string
	Config        *config.Config

	FS      afero.Fs
	Store   *store.Store
	Catalog *manifest.Catalog
}

// Init creates a new repository at path on the host filesystem.
func Init(path string) (*Repo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve repository path: %w", err)
	}
	if _, err := os.Stat(filepath.Join(abs, FormatVersionFile)); err == nil {
		return nil, fmt.Errorf("repository already initialized at %s", abs)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create repository directory: %w", err)
	}

	cfg := config.Default()
	if err := config.Save(abs, cfg); err != nil {
		return nil, err
	}
	r, err := InitFS(afero.NewBasePathFs(afero.NewOsFs(), abs), cfg)
	if err != nil {
		return nil, err
	}
	r.Root = abs
	return r, nil
}

// InitFS lays out a repository on an arbitrary filesystem.
func InitFS(fs afero.Fs, cfg *config.Config) (*Repo, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	for _, dir := range []string{store.ObjectsDir, manifest.Dir, IntentsDir, LocksDir, AuditDir, GCDir} {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	if err := fsutil.AtomicWrite(fs, FormatVersionFile, []byte(fmt.Sprintf("%d\n", FormatVersion)), 0o644); err != nil {
		return nil, fmt.Errorf("write format_version: %w", err)
	}
	repoID := uuid.NewString()
	if err := fsutil.AtomicWrite(fs, RepoIDFile, []byte(repoID+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write repo_id: %w", err)
	}
	return OpenFS(fs, cfg)
}

// Open opens the repository at path.
func Open(path string) (*Repo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve repository path: %w", err)
	}
	cfg, err := config.Load(abs)
	if err != nil {
		return nil, err
	}
	r, err := OpenFS(afero.NewBasePathFs(afero.NewOsFs(), abs), cfg)
	if err != nil {
		return nil, err
	}
	r.Root = abs
	return r, nil
}

// OpenFS opens a repository laid out on fs.
func OpenFS(fs afero.Fs, cfg *config.Config) (*Repo, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	version, err := readFormatVersion(fs)
	if err != nil {
		return nil, err
	}
	if version > FormatVersion {
		return nil, errclass.ErrFormatUnsupported.WithMessagef(
			"format version %d > supported %d", version, FormatVersion)
	}
	repoID, _ := readRepoID(fs)

	typ, err := compression.ParseType(cfg.Compression)
	if err != nil {
		return nil, err
	}
	return &Repo{
		FormatVersion: version,
		RepoID:        repoID,
		Config:        cfg,
		FS:            fs,
		Store:         store.New(fs, compression.NewCodec(typ)),
		Catalog:       manifest.NewCatalog(fs),
	}, nil
}

// Discover walks up from cwd to the nearest directory holding a repository.
func Discover(cwd string) (*Repo, error) {
	path, err := filepath.Abs(cwd)
	if err != nil {
		return nil, err
	}
	for {
		if info, err := os.Stat(filepath.Join(path, FormatVersionFile)); err == nil && !info.IsDir() {
			if _, err := os.Stat(filepath.Join(path, manifest.Dir)); err == nil {
				return Open(path)
			}
		}
		parent := filepath.Dir(path)
		if parent == path {
			return nil, errclass.ErrRepoNotFound.WithMessagef("no repository found from %s", cwd)
		}
		path = parent
	}
}

// Path returns an absolute host path inside the repository. It is only
// meaningful for repositories opened from the host filesystem.
func (r *Repo) Path(elem ...string) string {
	return filepath.Join(append([]string{r.Root}, elem...)...)
}

// LoadIndex returns the reference index for this run. The persisted cache
// is used when it matches the committed manifests; otherwise the index is
// rebuilt from every readable manifest and every stored object.
func (r *Repo) LoadIndex(ctx context.Context) (*index.Index, error) {
	ids, err := r.Catalog.IDs()
	if err != nil {
		return nil, err
	}
	idx, err := index.Load(r.FS, ids)
	if err == nil {
		return idx, nil
	}
	if !errors.Is(err, index.ErrStale) {
		return nil, err
	}

	logging.Debug("rebuilding object index", map[string]any{"manifests": len(ids)})
	manifests, err := r.Catalog.ListAll()
	if err != nil {
		return nil, err
	}
	objects, err := r.Store.List(ctx)
	if err != nil {
		return nil, err
	}
	return index.Rebuild(manifests, objects), nil
}

// Intents lists the intent records of runs that never finished.
func (r *Repo) Intents() ([]string, error) {
	entries, err := afero.ReadDir(r.FS, IntentsDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errclass.ErrStorageIO.Wrap(err, "read intents")
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			out = append(out, filepath.Join(IntentsDir, e.Name()))
		}
	}
	return out, nil
}

func readFormatVersion(fs afero.Fs) (int, error) {
	data, err := afero.ReadFile(fs, FormatVersionFile)
	if errors.Is(err, os.ErrNotExist) {
		return 0, errclass.ErrRepoNotFound.WithMessage("format_version missing")
	}
	if err != nil {
		return 0, fmt.Errorf("read format_version: %w", err)
	}
	var version int
	if _, err := fmt.Sscanf(string(data), "%d", &version); err != nil {
		return 0, fmt.Errorf("parse format_version: %w", err)
	}
	return version, nil
}

func readRepoID(fs afero.Fs) (string, error) {
	data, err := afero.ReadFile(fs, RepoIDFile)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
