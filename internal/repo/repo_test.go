package repo_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvs-project/jvb/internal/repo"
	"github.com/jvs-project/jvb/pkg/errclass"
	"github.com/jvs-project/jvb/pkg/model"
)

func TestInit_CreatesDirectoryStructure(t *testing.T) {
	repoPath := filepath.Join(t.TempDir(), "backups")

	r, err := repo.Init(repoPath)
	require.NoError(t, err)
	assert.Equal(t, repoPath, r.Root)
	assert.NotEmpty(t, r.RepoID)

	for _, d := range []string{"objects", "manifests", "intents", "locks", "audit", "gc"} {
		assert.DirExists(t, filepath.Join(repoPath, d))
	}
	assert.FileExists(t, filepath.Join(repoPath, "config.yaml"))

	content, err := os.ReadFile(filepath.Join(repoPath, "format_version"))
	require.NoError(t, err)
	assert.Equal(t, "1\n", string(content))

	_, err = repo.Init(repoPath)
	assert.ErrorContains(t, err, "already initialized")
}

func TestOpen_RoundTrip(t *testing.T) {
	repoPath := filepath.Join(t.TempDir(), "r")
	created, err := repo.Init(repoPath)
	require.NoError(t, err)

	r, err := repo.Open(repoPath)
	require.NoError(t, err)
	assert.Equal(t, created.RepoID, r.RepoID)
	assert.Equal(t, "zstd", r.Config.Compression)
}

func TestOpen_NotARepo(t *testing.T) {
	_, err := repo.Open(t.TempDir())
	assert.ErrorIs(t, err, errclass.ErrRepoNotFound)
}

func TestOpen_NewerFormat(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := repo.InitFS(fs, nil)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, repo.FormatVersionFile, []byte("2\n"), 0o644))

	_, err = repo.OpenFS(fs, nil)
	assert.ErrorIs(t, err, errclass.ErrFormatUnsupported)
}

func TestDiscover(t *testing.T) {
	repoPath := filepath.Join(t.TempDir(), "r")
	_, err := repo.Init(repoPath)
	require.NoError(t, err)

	r, err := repo.Discover(filepath.Join(repoPath, "manifests"))
	require.NoError(t, err)
	assert.Equal(t, repoPath, r.Root)

	_, err = repo.Discover(t.TempDir())
	assert.ErrorIs(t, err, errclass.ErrRepoNotFound)
}

func TestLoadIndex_RebuildsThenUsesCache(t *testing.T) {
	ctx := context.Background()
	r, err := repo.InitFS(afero.NewMemMapFs(), nil)
	require.NoError(t, err)

	h, _, err := r.Store.Put(ctx, []byte("hello"))
	require.NoError(t, err)
	orphan, _, err := r.Store.Put(ctx, []byte("orphan"))
	require.NoError(t, err)

	m := &model.Manifest{
		SnapshotID: model.NewSnapshotID(),
		CreatedAt:  time.Now(),
		Status:     model.RunComplete,
		Entries:    []model.FileEntry{{Path: "a", Type: model.FileTypeRegular, Hash: h, Size: 5}},
	}
	require.NoError(t, r.Catalog.Commit(m))

	idx, err := r.LoadIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), idx.Count(h))
	assert.True(t, idx.ZeroReferenced().Has(orphan))

	require.NoError(t, idx.Save(r.FS))
	cached, err := r.LoadIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cached.Count(h))
}
