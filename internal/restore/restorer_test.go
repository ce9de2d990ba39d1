package restore_test

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
	"github.com/jvs-project/jvb/internal/restore"
	"github.com/jvs-project/jvb/internal/scan"
	"github.com/jvs-project/jvb/internal/snapshot"
	"github.com/jvs-project/jvb/internal/store"
	"github.com/jvs-project/jvb/pkg/errclass"
	"github.com/jvs-project/jvb/pkg/model"
)

var mtime = time.Date(2025, 12, 24, 18, 30, 0, 0, time.UTC)

func backup(t *testing.T, r *repo.Repo, src *scan.Memory, tags ...string) model.SnapshotID {
	t.Helper()
	idx, err := r.LoadIndex(context.Background())
	require.NoError(t, err)
	rep, err := snapshot.NewBuilder(r, idx, nil).Run(context.Background(), src,
		snapshot.Options{Workers: 2, QueueDepth: 2, Tags: tags})
	require.NoError(t, err)
	return rep.SnapshotID
}

func sampleSource() *scan.Memory {
	src := scan.NewMemory("/home/user")
	src.Mkdir("docs", mtime)
	src.Mkdir("docs/deep", mtime.Add(time.Hour))
	src.WriteFile("docs/readme.md", []byte("# readme"), mtime)
	src.WriteFile("docs/deep/data.bin", []byte{1, 2, 3, 4}, mtime.Add(time.Minute))
	src.WriteFile("empty", nil, mtime)
	src.Symlink("link", "docs/readme.md")
	return src
}

func newRepo(t *testing.T) *repo.Repo {
	t.Helper()
	r, err := repo.InitFS(afero.NewMemMapFs(), nil)
	require.NoError(t, err)
	return r
}

func TestRestoreFS(t *testing.T) {
	r := newRepo(t)
	id := backup(t, r, sampleSource())

	target := afero.NewMemMapFs()
	res, err := restore.NewRestorer(r, nil).RestoreFS(context.Background(), target, restore.Options{})
	require.NoError(t, err)
	assert.Equal(t, id, res.SnapshotID)
	assert.Equal(t, 3, res.Files)
	assert.Equal(t, 2, res.Dirs)
	assert.Equal(t, int64(12), res.Bytes)
	assert.Equal(t, 1, res.Skipped, "memory filesystems cannot hold symlinks")

	data, err := afero.ReadFile(target, "docs/readme.md")
	require.NoError(t, err)
	assert.Equal(t, "# readme", string(data))

	info, err := target.Stat("docs/deep/data.bin")
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(mtime.Add(time.Minute)))
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())

	info, err = target.Stat("empty")
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	info, err = target.Stat("docs/deep")
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.True(t, info.ModTime().Equal(mtime.Add(time.Hour)))
}

func TestRestore_HostWithSymlinks(t *testing.T) {
	r := newRepo(t)
	backup(t, r, sampleSource())

	dir := filepath.Join(t.TempDir(), "out")
	res, err := restore.NewRestorer(r, nil).Restore(context.Background(), dir, restore.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Symlinks)
	assert.Zero(t, res.Skipped)

	target, err := os.Readlink(filepath.Join(dir, "link"))
	require.NoError(t, err)
	assert.Equal(t, "docs/readme.md", target)

	data, err := os.ReadFile(filepath.Join(dir, "link"))
	require.NoError(t, err)
	assert.Equal(t, "# readme", string(data))
}

func TestRestore_HostKeepsSymlinkTargetsVerbatim(t *testing.T) {
	r := newRepo(t)
	src := sampleSource()
	src.Symlink("abs", "/etc/jvb-restore-target")
	src.Symlink("docs/up", "../empty")
	backup(t, r, src)

	dir := filepath.Join(t.TempDir(), "out")
	res, err := restore.NewRestorer(r, nil).Restore(context.Background(), dir, restore.Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Symlinks)

	for link, want := range map[string]string{
		"abs":     "/etc/jvb-restore-target",
		"docs/up": "../empty",
		"link":    "docs/readme.md",
	} {
		got, err := os.Readlink(filepath.Join(dir, filepath.FromSlash(link)))
		require.NoError(t, err, link)
		assert.Equal(t, want, got, link)
	}
}

func TestRestore_SelectsByTag(t *testing.T) {
	r := newRepo(t)
	src := scan.NewMemory("/src")
	src.WriteFile("v", []byte("one"), mtime)
	backup(t, r, src, "first")
	src.WriteFile("v", []byte("two"), mtime.Add(time.Second))
	backup(t, r, src)

	target := afero.NewMemMapFs()
	_, err := restore.NewRestorer(r, nil).RestoreFS(context.Background(), target, restore.Options{Snapshot: "first"})
	require.NoError(t, err)
	data, err := afero.ReadFile(target, "v")
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))
}

func TestRestore_RefusesNonEmptyTarget(t *testing.T) {
	r := newRepo(t)
	backup(t, r, sampleSource())

	target := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(target, "existing", []byte("x"), 0o644))
	_, err := restore.NewRestorer(r, nil).RestoreFS(context.Background(), target, restore.Options{})
	assert.Error(t, err)
}

func TestRestore_MissingObjectIsFatal(t *testing.T) {
	r := newRepo(t)
	backup(t, r, sampleSource())
	require.NoError(t, r.Store.Remove(context.Background(), store.Hash([]byte("# readme"))))

	_, err := restore.NewRestorer(r, nil).RestoreFS(context.Background(), afero.NewMemMapFs(), restore.Options{})
	assert.ErrorIs(t, err, errclass.ErrObjectNotFound)
}

func TestRestore_EmptyRepository(t *testing.T) {
	r := newRepo(t)
	_, err := restore.NewRestorer(r, nil).RestoreFS(context.Background(), afero.NewMemMapFs(), restore.Options{})
	assert.ErrorIs(t, err, errclass.ErrSnapshotNotFound)
}
