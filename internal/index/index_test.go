package index_test

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/jvs-project/jvb/internal/index"
	"github.com/jvs-project/jvb/pkg/errclass"
	"github.com/jvs-project/jvb/pkg/model"
)

func hash(c byte) model.ContentHash {
	var sum [model.ContentHashSize]byte
	sum[0] = c
	return model.NewContentHash(sum)
}

func manifest(id string, hashes ...model.ContentHash) *model.Manifest {
	m := &model.Manifest{SnapshotID: model.SnapshotID(id)}
	for i, h := range hashes {
		m.Entries = append(m.Entries, model.FileEntry{
			Path: string(rune('a' + i)),
			Type: model.FileTypeRegular,
			Hash: h,
		})
	}
	m.Entries = append(m.Entries, model.FileEntry{Path: "dir", Type: model.FileTypeDir})
	return m
}

func TestIncrementDecrement(t *testing.T) {
	idx := index.New()
	h := hash(1)

	idx.Increment(h)
	idx.Increment(h)
	assert.Equal(t, uint64(2), idx.Count(h))

	require.NoError(t, idx.Decrement(h))
	require.NoError(t, idx.Decrement(h))
	assert.Zero(t, idx.Count(h))

	err := idx.Decrement(h)
	assert.ErrorIs(t, err, errclass.ErrIndexInconsistent)
	assert.Zero(t, idx.Count(h))
}

func TestRebuild_CountsEveryEntry(t *testing.T) {
	a, b, orphan := hash(1), hash(2), hash(3)
	// Two files with identical content in one manifest give count two.
	m1 := manifest("1", a, a)
	m2 := manifest("2", a, b)

	idx := index.Rebuild([]*model.Manifest{m1, m2}, []model.ContentHash{a, b, orphan})

	assert.Equal(t, uint64(3), idx.Count(a))
	assert.Equal(t, uint64(1), idx.Count(b))
	assert.Equal(t, sets.New(orphan), idx.ZeroReferenced())
	assert.Equal(t, sets.New(a, b), idx.Referenced())
	assert.Equal(t, []model.SnapshotID{"1", "2"}, idx.Manifests())
}

func TestAddRemoveManifest(t *testing.T) {
	a, b := hash(1), hash(2)
	m1 := manifest("1", a, b)
	m2 := manifest("2", a)

	idx := index.Rebuild(nil, []model.ContentHash{a, b})
	idx.AddManifest(m1)
	idx.AddManifest(m2)
	idx.AddManifest(m2)
	assert.Equal(t, uint64(2), idx.Count(a), "adding a manifest twice counts once")

	require.NoError(t, idx.RemoveManifest(m1))
	assert.Equal(t, uint64(1), idx.Count(a))
	assert.Equal(t, sets.New(b), idx.ZeroReferenced())

	require.NoError(t, idx.RemoveManifest(m1), "removing an unknown manifest is a no-op")
}

func TestRemoveManifest_Inconsistent(t *testing.T) {
	a := hash(1)
	idx := index.New()
	idx.AddManifest(manifest("1", a))
	require.NoError(t, idx.Decrement(a))

	err := idx.RemoveManifest(manifest("1", a))
	assert.ErrorIs(t, err, errclass.ErrIndexInconsistent)
}

func TestTrackAndForget(t *testing.T) {
	h := hash(9)
	idx := index.New()
	idx.Track(h)
	assert.True(t, idx.Known(h))
	assert.True(t, idx.ZeroReferenced().Has(h))

	idx.Increment(h)
	idx.Track(h)
	assert.Equal(t, uint64(1), idx.Count(h), "track leaves counts alone")

	idx.Forget(h)
	assert.False(t, idx.Known(h))
}

func TestSaveLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	a, orphan := hash(1), hash(2)
	idx := index.Rebuild([]*model.Manifest{manifest("1", a)}, []model.ContentHash{a, orphan})
	require.NoError(t, idx.Save(fs))

	loaded, err := index.Load(fs, []model.SnapshotID{"1"})
	require.NoError(t, err)
	assert.Empty(t, index.Diff(idx, loaded))
	assert.True(t, loaded.ZeroReferenced().Has(orphan))
}

func TestLoad_Stale(t *testing.T) {
	fs := afero.NewMemMapFs()

	_, err := index.Load(fs, nil)
	assert.ErrorIs(t, err, index.ErrStale, "missing cache is stale")

	idx := index.Rebuild([]*model.Manifest{manifest("1", hash(1))}, nil)
	require.NoError(t, idx.Save(fs))

	_, err = index.Load(fs, []model.SnapshotID{"1", "2"})
	assert.ErrorIs(t, err, index.ErrStale)

	require.NoError(t, afero.WriteFile(fs, index.FileName, []byte("not cbor"), 0o644))
	_, err = index.Load(fs, []model.SnapshotID{"1"})
	assert.ErrorIs(t, err, index.ErrStale)
}

func TestDiff(t *testing.T) {
	a, b := hash(1), hash(2)
	x := index.Rebuild([]*model.Manifest{manifest("1", a)}, nil)
	y := index.Rebuild([]*model.Manifest{manifest("1", a, b)}, nil)
	assert.Equal(t, []model.ContentHash{b}, index.Diff(x, y))
}

func TestDiff_UntrackedCountsZero(t *testing.T) {
	a, orphan := hash(1), hash(9)
	cached := index.Rebuild([]*model.Manifest{manifest("1", a)}, nil)
	rebuilt := index.Rebuild([]*model.Manifest{manifest("1", a)}, []model.ContentHash{a, orphan})
	assert.Empty(t, index.Diff(cached, rebuilt))
	assert.Empty(t, index.Diff(rebuilt, cached))
}
