package store_test

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvs-project/jvb/internal/compression"
	"github.com/jvs-project/jvb/internal/store"
	"github.com/jvs-project/jvb/pkg/errclass"
	"github.com/jvs-project/jvb/pkg/model"
)

func newStore(t *testing.T) (*store.Store, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	return store.New(fs, compression.NewCodec(compression.TypeZstd)), fs
}

func TestPut_DedupHit(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	h1, stored, err := s.Put(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.True(t, stored)

	h2, stored, err := s.Put(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.False(t, stored, "second put of identical bytes must not write")
	assert.Equal(t, h1, h2)

	hashes, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.ContentHash{h1}, hashes)
}

func TestHash_Deterministic(t *testing.T) {
	h := store.Hash([]byte("hello"))
	assert.Len(t, string(h), 64)
	assert.Equal(t, h, store.Hash([]byte("hello")))
	assert.NotEqual(t, h, store.Hash([]byte("hello!")))
}

func TestPath_Sharded(t *testing.T) {
	h := store.Hash([]byte("x"))
	s := string(h)
	assert.Equal(t, "objects/"+s[:2]+"/"+s[2:4]+"/"+s, store.Path(h))
}

func TestGet_RoundTrip(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	data := bytes.Repeat([]byte("abc"), 10000)

	h, _, err := s.Put(ctx, data)
	require.NoError(t, err)

	got, err := s.Get(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	obj, err := s.Stat(h)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), obj.Size)
	assert.Less(t, obj.StoredSize, obj.Size)
	assert.Equal(t, compression.TagZstd, obj.Tag)
}

func TestGet_NotFound(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.Get(context.Background(), store.Hash([]byte("missing")))
	assert.ErrorIs(t, err, errclass.ErrObjectNotFound)
}

func TestGet_Corrupt(t *testing.T) {
	s, fs := newStore(t)
	ctx := context.Background()
	h, _, err := s.Put(ctx, []byte("original content"))
	require.NoError(t, err)

	other, err := compression.NewCodec(compression.TypeNone).Encode([]byte("tampered content"))
	require.NoError(t, err)
	require.NoError(t, fs.Chmod(store.Path(h), 0o644))
	require.NoError(t, afero.WriteFile(fs, store.Path(h), other, 0o644))

	_, err = s.Get(ctx, h)
	assert.ErrorIs(t, err, errclass.ErrObjectCorrupt)
}

func TestRemove(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	h, _, err := s.Put(ctx, []byte("bye"))
	require.NoError(t, err)

	require.NoError(t, s.Remove(ctx, h))
	ok, err := s.Has(h)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, s.Remove(ctx, h), errclass.ErrObjectNotFound)
}

func TestWrite_ConcurrentSameHashWritesOnce(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	data := bytes.Repeat([]byte("same"), 4096)

	const n = 16
	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := s.Prepare(data)
			if !assert.NoError(t, err) {
				return
			}
			stored, err := s.Write(ctx, b)
			assert.NoError(t, err)
			results[i] = stored
		}(i)
	}
	wg.Wait()

	writes := 0
	for _, r := range results {
		if r {
			writes++
		}
	}
	assert.Equal(t, 1, writes)

	hashes, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, hashes, 1)
}

func TestPrepare_SkipsEncodeWhenPresent(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	_, _, err := s.Put(ctx, []byte("known"))
	require.NoError(t, err)

	b, err := s.Prepare([]byte("known"))
	require.NoError(t, err)
	assert.Zero(t, b.StoredSize())
}

func TestImport_VerifiesHash(t *testing.T) {
	src, _ := newStore(t)
	dst, _ := newStore(t)
	ctx := context.Background()

	h, _, err := src.Put(ctx, []byte("replicate me"))
	require.NoError(t, err)
	raw, err := src.ReadRaw(ctx, h)
	require.NoError(t, err)

	stored, err := dst.Import(ctx, h, raw)
	require.NoError(t, err)
	assert.True(t, stored)

	_, err = dst.Import(ctx, store.Hash([]byte("something else")), raw)
	assert.ErrorIs(t, err, errclass.ErrObjectCorrupt)
}

func TestCleanupTemp(t *testing.T) {
	s, fs := newStore(t)
	ctx := context.Background()
	h, _, err := s.Put(ctx, []byte("keep"))
	require.NoError(t, err)

	require.NoError(t, fs.MkdirAll("objects/ab/cd", 0o755))
	require.NoError(t, afero.WriteFile(fs, "objects/ab/cd/.tmp-123", []byte("partial"), 0o644))

	hashes, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.ContentHash{h}, hashes, "temp files are never listed")

	n, err := s.CleanupTemp(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err := afero.Exists(fs, "objects/ab/cd/.tmp-123")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestList_Empty(t *testing.T) {
	s, _ := newStore(t)
	hashes, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, hashes)
}
