// Package store implements the content-addressed object store. Objects are
// keyed by the BLAKE3 hash of their uncompressed bytes and laid out as
// objects/<h[0:2]>/<h[2:4]>/<h>.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"

	"github.com/jvs-project/jvb/internal/compression"
	"github.com/jvs-project/jvb/pkg/errclass"
	"github.com/jvs-project/jvb/pkg/fsutil"
	"github.com/jvs-project/jvb/pkg/model"
)

// ObjectsDir is the store root relative to the repository.
const ObjectsDir = "objects"

const objectPerm = 0o444

// StoredObject describes one object on disk.
type StoredObject struct {
	Hash       model.ContentHash `json:"hash"`
	Tag        compression.Tag   `json:"tag"`
	Size       int64             `json:"size"`
	StoredSize int64             `json:"stored_size"`
}

// Store persists objects on an afero filesystem rooted at the repository.
type Store struct {
	fs     afero.Fs
	codec  *compression.Codec
	flight singleflight.Group
}

// New creates a store. A nil codec selects zstd.
func New(fs afero.Fs, codec *compression.Codec) *Store {
	if codec == nil {
		codec = compression.NewCodec(compression.TypeZstd)
	}
	return &Store{fs: fs, codec: codec}
}

// Hash computes the content hash of data.
func Hash(data []byte) model.ContentHash {
	return model.NewContentHash(blake3.Sum256(data))
}

// Path returns the object path for h.
func Path(h model.ContentHash) string {
	s := string(h)
	return filepath.Join(ObjectsDir, s[0:2], s[2:4], s)
}

// Blob is content that has been hashed and, unless the object already
// existed at preparation time, framed for writing.
type Blob struct {
	Hash   model.ContentHash
	Size   int64
	data   []byte
	framed []byte
}

// StoredSize is the framed size, or zero when the blob was not encoded.
func (b *Blob) StoredSize() int64 {
	return int64(len(b.framed))
}

// Prepare hashes data and compresses it when the object is not yet present.
// It does no writes, so workers can run it in parallel.
func (s *Store) Prepare(data []byte) (*Blob, error) {
	b := &Blob{Hash: Hash(data), Size: int64(len(data)), data: data}
	ok, err := s.Has(b.Hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		if b.framed, err = s.codec.Encode(data); err != nil {
			return nil, errclass.ErrStorageIO.Wrap(err, "encode %s", b.Hash.Short())
		}
	}
	return b, nil
}

// Write commits a prepared blob if no object with its hash exists. It
// reports whether this call performed the physical write. Concurrent writes
// of one hash collapse into a single write.
func (s *Store) Write(ctx context.Context, b *Blob) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var wrote bool
	_, err, _ := s.flight.Do(string(b.Hash), func() (any, error) {
		w, err := s.writeIfAbsent(b.Hash, func() ([]byte, error) {
			if b.framed != nil {
				return b.framed, nil
			}
			return s.codec.Encode(b.data)
		})
		wrote = w
		return nil, err
	})
	return wrote, err
}

// Put stores data and returns its hash. stored is false on a dedup hit.
func (s *Store) Put(ctx context.Context, data []byte) (model.ContentHash, bool, error) {
	b, err := s.Prepare(data)
	if err != nil {
		return "", false, err
	}
	stored, err := s.Write(ctx, b)
	return b.Hash, stored, err
}

func (s *Store) writeIfAbsent(h model.ContentHash, framed func() ([]byte, error)) (bool, error) {
	ok, err := s.Has(h)
	if err != nil || ok {
		return false, err
	}

	data, err := framed()
	if err != nil {
		return false, errclass.ErrStorageIO.Wrap(err, "encode %s", h.Short())
	}

	path := Path(h)
	dir := filepath.Dir(path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return false, errclass.ErrStorageIO.Wrap(err, "create shard for %s", h.Short())
	}
	tmp, err := fsutil.WriteTemp(s.fs, dir, data, objectPerm)
	if err != nil {
		return false, errclass.ErrStorageIO.Wrap(err, "write object %s", h.Short())
	}
	if err := fsutil.RenameAndSync(s.fs, tmp, path); err != nil {
		s.fs.Remove(tmp)
		return false, errclass.ErrStorageIO.Wrap(err, "commit object %s", h.Short())
	}
	return true, nil
}

// Has reports whether an object exists.
func (s *Store) Has(h model.ContentHash) (bool, error) {
	_, err := s.fs.Stat(Path(h))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errclass.ErrStorageIO.Wrap(err, "stat object %s", h.Short())
}

// ReadRaw returns the framed bytes of an object as stored.
func (s *Store) ReadRaw(ctx context.Context, h model.ContentHash) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, Path(h))
	if errors.Is(err, os.ErrNotExist) {
		return nil, errclass.ErrObjectNotFound.WithMessagef("object %s", h)
	}
	if err != nil {
		return nil, errclass.ErrStorageIO.Wrap(err, "read object %s", h.Short())
	}
	return data, nil
}

// Get returns the uncompressed content of an object after checking that it
// still hashes to h.
func (s *Store) Get(ctx context.Context, h model.ContentHash) ([]byte, error) {
	framed, err := s.ReadRaw(ctx, h)
	if err != nil {
		return nil, err
	}
	data, err := compression.Decode(framed)
	if err != nil {
		return nil, errclass.ErrObjectCorrupt.Wrap(err, "decode object %s", h)
	}
	if got := Hash(data); got != h {
		return nil, errclass.ErrObjectCorrupt.WithMessagef("object %s hashes to %s", h, got)
	}
	return data, nil
}

// Import stores framed bytes received from elsewhere. The content is
// decoded and its hash verified before anything is written.
func (s *Store) Import(ctx context.Context, h model.ContentHash, framed []byte) (bool, error) {
	data, err := compression.Decode(framed)
	if err != nil {
		return false, errclass.ErrObjectCorrupt.Wrap(err, "decode imported object %s", h)
	}
	if got := Hash(data); got != h {
		return false, errclass.ErrObjectCorrupt.WithMessagef("imported object %s hashes to %s", h, got)
	}
	return s.Write(ctx, &Blob{Hash: h, Size: int64(len(data)), data: data, framed: framed})
}

// Stat reads an object's header.
func (s *Store) Stat(h model.ContentHash) (StoredObject, error) {
	f, err := s.fs.Open(Path(h))
	if errors.Is(err, os.ErrNotExist) {
		return StoredObject{}, errclass.ErrObjectNotFound.WithMessagef("object %s", h)
	}
	if err != nil {
		return StoredObject{}, errclass.ErrStorageIO.Wrap(err, "open object %s", h.Short())
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return StoredObject{}, errclass.ErrStorageIO.Wrap(err, "stat object %s", h.Short())
	}
	buf := make([]byte, compression.HeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return StoredObject{}, errclass.ErrObjectCorrupt.Wrap(err, "read header of %s", h)
	}
	hdr, err := compression.ParseHeader(buf)
	if err != nil {
		return StoredObject{}, errclass.ErrObjectCorrupt.Wrap(err, "parse header of %s", h)
	}
	return StoredObject{Hash: h, Tag: hdr.Tag, Size: hdr.Size, StoredSize: fi.Size()}, nil
}

// Remove deletes an object. Removing an absent object returns
// ErrObjectNotFound.
func (s *Store) Remove(ctx context.Context, h model.ContentHash) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := fsutil.RemoveAndSync(s.fs, Path(h))
	if errors.Is(err, os.ErrNotExist) {
		return errclass.ErrObjectNotFound.WithMessagef("object %s", h)
	}
	if err != nil {
		return errclass.ErrStorageIO.Wrap(err, "remove object %s", h.Short())
	}
	return nil
}

// List returns every stored hash in sorted order. Temp files and names that
// are not content hashes are skipped.
func (s *Store) List(ctx context.Context) ([]model.ContentHash, error) {
	var out []model.ContentHash
	err := s.walk(ctx, func(path string, info os.FileInfo) error {
		if fsutil.IsTemp(info.Name()) {
			return nil
		}
		h, err := model.ParseContentHash(info.Name())
		if err != nil || Path(h) != path {
			return nil
		}
		out = append(out, h)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// CleanupTemp removes temp files left by interrupted writes and returns how
// many were removed.
func (s *Store) CleanupTemp(ctx context.Context) (int, error) {
	var temps []string
	err := s.walk(ctx, func(path string, info os.FileInfo) error {
		if fsutil.IsTemp(info.Name()) {
			temps = append(temps, path)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, p := range temps {
		if err := s.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return 0, errclass.ErrStorageIO.Wrap(err, "remove temp %s", p)
		}
	}
	return len(temps), nil
}

func (s *Store) walk(ctx context.Context, fn func(path string, info os.FileInfo) error) error {
	if _, err := s.fs.Stat(ObjectsDir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	err := afero.Walk(s.fs, ObjectsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		return fn(path, info)
	})
	if err != nil && ctx.Err() == nil {
		return errclass.ErrStorageIO.Wrap(err, "walk objects")
	}
	return err
}

// String identifies the store in logs.
func (s *Store) String() string {
	if bp, ok := s.fs.(*afero.BasePathFs); ok {
		if p, err := bp.RealPath(""); err == nil {
			return fmt.Sprintf("store@%s", p)
		}
	}
	return "store"
}
