// Package index maintains reference counts from retained manifests to
// stored objects. The index is a cache: Rebuild derives it from scratch and
// the persisted copy is discarded whenever its manifest set is stale.
package index

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/afero"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/jvs-project/jvb/pkg/errclass"
	"github.com/jvs-project/jvb/pkg/fsutil"
	"github.com/jvs-project/jvb/pkg/model"
)

// FileName is the persisted index location relative to the repository.
const FileName = "index.cbor"

const cacheVersion = 1

// ErrStale is returned by Load when the cache is missing or was derived
// from a different manifest set.
var ErrStale = errors.New("index cache is stale")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("index: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("index: CBOR decoder initialization failed: " + err.Error())
	}
}

// Index maps content hashes to reference counts. It is safe for concurrent use.
type Index struct {
	mu        sync.RWMutex
	counts    map[model.ContentHash]uint64
	manifests sets.Set[model.SnapshotID]
}

// New returns an empty index.
func New() *Index {
	return &Index{
		counts:    make(map[model.ContentHash]uint64),
		manifests: sets.New[model.SnapshotID](),
	}
}

// Rebuild derives an index from scratch: every object is tracked and every
// manifest entry contributes one reference.
func Rebuild(manifests []*model.Manifest, objects []model.ContentHash) *Index {
	idx := New()
	for _, h := range objects {
		idx.counts[h] = 0
	}
	for _, m := range manifests {
		idx.addManifestLocked(m)
	}
	return idx
}

// Track records that an object exists without changing its count.
func (i *Index) Track(h model.ContentHash) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.counts[h]; !ok {
		i.counts[h] = 0
	}
}

// Increment adds one reference to h.
func (i *Index) Increment(h model.ContentHash) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.counts[h]++
}

// Decrement removes one reference from h. Going below zero means the index
// disagrees with the manifests it was built from.
func (i *Index) Decrement(h model.ContentHash) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.decrementLocked(h)
}

func (i *Index) decrementLocked(h model.ContentHash) error {
	if i.counts[h] == 0 {
		return errclass.ErrIndexInconsistent.WithMessagef("reference count of %s would drop below zero", h)
	}
	i.counts[h]--
	return nil
}

// Count returns the reference count of h. Unknown hashes count zero.
func (i *Index) Count(h model.ContentHash) uint64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.counts[h]
}

// Known reports whether h is tracked.
func (i *Index) Known(h model.ContentHash) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.counts[h]
	return ok
}

// ZeroReferenced returns every tracked hash with no references.
func (i *Index) ZeroReferenced() sets.Set[model.ContentHash] {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := sets.New[model.ContentHash]()
	for h, c := range i.counts {
		if c == 0 {
			out.Insert(h)
		}
	}
	return out
}

// Referenced returns every hash with at least one reference.
func (i *Index) Referenced() sets.Set[model.ContentHash] {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := sets.New[model.ContentHash]()
	for h, c := range i.counts {
		if c > 0 {
			out.Insert(h)
		}
	}
	return out
}

// AddManifest adds one reference per file entry of m. Adding a manifest
// twice is a no-op.
func (i *Index) AddManifest(m *model.Manifest) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.addManifestLocked(m)
}

func (i *Index) addManifestLocked(m *model.Manifest) {
	if i.manifests.Has(m.SnapshotID) {
		return
	}
	i.manifests.Insert(m.SnapshotID)
	for _, h := range m.Hashes() {
		i.counts[h]++
	}
}

// RemoveManifest drops the references of m. Counts are left untouched when
// any of them would go negative.
func (i *Index) RemoveManifest(m *model.Manifest) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.manifests.Has(m.SnapshotID) {
		return nil
	}

	need := make(map[model.ContentHash]uint64)
	for _, h := range m.Hashes() {
		need[h]++
	}
	for h, n := range need {
		if i.counts[h] < n {
			return errclass.ErrIndexInconsistent.WithMessagef(
				"manifest %s holds %d references to %s but index has %d", m.SnapshotID, n, h, i.counts[h])
		}
	}
	for h, n := range need {
		i.counts[h] -= n
	}
	i.manifests.Delete(m.SnapshotID)
	return nil
}

// Forget stops tracking h. Used after the object has been deleted.
func (i *Index) Forget(h model.ContentHash) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.counts, h)
}

// Manifests returns the ids the index was derived from, sorted.
func (i *Index) Manifests() []model.SnapshotID {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return sets.List(i.manifests)
}

// Len returns the number of tracked objects.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.counts)
}

type cacheFile struct {
	Version   int               `cbor:"version"`
	Manifests []string          `cbor:"manifests"`
	Counts    map[string]uint64 `cbor:"counts"`
}

// Save persists the index atomically.
func (i *Index) Save(fs afero.Fs) error {
	i.mu.RLock()
	cf := cacheFile{
		Version: cacheVersion,
		Counts:  make(map[string]uint64, len(i.counts)),
	}
	for _, id := range sets.List(i.manifests) {
		cf.Manifests = append(cf.Manifests, string(id))
	}
	for h, c := range i.counts {
		cf.Counts[string(h)] = c
	}
	i.mu.RUnlock()

	data, err := encMode.Marshal(cf)
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	if err := fsutil.AtomicWrite(fs, FileName, data, 0o644); err != nil {
		return errclass.ErrStorageIO.Wrap(err, "write index")
	}
	return nil
}

// Load reads the persisted index and returns ErrStale unless it was derived
// from exactly the manifest ids given.
func Load(fs afero.Fs, manifestIDs []model.SnapshotID) (*Index, error) {
	data, err := afero.ReadFile(fs, FileName)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrStale
	}
	if err != nil {
		return nil, errclass.ErrStorageIO.Wrap(err, "read index")
	}

	var cf cacheFile
	if err := decMode.Unmarshal(data, &cf); err != nil || cf.Version != cacheVersion {
		return nil, ErrStale
	}

	want := sets.New(manifestIDs...)
	got := sets.New[model.SnapshotID]()
	for _, id := range cf.Manifests {
		got.Insert(model.SnapshotID(id))
	}
	if !want.Equal(got) {
		return nil, ErrStale
	}

	idx := New()
	idx.manifests = got
	for h, c := range cf.Counts {
		idx.counts[model.ContentHash(h)] = c
	}
	return idx, nil
}

// Diff lists hashes whose reference counts differ between two indexes,
// sorted. An untracked hash counts zero, so objects only one side tracks
// are not reported unless something references them. It is used to check
// a cached index against a fresh rebuild.
func Diff(a, b *Index) []model.ContentHash {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []model.ContentHash
	for h, c := range a.counts {
		if b.counts[h] != c {
			out = append(out, h)
		}
	}
	for h, c := range b.counts {
		if _, ok := a.counts[h]; !ok && c != 0 {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
