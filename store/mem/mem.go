// Package mem implements an in-memory blob store.
package mem

import (
	"context"
	"sort"
	"sync"
	"time"

	dat "github.com/iamsingularity/datproject.org"
	"github.com/iamsingularity/datproject.org/store"
)

var _ dat.AnchorStore = &Store{}

// Store is a memory-based implementation of a blob store.
type Store struct {
	mu      sync.Mutex
	blobs   map[dat.Ref]dat.Blob
	anchors map[string][]dat.TimeRef
}

// New produces a new Store.
func New() *Store {
	return &Store{
		blobs:   make(map[dat.Ref]dat.Blob),
		anchors: make(map[string][]dat.TimeRef),
	}
}

// Get gets the blob with hash `ref`.
func (s *Store) Get(_ context.Context, ref dat.Ref) (dat.Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.blobs[ref]; ok {
		return b, nil
	}
	return nil, dat.ErrNotFound
}

// GetAnchor gets the latest blob ref for a given anchor as of a given time.
func (s *Store) GetAnchor(_ context.Context, name string, at time.Time) (dat.Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return dat.FindAnchor(s.anchors[name], at)
}

// Put adds a blob to the store if it wasn't already present.
func (s *Store) Put(_ context.Context, b dat.Blob) (dat.Ref, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := b.Ref()
	if _, ok := s.blobs[ref]; ok {
		return ref, false, nil
	}

	cp := make(dat.Blob, len(b))
	copy(cp, b)
	s.blobs[ref] = cp

	return ref, true, nil
}

// PutAnchor adds a new ref for a given anchor as of a given time.
func (s *Store) PutAnchor(_ context.Context, name string, ref dat.Ref, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	trs := append(s.anchors[name], dat.TimeRef{T: at, R: ref})
	sort.SliceStable(trs, func(i, j int) bool {
		return trs[i].T.Before(trs[j].T)
	})
	s.anchors[name] = trs

	return nil
}

// ListRefs produces all blob refs in the store, in lexicographic order.
func (s *Store) ListRefs(ctx context.Context, start dat.Ref, f func(dat.Ref) error) error {
	s.mu.Lock()
	refs := make([]dat.Ref, 0, len(s.blobs))
	for ref := range s.blobs {
		refs = append(refs, ref)
	}
	s.mu.Unlock()

	sort.Slice(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })
	index := sort.Search(len(refs), func(n int) bool {
		return start.Less(refs[n])
	})

	for i := index; i < len(refs); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := f(refs[i])
		if err != nil {
			return err
		}
	}
	return nil
}

// Len reports the number of blobs in the store.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

func init() {
	store.Register("mem", func(context.Context, map[string]interface{}) (dat.AnchorStore, error) {
		return New(), nil
	})
}
