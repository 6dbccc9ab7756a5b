// Package lru implements a blob store that acts as a least-recently-used cache for a nested blob store.
package lru

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	dat "github.com/iamsingularity/datproject.org"
	"github.com/iamsingularity/datproject.org/store"
)

var _ dat.AnchorStore = &Store{}

// Store implements a memory-based least-recently-used cache for a blob store.
// It caches only blobs, not anchors.
// Writes pass through to the underlying blob store.
type Store struct {
	c *lru.Cache // Ref->Blob
	s dat.AnchorStore
}

// New produces a new Store backed by `s` and caching up to `size` blobs.
func New(s dat.AnchorStore, size int) (*Store, error) {
	c, err := lru.New(size)
	return &Store{s: s, c: c}, errors.Wrap(err, "creating cache")
}

// Get gets the blob with hash `ref`.
func (s *Store) Get(ctx context.Context, ref dat.Ref) (dat.Blob, error) {
	if got, ok := s.c.Get(ref); ok {
		return got.(dat.Blob), nil
	}
	blob, err := s.s.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	s.c.Add(ref, blob)
	return blob, nil
}

// Put adds a blob to the store if it wasn't already present.
func (s *Store) Put(ctx context.Context, b dat.Blob) (dat.Ref, bool, error) {
	ref, added, err := s.s.Put(ctx, b)
	if err != nil {
		return ref, added, err
	}
	s.c.Add(ref, append(dat.Blob(nil), b...))
	return ref, added, nil
}

// ListRefs produces all blob refs in the store, in lexicographic order.
func (s *Store) ListRefs(ctx context.Context, start dat.Ref, f func(dat.Ref) error) error {
	return s.s.ListRefs(ctx, start, f)
}

// GetAnchor passes through to the nested store.
func (s *Store) GetAnchor(ctx context.Context, name string, at time.Time) (dat.Ref, error) {
	return s.s.GetAnchor(ctx, name, at)
}

// PutAnchor passes through to the nested store.
func (s *Store) PutAnchor(ctx context.Context, name string, ref dat.Ref, at time.Time) error {
	return s.s.PutAnchor(ctx, name, ref, at)
}

func init() {
	store.Register("lru", func(ctx context.Context, conf map[string]interface{}) (dat.AnchorStore, error) {
		size, ok := store.Int(conf, "size")
		if !ok {
			return nil, errors.New(`missing "size" parameter`)
		}
		nested, err := store.Nested(ctx, conf)
		if err != nil {
			return nil, err
		}
		return New(nested, size)
	})
}
