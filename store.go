package dat

import (
	"context"
	"time"
)

// Fetcher gets blobs by ref.
type Fetcher interface {
	// Get gets a blob by its ref.
	Get(context.Context, Ref) (Blob, error)
}

// Getter is a read-only Store (qv).
type Getter interface {
	Fetcher

	// ListRefs calls a function for each blob ref in the store in lexicographic order,
	// beginning with the first ref _after_ the specified one.
	//
	// The calls reflect at least the set of refs
	// known at the moment ListRefs was called.
	// It is unspecified whether later changes,
	// that happen concurrently with ListRefs,
	// are reflected.
	//
	// If the callback function returns an error,
	// ListRefs exits with that error.
	ListRefs(context.Context, Ref, func(r Ref) error) error
}

// Store is a blob store.
// It stores byte sequences - "blobs" - of arbitrary length.
// Each blob can be retrieved using its "ref" as a lookup key.
// A ref is simply the SHA2-256 hash of the blob's content.
type Store interface {
	Getter

	// Put adds b to the store if it was not already present.
	// It returns b's ref and a boolean that is true iff the blob had to be added.
	Put(ctx context.Context, b Blob) (ref Ref, added bool, err error)
}

// AnchorGetter resolves anchors.
type AnchorGetter interface {
	// GetAnchor returns the latest ref associated with the given anchor
	// whose timestamp is not later than `at`.
	GetAnchor(ctx context.Context, name string, at time.Time) (Ref, error)
}

// AnchorStore is a Store that also maps names to refs over time.
// Archives keep their index head and ownership record in anchors.
type AnchorStore interface {
	Store
	AnchorGetter

	// PutAnchor associates ref with the given anchor as of time `at`.
	PutAnchor(ctx context.Context, name string, ref Ref, at time.Time) error
}
