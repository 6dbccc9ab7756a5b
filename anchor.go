package dat

import (
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// AnchorKind tells which of an archive's anchors a name refers to.
type AnchorKind string

const (
	// IndexKind anchors point at successive versions of an archive's entry index.
	IndexKind AnchorKind = "index"

	// OwnerKind anchors exist only in the store where an archive was created,
	// and point at its genesis blob.
	OwnerKind AnchorKind = "owner"
)

// ArchiveAnchor is the name of the given kind of anchor for the archive with the given key.
func ArchiveAnchor(kind AnchorKind, key Ref) string {
	return string(kind) + ":" + key.String()
}

// IndexAnchor names the anchor holding an archive's current index.
func IndexAnchor(key Ref) string { return ArchiveAnchor(IndexKind, key) }

// OwnerAnchor names the anchor marking an archive as locally owned.
func OwnerAnchor(key Ref) string { return ArchiveAnchor(OwnerKind, key) }

// ParseAnchor splits an archive anchor name into its kind and archive key.
func ParseAnchor(name string) (AnchorKind, Ref, error) {
	kind, hexkey, ok := strings.Cut(name, ":")
	if !ok {
		return "", Zero, errors.Errorf("malformed anchor name %q", name)
	}
	switch AnchorKind(kind) {
	case IndexKind, OwnerKind:
	default:
		return "", Zero, errors.Errorf("unknown anchor kind in %q", name)
	}
	key, err := RefFromHex(hexkey)
	if err != nil {
		return "", Zero, errors.Wrapf(err, "archive key in anchor %q", name)
	}
	return AnchorKind(kind), key, nil
}

// TimeRef is one value of an anchor: the ref it pointed to from time T on.
type TimeRef struct {
	T time.Time
	R Ref
}

// FindAnchor finds the ref in effect at time at,
// given an anchor's values sorted by time.
// It returns ErrNotFound if at precedes them all.
func FindAnchor(pairs []TimeRef, at time.Time) (Ref, error) {
	index := sort.Search(len(pairs), func(n int) bool {
		return pairs[n].T.After(at)
	})
	if index == 0 {
		return Zero, ErrNotFound
	}
	return pairs[index-1].R, nil
}
