// Package transform implements an anchor store that transforms blobs
// (typically by compressing them)
// on their way into and out of a nested store.
package transform

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	dat "github.com/iamsingularity/datproject.org"
	"github.com/iamsingularity/datproject.org/store"
)

var _ dat.AnchorStore = &Store{}

// Store is an anchor store wrapping a nested dat.AnchorStore and a Transformer.
// Blobs are transformed according to the Transformer on their way in and out of the nested store,
// but are still addressed by the ref of their untransformed content.
//
// The nested store maps each ref to the ref of its transformed blob
// with an anchor named "transform:<hex ref>".
// Transformed blobs begin with a header holding the untransformed ref.
type Store struct {
	s dat.AnchorStore
	x Transformer
}

// Transformer tells how to transform a blob on its way into and out of a Store.
// Out should be the inverse of In.
type Transformer interface {
	// In transforms a blob on its way into the store.
	In(context.Context, []byte) ([]byte, error)

	// Out transforms a blob on its way out of the store.
	Out(context.Context, []byte) ([]byte, error)
}

const anchorPrefix = "transform:"

var magic = []byte("dxf1")

func mapAnchor(ref dat.Ref) string {
	return anchorPrefix + ref.String()
}

// New produces a Store.
func New(s dat.AnchorStore, x Transformer) *Store {
	return &Store{s: s, x: x}
}

// Get implements dat.Getter.Get.
func (s *Store) Get(ctx context.Context, ref dat.Ref) (dat.Blob, error) {
	cref, err := s.s.GetAnchor(ctx, mapAnchor(ref), time.Now())
	if err != nil {
		return nil, errors.Wrap(err, "getting transformed-blob ref")
	}
	cblob, err := s.s.Get(ctx, cref)
	if err != nil {
		return nil, errors.Wrap(err, "getting transformed blob")
	}
	gotRef, payload, ok := splitHeader(cblob)
	if !ok || gotRef != ref {
		return nil, errors.Errorf("transformed blob %s does not hold %s", cref, ref)
	}
	blob, err := s.x.Out(ctx, payload)
	if err != nil {
		return nil, errors.Wrap(err, "untransforming blob")
	}
	if dat.Blob(blob).Ref() != ref {
		return nil, errors.Errorf("untransformed blob does not match %s", ref)
	}
	return blob, nil
}

// Put implements dat.Store.Put.
func (s *Store) Put(ctx context.Context, blob dat.Blob) (dat.Ref, bool, error) {
	ref := blob.Ref()

	_, err := s.s.GetAnchor(ctx, mapAnchor(ref), time.Now())
	if err == nil {
		return ref, false, nil
	}
	if !errors.Is(err, dat.ErrNotFound) {
		return dat.Zero, false, errors.Wrap(err, "consulting ref map")
	}

	payload, err := s.x.In(ctx, blob)
	if err != nil {
		return dat.Zero, false, errors.Wrap(err, "transforming blob")
	}
	cblob := make([]byte, 0, len(magic)+len(ref)+len(payload))
	cblob = append(cblob, magic...)
	cblob = append(cblob, ref[:]...)
	cblob = append(cblob, payload...)

	cref, _, err := s.s.Put(ctx, cblob)
	if err != nil {
		return dat.Zero, false, errors.Wrap(err, "storing transformed blob")
	}
	err = s.s.PutAnchor(ctx, mapAnchor(ref), cref, time.Now())
	return ref, true, errors.Wrap(err, "updating ref map")
}

func splitHeader(cblob []byte) (dat.Ref, []byte, bool) {
	n := len(magic) + len(dat.Ref{})
	if len(cblob) < n || !bytes.HasPrefix(cblob, magic) {
		return dat.Zero, nil, false
	}
	return dat.RefFromBytes(cblob[len(magic):n]), cblob[n:], true
}

// ListRefs implements dat.Getter.ListRefs.
// It reads the header of every transformed blob in the nested store,
// so it is slow.
func (s *Store) ListRefs(ctx context.Context, start dat.Ref, f func(dat.Ref) error) error {
	var refs []dat.Ref
	err := s.s.ListRefs(ctx, dat.Zero, func(cref dat.Ref) error {
		cblob, err := s.s.Get(ctx, cref)
		if err != nil {
			return errors.Wrapf(err, "getting %s", cref)
		}
		if ref, _, ok := splitHeader(cblob); ok && start.Less(ref) {
			refs = append(refs, ref)
		}
		return nil
	})
	if err != nil {
		return err
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })
	for i, ref := range refs {
		if i > 0 && ref == refs[i-1] {
			continue
		}
		if err = f(ref); err != nil {
			return err
		}
	}
	return nil
}

// GetAnchor implements dat.AnchorGetter.GetAnchor.
func (s *Store) GetAnchor(ctx context.Context, name string, at time.Time) (dat.Ref, error) {
	if strings.HasPrefix(name, anchorPrefix) {
		return dat.Zero, errors.Wrapf(dat.ErrNotFound, "reserved anchor name %s", name)
	}
	return s.s.GetAnchor(ctx, name, at)
}

// PutAnchor implements dat.AnchorStore.PutAnchor.
func (s *Store) PutAnchor(ctx context.Context, name string, ref dat.Ref, at time.Time) error {
	if strings.HasPrefix(name, anchorPrefix) {
		return errors.Errorf("reserved anchor name %s", name)
	}
	return s.s.PutAnchor(ctx, name, ref, at)
}

func init() {
	store.Register("transform", func(ctx context.Context, conf map[string]interface{}) (dat.AnchorStore, error) {
		nested, err := store.Nested(ctx, conf)
		if err != nil {
			return nil, err
		}
		transformer, ok := conf["transformer"].(string)
		if !ok {
			return nil, errors.New(`missing "transformer" parameter`)
		}
		level, _ := store.Int(conf, "level")

		switch transformer {
		case "flate":
			if _, ok := conf["level"]; !ok {
				level = -1
			}
			return New(nested, Flate{Level: level}), nil

		case "zstd":
			return New(nested, Zstd{Level: level}), nil

		default:
			return nil, errors.Errorf(`unknown transformer "%s"`, transformer)
		}
	})
}
