package store

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	dat "github.com/iamsingularity/datproject.org"
)

// Sync synchronizes two or more stores.
// It runs ListRefs on all input stores.
// When a ref is found to be in some but not all stores,
// its blob is added to the stores where it's missing.
// Anchors are not synchronized.
func Sync(ctx context.Context, stores []dat.Store) error {
	if len(stores) < 2 {
		return nil
	}

	type tuple struct {
		s   dat.Store
		ch  <-chan dat.Ref
		ref *dat.Ref
	}

	eg, ctx2 := errgroup.WithContext(ctx)

	tuples := make([]*tuple, 0, len(stores))
	for _, s := range stores {
		s := s
		ch := make(chan dat.Ref)
		eg.Go(func() error {
			defer close(ch)
			return s.ListRefs(ctx2, dat.Zero, func(ref dat.Ref) error {
				select {
				case <-ctx2.Done():
					return ctx2.Err()
				case ch <- ref:
				}
				return nil
			})
		})
		tuples = append(tuples, &tuple{s: s, ch: ch})
	}

	// Prime each tuple with its first ref.
	for _, tup := range tuples {
		if err := advance(ctx, tup.ch, &tup.ref); err != nil {
			return err
		}
	}

	for {
		sort.Slice(tuples, func(i, j int) bool {
			ri := tuples[i].ref
			rj := tuples[j].ref
			if ri != nil {
				if rj != nil {
					return ri.Less(*rj)
				}
				return true
			}
			return false
		})

		if tuples[0].ref == nil {
			// We've reached the end of input on all channels.
			return eg.Wait()
		}

		ref := *(tuples[0].ref)

		var havers, needers []*tuple
		for _, tup := range tuples {
			if tup.ref != nil && *tup.ref == ref {
				havers = append(havers, tup)
			} else {
				needers = append(needers, tup)
			}
		}

		if len(needers) > 0 {
			blob, err := havers[0].s.Get(ctx, ref)
			if err != nil {
				return errors.Wrapf(err, "getting blob for %s", ref)
			}
			for _, tup := range needers {
				if _, _, err = tup.s.Put(ctx, blob); err != nil {
					return errors.Wrapf(err, "storing blob for %s", ref)
				}
			}
		}

		for _, tup := range havers {
			if err := advance(ctx, tup.ch, &tup.ref); err != nil {
				return err
			}
		}
	}
}

func advance(ctx context.Context, ch <-chan dat.Ref, ref **dat.Ref) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r, ok := <-ch:
		if ok {
			*ref = &r
		} else {
			*ref = nil
		}
		return nil
	}
}
