package testutil

import (
	"context"
	"sort"
	"testing"
	"testing/quick"

	"github.com/google/go-cmp/cmp"

	dat "github.com/iamsingularity/datproject.org"
)

// AllRefs writes a random set of random blobs to an empty store
// and makes sure that the right set of refs comes back in a call to ListRefs.
func AllRefs(ctx context.Context, t *testing.T, storeFactory func() dat.Store) {
	if err := quick.Check(allRefsHelper(ctx, t, storeFactory), nil); err != nil {
		t.Error(err)
	}
}

func allRefsHelper(ctx context.Context, t *testing.T, storeFactory func() dat.Store) func([][]byte) bool {
	return func(blobs [][]byte) bool {
		var (
			store = storeFactory()
			want  []dat.Ref
		)
		for _, blob := range blobs {
			ref, added, err := store.Put(ctx, blob)
			if err != nil {
				t.Fatal(err)
			}
			if added {
				want = append(want, ref)
			}
		}
		var got []dat.Ref
		err := store.ListRefs(ctx, dat.Zero, func(r dat.Ref) error {
			got = append(got, r)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}

		sort.Slice(want, func(i, j int) bool { return want[i].Less(want[j]) })
		sort.Slice(got, func(i, j int) bool { return got[i].Less(got[j]) })

		if diff := cmp.Diff(want, got); diff != "" {
			t.Logf("mismatch (-want +got):\n%s", diff)
			return false
		}
		return true
	}
}
