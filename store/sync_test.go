package store_test

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	dat "github.com/iamsingularity/datproject.org"
	. "github.com/iamsingularity/datproject.org/store"
	"github.com/iamsingularity/datproject.org/store/mem"
)

func TestSync(t *testing.T) {
	const text = `abc def ghi jkl mno pqr stu`

	var (
		ctx    = context.Background()
		words  = strings.Fields(text)
		stores = make([]dat.Store, 0, len(words))
	)
	for i := range words {
		s := mem.New()
		stores = append(stores, s)
		for j, word := range words {
			if i == j {
				continue
			}

			_, _, err := s.Put(ctx, dat.Blob(word))
			if err != nil {
				t.Fatal(err)
			}
		}
	}

	err := Sync(ctx, stores)
	if err != nil {
		t.Fatal(err)
	}

	refs := listRefs(ctx, t, stores[0])
	if len(refs) != len(words) {
		t.Fatalf("got %d refs, want %d", len(refs), len(words))
	}

	for i := 1; i < len(stores); i++ {
		refs2 := listRefs(ctx, t, stores[i])
		if diff := cmp.Diff(refs, refs2); diff != "" {
			t.Errorf("store %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestFromConfig(t *testing.T) {
	ctx := context.Background()

	s, err := FromConfig(ctx, map[string]interface{}{"type": "mem"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*mem.Store); !ok {
		t.Errorf("got %T, want *mem.Store", s)
	}

	if _, err = FromConfig(ctx, map[string]interface{}{"type": "nonesuch"}); err == nil {
		t.Error("got no error for unknown store type")
	}
	if _, err = FromConfig(ctx, map[string]interface{}{}); err == nil {
		t.Error("got no error for missing store type")
	}
}

func listRefs(ctx context.Context, t *testing.T, s dat.Getter) []dat.Ref {
	var refs []dat.Ref
	err := s.ListRefs(ctx, dat.Zero, func(ref dat.Ref) error {
		refs = append(refs, ref)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return refs
}
