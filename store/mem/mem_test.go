package mem

import (
	"context"
	"testing"

	dat "github.com/iamsingularity/datproject.org"
	"github.com/iamsingularity/datproject.org/testutil"
)

func TestStore(t *testing.T) {
	testutil.ReadWrite(context.Background(), t, New(), testutil.Data(t, 200000))
}

func TestAnchors(t *testing.T) {
	testutil.Anchors(context.Background(), t, New())
}

func TestAllRefs(t *testing.T) {
	testutil.AllRefs(context.Background(), t, func() dat.Store { return New() })
}

func TestPutCopies(t *testing.T) {
	var (
		ctx = context.Background()
		s   = New()
		b   = dat.Blob("hello")
	)
	ref, added, err := s.Put(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if !added {
		t.Error("first Put reported not added")
	}
	b[0] = 'j'
	got, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("got %q, want hello", got)
	}
	if _, added, _ = s.Put(ctx, dat.Blob("hello")); added {
		t.Error("second Put reported added")
	}
}
