package testutil

import (
	"bytes"
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/bobg/hashsplit"

	dat "github.com/iamsingularity/datproject.org"
)

// Data produces n bytes of deterministic pseudorandom data.
func Data(t *testing.T, n int) []byte {
	t.Helper()

	buf := make([]byte, n)
	rng := rand.New(rand.NewSource(int64(n)))
	if _, err := rng.Read(buf); err != nil {
		t.Fatal(err)
	}
	return buf
}

// ReadWrite permits testing a Store implementation
// by hashsplitting some data into it,
// then reading the chunks back out to make sure it's the same.
func ReadWrite(ctx context.Context, t *testing.T, store dat.Store, data []byte) {
	var refs []dat.Ref

	t1 := time.Now()
	spl := hashsplit.NewSplitter(func(chunk []byte, _ uint) error {
		ref, _, err := store.Put(ctx, append(dat.Blob(nil), chunk...))
		if err != nil {
			return err
		}
		refs = append(refs, ref)
		return nil
	})
	spl.MinSize = 1024
	spl.SplitBits = 12
	if _, err := spl.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := spl.Close(); err != nil {
		t.Fatal(err)
	}
	t.Logf("wrote %d bytes in %d chunks in %s", len(data), len(refs), time.Since(t1))

	buf := new(bytes.Buffer)
	t2 := time.Now()
	for _, ref := range refs {
		blob, err := store.Get(ctx, ref)
		if err != nil {
			t.Fatal(err)
		}
		buf.Write(blob)
	}
	got := buf.Bytes()
	t.Logf("read %d bytes in %s", len(got), time.Since(t2))

	if len(got) != len(data) {
		t.Errorf("got length %d, want %d", len(got), len(data))
	} else {
		for i := 0; i < len(got); i++ {
			if got[i] != data[i] {
				t.Fatalf("mismatch at position %d (of %d)", i, len(got))
			}
		}
	}
}
