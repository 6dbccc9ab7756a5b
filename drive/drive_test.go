package drive

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	dat "github.com/iamsingularity/datproject.org"
	"github.com/iamsingularity/datproject.org/store/mem"
	"github.com/iamsingularity/datproject.org/testutil"
)

func TestCreateWriteRead(t *testing.T) {
	ctx := context.Background()

	d := New(mem.New())
	a, err := d.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !a.Owner() {
		t.Error("created archive is not owned")
	}
	if len(a.Entries()) != 0 {
		t.Errorf("new archive has %d entries", len(a.Entries()))
	}

	data := testutil.Data(t, 300000)

	var last int64
	e, err := a.WriteFile(ctx, "a/b.bin", bytes.NewReader(data), func(n int64) {
		if n < last {
			t.Errorf("progress went backward from %d to %d", last, n)
		}
		last = n
	})
	if err != nil {
		t.Fatal(err)
	}
	if last != int64(len(data)) {
		t.Errorf("final progress %d, want %d", last, len(data))
	}
	if e.Name != "/a/b.bin" || e.Size != uint64(len(data)) || e.Blocks == 0 {
		t.Errorf("got entry %+v", e)
	}

	var names []string
	for _, e := range a.Entries() {
		names = append(names, e.Type.String()+" "+e.Name)
	}
	if diff := cmp.Diff([]string{"directory /a", "file /a/b.bin"}, names); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
	if a.Size() != uint64(len(data)) {
		t.Errorf("got size %d, want %d", a.Size(), len(data))
	}

	buf := new(bytes.Buffer)
	if err = a.ReadFile(ctx, "/a/b.bin", buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), data) {
		t.Error("content mismatch")
	}

	if err = a.ReadFile(ctx, "/a", buf); err == nil {
		t.Error("read a directory")
	}
	if err = a.ReadFile(ctx, "/missing", buf); !errors.Is(err, dat.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}

	// Rewriting appends a newer entry.
	if _, err = a.WriteFile(ctx, "/a/b.bin", strings.NewReader("short"), nil); err != nil {
		t.Fatal(err)
	}
	buf.Reset()
	if err = a.ReadFile(ctx, "/a/b.bin", buf); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "short" {
		t.Errorf("got %q after rewrite", buf.String())
	}
	if len(a.Entries()) != 2 {
		t.Errorf("got %d entries after rewrite, want 2", len(a.Entries()))
	}

	// A fresh handle reopens from the store.
	b := d.Archive(a.Key())
	if err = b.Open(ctx); err != nil {
		t.Fatal(err)
	}
	if !b.Owner() {
		t.Error("reopened archive is not owned")
	}
	if diff := cmp.Diff(a.Entries(), b.Entries()); diff != "" {
		t.Errorf("reopened entries mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenUnknown(t *testing.T) {
	ctx := context.Background()
	d := New(mem.New())

	err := d.Archive(dat.Blob("nope").Ref()).Open(ctx)
	if !errors.Is(err, dat.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}

	// A blob that is not a genesis blob is not an archive key.
	ref, _, err := d.Store().Put(ctx, dat.Blob("just some data"))
	if err != nil {
		t.Fatal(err)
	}
	if err = d.Archive(ref).Open(ctx); !errors.Is(err, dat.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

type transfers struct {
	mu       sync.Mutex
	up, down int
}

func (tr *transfers) handle(e Event) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if e.Kind == Upload {
		tr.up += e.Bytes
	} else {
		tr.down += e.Bytes
	}
}

func TestRemote(t *testing.T) {
	ctx := context.Background()

	d1 := New(mem.New())
	a1, err := d1.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	data := testutil.Data(t, 100000)
	if _, err = a1.WriteFile(ctx, "/data", bytes.NewReader(data), nil); err != nil {
		t.Fatal(err)
	}

	d2 := New(mem.New())
	a2 := d2.Archive(a1.Key())
	if err = a2.Open(ctx); !errors.Is(err, dat.ErrNotFound) {
		t.Fatalf("got %v opening without a remote, want ErrNotFound", err)
	}

	a2.SetRemote(a1.Peer())
	if err = a2.Open(ctx); err != nil {
		t.Fatal(err)
	}
	if a2.Owner() {
		t.Error("remote archive is owned")
	}
	if _, err = a2.WriteFile(ctx, "/x", strings.NewReader("x"), nil); !errors.Is(err, dat.ErrWriteRefused) {
		t.Errorf("got %v, want ErrWriteRefused", err)
	}

	var tr1, tr2 transfers
	cancel1 := a1.Subscribe(tr1.handle)
	defer cancel1()
	cancel2 := a2.Subscribe(tr2.handle)
	defer cancel2()

	buf := new(bytes.Buffer)
	if err = a2.ReadFile(ctx, "/data", buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), data) {
		t.Error("content mismatch")
	}
	if tr1.up != len(data) || tr1.down != 0 {
		t.Errorf("got %d up, %d down for the serving side, want %d up", tr1.up, tr1.down, len(data))
	}
	if tr2.down != len(data) || tr2.up != 0 {
		t.Errorf("got %d up, %d down for the fetching side, want %d down", tr2.up, tr2.down, len(data))
	}

	// Blocks are cached locally after the first read.
	buf.Reset()
	if err = a2.ReadFile(ctx, "/data", buf); err != nil {
		t.Fatal(err)
	}
	if tr2.down != len(data) {
		t.Errorf("second read downloaded again (%d bytes)", tr2.down-len(data))
	}

	// New entries are found by updating from the remote.
	if _, err = a1.WriteFile(ctx, "/later", strings.NewReader("later"), nil); err != nil {
		t.Fatal(err)
	}
	e, err := a2.Get(ctx, "/later")
	if err != nil {
		t.Fatal(err)
	}
	if e.Size != 5 {
		t.Errorf("got size %d, want 5", e.Size)
	}

	changed, err := a2.Update(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("second update reported a change")
	}

	// The archive reopens from the local store without its remote.
	a3 := d2.Archive(a1.Key())
	if err = a3.Open(ctx); err != nil {
		t.Fatal(err)
	}
	if len(a3.Entries()) != 2 {
		t.Errorf("got %d entries, want 2", len(a3.Entries()))
	}
}

// pinnedRemote serves blobs from an archive's peer
// but reports a fixed index anchor.
type pinnedRemote struct {
	*Peer
	index dat.Ref
}

func (r pinnedRemote) GetAnchor(ctx context.Context, name string, at time.Time) (dat.Ref, error) {
	return r.index, nil
}

func TestUpdateIgnoresStaleIndex(t *testing.T) {
	ctx := context.Background()

	s1 := mem.New()
	a1, err := New(s1).Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = a1.WriteFile(ctx, "/a", strings.NewReader("a"), nil); err != nil {
		t.Fatal(err)
	}
	staleRef, err := s1.GetAnchor(ctx, dat.IndexAnchor(a1.Key()), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if _, err = a1.WriteFile(ctx, "/b", strings.NewReader("b"), nil); err != nil {
		t.Fatal(err)
	}

	a2 := New(mem.New()).Archive(a1.Key())
	a2.SetRemote(a1.Peer())
	if err = a2.Open(ctx); err != nil {
		t.Fatal(err)
	}
	want := a2.Entries()
	if len(want) != 2 {
		t.Fatalf("got %d entries, want 2", len(want))
	}

	// A peer still holding the older, shorter index.
	a2.SetRemote(pinnedRemote{Peer: a1.Peer(), index: staleRef})
	changed, err := a2.Update(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("update accepted a shorter index")
	}
	if diff := cmp.Diff(want, a2.Entries()); diff != "" {
		t.Errorf("entries changed (-want +got):\n%s", diff)
	}

	// An index of the same length that rewrites history is rejected too.
	forged := a2.idx.clone()
	forged.entries[len(forged.entries)-1].Name = "/forged"
	forgedRef, _, err := s1.Put(ctx, forged.marshal())
	if err != nil {
		t.Fatal(err)
	}
	a2.SetRemote(pinnedRemote{Peer: a1.Peer(), index: forgedRef})
	if changed, err = a2.Update(ctx); err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("update accepted a divergent index")
	}
	if diff := cmp.Diff(want, a2.Entries()); diff != "" {
		t.Errorf("entries changed (-want +got):\n%s", diff)
	}

	// An index that extends the current one is accepted.
	if _, err = a1.WriteFile(ctx, "/c", strings.NewReader("c"), nil); err != nil {
		t.Fatal(err)
	}
	a2.SetRemote(a1.Peer())
	if changed, err = a2.Update(ctx); err != nil {
		t.Fatal(err)
	}
	if !changed || len(a2.Entries()) != 3 {
		t.Errorf("got changed=%v with %d entries, want true with 3", changed, len(a2.Entries()))
	}
}

func TestMetadata(t *testing.T) {
	ctx := context.Background()

	a, err := New(mem.New()).Create(ctx)
	if err != nil {
		t.Fatal(err)
	}

	m, err := a.Metadata(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(m) != 0 {
		t.Errorf("got %v for missing manifest, want empty", m)
	}

	manifest := `{"title": "My archive", "version": 2, "tags": ["a", "b"]}`
	if _, err = a.WriteFile(ctx, dat.ManifestName, strings.NewReader(manifest), nil); err != nil {
		t.Fatal(err)
	}
	m, err = a.Metadata(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]interface{}{
		"title":   "My archive",
		"version": float64(2),
		"tags":    []interface{}{"a", "b"},
	}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if _, err = a.WriteFile(ctx, dat.ManifestName, strings.NewReader("{not json"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err = a.Metadata(ctx); err == nil {
		t.Error("got no error for malformed manifest")
	}
}

func TestNowIncreases(t *testing.T) {
	d := New(mem.New())
	prev := d.now()
	for i := 0; i < 1000; i++ {
		next := d.now()
		if !next.After(prev) {
			t.Fatalf("%s is not after %s", next, prev)
		}
		prev = next
	}
}
