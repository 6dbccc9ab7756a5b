package swarm

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	dat "github.com/iamsingularity/datproject.org"
	"github.com/iamsingularity/datproject.org/drive"
	"github.com/iamsingularity/datproject.org/store/mem"
)

type counts struct {
	mu sync.Mutex
	ns []int
}

func (c *counts) add(n int) {
	c.mu.Lock()
	c.ns = append(c.ns, n)
	c.mu.Unlock()
}

func (c *counts) get() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.ns...)
}

func TestWatch(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(WithLogger(zap.NewNop()))

	a1, err := drive.New(mem.New(), drive.WithLogger(zap.NewNop())).Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	s1 := hub.Join(a1)

	var c counts
	cancel := Watch(s1, c.add)
	defer cancel()

	a2 := drive.New(mem.New(), drive.WithLogger(zap.NewNop())).Archive(a1.Key())
	s2 := hub.Join(a2)

	hub.AddRemote("remote", mem.New())
	if diff := cmp.Diff([]string{"local-1", "remote"}, s1.Connections()); diff != "" {
		t.Errorf("connections mismatch (-want +got):\n%s", diff)
	}

	s2.Close()
	hub.RemoveRemote("remote")

	if diff := cmp.Diff([]int{0, 1, 2, 1, 0}, c.get()); diff != "" {
		t.Errorf("peer counts mismatch (-want +got):\n%s", diff)
	}

	// Archives with other keys are not connected.
	a3, err := drive.New(mem.New(), drive.WithLogger(zap.NewNop())).Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	s3 := hub.Join(a3)
	defer s3.Close()
	if s1.NumPeers() != 0 || s3.NumPeers() != 0 {
		t.Errorf("got %d and %d peers, want 0 and 0", s1.NumPeers(), s3.NumPeers())
	}
}

func TestFetchThroughSwarm(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(WithLogger(zap.NewNop()))

	a1, err := drive.New(mem.New(), drive.WithLogger(zap.NewNop())).Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = a1.WriteFile(ctx, "/hello.txt", strings.NewReader("hello, world"), nil); err != nil {
		t.Fatal(err)
	}
	s1 := hub.Join(a1)
	defer s1.Close()

	a2 := drive.New(mem.New(), drive.WithLogger(zap.NewNop())).Archive(a1.Key())
	s2 := hub.Join(a2)

	if err = a2.Open(ctx); err != nil {
		t.Fatal(err)
	}
	buf := new(bytes.Buffer)
	if err = a2.ReadFile(ctx, "/hello.txt", buf); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "hello, world" {
		t.Errorf("got %q", buf.String())
	}

	if _, err = s2.Get(ctx, dat.Blob("nobody has this").Ref()); !errors.Is(err, dat.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}

	// Closing the swarm detaches the archive from its peers.
	s2.Close()
	if _, err = a1.WriteFile(ctx, "/later.txt", strings.NewReader("later"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err = a2.Get(ctx, "/later.txt"); !errors.Is(err, dat.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
	if s1.NumPeers() != 0 {
		t.Errorf("got %d peers after close, want 0", s1.NumPeers())
	}
}

type slowPeer struct {
	dat.AnchorStore
	delay time.Duration
}

func (p slowPeer) Get(ctx context.Context, ref dat.Ref) (dat.Blob, error) {
	select {
	case <-time.After(p.delay):
		return p.AnchorStore.Get(ctx, ref)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type corruptPeer struct {
	dat.AnchorStore
}

func (corruptPeer) Get(context.Context, dat.Ref) (dat.Blob, error) {
	return dat.Blob("garbage"), nil
}

func TestFirstSuccess(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(WithLogger(zap.NewNop()))

	src := mem.New()
	ref, _, err := src.Put(ctx, dat.Blob("payload"))
	if err != nil {
		t.Fatal(err)
	}

	hub.AddRemote("slow", slowPeer{AnchorStore: src, delay: time.Minute})
	hub.AddRemote("corrupt", corruptPeer{AnchorStore: src})
	hub.AddRemote("fast", src)

	a, err := drive.New(mem.New(), drive.WithLogger(zap.NewNop())).Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	s := hub.Join(a)
	defer s.Close()

	start := time.Now()
	b, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "payload" {
		t.Errorf("got %q, want payload", string(b))
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("waited %s for slow peer", elapsed)
	}
}

func TestNoPeers(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(WithLogger(zap.NewNop()))

	a, err := drive.New(mem.New(), drive.WithLogger(zap.NewNop())).Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	s := hub.Join(a)
	s.Close()
	s.Close()

	if _, err = s.GetAnchor(ctx, dat.IndexAnchor(a.Key()), time.Now()); !errors.Is(err, dat.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}
