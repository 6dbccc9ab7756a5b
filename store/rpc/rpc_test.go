package rpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	dat "github.com/iamsingularity/datproject.org"
	"github.com/iamsingularity/datproject.org/store/mem"
	"github.com/iamsingularity/datproject.org/testutil"
)

func withClient(t *testing.T, srv *Server, f func(context.Context, *Client)) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	grpcSrv := grpc.NewServer()
	RegisterStoreServer(grpcSrv, srv)
	defer grpcSrv.Stop()

	l := bufconn.Listen(1 << 20)

	go grpcSrv.Serve(l)

	options := []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			return l.Dial()
		}),
		grpc.WithInsecure(),
	}

	cc, err := grpc.DialContext(ctx, "bufnet", options...)
	if err != nil {
		t.Fatal(err)
	}
	defer cc.Close()

	f(ctx, NewClient(cc))
}

func TestRPC(t *testing.T) {
	withClient(t, NewServer(mem.New()), func(ctx context.Context, c *Client) {
		t.Run("anchors", func(t *testing.T) {
			testutil.Anchors(ctx, t, c)
		})
		t.Run("readwrite", func(t *testing.T) {
			testutil.ReadWrite(ctx, t, c, testutil.Data(t, 200000))
		})
		t.Run("allrefs", func(t *testing.T) {
			n := 0
			err := c.ListRefs(ctx, dat.Zero, func(dat.Ref) error {
				n++
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}
			if n == 0 {
				t.Error("no refs listed after readwrite")
			}
		})
		t.Run("notfound", func(t *testing.T) {
			_, err := c.Get(ctx, dat.Ref{7})
			if !errors.Is(err, dat.ErrNotFound) {
				t.Errorf("got %v, want ErrNotFound", err)
			}
		})
	})
}

func TestReadOnlyServer(t *testing.T) {
	var (
		backing = mem.New()
		mu      sync.Mutex
		served  []dat.Ref
	)
	ref, _, err := backing.Put(context.Background(), dat.Blob("block"))
	if err != nil {
		t.Fatal(err)
	}
	var (
		key = dat.Blob("genesis").Ref()
		now = time.Now()
	)
	for _, name := range []string{dat.IndexAnchor(key), dat.OwnerAnchor(key), "transform:" + ref.String()} {
		if err = backing.PutAnchor(context.Background(), name, ref, now); err != nil {
			t.Fatal(err)
		}
	}

	srv := NewServer(backing)
	srv.ReadOnly = true
	srv.OnServe = func(r dat.Ref, size int) {
		mu.Lock()
		served = append(served, r)
		mu.Unlock()
	}

	withClient(t, srv, func(ctx context.Context, c *Client) {
		if _, _, err := c.Put(ctx, dat.Blob("nope")); err == nil {
			t.Error("Put succeeded on a read-only server")
		}
		got, err := c.Get(ctx, ref)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "block" {
			t.Errorf("got %q, want block", got)
		}

		// Peers see index anchors only.
		if a, err := c.GetAnchor(ctx, dat.IndexAnchor(key), now); err != nil || a != ref {
			t.Errorf("got %s, %v for the index anchor, want %s", a, err, ref)
		}
		for _, name := range []string{dat.OwnerAnchor(key), "transform:" + ref.String()} {
			if _, err := c.GetAnchor(ctx, name, now); !errors.Is(err, dat.ErrNotFound) {
				t.Errorf("got %v for anchor %s, want ErrNotFound", err, name)
			}
		}
	})

	mu.Lock()
	defer mu.Unlock()
	if len(served) != 1 || served[0] != ref {
		t.Errorf("got served refs %v, want [%s]", served, ref)
	}
}
