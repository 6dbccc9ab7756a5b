package mailbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestOrder(t *testing.T) {
	m := New()

	var (
		mu  sync.Mutex
		got []int
		wg  sync.WaitGroup
	)
	for i := 0; i < 100; i++ {
		i := i
		wg.Add(1)
		m.Post(func() {
			defer wg.Done()
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	wg.Wait()
	m.Close()
	<-m.Done()

	want := make([]int, 100)
	for i := range want {
		want[i] = i
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestCall(t *testing.T) {
	m := New()
	defer m.Close()

	var n int
	if err := m.Call(context.Background(), func() { n = 7 }); err != nil {
		t.Fatal(err)
	}
	if n != 7 {
		t.Errorf("got %d, want 7", n)
	}
}

func TestPostFromInside(t *testing.T) {
	m := New()
	defer m.Close()

	done := make(chan struct{})
	m.Post(func() {
		m.Post(func() { close(done) })
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("nested post never ran")
	}
}

func TestClosed(t *testing.T) {
	m := New()
	m.Close()
	<-m.Done()

	if m.Post(func() {}) {
		t.Error("Post succeeded on closed mailbox")
	}
	if err := m.Call(context.Background(), func() {}); !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}
}

func TestCallContext(t *testing.T) {
	m := New()
	defer m.Close()

	block := make(chan struct{})
	defer close(block)
	m.Post(func() { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := m.Call(ctx, func() {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want DeadlineExceeded", err)
	}
}
