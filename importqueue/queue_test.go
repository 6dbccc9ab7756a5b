package importqueue

import (
	"context"
	"errors"
	"io"
	"io/ioutil"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	dat "github.com/iamsingularity/datproject.org"
)

type writeCall struct {
	name     string
	data     []byte
	progress func(int64)
	done     chan error
}

// fakeTarget hands each WriteFile call to the test
// and blocks until the test finishes it.
type fakeTarget struct {
	owner bool
	calls chan *writeCall
}

func newFakeTarget(owner bool) *fakeTarget {
	return &fakeTarget{owner: owner, calls: make(chan *writeCall, 100)}
}

func (t *fakeTarget) Owner() bool { return t.owner }

func (t *fakeTarget) WriteFile(ctx context.Context, name string, r io.Reader, progress func(int64)) (dat.Entry, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return dat.Entry{}, err
	}
	c := &writeCall{name: name, data: data, progress: progress, done: make(chan error, 1)}
	t.calls <- c
	select {
	case err := <-c.done:
		return dat.Entry{Name: name, Size: uint64(len(data))}, err
	case <-ctx.Done():
		return dat.Entry{}, ctx.Err()
	}
}

func (t *fakeTarget) next(tt *testing.T) *writeCall {
	tt.Helper()
	select {
	case c := <-t.calls:
		return c
	case <-time.After(5 * time.Second):
		tt.Fatal("timed out waiting for a write")
		return nil
	}
}

func src(name, content string) Source {
	return Source{
		FullPath: name,
		Size:     int64(len(content)),
		Open: func() (io.ReadCloser, error) {
			return ioutil.NopCloser(strings.NewReader(content)), nil
		},
	}
}

// recorder collects snapshots as the queue commits them.
type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) record(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) all() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// summary renders a State as names for comparison.
type summary struct {
	Writing string
	Pct     int
	Next    []string
}

func summarize(s State) summary {
	var sum summary
	if s.Writing != nil {
		sum.Writing = s.Writing.FullPath
	}
	if s.WritingProgressPct != nil {
		sum.Pct = *s.WritingProgressPct
	} else {
		sum.Pct = -1
	}
	for _, f := range s.Next {
		sum.Next = append(sum.Next, f.FullPath)
	}
	return sum
}

func TestSingleFile(t *testing.T) {
	var (
		ctx    = context.Background()
		target = newFakeTarget(true)
		rec    recorder
		q      = New(target, WithLogger(zap.NewNop()), OnChange(rec.record))
	)
	defer q.Close()

	err := q.Add(ctx, []Source{src("/a.txt", "0123456789")}, "")
	if err != nil {
		t.Fatal(err)
	}

	call := target.next(t)
	if call.name != "/a.txt" {
		t.Errorf("got write of %s, want /a.txt", call.name)
	}
	if string(call.data) != "0123456789" {
		t.Errorf("got content %q", call.data)
	}

	call.progress(5)
	waitFor(t, "progress", func() bool {
		s := q.Snapshot()
		return s.WritingProgressPct != nil && *s.WritingProgressPct == 50
	})

	call.done <- nil
	if err := q.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	var got []summary
	for _, s := range rec.all() {
		got = append(got, summarize(s))
	}
	want := []summary{
		{Pct: -1, Next: []string{"/a.txt"}},
		{Writing: "/a.txt", Pct: -1},
		{Writing: "/a.txt", Pct: 50},
		{Pct: -1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestFIFO(t *testing.T) {
	var (
		ctx    = context.Background()
		target = newFakeTarget(true)
		rec    recorder
		q      = New(target, WithLogger(zap.NewNop()), OnChange(rec.record))
	)
	defer q.Close()

	var want []string
	for batch := 0; batch < 3; batch++ {
		var files []Source
		for i := 0; i < 4; i++ {
			name := "/" + string(rune('a'+batch)) + string(rune('0'+i))
			files = append(files, src(name, name))
			want = append(want, name)
		}
		if err := q.Add(ctx, files, ""); err != nil {
			t.Fatal(err)
		}
	}

	var got []string
	for range want {
		call := target.next(t)
		got = append(got, call.name)
		call.done <- nil
	}
	if err := q.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("write order mismatch (-want +got):\n%s", diff)
	}

	// Files enter Writing in submission order, one at a time,
	// and never appear in Writing and Next at once.
	var began []string
	for _, s := range rec.all() {
		if s.Writing == nil {
			continue
		}
		if len(began) == 0 || began[len(began)-1] != s.Writing.FullPath {
			began = append(began, s.Writing.FullPath)
		}
		for _, f := range s.Next {
			if f == s.Writing {
				t.Fatalf("%s is both writing and queued", f.FullPath)
			}
		}
	}
	if diff := cmp.Diff(want, began); diff != "" {
		t.Errorf("begin order mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteRefused(t *testing.T) {
	var (
		target  = newFakeTarget(false)
		changes int
		q       = New(target, WithLogger(zap.NewNop()), OnChange(func(State) { changes++ }))
	)
	defer q.Close()

	err := q.Add(context.Background(), []Source{src("/a.txt", "a")}, "")
	if !errors.Is(err, dat.ErrWriteRefused) {
		t.Errorf("got %v, want ErrWriteRefused", err)
	}
	if !q.Snapshot().Idle() {
		t.Error("refused add changed the queue")
	}
	if changes != 0 {
		t.Errorf("got %d state changes, want 0", changes)
	}
}

func TestReset(t *testing.T) {
	var (
		ctx    = context.Background()
		target = newFakeTarget(true)
		q      = New(target, WithLogger(zap.NewNop()))
	)
	defer q.Close()

	err := q.Add(ctx, []Source{src("/a", "aaaa"), src("/b", "bbbb")}, "")
	if err != nil {
		t.Fatal(err)
	}

	call := target.next(t)
	waitFor(t, "a to begin writing", func() bool {
		s := q.Snapshot()
		return s.Writing != nil && len(s.Next) == 1
	})
	a := q.Snapshot().Writing
	if n := a.Progress().Len(); n != 1 {
		t.Fatalf("got %d progress handlers on a, want 1", n)
	}

	if err := q.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	if n := a.Progress().Len(); n != 0 {
		t.Errorf("got %d progress handlers on a after reset, want 0", n)
	}
	s := q.Snapshot()
	if s.Writing != nil || len(s.Next) != 0 || s.WritingProgressPct != nil {
		t.Errorf("got %+v after reset, want empty", summarize(s))
	}

	// Late signals from the old writer change nothing.
	call.progress(2)
	call.done <- nil
	time.Sleep(20 * time.Millisecond)
	if !q.Snapshot().Idle() {
		t.Error("stale signal changed the queue after reset")
	}
	select {
	case c := <-target.calls:
		t.Errorf("discarded file %s was written after reset", c.name)
	default:
	}

	// The queue keeps working.
	if err := q.Add(ctx, []Source{src("/c", "cccc")}, ""); err != nil {
		t.Fatal(err)
	}
	c := target.next(t)
	if c.name != "/c" {
		t.Errorf("got write of %s, want /c", c.name)
	}
	c.done <- nil
	if err := q.Wait(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestManifest(t *testing.T) {
	var (
		ctx      = context.Background()
		target   = newFakeTarget(true)
		manifest = make(chan struct{}, 2)
		q        = New(target, WithLogger(zap.NewNop()), OnManifest(func() { manifest <- struct{}{} }))
	)
	defer q.Close()

	err := q.Add(ctx, []Source{src("/x.txt", "x"), src("dat.json", `{"title":"t"}`)}, "")
	if err != nil {
		t.Fatal(err)
	}
	target.next(t).done <- nil
	m := target.next(t)
	if m.name != dat.ManifestName {
		t.Errorf("got write of %s, want %s", m.name, dat.ManifestName)
	}
	m.done <- nil
	if err := q.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	if len(manifest) != 1 {
		t.Errorf("manifest hook ran %d times, want 1", len(manifest))
	}
}

func TestWriteError(t *testing.T) {
	var (
		ctx    = context.Background()
		target = newFakeTarget(true)
		q      = New(target, WithLogger(zap.NewNop()))
	)
	defer q.Close()

	err := q.Add(ctx, []Source{src("/bad", "x"), src("/good", "y")}, "")
	if err != nil {
		t.Fatal(err)
	}
	target.next(t).done <- errors.New("disk on fire")
	good := target.next(t)
	if good.name != "/good" {
		t.Errorf("got write of %s, want /good", good.name)
	}
	good.done <- nil
	if err := q.Wait(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestClosed(t *testing.T) {
	q := New(newFakeTarget(true), WithLogger(zap.NewNop()))
	q.Close()

	if err := q.Add(context.Background(), []Source{src("/a", "a")}, ""); err == nil {
		t.Error("Add succeeded on a closed queue")
	}
}
