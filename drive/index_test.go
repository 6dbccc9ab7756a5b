package drive

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	dat "github.com/iamsingularity/datproject.org"
)

func TestIndexRoundTrip(t *testing.T) {
	mtime := time.Date(2021, 8, 7, 15, 13, 35, 123456000, time.UTC)

	x := &index{
		key: dat.Blob("genesis").Ref(),
		blocks: []block{
			{ref: dat.Blob("a").Ref(), size: 1},
			{ref: dat.Blob("bcd").Ref(), size: 3},
		},
		entries: []dat.Entry{
			{Name: "/docs", Type: dat.Directory, Mtime: mtime},
			{Name: "/docs/readme", Type: dat.File, Size: 4, Mtime: mtime, Block: 0, Blocks: 2},
			{Name: "/empty", Type: dat.File, Mtime: mtime.Add(time.Second), Block: 2},
		},
	}

	got, err := unmarshalIndex(x.marshal())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(x, got, cmp.AllowUnexported(index{}, block{})); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if got.size() != 4 {
		t.Errorf("got size %d, want 4", got.size())
	}

	e, ok := got.latest("/docs/readme")
	if !ok || e.Blocks != 2 {
		t.Errorf("got %+v, %v for latest /docs/readme", e, ok)
	}
	if _, ok = got.latest("/nope"); ok {
		t.Error("found nonexistent entry")
	}
}

func TestUnmarshalIndexBadInput(t *testing.T) {
	if _, err := unmarshalIndex([]byte{0x0a, 0x40, 0x01}); err == nil {
		t.Error("got no error decoding truncated index")
	}
}

func TestParents(t *testing.T) {
	cases := []struct {
		name string
		want []string
	}{
		{"/a", nil},
		{"/a/b", []string{"/a"}},
		{"/a/b/c.txt", []string{"/a", "/a/b"}},
	}
	for _, c := range cases {
		if diff := cmp.Diff(c.want, parents(c.name)); diff != "" {
			t.Errorf("parents(%s) mismatch (-want +got):\n%s", c.name, diff)
		}
	}
}
