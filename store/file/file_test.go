package file

import (
	"context"
	"os"
	"testing"

	dat "github.com/iamsingularity/datproject.org"
	"github.com/iamsingularity/datproject.org/testutil"
)

func TestStore(t *testing.T) {
	dirname, err := os.MkdirTemp("", "filestore")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dirname)

	testutil.ReadWrite(context.Background(), t, New(dirname), testutil.Data(t, 500000))
}

func TestAnchors(t *testing.T) {
	dirname, err := os.MkdirTemp("", "filestore")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dirname)

	testutil.Anchors(context.Background(), t, New(dirname))
}

func TestAllRefs(t *testing.T) {
	var dirs []string
	defer func() {
		for _, dir := range dirs {
			os.RemoveAll(dir)
		}
	}()

	testutil.AllRefs(context.Background(), t, func() dat.Store {
		dirname, err := os.MkdirTemp("", "filestore")
		if err != nil {
			t.Fatal(err)
		}
		dirs = append(dirs, dirname)
		return New(dirname)
	})
}
