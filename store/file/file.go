// Package file implements a blob store as a file hierarchy.
package file

import (
	"bufio"
	"context"
	"fmt"
	"io/ioutil"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bobg/flock"
	"github.com/pkg/errors"

	dat "github.com/iamsingularity/datproject.org"
	"github.com/iamsingularity/datproject.org/store"
)

var _ dat.AnchorStore = &Store{}

// Store is a file-based implementation of a blob store.
type Store struct {
	root    string
	flocker flock.Locker
}

// New produces a new Store storing data beneath `root`.
func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) blobroot() string {
	return filepath.Join(s.root, "blobs")
}

func (s *Store) blobpath(ref dat.Ref) string {
	h := ref.String()
	return filepath.Join(s.blobroot(), h[:2], h[:4], h)
}

func (s *Store) anchorroot() string {
	return filepath.Join(s.root, "anchors")
}

func (s *Store) anchorpath(name string) string {
	return filepath.Join(s.anchorroot(), url.PathEscape(name))
}

// Get gets the blob with hash `ref`.
func (s *Store) Get(_ context.Context, ref dat.Ref) (dat.Blob, error) {
	path := s.blobpath(ref)
	blob, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, dat.ErrNotFound
	}
	return blob, errors.Wrapf(err, "opening %s", path)
}

// Put adds a blob to the store if it wasn't already present.
func (s *Store) Put(_ context.Context, b dat.Blob) (dat.Ref, bool, error) {
	var (
		ref  = b.Ref()
		path = s.blobpath(ref)
		dir  = filepath.Dir(path)
	)

	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return ref, false, errors.Wrapf(err, "ensuring path %s exists", dir)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if os.IsExist(err) {
		return ref, false, nil
	}
	if err != nil {
		return dat.Zero, false, errors.Wrapf(err, "creating %s", path)
	}
	defer f.Close()

	_, err = f.Write(b)
	if err != nil {
		return dat.Zero, false, errors.Wrapf(err, "writing data to %s", path)
	}

	return ref, true, nil
}

// ListRefs produces all blob refs in the store, in lexicographic order.
func (s *Store) ListRefs(ctx context.Context, start dat.Ref, f func(dat.Ref) error) error {
	err := os.MkdirAll(s.blobroot(), 0755)
	if err != nil {
		return errors.Wrapf(err, "ensuring %s exists", s.blobroot())
	}

	topLevel, err := ioutil.ReadDir(s.blobroot())
	if err != nil {
		return errors.Wrapf(err, "reading dir %s", s.blobroot())
	}

	startHex := start.String()
	topIndex := sort.Search(len(topLevel), func(n int) bool {
		return topLevel[n].Name() >= startHex[:2]
	})
	for i := topIndex; i < len(topLevel); i++ {
		topInfo := topLevel[i]
		if !topInfo.IsDir() {
			continue
		}
		topName := topInfo.Name()
		if len(topName) != 2 {
			continue
		}
		if _, err = strconv.ParseInt(topName, 16, 64); err != nil {
			continue
		}

		midLevel, err := ioutil.ReadDir(filepath.Join(s.blobroot(), topName))
		if err != nil {
			return errors.Wrapf(err, "reading dir %s/%s", s.blobroot(), topName)
		}
		midIndex := sort.Search(len(midLevel), func(n int) bool {
			return midLevel[n].Name() >= startHex[:4]
		})
		for j := midIndex; j < len(midLevel); j++ {
			midInfo := midLevel[j]
			if !midInfo.IsDir() {
				continue
			}
			midName := midInfo.Name()
			if len(midName) != 4 {
				continue
			}
			if _, err = strconv.ParseInt(midName, 16, 64); err != nil {
				continue
			}

			blobInfos, err := ioutil.ReadDir(filepath.Join(s.blobroot(), topName, midName))
			if err != nil {
				return errors.Wrapf(err, "reading dir %s/%s/%s", s.blobroot(), topName, midName)
			}

			index := sort.Search(len(blobInfos), func(n int) bool {
				return blobInfos[n].Name() > startHex
			})
			for k := index; k < len(blobInfos); k++ {
				if err := ctx.Err(); err != nil {
					return err
				}

				blobInfo := blobInfos[k]
				if blobInfo.IsDir() {
					continue
				}

				ref, err := dat.RefFromHex(blobInfo.Name())
				if err != nil {
					continue
				}

				err = f(ref)
				if err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// GetAnchor gets the latest blob ref for a given anchor as of a given time.
// Each anchor is a file of "<time> <ref>" lines.
func (s *Store) GetAnchor(_ context.Context, name string, at time.Time) (dat.Ref, error) {
	path := s.anchorpath(name)

	err := s.flocker.Lock(path)
	if err != nil {
		return dat.Zero, errors.Wrapf(err, "locking %s", path)
	}
	defer s.flocker.Unlock(path)

	trs, err := readAnchorFile(path)
	if err != nil {
		return dat.Zero, err
	}
	return dat.FindAnchor(trs, at)
}

func readAnchorFile(path string) ([]dat.TimeRef, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	var trs []dat.TimeRef

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 2 {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, fields[0])
		if err != nil {
			continue
		}
		ref, err := dat.RefFromHex(fields[1])
		if err != nil {
			continue
		}
		trs = append(trs, dat.TimeRef{T: t, R: ref})
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "scanning %s", path)
	}

	sort.SliceStable(trs, func(i, j int) bool {
		return trs[i].T.Before(trs[j].T)
	})
	return trs, nil
}

// PutAnchor adds a new ref for a given anchor as of a given time.
func (s *Store) PutAnchor(_ context.Context, name string, ref dat.Ref, at time.Time) error {
	err := os.MkdirAll(s.anchorroot(), 0755)
	if err != nil {
		return errors.Wrapf(err, "ensuring %s exists", s.anchorroot())
	}

	path := s.anchorpath(name)

	err = s.flocker.Lock(path)
	if err != nil {
		return errors.Wrapf(err, "locking %s", path)
	}
	defer s.flocker.Unlock(path)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "%s %s\n", at.UTC().Format(time.RFC3339Nano), ref)
	return errors.Wrapf(err, "appending to %s", path)
}

func init() {
	store.Register("file", func(_ context.Context, conf map[string]interface{}) (dat.AnchorStore, error) {
		root, ok := conf["root"].(string)
		if !ok {
			return nil, errors.New(`missing "root" parameter`)
		}
		return New(root), nil
	})
}
