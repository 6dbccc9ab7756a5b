// Package gcs implements a blob store on Google Cloud Storage.
package gcs

import (
	"context"
	stderrs "errors"
	"io"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	dat "github.com/iamsingularity/datproject.org"
	"github.com/iamsingularity/datproject.org/store"
)

var _ dat.AnchorStore = &Store{}

// Store is a Google Cloud Storage-based implementation of a blob store.
type Store struct {
	bucket *storage.BucketHandle
}

// New produces a new Store.
func New(bucket *storage.BucketHandle) *Store {
	return &Store{bucket: bucket}
}

// Get gets the blob with hash `ref`.
func (s *Store) Get(ctx context.Context, ref dat.Ref) (dat.Blob, error) {
	name := blobObjName(ref)
	r, err := s.bucket.Object(name).NewReader(ctx)
	if stderrs.Is(err, storage.ErrObjectNotExist) {
		return nil, dat.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading info of object %s", name)
	}
	defer r.Close()

	b := make([]byte, r.Attrs.Size)
	_, err = io.ReadFull(r, b)
	return b, errors.Wrapf(err, "reading contents of object %s", name)
}

// Put adds a blob to the store if it wasn't already present.
func (s *Store) Put(ctx context.Context, b dat.Blob) (dat.Ref, bool, error) {
	var (
		ref  = b.Ref()
		name = blobObjName(ref)
		obj  = s.bucket.Object(name).If(storage.Conditions{DoesNotExist: true})
		w    = obj.NewWriter(ctx)
	)

	_, err := w.Write(b)
	if err != nil {
		w.Close()
		return ref, false, errors.Wrapf(err, "writing object %s", name)
	}

	// The precondition is checked when the upload completes.
	err = w.Close()
	var e *googleapi.Error
	if stderrs.As(err, &e) && e.Code == http.StatusPreconditionFailed {
		return ref, false, nil
	}
	if err != nil {
		return ref, false, errors.Wrapf(err, "closing object %s", name)
	}
	return ref, true, nil
}

// ListRefs produces all blob refs in the store, in lexicographic order.
func (s *Store) ListRefs(ctx context.Context, start dat.Ref, f func(dat.Ref) error) error {
	// Google Cloud Storage iterators have no API for starting in the middle of a bucket.
	// But they can filter by object-name prefix.
	// So we take (the hex encoding of) `start` and repeatedly compute prefixes for the objects we want.
	// If `start` is e67a, for example, the sequence of generated prefixes is:
	//   e67b e67c e67d e67e e67f
	//   e68 e69 e6a e6b e6c e6d e6e e6f
	//   e7 e8 e9 ea eb ec ed ee ef
	//   f
	return eachHexPrefix(start.String(), false, func(prefix string) error {
		return s.listRefs(ctx, prefix, f)
	})
}

func (s *Store) listRefs(ctx context.Context, prefix string, f func(dat.Ref) error) error {
	iter := s.bucket.Objects(ctx, &storage.Query{Prefix: blobPrefix + prefix})
	for {
		obj, err := iter.Next()
		if stderrs.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "iterating over blob objects")
		}
		ref, err := refFromBlobObjName(obj.Name)
		if err != nil {
			return errors.Wrapf(err, "decoding object name %s", obj.Name)
		}
		err = f(ref)
		if err != nil {
			return err
		}
	}
}

// GetAnchor gets the latest blob ref for a given anchor as of a given time.
func (s *Store) GetAnchor(ctx context.Context, name string, when time.Time) (dat.Ref, error) {
	var (
		prefix = anchorPrefix(name)
		iter   = s.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	)

	// Anchors come back in reverse chronological order
	// (since we usually want the latest one).
	// Find the first one whose timestamp is `when` or earlier.
	for {
		attrs, err := iter.Next()
		if stderrs.Is(err, iterator.Done) {
			return dat.Zero, dat.ErrNotFound
		}
		if err != nil {
			return dat.Zero, errors.Wrap(err, "iterating over anchor objects")
		}
		_, atime, err := anchorTimeFromObjName(attrs.Name)
		if err != nil {
			return dat.Zero, errors.Wrapf(err, "decoding object name %s", attrs.Name)
		}
		if atime.After(when) {
			continue
		}

		ref, err := s.getAnchorRef(ctx, attrs.Name)
		return ref, errors.Wrapf(err, "reading object %s", attrs.Name)
	}
}

// PutAnchor adds a new ref for a given anchor as of a given time.
func (s *Store) PutAnchor(ctx context.Context, name string, ref dat.Ref, when time.Time) error {
	objName, err := anchorObjName(name, when)
	if err != nil {
		return err
	}
	w := s.bucket.Object(objName).NewWriter(ctx)
	_, err = w.Write(ref[:])
	if err != nil {
		w.Close()
		return errors.Wrapf(err, "writing object %s", objName)
	}
	return errors.Wrapf(w.Close(), "closing object %s", objName)
}

func eachHexPrefix(prefix string, incl bool, f func(string) error) error {
	prefix = strings.ToLower(prefix)
	for len(prefix) > 0 {
		end := hexval(prefix[len(prefix)-1:][0])
		if !incl {
			end++
		}
		prefix = prefix[:len(prefix)-1]
		for c := end; c < 16; c++ {
			err := f(prefix + string(hexdigit(c)))
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func hexval(b byte) int {
	switch {
	case '0' <= b && b <= '9':
		return int(b - '0')
	case 'a' <= b && b <= 'f':
		return int(10 + b - 'a')
	case 'A' <= b && b <= 'F':
		return int(10 + b - 'A')
	}
	return 0
}

func hexdigit(n int) byte {
	if n < 10 {
		return byte(n + '0')
	}
	return byte(n - 10 + 'a')
}

func (s *Store) getAnchorRef(ctx context.Context, objName string) (dat.Ref, error) {
	r, err := s.bucket.Object(objName).NewReader(ctx)
	if err != nil {
		return dat.Zero, errors.Wrapf(err, "reading info of object %s", objName)
	}
	defer r.Close()

	var ref dat.Ref
	if r.Attrs.Size != int64(len(ref)) {
		return dat.Zero, errors.Errorf("object %s has wrong size %d (want %d)", objName, r.Attrs.Size, len(ref))
	}

	_, err = io.ReadFull(r, ref[:])
	return ref, errors.Wrapf(err, "reading contents of object %s", objName)
}

func init() {
	store.Register("gcs", func(ctx context.Context, conf map[string]interface{}) (dat.AnchorStore, error) {
		var options []option.ClientOption
		creds, ok := conf["creds"].(string)
		if !ok {
			return nil, errors.New(`missing "creds" parameter`)
		}
		bucketName, ok := conf["bucket"].(string)
		if !ok {
			return nil, errors.New(`missing "bucket" parameter`)
		}
		options = append(options, option.WithCredentialsFile(creds))
		c, err := storage.NewClient(ctx, options...)
		if err != nil {
			return nil, errors.Wrap(err, "creating cloud storage client")
		}
		return New(c.Bucket(bucketName)), nil
	})
}
