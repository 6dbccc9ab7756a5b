package dat

import (
	"context"
	"fmt"
	"strings"
)

// GetMulti gets multiple blobs with a single call,
// as a bunch of concurrent individual Get calls.
// The return value is a mapping of input refs to the blobs that were found in g.
// The returned error may be a MultiErr,
// mapping input refs to errors encountered retrieving those specific refs.
// This function may return a successful partial result even in case of error.
// In particular, when the error return is a MultiErr,
// every input ref appears in either the result map or the MultiErr map.
func GetMulti(ctx context.Context, g Fetcher, refs []Ref) (map[Ref]Blob, error) {
	type triple struct {
		ref  Ref
		blob Blob
		err  error
	}

	var (
		res = make(map[Ref]Blob)
		ch  = make(chan triple, len(refs))
	)

	for _, ref := range refs {
		ref := ref
		go func() {
			blob, err := g.Get(ctx, ref)
			ch <- triple{ref: ref, blob: blob, err: err}
		}()
	}

	var errmap MultiErr

	for i := 0; i < len(refs); i++ {
		trip := <-ch
		if trip.err != nil {
			if errmap == nil {
				errmap = make(MultiErr)
			}
			errmap[trip.ref] = trip.err
			continue
		}
		res[trip.ref] = trip.blob
	}

	if errmap != nil {
		return res, errmap
	}
	return res, nil
}

// MultiErr is a type of error returned by GetMulti.
// It maps individual refs to errors encountered trying to Get them.
type MultiErr map[Ref]error

// Error implements the error interface.
func (e MultiErr) Error() string {
	var strs []string
	for ref, err := range e {
		strs = append(strs, fmt.Sprintf("%s: %s", ref, err))
	}
	return "error(s): " + strings.Join(strs, "; ")
}
