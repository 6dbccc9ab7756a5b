// Package replica implements an anchor store that mirrors its writes
// to several nested stores.
package replica

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	dat "github.com/iamsingularity/datproject.org"
	"github.com/iamsingularity/datproject.org/logging"
	"github.com/iamsingularity/datproject.org/store"
)

var _ dat.AnchorStore = (*Store)(nil)

// Store is an anchor store that delegates reads and writes to two sets of nested stores.
// One set is synchronous:
// writes to all of these must succeed before a call to Put or PutAnchor returns,
// and an error from any will cause the call to fail.
// The other set is asynchronous:
// writes are queued for these but not waited for.
// However, if any asynchronous write encounters an error,
// the whole Store is put into an error state and further operations will fail.
//
// The first synchronous store is the primary.
// Anchors are resolved there.
type Store struct {
	sync   []dat.AnchorStore
	async  []chan<- op
	cancel context.CancelFunc
	logger *zap.Logger

	mu  sync.Mutex // protects err
	err error      // the error from an async goroutine, if any
}

// op is one queued write to an async store.
type op struct {
	blob dat.Blob

	// For anchor writes.
	name string
	ref  dat.Ref
	at   time.Time
}

// New produces a new Store.
// The set of synchronous stores must be non-empty.
// The set of asynchronous stores may be empty.
// If there are any asynchronous stores,
// goroutines are launched for them,
// and canceling the given context object causes those to exit,
// placing the Store in an error state.
//
// Normally, writes to asynchronous stores do not block,
// but the queue for each nested store has a fixed length given by n,
// which must be 1 or greater.
// If any async store falls too far behind,
// writes block until all requests can be queued.
func New(ctx context.Context, sync, async []dat.AnchorStore, n int) *Store {
	result := &Store{sync: sync, logger: logging.L().Named("replica")}

	if len(async) > 0 {
		ctx, result.cancel = context.WithCancel(ctx)
		for _, a := range async {
			ch := make(chan op, n)
			result.async = append(result.async, ch)
			go result.runAsync(ctx, a, ch)
		}
	}

	return result
}

// Runs as a goroutine until ctx is canceled or an error occurs.
func (s *Store) runAsync(ctx context.Context, a dat.AnchorStore, ops <-chan op) {
	for {
		select {
		case <-ctx.Done():
			s.fail(ctx.Err())
			return

		case o := <-ops:
			var err error
			if o.name != "" {
				err = a.PutAnchor(ctx, o.name, o.ref, o.at)
			} else {
				_, _, err = a.Put(ctx, o.blob)
			}
			if err != nil {
				s.logger.Error("async replica write failed", zap.Error(err))
				s.fail(err)
				s.cancel()
				return
			}
		}
	}
}

func (s *Store) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Store) checkErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the async goroutines.
// The Store is unusable afterward.
func (s *Store) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Store) enqueue(ctx context.Context, o op) error {
	for _, ch := range s.async {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ch <- o:
		}
	}
	return nil
}

// Put implements dat.Store.Put.
// The blob is stored in all synchronous nested stores.
// An error from any of them causes Put to return an error.
//
// Some nested stores may already have the blob and others may not,
// in which case `added` reports the primary's answer.
func (s *Store) Put(ctx context.Context, blob dat.Blob) (dat.Ref, bool, error) {
	if err := s.checkErr(); err != nil {
		return dat.Zero, false, errors.Wrap(err, "in async-store goroutine")
	}

	var (
		ref   dat.Ref
		added bool
	)
	g, gctx := errgroup.WithContext(ctx)
	for i, st := range s.sync {
		i, st := i, st
		g.Go(func() error {
			r, a, err := st.Put(gctx, blob)
			if err != nil {
				return err
			}
			if i == 0 {
				ref, added = r, a
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return dat.Zero, false, err
	}
	if err := s.enqueue(ctx, op{blob: blob}); err != nil {
		return dat.Zero, false, err
	}
	return ref, added, nil
}

// PutAnchor implements dat.AnchorStore.PutAnchor.
// The anchor is written to all synchronous nested stores
// and queued for the asynchronous ones.
func (s *Store) PutAnchor(ctx context.Context, name string, ref dat.Ref, at time.Time) error {
	if err := s.checkErr(); err != nil {
		return errors.Wrap(err, "in async-store goroutine")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, st := range s.sync {
		st := st
		g.Go(func() error {
			return st.PutAnchor(gctx, name, ref, at)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return s.enqueue(ctx, op{name: name, ref: ref, at: at})
}

// Get implements dat.Getter.
// It delegates the request to all of the synchronous stores in s,
// returning the result from the first one to respond without error
// and canceling the request to the others.
// If all synchronous stores respond with an error,
// one of those errors is returned.
func (s *Store) Get(ctx context.Context, ref dat.Ref) (dat.Blob, error) {
	if err := s.checkErr(); err != nil {
		return nil, errors.Wrap(err, "in async-store goroutine")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		result   dat.Blob
		found    bool
		errOnce  sync.Once
		firstErr error
	)
	for _, st := range s.sync {
		st := st
		wg.Add(1)
		go func() {
			defer wg.Done()
			blob, err := st.Get(ctx, ref)
			if err != nil {
				errOnce.Do(func() { firstErr = err })
				return
			}
			once.Do(func() {
				result, found = blob, true
				cancel()
			})
		}()
	}
	wg.Wait()

	if found {
		return result, nil
	}
	return nil, firstErr
}

// GetAnchor implements dat.AnchorGetter using the primary store.
func (s *Store) GetAnchor(ctx context.Context, name string, at time.Time) (dat.Ref, error) {
	if err := s.checkErr(); err != nil {
		return dat.Zero, errors.Wrap(err, "in async-store goroutine")
	}
	return s.sync[0].GetAnchor(ctx, name, at)
}

// ListRefs implements dat.Getter.
// It delegates the request to all of the synchronous stores in s
// and synthesizes the result from the union of their refs.
func (s *Store) ListRefs(ctx context.Context, start dat.Ref, f func(dat.Ref) error) error {
	if err := s.checkErr(); err != nil {
		return errors.Wrap(err, "in async-store goroutine")
	}

	chans := make([]chan dat.Ref, len(s.sync))
	for i := 0; i < len(s.sync); i++ {
		chans[i] = make(chan dat.Ref, 1)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	for i, st := range s.sync {
		var (
			i  = i
			st = st
		)
		g.Go(func() error {
			defer close(chans[i])
			return st.ListRefs(ctx, start, func(ref dat.Ref) error {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case chans[i] <- ref:
					return nil
				}
			})
		})
	}

	// A zero ref marks an exhausted store.
	next := make([]dat.Ref, len(s.sync))
	for i, ch := range chans {
		next[i] = <-ch
	}

	for {
		var (
			best  dat.Ref
			found bool
		)
		for _, ref := range next {
			if ref.IsZero() {
				continue
			}
			if !found || ref.Less(best) {
				best, found = ref, true
			}
		}
		if !found {
			break
		}
		if err := f(best); err != nil {
			return err
		}
		for i, ref := range next {
			if ref == best {
				next[i] = <-chans[i]
			}
		}
	}

	return g.Wait()
}

func init() {
	store.Register("replica", func(ctx context.Context, conf map[string]interface{}) (dat.AnchorStore, error) {
		syncConfs, ok := conf["sync"].([]map[string]interface{})
		if !ok || len(syncConfs) == 0 {
			return nil, errors.New(`missing "sync" parameter`)
		}
		syncStores, err := nestedStores(ctx, syncConfs)
		if err != nil {
			return nil, errors.Wrap(err, "creating nested sync store")
		}

		var asyncStores []dat.AnchorStore
		if asyncConfs, ok := conf["async"].([]map[string]interface{}); ok {
			asyncStores, err = nestedStores(ctx, asyncConfs)
			if err != nil {
				return nil, errors.Wrap(err, "creating nested async store")
			}
		}

		queueLen, ok := store.Int(conf, "queuelen")
		if !ok || queueLen < 1 {
			queueLen = 10
		}

		return New(ctx, syncStores, asyncStores, queueLen), nil
	})
}

func nestedStores(ctx context.Context, confs []map[string]interface{}) ([]dat.AnchorStore, error) {
	var result []dat.AnchorStore
	for _, conf := range confs {
		s, err := store.FromConfig(ctx, conf)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, nil
}
