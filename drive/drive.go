// Package drive implements archives: versioned file trees
// stored as content blocks and an index in an anchor store.
//
// An archive's key is the ref of its genesis blob.
// Its current index is found under the anchor dat.IndexAnchor(key),
// and archives created locally are marked by dat.OwnerAnchor(key).
package drive

import (
	"bytes"
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	dat "github.com/iamsingularity/datproject.org"
	"github.com/iamsingularity/datproject.org/logging"
)

var genesisPrefix = []byte("dat-archive\x00")

// Drive creates and opens archives in a store.
type Drive struct {
	s      dat.AnchorStore
	logger *zap.Logger

	mu   sync.Mutex
	last time.Time
}

// Option configures a Drive.
type Option func(*Drive)

// WithLogger sets the Drive's logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Drive) { d.logger = l }
}

// New produces a Drive over s.
func New(s dat.AnchorStore, opts ...Option) *Drive {
	d := &Drive{s: s}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logging.L()
	}
	d.logger = d.logger.Named("drive")
	return d
}

// Store is the Drive's local store.
func (d *Drive) Store() dat.AnchorStore {
	return d.s
}

// now returns strictly increasing times at microsecond resolution,
// so that anchor updates never collide.
// It never runs ahead of the clock,
// so the result is visible to lookups made at time.Now().
func (d *Drive) now() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()

	for {
		t := time.Now().UTC().Truncate(time.Microsecond)
		if t.After(d.last) {
			d.last = t
			return t
		}
		time.Sleep(time.Microsecond)
	}
}

// Create makes a new archive owned by this Drive.
// The returned Archive is already open.
func (d *Drive) Create(ctx context.Context) (*Archive, error) {
	genesis := make([]byte, len(genesisPrefix)+32)
	copy(genesis, genesisPrefix)
	if _, err := rand.Read(genesis[len(genesisPrefix):]); err != nil {
		return nil, errors.Wrap(err, "generating archive nonce")
	}

	key, _, err := d.s.Put(ctx, genesis)
	if err != nil {
		return nil, errors.Wrap(err, "storing genesis blob")
	}
	if err = d.s.PutAnchor(ctx, dat.OwnerAnchor(key), key, d.now()); err != nil {
		return nil, errors.Wrap(err, "recording ownership")
	}

	a := d.Archive(key)
	a.owner = true
	a.opened = true
	a.idx = &index{key: key}
	if err = a.saveIndex(ctx, a.idx); err != nil {
		return nil, err
	}

	d.logger.Info("created archive", logging.Ref("key", key))
	return a, nil
}

// Archive returns an unopened handle on the archive with the given key.
func (d *Drive) Archive(key dat.Ref) *Archive {
	return &Archive{d: d, key: key}
}

func validGenesis(b []byte) bool {
	return bytes.HasPrefix(b, genesisPrefix)
}
