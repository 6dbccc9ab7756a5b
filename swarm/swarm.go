// Package swarm connects archives that share a key.
//
// A Hub holds the swarms of the archives joined to it.
// Archives joined under the same key are connected to each other,
// and remote peers added to the hub connect to every swarm.
// Each Swarm serves as its archive's drive.Remote,
// fetching missing blobs from whichever connected peer has them.
package swarm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	dat "github.com/iamsingularity/datproject.org"
	"github.com/iamsingularity/datproject.org/drive"
	"github.com/iamsingularity/datproject.org/logging"
)

// Peer is a source of blobs and anchors.
// Both *drive.Peer and *rpc.Client are Peers.
type Peer interface {
	dat.Fetcher
	dat.AnchorGetter
}

// EventKind tells whether a connection opened or closed.
type EventKind int

const (
	Connect EventKind = iota
	Disconnect
)

func (k EventKind) String() string {
	if k == Connect {
		return "connect"
	}
	return "disconnect"
}

// Event reports a change in a swarm's connections.
type Event struct {
	Kind EventKind
	Peer string
}

// Hub is a set of swarms.
type Hub struct {
	logger *zap.Logger

	mu      sync.Mutex
	next    int
	swarms  map[dat.Ref][]*Swarm
	remotes map[string]Peer
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the Hub's logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// NewHub produces an empty Hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		swarms:  make(map[dat.Ref][]*Swarm),
		remotes: make(map[string]Peer),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = logging.L()
	}
	h.logger = h.logger.Named("swarm")
	return h
}

// notice is an event waiting to be delivered once the hub lock is released.
type notice struct {
	s *Swarm
	e Event
}

func deliver(notices []notice) {
	for _, n := range notices {
		n.s.emit(n.e)
	}
}

// AddRemote connects a remote peer to every swarm, present and future.
// Adding a name that is already present replaces the old peer.
func (h *Hub) AddRemote(name string, p Peer) {
	var notices []notice

	h.mu.Lock()
	h.remotes[name] = p
	for _, ss := range h.swarms {
		for _, s := range ss {
			if s.connect(name, p) {
				notices = append(notices, notice{s: s, e: Event{Kind: Connect, Peer: name}})
			}
		}
	}
	h.mu.Unlock()

	h.logger.Info("added remote peer", zap.String("peer", name))
	deliver(notices)
}

// RemoveRemote disconnects a remote peer from every swarm.
func (h *Hub) RemoveRemote(name string) {
	var notices []notice

	h.mu.Lock()
	delete(h.remotes, name)
	for _, ss := range h.swarms {
		for _, s := range ss {
			if s.disconnect(name) {
				notices = append(notices, notice{s: s, e: Event{Kind: Disconnect, Peer: name}})
			}
		}
	}
	h.mu.Unlock()

	h.logger.Info("removed remote peer", zap.String("peer", name))
	deliver(notices)
}

// Join adds an archive to the hub, connecting it to the hub's remote peers
// and to other archives with the same key.
// The swarm becomes the archive's remote until it is closed.
func (h *Hub) Join(a *drive.Archive) *Swarm {
	var notices []notice

	h.mu.Lock()
	s := &Swarm{
		h:     h,
		a:     a,
		name:  fmt.Sprintf("local-%d", h.next),
		peer:  a.Peer(),
		conns: make(map[string]Peer),
	}
	h.next++

	key := a.Key()
	for _, other := range h.swarms[key] {
		other.connect(s.name, s.peer)
		s.connect(other.name, other.peer)
		notices = append(notices, notice{s: other, e: Event{Kind: Connect, Peer: s.name}})
	}
	for name, p := range h.remotes {
		s.connect(name, p)
	}
	h.swarms[key] = append(h.swarms[key], s)
	h.mu.Unlock()

	a.SetRemote(s)
	h.logger.Debug("joined swarm", logging.Ref("key", key), zap.String("name", s.name), zap.Int("peers", len(s.Connections())))
	deliver(notices)
	return s
}

func (h *Hub) leave(s *Swarm) {
	var notices []notice

	h.mu.Lock()
	key := s.a.Key()
	ss := h.swarms[key]
	for i, other := range ss {
		if other == s {
			ss = append(ss[:i:i], ss[i+1:]...)
			break
		}
	}
	if len(ss) == 0 {
		delete(h.swarms, key)
	} else {
		h.swarms[key] = ss
	}
	for _, other := range ss {
		if other.disconnect(s.name) {
			notices = append(notices, notice{s: other, e: Event{Kind: Disconnect, Peer: s.name}})
		}
	}
	h.mu.Unlock()

	deliver(notices)
}

// Swarm is one archive's set of peer connections.
type Swarm struct {
	h    *Hub
	a    *drive.Archive
	name string
	peer *drive.Peer

	mu       sync.Mutex
	conns    map[string]Peer
	closed   bool
	next     int
	handlers map[int]func(Event)
}

// Key is the key of the swarm's archive.
func (s *Swarm) Key() dat.Ref {
	return s.a.Key()
}

// Name identifies the swarm to its peers.
func (s *Swarm) Name() string {
	return s.name
}

// Connections lists the names of the swarm's open connections, sorted.
func (s *Swarm) Connections() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.conns))
	for name := range s.conns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NumPeers is the number of open connections.
func (s *Swarm) NumPeers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Swarm) connect(name string, p Peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.conns[name] = p
	return true
}

func (s *Swarm) disconnect(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conns[name]; !ok {
		return false
	}
	delete(s.conns, name)
	return true
}

// Subscribe calls h on each connection change, outside any swarm lock.
// The returned function unsubscribes.
func (s *Swarm) Subscribe(h func(Event)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handlers == nil {
		s.handlers = make(map[int]func(Event))
	}
	id := s.next
	s.next++
	s.handlers[id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.handlers, id)
			s.mu.Unlock()
		})
	}
}

func (s *Swarm) emit(e Event) {
	s.mu.Lock()
	handlers := make([]func(Event), 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(e)
	}
}

// Close leaves the hub, dropping all connections.
// Subscribers see a Disconnect event for each.
// The archive no longer has a remote.
func (s *Swarm) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.a.SetRemote(nil)
	s.h.leave(s)

	s.mu.Lock()
	names := make([]string, 0, len(s.conns))
	for name := range s.conns {
		names = append(names, name)
	}
	s.conns = make(map[string]Peer)
	s.mu.Unlock()

	sort.Strings(names)
	for _, name := range names {
		s.emit(Event{Kind: Disconnect, Peer: name})
	}
	s.h.logger.Debug("left swarm", logging.Ref("key", s.a.Key()), zap.String("name", s.name))
}

func (s *Swarm) peers() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]Peer, 0, len(s.conns))
	for _, p := range s.conns {
		result = append(result, p)
	}
	return result
}

var errFound = errors.New("found")

// Get fetches a blob from the first connected peer that has it.
// Blobs that do not match ref are ignored.
func (s *Swarm) Get(ctx context.Context, ref dat.Ref) (dat.Blob, error) {
	var (
		mu     sync.Mutex
		result dat.Blob
	)
	err := s.race(ctx, func(ctx context.Context, p Peer) error {
		b, err := p.Get(ctx, ref)
		if err != nil {
			return err
		}
		if b.Ref() != ref {
			return errors.Errorf("peer sent corrupt blob for %s", ref)
		}
		mu.Lock()
		result = b
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "getting %s", ref)
	}
	return result, nil
}

// GetAnchor resolves an anchor using the first connected peer that has it.
func (s *Swarm) GetAnchor(ctx context.Context, name string, at time.Time) (dat.Ref, error) {
	var (
		mu     sync.Mutex
		result dat.Ref
	)
	err := s.race(ctx, func(ctx context.Context, p Peer) error {
		ref, err := p.GetAnchor(ctx, name, at)
		if err != nil {
			return err
		}
		mu.Lock()
		result = ref
		mu.Unlock()
		return nil
	})
	if err != nil {
		return dat.Zero, errors.Wrapf(err, "getting anchor %s", name)
	}
	return result, nil
}

// race calls f on every connected peer concurrently.
// The first success cancels the others.
// If every call fails, the result is dat.ErrNotFound.
func (s *Swarm) race(ctx context.Context, f func(context.Context, Peer) error) error {
	peers := s.peers()
	if len(peers) == 0 {
		return dat.ErrNotFound
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range peers {
		p := p
		g.Go(func() error {
			err := f(gctx, p)
			if err == nil {
				return errFound
			}
			if !errors.Is(err, dat.ErrNotFound) && gctx.Err() == nil {
				s.h.logger.Debug("peer request failed", zap.String("swarm", s.name), zap.Error(err))
			}
			return nil
		})
	}

	switch err := g.Wait(); {
	case errors.Is(err, errFound):
		return nil
	case err != nil:
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return dat.ErrNotFound
}

// Watch calls f with the swarm's peer count now and after every connection change.
// The returned function stops watching.
func Watch(s *Swarm, f func(numPeers int)) (cancel func()) {
	cancel = s.Subscribe(func(Event) { f(s.NumPeers()) })
	f(s.NumPeers())
	return cancel
}
