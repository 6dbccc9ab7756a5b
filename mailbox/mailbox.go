// Package mailbox runs closures one at a time, in posting order,
// on a single goroutine.
// Posting never blocks, so event sources can hand work to an actor
// while holding their own locks.
package mailbox

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrClosed is returned by Call when the mailbox closes before running f.
var ErrClosed = errors.New("mailbox closed")

// Mailbox is an unbounded FIFO of closures.
type Mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	q      []func()
	closed bool
	done   chan struct{}
}

// New produces a Mailbox and starts its goroutine.
func New() *Mailbox {
	m := &Mailbox{done: make(chan struct{})}
	m.cond = sync.NewCond(&m.mu)
	go m.run()
	return m
}

func (m *Mailbox) run() {
	defer close(m.done)

	for {
		m.mu.Lock()
		for len(m.q) == 0 && !m.closed {
			m.cond.Wait()
		}
		if len(m.q) == 0 {
			m.mu.Unlock()
			return
		}
		f := m.q[0]
		m.q[0] = nil
		m.q = m.q[1:]
		m.mu.Unlock()

		f()
	}
}

// Post enqueues f.
// It reports false if the mailbox is closed, in which case f never runs.
func (m *Mailbox) Post(f func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.q = append(m.q, f)
	m.cond.Signal()
	return true
}

// Call posts f and waits for it to run.
// It must not be called from inside a closure running on m.
func (m *Mailbox) Call(ctx context.Context, f func()) error {
	ran := make(chan struct{})
	if !m.Post(func() {
		defer close(ran)
		f()
	}) {
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Close stops accepting new closures.
// Closures already posted still run.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Signal()
	m.mu.Unlock()
}

// Done is closed once the mailbox is closed and drained.
func (m *Mailbox) Done() <-chan struct{} {
	return m.done
}
