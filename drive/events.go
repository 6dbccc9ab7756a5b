package drive

import (
	"sync"

	dat "github.com/iamsingularity/datproject.org"
)

// EventKind distinguishes transfer directions.
type EventKind int

const (
	Upload EventKind = iota
	Download
)

func (k EventKind) String() string {
	if k == Upload {
		return "upload"
	}
	return "download"
}

// Event reports a content block moving to or from a peer.
type Event struct {
	Kind  EventKind
	Ref   dat.Ref
	Bytes int
}

// broadcaster delivers events to subscribed handlers, synchronously.
type broadcaster struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]func(Event)
}

func (b *broadcaster) subscribe(h func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers == nil {
		b.handlers = make(map[int]func(Event))
	}
	id := b.next
	b.next++
	b.handlers[id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

func (b *broadcaster) emit(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, h := range b.handlers {
		h(e)
	}
}
