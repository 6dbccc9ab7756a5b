package importqueue

import "sync"

// Progress is a raw write-progress report.
type Progress struct {
	Written int64 // bytes written so far
	Size    int64 // total bytes, or -1 if unknown
}

// Percent converts p to an integer percentage in [0, 100].
func (p Progress) Percent() int {
	if p.Size <= 0 {
		if p.Size == 0 {
			return 100
		}
		return 0
	}
	pct := p.Written * 100 / p.Size
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return int(pct)
}

// Emitter fans progress reports out to subscribed handlers.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[*Subscription]func(Progress)
}

func newEmitter() *Emitter {
	return &Emitter{handlers: make(map[*Subscription]func(Progress))}
}

// Emit calls every subscribed handler.
// Handlers must not block.
func (e *Emitter) Emit(p Progress) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, h := range e.handlers {
		h(p)
	}
}

// Subscribe attaches h until the returned Subscription is released.
func (e *Emitter) Subscribe(h func(Progress)) *Subscription {
	s := &Subscription{e: e}

	e.mu.Lock()
	e.handlers[s] = h
	e.mu.Unlock()

	return s
}

// Len reports the number of attached handlers.
func (e *Emitter) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers)
}

// Subscription is an owned handle on an Emitter handler.
type Subscription struct {
	e    *Emitter
	once sync.Once
}

// Release detaches the handler.
// Once Release returns, the handler is not running and will not run again.
// Release is safe to call more than once and on a nil Subscription.
func (s *Subscription) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.e.mu.Lock()
		delete(s.e.handlers, s)
		s.e.mu.Unlock()
	})
}
