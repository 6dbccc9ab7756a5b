// Package meter estimates transfer throughput.
//
// A Meter keeps a smoothed rate over a short sliding window
// and a cumulative byte total.
// The rate drops to zero once no bytes have been observed
// for IdleTimeout; the total never decreases.
package meter

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// Window is the span the rate is averaged over.
	Window = 3 * time.Second

	// IdleTimeout is the quiet period after which the rate resets to zero.
	IdleTimeout = 3 * time.Second

	tick     = 250 * time.Millisecond
	nbuckets = int(Window / tick)
)

// Meter measures one transfer direction.
type Meter struct {
	mu sync.Mutex

	clock  Clock
	onIdle func()

	total uint64
	rate  float64

	buckets  [nbuckets]uint64
	lastTick int64
	started  bool

	idle Timer
	gen  uint64

	bytesCounter prometheus.Counter
	rateGauge    prometheus.Gauge
}

// Option configures a Meter.
type Option func(*Meter)

// WithClock sets the Meter's clock.
func WithClock(c Clock) Option {
	return func(m *Meter) { m.clock = c }
}

// OnIdle sets a function called (on the timer's goroutine)
// each time the rate resets to zero.
func OnIdle(f func()) Option {
	return func(m *Meter) { m.onIdle = f }
}

// WithCollectors publishes observed bytes and the current rate.
func WithCollectors(bytes prometheus.Counter, rate prometheus.Gauge) Option {
	return func(m *Meter) {
		m.bytesCounter = bytes
		m.rateGauge = rate
	}
}

// New produces a Meter.
func New(opts ...Option) *Meter {
	m := &Meter{clock: SystemClock}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Observe records n transferred bytes.
// It updates the rate and the total
// and re-arms the idle timer.
func (m *Meter) Observe(n int) {
	if n < 0 {
		n = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.total += uint64(n)
	m.rate = m.speedometer(m.clock.Now(), uint64(n))

	if m.bytesCounter != nil {
		m.bytesCounter.Add(float64(n))
	}
	if m.rateGauge != nil {
		m.rateGauge.Set(m.rate)
	}

	if m.idle != nil {
		m.idle.Stop()
	}
	m.gen++
	gen := m.gen
	m.idle = m.clock.AfterFunc(IdleTimeout, func() { m.expire(gen) })
}

// Mutex must be held.
func (m *Meter) speedometer(now time.Time, n uint64) float64 {
	t := now.UnixNano() / int64(tick)

	switch {
	case !m.started:
		m.started = true
	case t > m.lastTick:
		steps := t - m.lastTick
		if steps > int64(nbuckets) {
			steps = int64(nbuckets)
		}
		for i := int64(1); i <= steps; i++ {
			m.buckets[(m.lastTick+i)%int64(nbuckets)] = 0
		}
	case t < m.lastTick:
		// Clock went backwards; fold into the current bucket.
		t = m.lastTick
	}
	m.lastTick = t
	m.buckets[t%int64(nbuckets)] += n

	var sum uint64
	for _, b := range m.buckets {
		sum += b
	}
	return float64(sum) / Window.Seconds()
}

func (m *Meter) expire(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.rate = 0
	m.buckets = [nbuckets]uint64{}
	m.started = false
	m.idle = nil
	if m.rateGauge != nil {
		m.rateGauge.Set(0)
	}
	onIdle := m.onIdle
	m.mu.Unlock()

	if onIdle != nil {
		onIdle()
	}
}

// Speed is the current rate in bytes per second.
func (m *Meter) Speed() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rate
}

// Total is the number of bytes observed so far.
func (m *Meter) Total() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Stop cancels the idle timer.
// A stopped Meter keeps its last rate.
func (m *Meter) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.idle != nil {
		m.idle.Stop()
		m.idle = nil
	}
	m.gen++
}
