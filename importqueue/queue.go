// Package importqueue writes local files into an archive
// strictly one at a time, in the order they were added,
// and reports per-file progress.
package importqueue

import (
	"context"
	"sync"

	"go.uber.org/zap"

	dat "github.com/iamsingularity/datproject.org"
	"github.com/iamsingularity/datproject.org/logging"
	"github.com/iamsingularity/datproject.org/mailbox"
	"github.com/iamsingularity/datproject.org/metrics"
)

// Queue sequences file writes into a Target.
// Its state is owned by a single goroutine;
// writer signals and progress reports reach it as mailbox messages.
type Queue struct {
	target     Target
	logger     *zap.Logger
	onManifest func()
	onChange   func(State)

	mb *mailbox.Mailbox

	// Owned by the mailbox goroutine.
	state   State
	w       *writer
	waiters []chan struct{}

	snapMu sync.Mutex
	snap   State
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the Queue's logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// OnManifest sets a function called, on the queue goroutine,
// after the manifest entry finishes writing.
func OnManifest(f func()) Option {
	return func(q *Queue) { q.onManifest = f }
}

// OnChange sets a function called, on the queue goroutine,
// with each new snapshot.
func OnChange(f func(State)) Option {
	return func(q *Queue) { q.onChange = f }
}

// New produces a Queue writing into target.
func New(target Target, opts ...Option) *Queue {
	q := &Queue{
		target: target,
		mb:     mailbox.New(),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = logging.L()
	}
	q.logger = q.logger.Named("importqueue")
	q.w = q.newWriter()
	return q
}

func (q *Queue) newWriter() *writer {
	var w *writer
	w = newWriter(q.target, callbacks{
		onQueueNewFile: func(err error, f *FileRef) {
			q.mb.Post(func() {
				if w != q.w {
					return
				}
				q.commit(q.state.Enqueue(f))
			})
		},
		onFileWriteBegin: func(err error, f *FileRef) {
			f.attach(func(p Progress) {
				pct := p.Percent()
				q.mb.Post(func() {
					if w != q.w {
						return
					}
					if s, ok := q.state.Progress(f, pct); ok {
						q.commit(s)
					}
				})
			})
			q.mb.Post(func() {
				if w != q.w {
					return
				}
				s, ok := q.state.Begin(f)
				if !ok {
					q.logger.Warn("write began out of order", zap.String("file", f.FullPath))
					return
				}
				q.commit(s)
			})
		},
		onFileWriteComplete: func(err error, f *FileRef) {
			f.release()
			metrics.RecordImport(err == nil)
			q.mb.Post(func() {
				if w != q.w {
					return
				}
				if err != nil {
					q.logger.Error("writing file", zap.String("file", f.FullPath), zap.Error(err))
				}
				s, ok := q.state.Complete(f)
				if !ok {
					return
				}
				q.commit(s)
				if err == nil && f.FullPath == dat.ManifestName && q.onManifest != nil {
					q.onManifest()
				}
			})
		},
	})
	return w
}

// Mailbox goroutine only.
func (q *Queue) commit(s State) {
	q.state = s

	q.snapMu.Lock()
	q.snap = s
	q.snapMu.Unlock()

	metrics.SetImportQueueLength(len(s.Next))

	if q.onChange != nil {
		q.onChange(s)
	}
	if s.Idle() {
		for _, ch := range q.waiters {
			close(ch)
		}
		q.waiters = nil
	}
}

// Add queues files for writing, in order.
// Files without a FullPath are named relative to rootPath.
// It fails with dat.ErrWriteRefused, queuing nothing,
// if the target archive is not owned locally.
func (q *Queue) Add(ctx context.Context, files []Source, rootPath string) error {
	if !q.target.Owner() {
		return dat.ErrWriteRefused
	}
	refs := make([]*FileRef, 0, len(files))
	for _, src := range files {
		refs = append(refs, newFileRef(src, rootPath))
	}
	var closed bool
	err := q.mb.Call(ctx, func() {
		if q.w == nil {
			closed = true
			return
		}
		q.w.add(refs)
	})
	if closed {
		return mailbox.ErrClosed
	}
	return err
}

// Snapshot returns the current state.
func (q *Queue) Snapshot() State {
	q.snapMu.Lock()
	defer q.snapMu.Unlock()
	return q.snap
}

// Reset discards all queued files.
// The writing file's progress subscription is released first,
// and signals from the writer that served the old queue are ignored.
func (q *Queue) Reset(ctx context.Context) error {
	var closed bool
	err := q.mb.Call(ctx, func() {
		if q.w == nil {
			closed = true
			return
		}
		q.reset()
		q.w = q.newWriter()
	})
	if closed {
		return mailbox.ErrClosed
	}
	return err
}

// Mailbox goroutine only.
func (q *Queue) reset() {
	if q.state.Writing != nil {
		q.state.Writing.release()
	}
	for _, f := range q.state.Next {
		f.release()
	}
	if q.w != nil {
		q.w.stop()
	}
	q.commit(State{})
}

// Wait blocks until the queue is idle.
func (q *Queue) Wait(ctx context.Context) error {
	ch := make(chan struct{})
	err := q.mb.Call(ctx, func() {
		if q.state.Idle() {
			close(ch)
			return
		}
		q.waiters = append(q.waiters, ch)
	})
	if err != nil {
		return err
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.mb.Done():
		return mailbox.ErrClosed
	}
}

// Close resets the queue and stops it.
func (q *Queue) Close() {
	q.mb.Call(context.Background(), func() {
		q.reset()
		q.w = nil
	})
	q.mb.Close()
}
