package importqueue

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"

	dat "github.com/iamsingularity/datproject.org"
)

// Target is the archive files are written into.
type Target interface {
	Owner() bool
	WriteFile(ctx context.Context, name string, r io.Reader, progress func(written int64)) (dat.Entry, error)
}

// callbacks are the writer's signals, each with the error (if any) and the file.
type callbacks struct {
	onQueueNewFile      func(error, *FileRef)
	onFileWriteBegin    func(error, *FileRef)
	onFileWriteComplete func(error, *FileRef)
}

// writer writes files into a Target one at a time, in the order added.
type writer struct {
	target Target
	cb     callbacks

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*FileRef
	stopped bool
	done    chan struct{}
}

func newWriter(target Target, cb callbacks) *writer {
	ctx, cancel := context.WithCancel(context.Background())
	w := &writer{
		target: target,
		cb:     cb,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

// add queues files.
// The onQueueNewFile signals are issued before add returns
// and before any of the files can begin writing.
func (w *writer) add(files []*FileRef) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	for _, f := range files {
		w.pending = append(w.pending, f)
		w.cb.onQueueNewFile(nil, f)
	}
	w.cond.Signal()
}

func (w *writer) stop() {
	w.mu.Lock()
	w.stopped = true
	w.pending = nil
	w.cond.Signal()
	w.mu.Unlock()

	w.cancel()
}

func (w *writer) run() {
	defer close(w.done)

	for {
		w.mu.Lock()
		for len(w.pending) == 0 && !w.stopped {
			w.cond.Wait()
		}
		if w.stopped {
			w.mu.Unlock()
			return
		}
		f := w.pending[0]
		w.pending[0] = nil
		w.pending = w.pending[1:]
		w.cb.onFileWriteBegin(nil, f)
		w.mu.Unlock()

		err := w.write(f)
		w.cb.onFileWriteComplete(err, f)
	}
}

func (w *writer) write(f *FileRef) error {
	rc, err := f.open()
	if err != nil {
		return errors.Wrapf(err, "opening %s", f.FullPath)
	}
	defer rc.Close()

	_, err = w.target.WriteFile(w.ctx, f.FullPath, rc, func(written int64) {
		f.progress.Emit(Progress{Written: written, Size: f.Size})
	})
	return errors.Wrapf(err, "writing %s", f.FullPath)
}
