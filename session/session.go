// Package session manages the one archive a client is working with.
//
// A Session creates or loads an archive,
// connects it to a swarm,
// meters its uploads and downloads,
// and feeds local files into it through an import queue.
//
// Session state is owned by a single goroutine.
// Swarm, transfer, and queue events reach it as mailbox messages,
// and messages about an archive that has since been released are ignored.
package session

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	dat "github.com/iamsingularity/datproject.org"
	"github.com/iamsingularity/datproject.org/drive"
	"github.com/iamsingularity/datproject.org/export"
	"github.com/iamsingularity/datproject.org/importqueue"
	"github.com/iamsingularity/datproject.org/logging"
	"github.com/iamsingularity/datproject.org/mailbox"
	"github.com/iamsingularity/datproject.org/meter"
	"github.com/iamsingularity/datproject.org/metrics"
	"github.com/iamsingularity/datproject.org/swarm"
)

// State is a snapshot of a Session.
type State struct {
	Key      dat.Ref
	Location string
	Owner    bool
	Metadata map[string]interface{}
	Entries  []dat.Entry
	Size     uint64
	NumPeers int

	UploadSpeed, DownloadSpeed float64
	UploadTotal, DownloadTotal uint64

	Imports importqueue.State
}

// Session is a client's view of its current archive.
type Session struct {
	drive    *drive.Drive
	hub      *swarm.Hub
	exporter *export.Service
	logger   *zap.Logger
	clock    meter.Clock
	root     string
	navigate func(location string)

	// Serializes commands.
	cmdMu sync.Mutex
	gen   uint64

	mb *mailbox.Mailbox

	// Owned by the mailbox goroutine.
	state State
	cur   *attachment

	snapMu  sync.Mutex
	snap    State
	snapAtt *attachment
}

// attachment is everything tied to one archive's time as the current archive.
type attachment struct {
	gen     uint64
	archive *drive.Archive
	swarm   *swarm.Swarm
	queue   *importqueue.Queue

	up, down *meter.Meter

	ctx     context.Context
	cancel  context.CancelFunc
	cancels []func()

	// Owned by the mailbox goroutine.
	refreshing   bool
	refreshAgain bool
	prime        bool
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the Session's logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithClock sets the clock used by the transfer meters.
func WithClock(c meter.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithExporter sets the service used by DownloadAsZip.
func WithExporter(e *export.Service) Option {
	return func(s *Session) { s.exporter = e }
}

// WithRoot sets the directory that imported files are named relative to.
func WithRoot(dir string) Option {
	return func(s *Session) { s.root = dir }
}

// OnNavigate sets a function called with the new location
// each time the session moves to a different archive.
func OnNavigate(f func(location string)) Option {
	return func(s *Session) { s.navigate = f }
}

// New produces an empty Session.
func New(d *drive.Drive, hub *swarm.Hub, opts ...Option) *Session {
	s := &Session{
		drive: d,
		hub:   hub,
		clock: meter.SystemClock,
		mb:    mailbox.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.L()
	}
	s.logger = s.logger.Named("session")
	if s.exporter == nil {
		s.exporter = export.New(export.WithLogger(s.logger))
	}
	return s
}

// State returns a snapshot of the session.
func (s *Session) State() State {
	s.snapMu.Lock()
	st, att := s.snap, s.snapAtt
	s.snapMu.Unlock()

	if att != nil {
		st.UploadSpeed = att.up.Speed()
		st.UploadTotal = att.up.Total()
		st.DownloadSpeed = att.down.Speed()
		st.DownloadTotal = att.down.Total()
		st.Imports = att.queue.Snapshot()
	}
	return st
}

// Mailbox goroutine only.
func (s *Session) publish() {
	s.snapMu.Lock()
	s.snap = s.state
	s.snapAtt = s.cur
	s.snapMu.Unlock()
}

func (s *Session) current() *attachment {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	return s.snapAtt
}

// Create makes a new archive owned by this client and makes it current,
// discarding the previous archive and any queued imports.
func (s *Session) Create(ctx context.Context) (dat.Ref, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	return s.create(ctx)
}

func (s *Session) create(ctx context.Context) (dat.Ref, error) {
	if err := s.detach(); err != nil {
		return dat.Zero, err
	}

	a, err := s.drive.Create(ctx)
	if err != nil {
		return dat.Zero, errors.Wrap(err, "creating archive")
	}
	att := s.attach(a)
	if err = s.install(att, true); err != nil {
		s.release(att)
		return dat.Zero, err
	}
	return a.Key(), nil
}

// Load makes the archive with the given key current.
// If it already is, Load does nothing.
// If the archive cannot be opened,
// Load returns a *dat.OpenError and the session is left empty.
func (s *Session) Load(ctx context.Context, key dat.Ref) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	if cur := s.current(); cur != nil && cur.archive.Key() == key {
		return nil
	}

	if err := s.detach(); err != nil {
		return err
	}

	a := s.drive.Archive(key)
	att := s.attach(a)
	if err := s.install(att, false); err != nil {
		s.release(att)
		return err
	}

	if err := a.Open(ctx); err != nil {
		metrics.RecordOpen(false)
		s.logger.Warn("cannot open archive", logging.Ref("key", key), zap.Error(err))
		if derr := s.detach(); derr != nil {
			s.logger.Debug("detaching unopened archive", zap.Error(derr))
		}
		return &dat.OpenError{Key: key, Err: err}
	}
	metrics.RecordOpen(true)

	return s.mb.Call(ctx, func() {
		if s.cur != att {
			return
		}
		s.state.Owner = a.Owner()
		s.publish()
		att.prime = true
		s.requestRefresh(att)
	})
}

// Reset releases the current archive and returns the session to its empty state.
func (s *Session) Reset() {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	if err := s.detach(); err != nil {
		s.logger.Debug("reset on closed session", zap.Error(err))
	}
}

// Close resets the session and stops it.
func (s *Session) Close() {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	if err := s.detach(); err != nil {
		// Already closed.
		return
	}
	s.mb.Close()
}

// ImportFiles queues local files for writing into the current archive,
// creating an archive first if there is none.
// It fails with dat.ErrWriteRefused if the current archive is not owned.
func (s *Session) ImportFiles(ctx context.Context, files []importqueue.Source) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	att := s.current()
	if att == nil {
		if _, err := s.create(ctx); err != nil {
			return err
		}
		att = s.current()
	}
	if !att.archive.Owner() {
		return dat.ErrWriteRefused
	}
	return att.queue.Add(ctx, files, s.root)
}

// WaitImports blocks until the import queue is idle.
func (s *Session) WaitImports(ctx context.Context) error {
	att := s.current()
	if att == nil {
		return nil
	}
	return att.queue.Wait(ctx)
}

// DownloadAsZip exports the named entry,
// or with an empty entryName every file in the archive,
// as a zip bundle passed to save.
// Failures are reported as a *dat.ExportError.
func (s *Session) DownloadAsZip(ctx context.Context, entryName string, save export.SaveFunc) error {
	att := s.current()
	if att == nil {
		return &dat.ExportError{Err: errors.Wrap(dat.ErrNotFound, "no archive")}
	}
	return s.exporter.Export(ctx, att.archive, entryName, save)
}

// ReadFile copies the content of the named entry of the current archive to w.
func (s *Session) ReadFile(ctx context.Context, name string, w io.Writer) error {
	att := s.current()
	if att == nil {
		return errors.Wrap(dat.ErrNotFound, "no archive")
	}
	return att.archive.ReadFile(ctx, name, w)
}

// attach connects an archive to its swarm, meters, and import queue.
// Events are dropped until the attachment is installed.
func (s *Session) attach(a *drive.Archive) *attachment {
	s.gen++

	ctx, cancel := context.WithCancel(context.Background())
	att := &attachment{
		gen:     s.gen,
		archive: a,
		ctx:     ctx,
		cancel:  cancel,
		up: meter.New(
			meter.WithClock(s.clock),
			meter.WithCollectors(metrics.TransferBytes(metrics.Upload), metrics.TransferRate(metrics.Upload)),
		),
		down: meter.New(
			meter.WithClock(s.clock),
			meter.WithCollectors(metrics.TransferBytes(metrics.Download), metrics.TransferRate(metrics.Download)),
		),
	}

	att.swarm = s.hub.Join(a)
	att.queue = importqueue.New(a,
		importqueue.WithLogger(s.logger),
		importqueue.OnManifest(func() {
			s.mb.Post(func() {
				if s.cur == att {
					s.requestRefresh(att)
				}
			})
		}),
		importqueue.OnChange(func(st importqueue.State) {
			s.mb.Post(func() { s.importsChanged(att, st) })
		}),
	)

	att.cancels = append(att.cancels,
		a.Subscribe(func(e drive.Event) {
			s.mb.Post(func() { s.transferred(att, e) })
		}),
		swarm.Watch(att.swarm, func(n int) {
			s.mb.Post(func() { s.peersChanged(att, n) })
		}),
	)
	return att
}

// install makes att current.
// It fails only if the session is closed.
func (s *Session) install(att *attachment, refresh bool) error {
	key := att.archive.Key()
	location := "/" + key.String()

	err := s.mb.Call(context.Background(), func() {
		s.cur = att
		s.state = State{
			Key:      key,
			Location: location,
			Owner:    att.archive.Owner(),
			NumPeers: att.swarm.NumPeers(),
		}
		metrics.SetPeers(s.state.NumPeers)
		s.publish()
		if refresh {
			s.requestRefresh(att)
		}
	})
	if err != nil {
		return err
	}

	s.logger.Debug("attached archive", logging.Ref("key", key), zap.Uint64("gen", att.gen))
	if s.navigate != nil {
		s.navigate(location)
	}
	return nil
}

// detach releases the current archive, if any, and empties the state.
// On a closed session it returns mailbox.ErrClosed;
// Close detaches before closing the mailbox, so nothing is attached then.
func (s *Session) detach() error {
	var old *attachment
	err := s.mb.Call(context.Background(), func() {
		old = s.cur
		s.cur = nil
		s.state = State{}
		metrics.SetPeers(0)
		s.publish()
	})
	if err != nil {
		return err
	}
	if old != nil {
		s.release(old)
	}
	return nil
}

// release quiesces the import queue, then drops the attachment's
// subscriptions and swarm.
func (s *Session) release(att *attachment) {
	att.queue.Close()
	att.cancel()
	for _, cancel := range att.cancels {
		cancel()
	}
	att.swarm.Close()
	att.up.Stop()
	att.down.Stop()

	s.logger.Debug("released archive", logging.Ref("key", att.archive.Key()), zap.Uint64("gen", att.gen))
}

// Mailbox goroutine only.
func (s *Session) transferred(att *attachment, e drive.Event) {
	if s.cur != att {
		return
	}
	switch e.Kind {
	case drive.Upload:
		att.up.Observe(e.Bytes)
	case drive.Download:
		att.down.Observe(e.Bytes)
		s.requestRefresh(att)
	}
}

// Mailbox goroutine only.
func (s *Session) peersChanged(att *attachment, n int) {
	if s.cur != att {
		return
	}
	s.state.NumPeers = n
	metrics.SetPeers(n)
	s.publish()
}

// Mailbox goroutine only.
func (s *Session) importsChanged(att *attachment, st importqueue.State) {
	if s.cur != att {
		return
	}
	prev := s.state.Imports
	s.state.Imports = st
	s.publish()

	// A finished write adds entries.
	if prev.Writing != nil && prev.Writing != st.Writing {
		s.requestRefresh(att)
	}
}

// requestRefresh re-reads the archive's metadata, entries, and size
// in the background,
// first fetching any newer index from the swarm for archives owned elsewhere.
// Requests made while a refresh is running are coalesced into one more.
// Mailbox goroutine only.
func (s *Session) requestRefresh(att *attachment) {
	if att.refreshing {
		att.refreshAgain = true
		return
	}
	att.refreshing = true
	prime := att.prime
	att.prime = false

	go func() {
		ctx := att.ctx
		a := att.archive

		if prime && a.NumBlocks() > 0 {
			pctx, cancel := context.WithTimeout(ctx, export.DefaultTimeout)
			if _, err := a.ContentBlock(pctx, 0); err != nil {
				s.logger.Debug("priming first content block", logging.Ref("key", a.Key()), zap.Error(err))
			}
			cancel()
		}

		// Other peers may have written since this archive was opened.
		if !a.Owner() {
			uctx, cancel := context.WithTimeout(ctx, export.DefaultTimeout)
			if _, err := a.Update(uctx); err != nil {
				s.logger.Debug("updating index", logging.Ref("key", a.Key()), zap.Error(err))
			}
			cancel()
		}

		md, err := a.Metadata(ctx)
		entries := a.Entries()
		size := a.Size()

		s.mb.Post(func() {
			if s.cur != att {
				return
			}
			att.refreshing = false

			if err != nil {
				s.logger.Warn("refreshing metadata", logging.Ref("key", a.Key()), zap.Error(err))
			} else {
				s.state.Metadata = md
			}
			s.state.Entries = entries
			s.state.Size = size
			s.publish()

			if att.refreshAgain {
				att.refreshAgain = false
				s.requestRefresh(att)
			}
		})
	}()
}
