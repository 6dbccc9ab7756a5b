package drive

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/bobg/hashsplit"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	dat "github.com/iamsingularity/datproject.org"
	"github.com/iamsingularity/datproject.org/logging"
)

// Remote supplies blobs and anchors that are missing locally,
// typically from the archive's swarm.
type Remote interface {
	dat.Fetcher
	dat.AnchorGetter
}

// Archive is a handle on one archive.
type Archive struct {
	d   *Drive
	key dat.Ref

	events broadcaster

	mu       sync.Mutex
	opened   bool
	owner    bool
	idx      *index
	idxRef   dat.Ref
	remote   Remote
	updating chan struct{}
}

// Key is the archive's key.
func (a *Archive) Key() dat.Ref {
	return a.key
}

// Owner reports whether the archive was created locally and accepts writes.
func (a *Archive) Owner() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owner
}

// SetRemote sets (or, with nil, clears) the source of missing blobs.
func (a *Archive) SetRemote(r Remote) {
	a.mu.Lock()
	a.remote = r
	a.mu.Unlock()
}

func (a *Archive) getRemote() Remote {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.remote
}

// Subscribe calls h for each upload and download of a content block.
// Calls are synchronous with the transfer, so h must not block.
// The returned function unsubscribes.
func (a *Archive) Subscribe(h func(Event)) (cancel func()) {
	return a.events.subscribe(h)
}

// Open loads the archive's index, locally if possible,
// else from the remote.
// It fails with dat.ErrNotFound if neither has the archive.
func (a *Archive) Open(ctx context.Context) error {
	a.mu.Lock()
	opened := a.opened
	a.mu.Unlock()
	if opened {
		return nil
	}

	genesis, err := a.fetch(ctx, a.key, false)
	if err != nil {
		return errors.Wrap(err, "fetching genesis blob")
	}
	if !validGenesis(genesis) {
		return errors.Wrapf(dat.ErrNotFound, "%s is not an archive key", a.key)
	}

	ref, err := a.d.s.GetAnchor(ctx, dat.IndexAnchor(a.key), time.Now())
	fromRemote := errors.Is(err, dat.ErrNotFound)
	if fromRemote {
		ref, err = a.remoteIndexRef(ctx)
	}
	if err != nil {
		return errors.Wrap(err, "finding index")
	}
	idx, err := a.loadIndex(ctx, ref)
	if err != nil {
		return err
	}
	if fromRemote {
		if err = a.recordIndex(ctx, ref); err != nil {
			return err
		}
	}

	_, err = a.d.s.GetAnchor(ctx, dat.OwnerAnchor(a.key), time.Now())
	owner := err == nil
	if err != nil && !errors.Is(err, dat.ErrNotFound) {
		return errors.Wrap(err, "checking ownership")
	}

	a.mu.Lock()
	a.opened = true
	a.owner = owner
	a.idx = idx
	a.idxRef = ref
	a.mu.Unlock()

	a.d.logger.Debug("opened archive", logging.Ref("key", a.key), zap.Bool("owner", owner), zap.Int("entries", len(idx.entries)))
	return nil
}

func (a *Archive) remoteIndexRef(ctx context.Context) (dat.Ref, error) {
	r := a.getRemote()
	if r == nil {
		return dat.Zero, dat.ErrNotFound
	}
	return r.GetAnchor(ctx, dat.IndexAnchor(a.key), time.Now())
}

func (a *Archive) loadIndex(ctx context.Context, ref dat.Ref) (*index, error) {
	b, err := a.fetch(ctx, ref, false)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching index %s", ref)
	}
	idx, err := unmarshalIndex(b)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding index %s", ref)
	}
	if idx.key != a.key {
		return nil, errors.Errorf("index %s belongs to archive %s", ref, idx.key)
	}

	return idx, nil
}

// recordIndex points the local index anchor at ref,
// so the archive reopens without peers.
func (a *Archive) recordIndex(ctx context.Context, ref dat.Ref) error {
	err := a.d.s.PutAnchor(ctx, dat.IndexAnchor(a.key), ref, a.d.now())
	return errors.Wrap(err, "recording index anchor")
}

// fetch gets a blob from the local store, falling back to the remote.
// Remote blobs are verified and cached.
// If content is set, a remote fetch raises a Download event.
func (a *Archive) fetch(ctx context.Context, ref dat.Ref, content bool) (dat.Blob, error) {
	b, err := a.d.s.Get(ctx, ref)
	if err == nil || !errors.Is(err, dat.ErrNotFound) {
		return b, err
	}

	r := a.getRemote()
	if r == nil {
		return nil, err
	}
	b, err = r.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if b.Ref() != ref {
		return nil, errors.Errorf("remote sent corrupt blob for %s", ref)
	}
	if _, _, err = a.d.s.Put(ctx, b); err != nil {
		return nil, errors.Wrapf(err, "caching blob %s", ref)
	}
	if content {
		a.events.emit(Event{Kind: Download, Ref: ref, Bytes: len(b)})
	}
	return b, nil
}

func (a *Archive) current() (*index, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.opened {
		return nil, errors.New("archive not open")
	}
	return a.idx, nil
}

// Update fetches a newer index from the remote, if there is one.
// It reports whether the index changed.
// Concurrent calls share one fetch.
func (a *Archive) Update(ctx context.Context) (bool, error) {
	if _, err := a.current(); err != nil {
		return false, err
	}

	a.mu.Lock()
	if ch := a.updating; ch != nil {
		a.mu.Unlock()
		select {
		case <-ch:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	ch := make(chan struct{})
	a.updating = ch
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.updating = nil
		a.mu.Unlock()
		close(ch)
	}()

	ref, err := a.remoteIndexRef(ctx)
	if errors.Is(err, dat.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "getting remote index anchor")
	}

	a.mu.Lock()
	same := ref == a.idxRef
	a.mu.Unlock()
	if same {
		return false, nil
	}

	idx, err := a.loadIndex(ctx, ref)
	if err != nil {
		return false, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Indexes only grow. A stale or divergent copy from a peer is ignored.
	if !idx.extends(a.idx) {
		a.d.logger.Debug("ignoring index that does not extend the current one", logging.Ref("key", a.key), logging.Ref("index", ref))
		return false, nil
	}
	if err = a.recordIndex(ctx, ref); err != nil {
		return false, err
	}
	a.idx = idx
	a.idxRef = ref
	return true, nil
}

// Entries lists the latest version of each entry, sorted by name.
func (a *Archive) Entries() []dat.Entry {
	idx, err := a.current()
	if err != nil {
		return nil
	}

	latest := make(map[string]dat.Entry)
	for _, e := range idx.entries {
		latest[e.Name] = e
	}
	result := make([]dat.Entry, 0, len(latest))
	for _, e := range latest {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Size is the total size of the archive's content blocks.
func (a *Archive) Size() uint64 {
	idx, err := a.current()
	if err != nil {
		return 0
	}
	return idx.size()
}

// NumBlocks is the number of content blocks.
func (a *Archive) NumBlocks() int {
	idx, err := a.current()
	if err != nil {
		return 0
	}
	return len(idx.blocks)
}

// Get looks up the latest version of an entry.
// If it is not known locally, Get asks the remote for a newer index first.
func (a *Archive) Get(ctx context.Context, name string) (dat.Entry, error) {
	name = dat.CleanName(name)

	idx, err := a.current()
	if err != nil {
		return dat.Entry{}, err
	}
	if e, ok := idx.latest(name); ok {
		return e, nil
	}

	if a.getRemote() == nil {
		return dat.Entry{}, errors.Wrap(dat.ErrNotFound, name)
	}
	if _, err = a.Update(ctx); err != nil {
		return dat.Entry{}, errors.Wrapf(err, "updating index for %s", name)
	}
	if idx, err = a.current(); err != nil {
		return dat.Entry{}, err
	}
	if e, ok := idx.latest(name); ok {
		return e, nil
	}
	return dat.Entry{}, errors.Wrap(dat.ErrNotFound, name)
}

// ContentBlock returns content block i.
func (a *Archive) ContentBlock(ctx context.Context, i uint64) ([]byte, error) {
	idx, err := a.current()
	if err != nil {
		return nil, err
	}
	if i >= uint64(len(idx.blocks)) {
		return nil, errors.Wrapf(dat.ErrNotFound, "content block %d", i)
	}
	return a.fetch(ctx, idx.blocks[i].ref, true)
}

// readAhead is the number of content blocks ReadFile fetches at once.
const readAhead = 8

type contentFetcher struct {
	a *Archive
}

func (f contentFetcher) Get(ctx context.Context, ref dat.Ref) (dat.Blob, error) {
	return f.a.fetch(ctx, ref, true)
}

// ReadFile copies the content of the named entry to w.
// Blocks are fetched concurrently, readAhead at a time.
func (a *Archive) ReadFile(ctx context.Context, name string, w io.Writer) error {
	e, err := a.Get(ctx, name)
	if err != nil {
		return err
	}
	if e.Type != dat.File {
		return errors.Errorf("%s is a %s", e.Name, e.Type)
	}
	idx, err := a.current()
	if err != nil {
		return err
	}
	end := e.Block + e.Blocks
	if end > uint64(len(idx.blocks)) {
		return errors.Errorf("%s refers to missing content blocks", e.Name)
	}

	for i := e.Block; i < end; i += readAhead {
		batch := idx.blocks[i:min(i+readAhead, end)]

		var (
			refs []dat.Ref
			seen = make(map[dat.Ref]bool)
		)
		for _, b := range batch {
			if !seen[b.ref] {
				seen[b.ref] = true
				refs = append(refs, b.ref)
			}
		}

		blobs, err := dat.GetMulti(ctx, contentFetcher{a: a}, refs)
		if merr, ok := err.(dat.MultiErr); ok {
			// Report the first failure in file order.
			for _, ref := range refs {
				if err, ok := merr[ref]; ok {
					return errors.Wrapf(err, "reading %s", e.Name)
				}
			}
		}
		if err != nil {
			return errors.Wrapf(err, "reading %s", e.Name)
		}

		for _, b := range batch {
			if _, err = w.Write(blobs[b.ref]); err != nil {
				return errors.Wrapf(err, "copying %s", e.Name)
			}
		}
	}
	return nil
}

type progressReader struct {
	r        io.Reader
	n        int64
	progress func(int64)
}

func (pr *progressReader) Read(buf []byte) (int, error) {
	n, err := pr.r.Read(buf)
	if n > 0 {
		pr.n += int64(n)
		if pr.progress != nil {
			pr.progress(pr.n)
		}
	}
	return n, err
}

// WriteFile stores the content of r as the named file entry,
// creating parent directory entries as needed.
// progress, if not nil, is called with the number of bytes consumed so far.
// It fails with dat.ErrWriteRefused if the archive is not owned.
func (a *Archive) WriteFile(ctx context.Context, name string, r io.Reader, progress func(int64)) (dat.Entry, error) {
	if _, err := a.current(); err != nil {
		return dat.Entry{}, err
	}
	if !a.Owner() {
		return dat.Entry{}, dat.ErrWriteRefused
	}
	name = dat.CleanName(name)
	if name == "/" {
		return dat.Entry{}, errors.New("cannot write the root directory")
	}

	var (
		blocks []block
		size   uint64
	)
	spl := hashsplit.NewSplitter(func(chunk []byte, _ uint) error {
		ref, _, err := a.d.s.Put(ctx, append(dat.Blob(nil), chunk...))
		if err != nil {
			return errors.Wrap(err, "storing content block")
		}
		blocks = append(blocks, block{ref: ref, size: uint64(len(chunk))})
		size += uint64(len(chunk))
		return nil
	})
	spl.MinSize = minBlockSize
	spl.SplitBits = splitBits

	_, err := io.Copy(spl, &progressReader{r: r, progress: progress})
	if err != nil {
		return dat.Entry{}, errors.Wrapf(err, "splitting %s", name)
	}
	if err = spl.Close(); err != nil {
		return dat.Entry{}, errors.Wrapf(err, "splitting %s", name)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	idx := a.idx.clone()
	now := a.d.now()
	for _, dir := range parents(name) {
		if e, ok := idx.latest(dir); ok && e.Type == dat.Directory {
			continue
		}
		idx.entries = append(idx.entries, dat.Entry{Name: dir, Type: dat.Directory, Mtime: now})
	}
	e := dat.Entry{
		Name:   name,
		Type:   dat.File,
		Size:   size,
		Mtime:  now,
		Block:  uint64(len(idx.blocks)),
		Blocks: uint64(len(blocks)),
	}
	idx.blocks = append(idx.blocks, blocks...)
	idx.entries = append(idx.entries, e)

	if err = a.saveIndexLocked(ctx, idx); err != nil {
		return dat.Entry{}, err
	}
	return e, nil
}

const (
	minBlockSize = 4096
	splitBits    = 16
)

// parents lists the directories above name, outermost first, excluding "/".
func parents(name string) []string {
	var dirs []string
	for i := 1; i < len(name); i++ {
		if name[i] == '/' {
			dirs = append(dirs, name[:i])
		}
	}
	return dirs
}

func (a *Archive) saveIndex(ctx context.Context, idx *index) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.saveIndexLocked(ctx, idx)
}

// Mutex must be held.
func (a *Archive) saveIndexLocked(ctx context.Context, idx *index) error {
	ref, _, err := a.d.s.Put(ctx, idx.marshal())
	if err != nil {
		return errors.Wrap(err, "storing index")
	}
	if err = a.d.s.PutAnchor(ctx, dat.IndexAnchor(a.key), ref, a.d.now()); err != nil {
		return errors.Wrap(err, "updating index anchor")
	}
	a.idx = idx
	a.idxRef = ref
	return nil
}

// Metadata decodes the manifest entry.
// An archive without a manifest has empty metadata.
func (a *Archive) Metadata(ctx context.Context) (map[string]interface{}, error) {
	buf := new(bytes.Buffer)
	err := a.ReadFile(ctx, dat.ManifestName, buf)
	if errors.Is(err, dat.ErrNotFound) {
		return map[string]interface{}{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading manifest")
	}
	if buf.Len() == 0 {
		return map[string]interface{}{}, nil
	}

	var s structpb.Struct
	if err = protojson.Unmarshal(buf.Bytes(), &s); err != nil {
		return nil, errors.Wrap(err, "decoding manifest")
	}
	return s.AsMap(), nil
}

// Peer serves this archive's locally stored blobs and anchors to other peers.
// Serving a content block raises an Upload event.
func (a *Archive) Peer() *Peer {
	return &Peer{a: a}
}

// Peer is the serving side of an Archive.
type Peer struct {
	a *Archive
}

// Get serves a blob from the local store.
func (p *Peer) Get(ctx context.Context, ref dat.Ref) (dat.Blob, error) {
	b, err := p.a.d.s.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if p.a.isContent(ref) {
		p.a.Served(ref, len(b))
	}
	return b, nil
}

// GetAnchor serves an anchor from the local store.
func (p *Peer) GetAnchor(ctx context.Context, name string, at time.Time) (dat.Ref, error) {
	return p.a.d.s.GetAnchor(ctx, name, at)
}

func (a *Archive) isContent(ref dat.Ref) bool {
	idx, err := a.current()
	if err != nil {
		return false
	}
	for _, b := range idx.blocks {
		if b.ref == ref {
			return true
		}
	}
	return false
}

// Served records that a blob of the given size was sent to a peer.
func (a *Archive) Served(ref dat.Ref, size int) {
	a.events.emit(Event{Kind: Upload, Ref: ref, Bytes: size})
}
