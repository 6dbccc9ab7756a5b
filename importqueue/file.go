package importqueue

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	dat "github.com/iamsingularity/datproject.org"
)

// Source describes a local file to import.
type Source struct {
	// FullPath is the entry name in the archive.
	// If empty, it is derived from Path relative to the queue's root path.
	FullPath string

	// Path is the file's local name.
	Path string

	// Size is the content length, or -1 if unknown.
	Size int64

	// Open supplies the content. If nil, Path is opened.
	Open func() (io.ReadCloser, error)
}

// LocalFile describes the file at path.
func LocalFile(path string) (Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Source{}, errors.Wrapf(err, "statting %s", path)
	}
	if info.IsDir() {
		return Source{}, errors.Errorf("%s is a directory", path)
	}
	return Source{Path: path, Size: info.Size()}, nil
}

// FileRef is a file moving through the queue.
type FileRef struct {
	FullPath string
	Size     int64

	open     func() (io.ReadCloser, error)
	progress *Emitter

	// Owned by the FileRef's current stage; released on completion or reset.
	mu        sync.Mutex
	sub       *Subscription
	discarded bool
}

// attach subscribes h to the FileRef's progress,
// unless the FileRef has already been discarded.
func (f *FileRef) attach(h func(Progress)) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.discarded {
		return
	}
	f.sub.Release()
	f.sub = f.progress.Subscribe(h)
}

// release detaches the progress subscription for good.
func (f *FileRef) release() {
	f.mu.Lock()
	sub := f.sub
	f.sub = nil
	f.discarded = true
	f.mu.Unlock()

	sub.Release()
}

// Progress is the FileRef's progress emitter.
func (f *FileRef) Progress() *Emitter {
	return f.progress
}

func (f *FileRef) String() string {
	return f.FullPath
}

func newFileRef(src Source, rootPath string) *FileRef {
	fullPath := src.FullPath
	if fullPath == "" {
		fullPath = relativeName(src.Path, rootPath)
	}

	open := src.Open
	if open == nil {
		path := src.Path
		open = func() (io.ReadCloser, error) { return os.Open(path) }
	}

	size := src.Size
	if size == 0 && src.Open == nil && src.Path != "" {
		if info, err := os.Stat(src.Path); err == nil {
			size = info.Size()
		}
	}

	return &FileRef{
		FullPath: dat.CleanName(fullPath),
		Size:     size,
		open:     open,
		progress: newEmitter(),
	}
}

// relativeName names path inside the archive.
// Paths under root keep their relative layout; others use their base name.
func relativeName(path, root string) string {
	path = filepath.ToSlash(path)
	if root != "" {
		root = strings.TrimSuffix(filepath.ToSlash(root), "/") + "/"
		if strings.HasPrefix(path, root) {
			return "/" + strings.TrimPrefix(path, root)
		}
	}
	return "/" + filepath.Base(path)
}
