// Package export bundles archive entries into zip files.
//
// Exports are all-or-nothing:
// if any entry cannot be fetched in time,
// nothing is saved and the caller gets a *dat.ExportError.
package export

import (
	"bytes"
	"context"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	dat "github.com/iamsingularity/datproject.org"
	"github.com/iamsingularity/datproject.org/logging"
	"github.com/iamsingularity/datproject.org/metrics"
)

// DefaultTimeout bounds the fetch of each entry.
const DefaultTimeout = 1500 * time.Millisecond

// Source is an archive to export from.
// *drive.Archive is a Source.
type Source interface {
	Key() dat.Ref
	Entries() []dat.Entry
	Get(ctx context.Context, name string) (dat.Entry, error)
	ReadFile(ctx context.Context, name string, w io.Writer) error
}

// SaveFunc receives a finished bundle.
type SaveFunc func(ctx context.Context, name string, r io.Reader) error

// Service exports archives.
type Service struct {
	timeout time.Duration
	logger  *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithTimeout sets the per-entry fetch timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// WithLogger sets the Service's logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New produces a Service.
func New(opts ...Option) *Service {
	s := &Service{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.L()
	}
	s.logger = s.logger.Named("export")
	return s
}

type fetched struct {
	name string
	data []byte
}

// Export fetches entries from src, zips them, and passes the bundle to save.
//
// With a non-empty entryName only that entry is exported,
// and the bundle is named for it.
// Otherwise every file entry is exported
// and the bundle is named for the archive key.
func (s *Service) Export(ctx context.Context, src Source, entryName string, save SaveFunc) (err error) {
	start := time.Now()
	defer func() {
		metrics.RecordExport(err == nil, time.Since(start).Seconds())
		if err != nil {
			s.logger.Warn("export failed", logging.Ref("key", src.Key()), zap.String("entry", entryName), zap.Error(errors.Unwrap(err)))
		}
	}()

	var (
		names      []string
		bundleName string
	)
	if entryName != "" {
		name := dat.CleanName(entryName)
		names = []string{name}
		bundleName = path.Base(name) + ".zip"
	} else {
		for _, e := range src.Entries() {
			if e.Type == dat.File {
				names = append(names, e.Name)
			}
		}
		sort.Strings(names)
		bundleName = src.Key().String() + ".zip"
	}

	results := make([]fetched, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			data, err := s.fetch(gctx, src, name)
			if err != nil {
				return errors.Wrapf(err, "fetching %s", name)
			}
			results[i] = fetched{name: name, data: data}
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return &dat.ExportError{Err: err}
	}

	bundle, err := zipAll(results)
	if err != nil {
		return &dat.ExportError{Err: err}
	}
	if err = save(ctx, bundleName, bytes.NewReader(bundle)); err != nil {
		return &dat.ExportError{Err: errors.Wrapf(err, "saving %s", bundleName)}
	}

	s.logger.Info("exported", logging.Ref("key", src.Key()), zap.String("bundle", bundleName), zap.Int("entries", len(results)), zap.Int("bytes", len(bundle)))
	return nil
}

func (s *Service) fetch(ctx context.Context, src Source, name string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	e, err := src.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if e.Type != dat.File {
		return nil, errors.Errorf("%s is a %s", name, e.Type)
	}

	buf := new(bytes.Buffer)
	if err = src.ReadFile(ctx, name, buf); err != nil {
		return nil, err
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func zipAll(files []fetched) ([]byte, error) {
	buf := new(bytes.Buffer)
	zw := zip.NewWriter(buf)
	for _, f := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:   strings.TrimPrefix(f.name, "/"),
			Method: zip.Deflate,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "adding %s to bundle", f.name)
		}
		if _, err = w.Write(f.data); err != nil {
			return nil, errors.Wrapf(err, "writing %s to bundle", f.name)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "finishing bundle")
	}
	return buf.Bytes(), nil
}
