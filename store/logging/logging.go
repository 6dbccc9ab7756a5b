// Package logging implements a store that delegates everything to a nested store,
// logging operations as they happen.
package logging

import (
	"context"
	"time"

	"go.uber.org/zap"

	dat "github.com/iamsingularity/datproject.org"
	datlog "github.com/iamsingularity/datproject.org/logging"
	"github.com/iamsingularity/datproject.org/store"
)

var _ dat.AnchorStore = &Store{}

// Store wraps a nested store and logs each call at debug level
// (errors at warn level).
type Store struct {
	s      dat.AnchorStore
	logger *zap.Logger
}

// New wraps s. A nil logger means the global one.
func New(s dat.AnchorStore, logger *zap.Logger) *Store {
	if logger == nil {
		logger = datlog.L()
	}
	return &Store{s: s, logger: logger.Named("store")}
}

func (s *Store) Get(ctx context.Context, ref dat.Ref) (dat.Blob, error) {
	b, err := s.s.Get(ctx, ref)
	if err != nil {
		s.logger.Warn("Get", datlog.Ref("ref", ref), zap.Error(err))
	} else {
		s.logger.Debug("Get", datlog.Ref("ref", ref), zap.Int("size", len(b)))
	}
	return b, err
}

func (s *Store) ListRefs(ctx context.Context, start dat.Ref, f func(dat.Ref) error) error {
	s.logger.Debug("ListRefs", datlog.Ref("start", start))
	return s.s.ListRefs(ctx, start, func(ref dat.Ref) error {
		err := f(ref)
		if err != nil {
			s.logger.Warn("ListRefs callback", datlog.Ref("ref", ref), zap.Error(err))
		}
		return err
	})
}

func (s *Store) Put(ctx context.Context, b dat.Blob) (dat.Ref, bool, error) {
	ref, added, err := s.s.Put(ctx, b)
	if err != nil {
		s.logger.Warn("Put", zap.Error(err))
	} else {
		s.logger.Debug("Put", datlog.Ref("ref", ref), zap.Bool("added", added))
	}
	return ref, added, err
}

func (s *Store) GetAnchor(ctx context.Context, name string, at time.Time) (dat.Ref, error) {
	ref, err := s.s.GetAnchor(ctx, name, at)
	if err != nil {
		s.logger.Debug("GetAnchor", zap.String("name", name), zap.Time("at", at), zap.Error(err))
	} else {
		s.logger.Debug("GetAnchor", zap.String("name", name), zap.Time("at", at), datlog.Ref("ref", ref))
	}
	return ref, err
}

func (s *Store) PutAnchor(ctx context.Context, name string, ref dat.Ref, at time.Time) error {
	err := s.s.PutAnchor(ctx, name, ref, at)
	if err != nil {
		s.logger.Warn("PutAnchor", zap.String("name", name), zap.Error(err))
	} else {
		s.logger.Debug("PutAnchor", zap.String("name", name), zap.Time("at", at), datlog.Ref("ref", ref))
	}
	return err
}

func init() {
	store.Register("logging", func(ctx context.Context, conf map[string]interface{}) (dat.AnchorStore, error) {
		nested, err := store.Nested(ctx, conf)
		if err != nil {
			return nil, err
		}
		return New(nested, nil), nil
	})
}
