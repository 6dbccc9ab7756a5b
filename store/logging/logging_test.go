package logging

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	dat "github.com/iamsingularity/datproject.org"
	"github.com/iamsingularity/datproject.org/store/mem"
	"github.com/iamsingularity/datproject.org/testutil"
)

func TestStore(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s := New(mem.New(), zap.New(core))

	ctx := context.Background()
	testutil.ReadWrite(ctx, t, s, testutil.Data(t, 100000))
	testutil.Anchors(ctx, t, s)

	if n := logs.FilterMessage("Put").Len(); n == 0 {
		t.Error("no Put entries logged")
	}
	if n := logs.FilterMessage("GetAnchor").Len(); n == 0 {
		t.Error("no GetAnchor entries logged")
	}

	_, err := s.Get(ctx, dat.Ref{1})
	if !errors.Is(err, dat.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
	if n := logs.FilterMessage("Get").FilterField(zap.Error(err)).Len(); n != 1 {
		t.Errorf("got %d failed-Get entries, want 1", n)
	}
}
