package main

import (
	"context"
	"net"
	"net/http"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	dat "github.com/iamsingularity/datproject.org"
	"github.com/iamsingularity/datproject.org/logging"
	"github.com/iamsingularity/datproject.org/metrics"
	"github.com/iamsingularity/datproject.org/store/rpc"
)

func (c maincmd) serve(ctx context.Context, addr, metricsAddr string, writable bool, _ []string) error {
	rs := rpc.NewServer(c.s)
	rs.ReadOnly = !writable
	uploads := metrics.TransferBytes(metrics.Upload)
	rs.OnServe = func(ref dat.Ref, size int) {
		uploads.Add(float64(size))
	}

	gs := grpc.NewServer()
	rpc.RegisterStoreServer(gs, rs)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", addr)
	}
	defer lis.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.logger.Info("serving peers", zap.Stringer("addr", lis.Addr()), zap.Bool("writable", writable))
		return gs.Serve(lis)
	})

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: logging.Middleware(mux)}

		g.Go(func() error {
			c.logger.Info("serving metrics", zap.String("addr", metricsAddr))
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		gs.GracefulStop()
		return nil
	})

	return g.Wait()
}
