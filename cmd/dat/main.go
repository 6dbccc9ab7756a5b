// Command dat creates, shares, and fetches dat archives.
//
// Usage:
//
//	dat [-config FILE] create
//	dat [-config FILE] import [-key KEY] FILE...
//	dat [-config FILE] ls -key KEY
//	dat [-config FILE] get -key KEY -name NAME
//	dat [-config FILE] export -key KEY [-entry NAME] [-dir DIR]
//	dat [-config FILE] serve [-addr ADDR] [-metrics ADDR]
//	dat [-config FILE] sync CONFIG...
package main

import (
	"context"
	"flag"

	"github.com/bobg/subcmd"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	dat "github.com/iamsingularity/datproject.org"
	"github.com/iamsingularity/datproject.org/config"
	"github.com/iamsingularity/datproject.org/drive"
	"github.com/iamsingularity/datproject.org/export"
	"github.com/iamsingularity/datproject.org/logging"
	"github.com/iamsingularity/datproject.org/session"
	"github.com/iamsingularity/datproject.org/store"
	_ "github.com/iamsingularity/datproject.org/store/file"
	_ "github.com/iamsingularity/datproject.org/store/gcs"
	_ "github.com/iamsingularity/datproject.org/store/logging"
	_ "github.com/iamsingularity/datproject.org/store/lru"
	_ "github.com/iamsingularity/datproject.org/store/mem"
	_ "github.com/iamsingularity/datproject.org/store/pg"
	_ "github.com/iamsingularity/datproject.org/store/replica"
	"github.com/iamsingularity/datproject.org/store/rpc"
	_ "github.com/iamsingularity/datproject.org/store/sqlite3"
	_ "github.com/iamsingularity/datproject.org/store/transform"
	"github.com/iamsingularity/datproject.org/swarm"
)

type maincmd struct {
	conf   *config.Config
	s      dat.AnchorStore
	d      *drive.Drive
	hub    *swarm.Hub
	logger *zap.Logger
}

func main() {
	configPath := flag.String("config", "", "path to TOML config file (default $DAT_CONFIG)")
	flag.Parse()

	conf, err := config.Load(*configPath)
	if err != nil {
		logging.S().Fatalf("Loading config: %s", err)
	}
	if err = logging.Init(conf.Log); err != nil {
		logging.S().Fatalf("Initializing logging: %s", err)
	}
	defer logging.Sync()

	logger := logging.L()
	ctx := context.Background()

	s, err := store.FromConfig(ctx, conf.Store)
	if err != nil {
		logger.Fatal("creating store", zap.Error(err))
	}

	c := maincmd{
		conf:   conf,
		s:      s,
		d:      drive.New(s),
		hub:    swarm.NewHub(),
		logger: logger,
	}

	clients, err := c.dialPeers(ctx)
	if err != nil {
		logger.Fatal("connecting to peers", zap.Error(err))
	}
	defer func() {
		for _, cl := range clients {
			cl.Close()
		}
	}()

	if err = subcmd.Run(ctx, c, flag.Args()); err != nil {
		logger.Fatal("command failed", zap.Error(err))
	}
}

func (c maincmd) Subcmds() subcmd.Map {
	return subcmd.Commands(
		"create", c.create, nil,
		"export", c.export, subcmd.Params(
			"key", subcmd.String, "", "archive key",
			"entry", subcmd.String, "", "single entry to export (default: all files)",
			"dir", subcmd.String, ".", "directory to write the bundle to",
		),
		"get", c.get, subcmd.Params(
			"key", subcmd.String, "", "archive key",
			"name", subcmd.String, "", "entry to get",
		),
		"import", c.importFiles, subcmd.Params(
			"key", subcmd.String, "", "archive to import into (default: a new archive)",
		),
		"ls", c.ls, subcmd.Params(
			"key", subcmd.String, "", "archive key",
			"meta", subcmd.Bool, false, "also print archive metadata",
		),
		"serve", c.serve, subcmd.Params(
			"addr", subcmd.String, c.conf.Listen, "address to serve peers on",
			"metrics", subcmd.String, c.conf.Metrics, "address to serve /metrics on (default: none)",
			"writable", subcmd.Bool, false, "let peers put blobs and anchors",
		),
		"sync", c.sync, nil,
	)
}

// dialPeers connects the configured remote peers to the hub.
func (c maincmd) dialPeers(ctx context.Context) ([]*rpc.Client, error) {
	var clients []*rpc.Client
	for _, p := range c.conf.Peers {
		dctx, cancel := context.WithTimeout(ctx, c.conf.DialTimeout.Duration)
		cl, err := rpc.Dial(dctx, p.Addr, p.Insecure)
		cancel()
		if err != nil {
			for _, cl := range clients {
				cl.Close()
			}
			return nil, errors.Wrapf(err, "dialing peer %s", p.Name)
		}
		c.hub.AddRemote(p.Name, cl)
		clients = append(clients, cl)
	}
	return clients, nil
}

func (c maincmd) session(opts ...session.Option) *session.Session {
	exporter := export.New(export.WithTimeout(c.conf.ExportTimeout.Duration))
	opts = append([]session.Option{session.WithRoot(c.conf.Root), session.WithExporter(exporter)}, opts...)
	return session.New(c.d, c.hub, opts...)
}

func parseKey(s string) (dat.Ref, error) {
	if s == "" {
		return dat.Zero, errors.New("must supply -key")
	}
	key, err := dat.RefFromHex(s)
	return key, errors.Wrapf(err, "decoding key %s", s)
}
