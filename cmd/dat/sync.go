package main

import (
	"context"

	"github.com/pkg/errors"

	dat "github.com/iamsingularity/datproject.org"
	"github.com/iamsingularity/datproject.org/config"
	"github.com/iamsingularity/datproject.org/store"
)

// sync makes the configured store and the stores of the named config files
// contain the same blobs.
func (c maincmd) sync(ctx context.Context, args []string) error {
	stores := []dat.Store{c.s}
	for _, arg := range args {
		conf, err := config.Load(arg)
		if err != nil {
			return errors.Wrapf(err, "reading %s", arg)
		}
		s, err := store.FromConfig(ctx, conf.Store)
		if err != nil {
			return errors.Wrapf(err, "creating store from %s", arg)
		}
		stores = append(stores, s)
	}

	return store.Sync(ctx, stores)
}
