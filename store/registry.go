// Package store holds the registry of blob-store backends
// and helpers that operate across stores.
package store

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	dat "github.com/iamsingularity/datproject.org"
)

// Factory creates an anchor store from a configuration map
// such as a decoded TOML table.
type Factory func(context.Context, map[string]interface{}) (dat.AnchorStore, error)

var registry = make(map[string]Factory)

// Register makes a store type available to Create.
// Backends call it from their init functions.
func Register(key string, f Factory) {
	registry[key] = f
}

// Create builds a store of the given registered type.
func Create(ctx context.Context, key string, conf map[string]interface{}) (dat.AnchorStore, error) {
	f, ok := registry[key]
	if !ok {
		return nil, fmt.Errorf("key %s not found in registry", key)
	}
	return f(ctx, conf)
}

// FromConfig builds a store from a configuration map
// whose "type" member names the registered store type.
func FromConfig(ctx context.Context, conf map[string]interface{}) (dat.AnchorStore, error) {
	typ, ok := conf["type"].(string)
	if !ok {
		return nil, errors.New(`store config missing "type" parameter`)
	}
	s, err := Create(ctx, typ, conf)
	return s, errors.Wrapf(err, "creating %s-type store", typ)
}

// Nested builds the store described by the "nested" member of conf,
// for stores that wrap another store.
func Nested(ctx context.Context, conf map[string]interface{}) (dat.AnchorStore, error) {
	nested, ok := conf["nested"].(map[string]interface{})
	if !ok {
		return nil, errors.New(`missing "nested" parameter`)
	}
	s, err := FromConfig(ctx, nested)
	return s, errors.Wrap(err, "creating nested store")
}

// Int reads an integer parameter from a config map.
// TOML decodes integers as int64 and JSON configs may supply float64.
func Int(conf map[string]interface{}, key string) (int, bool) {
	switch v := conf[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
