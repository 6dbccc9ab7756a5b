// Package config loads dat configuration from a TOML file
// with environment-variable overrides.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/iamsingularity/datproject.org/export"
	"github.com/iamsingularity/datproject.org/logging"
)

// Config holds client and server configuration.
type Config struct {
	// Store configures the local blob store.
	// It must have a "type" key naming a registered store type;
	// see store.FromConfig.
	Store map[string]interface{} `toml:"store"`

	Log logging.Config `toml:"log"`

	// Peers are remote stores to replicate from.
	Peers []Peer `toml:"peer"`

	// Listen is the address "dat serve" accepts peer connections on.
	Listen string `toml:"listen"`

	// Metrics is the HTTP address for /metrics, if any.
	Metrics string `toml:"metrics"`

	// Root is the directory imported files are named relative to.
	Root string `toml:"root"`

	// ExportTimeout bounds the fetch of each entry during an export.
	ExportTimeout Duration `toml:"export_timeout"`

	// DialTimeout bounds connecting to each peer.
	DialTimeout Duration `toml:"dial_timeout"`
}

// Peer is a remote store reached over gRPC.
type Peer struct {
	Name     string `toml:"name"`
	Addr     string `toml:"addr"`
	Insecure bool   `toml:"insecure"`
}

// Duration is a time.Duration written as a string like "1.5s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.Wrapf(err, "parsing duration %q", string(text))
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default is the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Store:         map[string]interface{}{"type": "mem"},
		Log:           logging.Config{Level: "info", Format: "console", OutputPath: "stderr"},
		Listen:        ":7420",
		ExportTimeout: Duration{export.DefaultTimeout},
		DialTimeout:   Duration{5 * time.Second},
	}
}

// Load reads the configuration file at path over the defaults.
// An empty path means $DAT_CONFIG, and if that is unset, the defaults alone.
// $DAT_LOG_LEVEL, if set, overrides the log level.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("DAT_CONFIG")
	}

	conf := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, conf)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding config file %s", path)
		}
		// Store tables are free-form; their factories check them.
		for _, key := range md.Undecoded() {
			if len(key) > 0 && key[0] == "store" {
				continue
			}
			return nil, errors.Errorf("unknown config key %s in %s", key, path)
		}
	}

	if level := os.Getenv("DAT_LOG_LEVEL"); level != "" {
		conf.Log.Level = level
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Validate checks the configuration for missing or inconsistent settings.
func (c *Config) Validate() error {
	if _, ok := c.Store["type"].(string); !ok {
		return errors.New("store table missing `type`")
	}
	seen := make(map[string]bool)
	for i, p := range c.Peers {
		if p.Addr == "" {
			return errors.Errorf("peer %d has no addr", i)
		}
		if p.Name == "" {
			c.Peers[i].Name = p.Addr
		}
		if seen[c.Peers[i].Name] {
			return errors.Errorf("duplicate peer %s", c.Peers[i].Name)
		}
		seen[c.Peers[i].Name] = true
	}
	if c.ExportTimeout.Duration <= 0 {
		return errors.New("export_timeout must be positive")
	}
	return nil
}
