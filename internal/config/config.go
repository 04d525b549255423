// Package config loads the daemon's small YAML configuration file, in the
// same spirit as the teacher's loadConfig (peppechiapparo-mpquic/cmd/mpquic/main.go):
// defaults applied, a handful of fields, no CLI framework. The VTY/interactive
// shell and the statistics framework named in the original spec's non-goals
// are intentionally absent here; this stays a flat struct.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's full runtime configuration.
type Config struct {
	Control struct {
		// ListenAddr is the SCTP one-to-one listen address for the CUPS
		// control channel, e.g. "localhost:4268".
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"control"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

const defaultListenAddr = "localhost:4268"

// Load reads and parses the YAML file at path, applying defaults for any
// field left unset. An empty path returns defaults only.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if cfg.Control.ListenAddr == "" {
		cfg.Control.ListenAddr = defaultListenAddr
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	return cfg, nil
}
