// Package config loads daemon configuration: YAML file, then REMEDYD_*
// environment overrides, then operational defaults for anything unset.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/isc-ryoung/remedyd/internal/model"
)

// Load reads the config file at path. An empty path or a missing file is
// not an error; the daemon runs on env overrides and defaults alone.
func Load(path string) (*model.Config, error) {
	cfg := &model.Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Fall through to env and defaults.
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}
