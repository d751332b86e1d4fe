// Package setup initializes a remedyd data directory: the spool and audit
// layout plus a starter config file.
package setup

import (
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/isc-ryoung/remedyd/internal/model"
)

// Run creates the data directory layout under dataDir and writes
// remedyd.yaml with the operational defaults filled in. Fails if a config
// file is already present so an existing deployment is never clobbered.
func Run(dataDir string) error {
	absDir, err := filepath.Abs(dataDir)
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}

	configPath := filepath.Join(absDir, "remedyd.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("%s already exists", configPath)
	}

	dirs := []string{
		"intake",
		"intake/processed",
		"intake/rejected",
		"audit",
		"logs",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(absDir, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg := &model.Config{}
	cfg.Daemon.DataDir = absDir
	cfg.ApplyDefaults()

	if err := writeYAMLAtomic(configPath, cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// writeYAMLAtomic writes via a synced temp file and rename so a crash never
// leaves a half-written config.
func writeYAMLAtomic(path string, data any) error {
	content, err := yamlv3.Marshal(data)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".remedyd-tmp-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
