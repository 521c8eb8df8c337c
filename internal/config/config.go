// Package config provides centralized configuration for branchless.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds application-wide configuration.
type Config struct {
	// StateDir is the directory for branchless state (the event log
	// database). Relative paths are resolved against the repository's
	// .git directory.
	StateDir string `yaml:"state_dir"`

	// MainBranch overrides main-branch detection, e.g. "refs/heads/trunk".
	MainBranch string `yaml:"main_branch"`
}

// DefaultConfig returns the default configuration, reading from environment variables.
func DefaultConfig() *Config {
	cfg := &Config{
		StateDir:   os.Getenv("BRANCHLESS_STATE_DIR"),
		MainBranch: os.Getenv("BRANCHLESS_MAIN"),
	}
	if cfg.StateDir == "" {
		cfg.StateDir = "branchless"
	}
	return cfg
}

// Load returns the default configuration merged with the repository's
// .branchless.yml, if one exists at the repository root.
func Load(repoRoot string) (*Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(repoRoot, ".branchless.yml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// EventLogPath returns the event log database path under gitDir.
func (c *Config) EventLogPath(gitDir string) string {
	dir := c.StateDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(gitDir, dir)
	}
	return filepath.Join(dir, "events.sqlite")
}
