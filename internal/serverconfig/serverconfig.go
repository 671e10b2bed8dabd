// Package serverconfig loads the server's bootstrap configuration: the
// immutable facts the process needs before any store exists (where to
// listen, where the data documents live, which git working tree to
// update). Runtime kiosk settings live in the config store, not here.
package serverconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the server bootstrap configuration.
type Config struct {
	// Address the HTTP server listens on.
	Address string `yaml:"address"`

	// DataDir holds the JSON documents (config, messages, users).
	DataDir string `yaml:"data_dir"`

	// RepoDir is the git working tree the self-updater operates on.
	// Defaults to the current directory.
	RepoDir string `yaml:"repo_dir"`

	// EnableMetrics exposes Prometheus metrics on /metrics.
	EnableMetrics bool `yaml:"enable_metrics"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Address:       ":8080",
		DataDir:       "./data",
		RepoDir:       ".",
		EnableMetrics: true,
	}
}

// Load reads a YAML config file and fills defaults for absent fields.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator's --config flag
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("address must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.RepoDir == "" {
		return fmt.Errorf("repo_dir must not be empty")
	}
	return nil
}

// ConfigPath returns the kiosk settings document path.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.DataDir, "config.json")
}

// MessagesPath returns the message document path.
func (c *Config) MessagesPath() string {
	return filepath.Join(c.DataDir, "messages.json")
}

// UsersPath returns the user document path.
func (c *Config) UsersPath() string {
	return filepath.Join(c.DataDir, "users.json")
}
