// Package config loads and validates the TOML configuration that wires
// the service together. Every subsystem owns its own Config struct; this
// package only aggregates them and fills in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/embermail/embermail/internal/cache"
	"github.com/embermail/embermail/internal/logging"
	"github.com/embermail/embermail/internal/provider"
	"github.com/embermail/embermail/internal/queue"
	"github.com/embermail/embermail/internal/scheduler"
	"github.com/embermail/embermail/internal/store"
	"github.com/embermail/embermail/internal/worker"
)

// ServerConfig holds the operational HTTP endpoint settings.
type ServerConfig struct {
	Listen string `toml:"listen"` // ops API and metrics, default ":8080"
}

// CredentialConfig holds token-at-rest protection settings.
type CredentialConfig struct {
	// EncryptionKey is a base64-encoded 32-byte key sealing stored
	// tokens. Empty disables sealing; only acceptable in development.
	EncryptionKey string `toml:"encryption_key"`
}

// ValidationConfig holds recipient validation settings.
type ValidationConfig struct {
	// ThrowawayDomains are matched case-insensitively as substrings of a
	// recipient's domain.
	ThrowawayDomains []string `toml:"throwaway_domains"`

	// MXTimeout bounds each DNS MX lookup.
	MXTimeout time.Duration `toml:"mx_timeout"`
}

// Config is the root configuration.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Logging    logging.Config   `toml:"logging"`
	Store      store.Config     `toml:"store"`
	Queue      queue.Config     `toml:"queue"`
	Cache      cache.Config     `toml:"cache"`
	Credential CredentialConfig `toml:"credential"`
	Validation ValidationConfig `toml:"validation"`
	Worker     worker.Config    `toml:"worker"`
	Scheduler  scheduler.Config `toml:"scheduler"`

	Providers struct {
		Gmail provider.GmailConfig `toml:"gmail"`
	} `toml:"providers"`
}

// DefaultConfig returns a configuration suitable for local development:
// in-memory store and cache, local Redis queue, no token sealing.
func DefaultConfig() *Config {
	return &Config{
		Server:    ServerConfig{Listen: ":8080"},
		Logging:   logging.DefaultConfig(),
		Store:     store.Config{Type: "memory", Name: "embermail"},
		Queue:     queue.DefaultConfig(),
		Cache:     cache.Config{Type: "memory", Name: "embermail"},
		Validation: ValidationConfig{
			MXTimeout: 5 * time.Second,
		},
		Worker:    worker.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
	}
}

// DefaultConfigLocations lists the paths searched when no explicit
// config file is given, in order of preference.
var DefaultConfigLocations = []string{
	"./embermail.toml",
	"./config/embermail.toml",
	"/etc/embermail/embermail.toml",
}

// FindConfigFile returns the first existing file among path (when not
// empty) and the default locations. An empty return means no config
// file exists and defaults apply.
func FindConfigFile(path string) string {
	if path != "" {
		return path
	}
	for _, candidate := range DefaultConfigLocations {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// Load reads the TOML file at path layered over defaults. An empty path
// returns defaults untouched.
func Load(path string) (*Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filepath.Base(path), err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "memory", "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("invalid store type: %s", c.Store.Type)
	}
	if c.Store.Type != "memory" && c.Store.DSN == "" {
		return fmt.Errorf("store type %s requires a dsn", c.Store.Type)
	}

	switch c.Cache.Type {
	case "", "memory", "redis", "memcached":
	default:
		return fmt.Errorf("invalid cache type: %s", c.Cache.Type)
	}

	if c.Server.Listen == "" {
		return fmt.Errorf("server listen address must not be empty")
	}

	for _, r := range c.Scheduler.Recipients {
		if r == "" {
			return fmt.Errorf("scheduler recipients must not contain empty addresses")
		}
	}
	return nil
}
