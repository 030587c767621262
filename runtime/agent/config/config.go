// Package config loads the process-level configuration for cmd/server: which
// ThreadStore and EventBus broker backend to wire up, their connection
// strings, and the defaults that govern pagination and the distributed
// advisory lock (§5, §10 "Configuration" of the expanded spec).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the top-level process configuration, loaded from a single
	// YAML file at startup.
	Config struct {
		// HTTP configures the listen address for cmd/server.
		HTTP HTTPConfig `yaml:"http"`
		// Store selects and configures the ThreadStore backend.
		Store StoreConfig `yaml:"store"`
		// Bus configures the cross-process broker tail and distributed lock.
		Bus BusConfig `yaml:"bus"`
		// Pagination records ListThreads' default limit and bounds (§4.1);
		// the stores and the HTTP layer use the same values as their own
		// constants and do not read this field.
		Pagination PaginationConfig `yaml:"pagination"`
	}

	// HTTPConfig configures the HTTP listener.
	HTTPConfig struct {
		Addr string `yaml:"addr"`
	}

	// StoreConfig selects the ThreadStore backend. Backend is one of
	// "memory" or "mongo"; Mongo fields are ignored for "memory".
	StoreConfig struct {
		Backend    string `yaml:"backend"`
		MongoURI   string `yaml:"mongoURI"`
		Database   string `yaml:"database"`
		Collection string `yaml:"collection"`
	}

	// BusConfig configures the distributed advisory lock and broker tail
	// used by multi-process deployments (§5).
	BusConfig struct {
		Backend  string        `yaml:"backend"`
		RedisURL string        `yaml:"redisURL"`
		LockTTL  time.Duration `yaml:"lockTTL"`
		Stream   string        `yaml:"stream"`
	}

	// PaginationConfig holds ListThreads' default/clamp bounds (§4.1).
	PaginationConfig struct {
		DefaultLimit int `yaml:"defaultLimit"`
		MaxLimit     int `yaml:"maxLimit"`
	}
)

// DefaultLockTTL exceeds the longest expected run by a wide margin (§5);
// operators should override this for workloads with long-running agents.
const DefaultLockTTL = 10 * time.Minute

// Default returns the configuration cmd/server uses when no file is given:
// an in-memory store, no distributed lock, listening on :8080.
func Default() Config {
	return Config{
		HTTP:  HTTPConfig{Addr: ":8080"},
		Store: StoreConfig{Backend: "memory"},
		Bus:   BusConfig{Backend: "inproc", LockTTL: DefaultLockTTL},
		Pagination: PaginationConfig{
			DefaultLimit: 20,
			MaxLimit:     100,
		},
	}
}

// Load reads and parses a YAML configuration file at path, applying
// Default() for any field the file leaves zero-valued.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	switch c.Store.Backend {
	case "", "memory":
		c.Store.Backend = "memory"
	case "mongo":
		if c.Store.MongoURI == "" {
			return fmt.Errorf("config: store.mongoURI is required for backend %q", c.Store.Backend)
		}
		if c.Store.Database == "" {
			return fmt.Errorf("config: store.database is required for backend %q", c.Store.Backend)
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	switch c.Bus.Backend {
	case "", "inproc":
		c.Bus.Backend = "inproc"
	case "redis":
		if c.Bus.RedisURL == "" {
			return fmt.Errorf("config: bus.redisURL is required for backend %q", c.Bus.Backend)
		}
	default:
		return fmt.Errorf("config: unknown bus backend %q", c.Bus.Backend)
	}
	if c.Bus.LockTTL <= 0 {
		c.Bus.LockTTL = DefaultLockTTL
	}
	if c.Pagination.DefaultLimit <= 0 {
		c.Pagination.DefaultLimit = 20
	}
	if c.Pagination.MaxLimit <= 0 {
		c.Pagination.MaxLimit = 100
	}
	return nil
}
