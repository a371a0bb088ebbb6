// Package config loads the project configuration from fateforge.yaml and
// applies environment overrides for deployment-specific settings.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"fateforge/internal/store"
)

// DefaultPath is where commands look for the project config unless
// --config points elsewhere.
const DefaultPath = "fateforge.yaml"

type ProjectConfig struct {
	Project     string              `yaml:"project"`
	Version     int                 `yaml:"version"`
	Partition   string              `yaml:"partition"`
	Branch      string              `yaml:"branch" env:"FATEFORGE_BRANCH"`
	Database    DatabaseConfig      `yaml:"database"`
	Cache       CacheConfig         `yaml:"cache"`
	Metrics     MetricsConfig       `yaml:"metrics"`
	Definitions []string            `yaml:"definitions"`
	Allowlists  map[string][]string `yaml:"allowlists"`
}

type DatabaseConfig struct {
	// DSN selects the backend: postgres:// or postgresql:// URLs use
	// PostgreSQL, anything else is treated as a SQLite path.
	DSN           string `yaml:"dsn" env:"FATEFORGE_DATABASE_DSN"`
	NotifyChannel string `yaml:"notify_channel" env:"FATEFORGE_NOTIFY_CHANNEL"`
}

type CacheConfig struct {
	TTL time.Duration `yaml:"ttl" env:"FATEFORGE_CACHE_TTL"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr" env:"FATEFORGE_METRICS_ADDR"`
}

func LoadProjectConfig(path string) (*ProjectConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	var cfg ProjectConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	if err := validateProjectConfig(&cfg); err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.Database.NotifyChannel == "" {
		cfg.Database.NotifyChannel = "fateforge_changes"
	}

	return &cfg, nil
}

func validateProjectConfig(cfg *ProjectConfig) error {
	if strings.TrimSpace(cfg.Project) == "" {
		return fmt.Errorf("project name is required")
	}
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported version: %d", cfg.Version)
	}
	if strings.TrimSpace(cfg.Partition) == "" {
		return fmt.Errorf("partition is required")
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database dsn is required")
	}
	if cfg.Cache.TTL < 0 {
		return fmt.Errorf("cache ttl must not be negative")
	}

	for scopeType, fields := range cfg.Allowlists {
		if err := (store.Scope{Type: store.ScopeType(scopeType), ID: "x"}).Validate(); err != nil {
			return fmt.Errorf("allowlists: %w", err)
		}
		for _, field := range fields {
			if strings.TrimSpace(field) == "" {
				return fmt.Errorf("allowlists: empty field for scope type %q", scopeType)
			}
			if strings.ContainsAny(field, "/~") {
				return fmt.Errorf("allowlists: field %q for scope type %q must be a top-level name", field, scopeType)
			}
		}
	}

	return nil
}

// Allowlist converts the config's string-keyed allowlists to the typed map
// the patch validator consumes.
func (c *ProjectConfig) Allowlist() map[store.ScopeType][]string {
	out := make(map[store.ScopeType][]string, len(c.Allowlists))
	for scopeType, fields := range c.Allowlists {
		out[store.ScopeType(scopeType)] = fields
	}
	return out
}
