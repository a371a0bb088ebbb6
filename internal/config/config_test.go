package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"fateforge/internal/store"
)

func TestLoadProjectConfig(t *testing.T) {
	t.Run("valid config loads", func(t *testing.T) {
		cfg, err := LoadProjectConfig(filepath.Join("testdata", "valid_config.yaml"))
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if cfg.Project != "argent-march" {
			t.Fatalf("expected project name, got %q", cfg.Project)
		}
		if cfg.Partition != "campaign/argent-march" {
			t.Fatalf("unexpected partition %q", cfg.Partition)
		}
		if cfg.Cache.TTL != 5*time.Minute {
			t.Fatalf("expected 5m cache ttl, got %v", cfg.Cache.TTL)
		}
		allow := cfg.Allowlist()
		if len(allow[store.ScopeSettlement]) != 3 {
			t.Fatalf("unexpected settlement allowlist: %v", allow[store.ScopeSettlement])
		}
	})

	t.Run("defaults applied", func(t *testing.T) {
		path := writeTempConfig(t, "project: test\nversion: 1\npartition: campaign/test\ndatabase:\n  dsn: test.db\n")
		cfg, err := LoadProjectConfig(path)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if cfg.Branch != "main" {
			t.Fatalf("expected default branch, got %q", cfg.Branch)
		}
		if cfg.Database.NotifyChannel != "fateforge_changes" {
			t.Fatalf("expected default notify channel, got %q", cfg.Database.NotifyChannel)
		}
	})

	t.Run("env overrides file", func(t *testing.T) {
		t.Setenv("FATEFORGE_DATABASE_DSN", "postgres://localhost:5432/fateforge")
		t.Setenv("FATEFORGE_BRANCH", "draft")
		cfg, err := LoadProjectConfig(filepath.Join("testdata", "valid_config.yaml"))
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if cfg.Database.DSN != "postgres://localhost:5432/fateforge" {
			t.Fatalf("env override not applied: %q", cfg.Database.DSN)
		}
		if cfg.Branch != "draft" {
			t.Fatalf("env override not applied: %q", cfg.Branch)
		}
	})

	t.Run("missing project name", func(t *testing.T) {
		path := writeTempConfig(t, "version: 1\npartition: campaign/test\ndatabase:\n  dsn: test.db\n")
		if _, err := LoadProjectConfig(path); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("unsupported version", func(t *testing.T) {
		path := writeTempConfig(t, "project: test\nversion: 2\npartition: campaign/test\ndatabase:\n  dsn: test.db\n")
		if _, err := LoadProjectConfig(path); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("missing partition", func(t *testing.T) {
		path := writeTempConfig(t, "project: test\nversion: 1\ndatabase:\n  dsn: test.db\n")
		if _, err := LoadProjectConfig(path); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("missing dsn", func(t *testing.T) {
		path := writeTempConfig(t, "project: test\nversion: 1\npartition: campaign/test\n")
		if _, err := LoadProjectConfig(path); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("unknown allowlist scope type", func(t *testing.T) {
		path := writeTempConfig(t, "project: test\nversion: 1\npartition: campaign/test\ndatabase:\n  dsn: test.db\nallowlists:\n  galaxy: [mass]\n")
		if _, err := LoadProjectConfig(path); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("nested allowlist field", func(t *testing.T) {
		path := writeTempConfig(t, "project: test\nversion: 1\npartition: campaign/test\ndatabase:\n  dsn: test.db\nallowlists:\n  settlement: [resources/gold]\n")
		if _, err := LoadProjectConfig(path); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("file not found", func(t *testing.T) {
		if _, err := LoadProjectConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := writeTempConfig(t, "project: [\n")
		if _, err := LoadProjectConfig(path); err == nil {
			t.Fatalf("expected error")
		}
	})
}

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}
