package main

import (
	"context"
	"strings"

	"fateforge/internal/cache"
	"fateforge/internal/config"
	"fateforge/internal/engine"
	"fateforge/internal/ingest"
	"fateforge/internal/patch"
	"fateforge/internal/store"
	"fateforge/internal/store/postgres"
	"fateforge/internal/store/sqlite"
)

func usesPostgres(cfg *config.ProjectConfig) bool {
	return strings.HasPrefix(cfg.Database.DSN, "postgres://") ||
		strings.HasPrefix(cfg.Database.DSN, "postgresql://")
}

func openStore(ctx context.Context, cfg *config.ProjectConfig) (store.Store, error) {
	if usesPostgres(cfg) {
		return postgres.New(ctx, cfg.Database.DSN)
	}
	return sqlite.New(ctx, cfg.Database.DSN)
}

func newEngine(cfg *config.ProjectConfig, db store.Store) *engine.Engine {
	return engine.New(db, cache.New(cfg.Cache.TTL), patch.NewValidator(cfg.Allowlist()))
}

// openNotifier wires change notifications for backends that support them.
// A nil notifier is valid and disables publishing.
func openNotifier(db store.Store, cfg *config.ProjectConfig) (ingest.Notifier, error) {
	pg, ok := db.(*postgres.Client)
	if !ok {
		return nil, nil
	}
	return pg.Notifier(cfg.Database.NotifyChannel)
}
