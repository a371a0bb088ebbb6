package postgres

import (
	"context"
	"fmt"
)

func (c *Client) EnsureSchema(ctx context.Context) error {
	// All DDL runs in one call, which PostgreSQL executes in an implicit
	// transaction; IF NOT EXISTS keeps it idempotent. Schema changes beyond
	// additive ones should move to a migration tool.
	ddl := `
CREATE TABLE IF NOT EXISTS entities (
    scope_type    TEXT NOT NULL,
    scope_id      TEXT NOT NULL DEFAULT '',
    partition_key TEXT NOT NULL,
    fields        JSONB NOT NULL DEFAULT '{}',
    version       BIGINT NOT NULL DEFAULT 1,
    resolved      BOOLEAN NOT NULL DEFAULT FALSE,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (scope_type, scope_id)
);

CREATE TABLE IF NOT EXISTS variables (
    scope_type    TEXT NOT NULL,
    scope_id      TEXT NOT NULL DEFAULT '',
    name          TEXT NOT NULL,
    kind          TEXT NOT NULL,
    value         JSONB,
    formula       JSONB,
    partition_key TEXT NOT NULL,
    version       BIGINT NOT NULL DEFAULT 1,
    active        BOOLEAN NOT NULL DEFAULT TRUE,
    deleted_at    TIMESTAMPTZ,
    PRIMARY KEY (scope_type, scope_id, name)
);

CREATE TABLE IF NOT EXISTS conditions (
    id            TEXT PRIMARY KEY,
    owner_type    TEXT NOT NULL,
    owner_id      TEXT NOT NULL DEFAULT '',
    name          TEXT NOT NULL DEFAULT '',
    expression    JSONB NOT NULL,
    export_as     TEXT NOT NULL DEFAULT '',
    partition_key TEXT NOT NULL,
    version       BIGINT NOT NULL DEFAULT 1,
    active        BOOLEAN NOT NULL DEFAULT TRUE,
    deleted_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS effects (
    id            TEXT PRIMARY KEY,
    owner_type    TEXT NOT NULL,
    owner_id      TEXT NOT NULL DEFAULT '',
    name          TEXT NOT NULL DEFAULT '',
    phase         TEXT NOT NULL,
    priority      INTEGER NOT NULL DEFAULT 0,
    position      INTEGER NOT NULL DEFAULT 0,
    ops           JSONB NOT NULL,
    partition_key TEXT NOT NULL,
    version       BIGINT NOT NULL DEFAULT 1,
    active        BOOLEAN NOT NULL DEFAULT TRUE,
    deleted_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS audit_records (
    id            TEXT PRIMARY KEY,
    resolution_id TEXT NOT NULL,
    partition_key TEXT NOT NULL,
    effect_id     TEXT NOT NULL,
    phase         TEXT NOT NULL,
    outcome       TEXT NOT NULL,
    changed_paths JSONB NOT NULL DEFAULT '[]',
    error         TEXT NOT NULL DEFAULT '',
    at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_entities_partition ON entities (partition_key);
CREATE INDEX IF NOT EXISTS idx_variables_partition ON variables (partition_key, active);
CREATE INDEX IF NOT EXISTS idx_conditions_partition ON conditions (partition_key, active);
CREATE INDEX IF NOT EXISTS idx_effects_partition ON effects (partition_key, active);
CREATE INDEX IF NOT EXISTS idx_effects_owner ON effects (owner_type, owner_id);
CREATE INDEX IF NOT EXISTS idx_audit_resolution ON audit_records (resolution_id);
`

	if _, err := c.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}
	return nil
}
