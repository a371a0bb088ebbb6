package sqlite

import (
	"context"
	"fmt"
)

func (c *Client) EnsureSchema(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS entities (
		scope_type    TEXT NOT NULL,
		scope_id      TEXT NOT NULL DEFAULT '',
		partition_key TEXT NOT NULL,
		fields        TEXT NOT NULL DEFAULT '{}',
		version       INTEGER NOT NULL DEFAULT 1,
		resolved      INTEGER NOT NULL DEFAULT 0,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL,
		PRIMARY KEY (scope_type, scope_id)
	);

	CREATE TABLE IF NOT EXISTS variables (
		scope_type    TEXT NOT NULL,
		scope_id      TEXT NOT NULL DEFAULT '',
		name          TEXT NOT NULL,
		kind          TEXT NOT NULL,
		value         TEXT,
		formula       TEXT,
		partition_key TEXT NOT NULL,
		version       INTEGER NOT NULL DEFAULT 1,
		active        INTEGER NOT NULL DEFAULT 1,
		deleted_at    TEXT,
		PRIMARY KEY (scope_type, scope_id, name)
	);

	CREATE TABLE IF NOT EXISTS conditions (
		id            TEXT PRIMARY KEY,
		owner_type    TEXT NOT NULL,
		owner_id      TEXT NOT NULL DEFAULT '',
		name          TEXT NOT NULL DEFAULT '',
		expression    TEXT NOT NULL,
		export_as     TEXT NOT NULL DEFAULT '',
		partition_key TEXT NOT NULL,
		version       INTEGER NOT NULL DEFAULT 1,
		active        INTEGER NOT NULL DEFAULT 1,
		deleted_at    TEXT
	);

	CREATE TABLE IF NOT EXISTS effects (
		id            TEXT PRIMARY KEY,
		owner_type    TEXT NOT NULL,
		owner_id      TEXT NOT NULL DEFAULT '',
		name          TEXT NOT NULL DEFAULT '',
		phase         TEXT NOT NULL,
		priority      INTEGER NOT NULL DEFAULT 0,
		position      INTEGER NOT NULL DEFAULT 0,
		ops           TEXT NOT NULL,
		partition_key TEXT NOT NULL,
		version       INTEGER NOT NULL DEFAULT 1,
		active        INTEGER NOT NULL DEFAULT 1,
		deleted_at    TEXT
	);

	CREATE TABLE IF NOT EXISTS audit_records (
		id            TEXT PRIMARY KEY,
		resolution_id TEXT NOT NULL,
		partition_key TEXT NOT NULL,
		effect_id     TEXT NOT NULL,
		phase         TEXT NOT NULL,
		outcome       TEXT NOT NULL,
		changed_paths TEXT NOT NULL DEFAULT '[]',
		error         TEXT NOT NULL DEFAULT '',
		at            TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entities_partition ON entities (partition_key);
	CREATE INDEX IF NOT EXISTS idx_variables_partition ON variables (partition_key, active);
	CREATE INDEX IF NOT EXISTS idx_conditions_partition ON conditions (partition_key, active);
	CREATE INDEX IF NOT EXISTS idx_effects_partition ON effects (partition_key, active);
	CREATE INDEX IF NOT EXISTS idx_effects_owner ON effects (owner_type, owner_id);
	CREATE INDEX IF NOT EXISTS idx_audit_resolution ON audit_records (resolution_id);
	`

	if _, err := c.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}
	return nil
}
