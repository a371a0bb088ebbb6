package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"fateforge/internal/store"
)

func (c *Client) FetchEntity(ctx context.Context, scope store.Scope) (*store.EntitySnapshot, error) {
	query := `
SELECT scope_type, scope_id, partition_key, fields, version, resolved, created_at, updated_at
FROM entities
WHERE scope_type = $1 AND scope_id = $2
`
	row := c.pool.QueryRow(ctx, query, scope.Type, scope.ID)
	snap, err := scanEntity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("entity %s: %w", scope, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching entity %s: %w", scope, err)
	}
	return snap, nil
}

func (c *Client) PersistEntityUpdate(ctx context.Context, scope store.Scope, fields map[string]any, expectedVersion int64) (*store.EntitySnapshot, error) {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshaling fields: %w", err)
	}

	query := `
UPDATE entities
SET fields = $1, version = version + 1, updated_at = now()
WHERE scope_type = $2 AND scope_id = $3 AND version = $4
RETURNING scope_type, scope_id, partition_key, fields, version, resolved, created_at, updated_at
`
	row := c.pool.QueryRow(ctx, query, fieldsJSON, scope.Type, scope.ID, expectedVersion)
	snap, err := scanEntity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the entity is gone or someone else advanced the version.
		if _, err := c.FetchEntity(ctx, scope); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("entity %s expected version %d: %w", scope, expectedVersion, store.ErrVersionConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("updating entity %s: %w", scope, err)
	}
	return snap, nil
}

func (c *Client) UpsertEntity(ctx context.Context, scope store.Scope, partition string, fields map[string]any) (*store.EntitySnapshot, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshaling fields: %w", err)
	}

	query := `
INSERT INTO entities (scope_type, scope_id, partition_key, fields)
VALUES ($1, $2, $3, $4)
ON CONFLICT (scope_type, scope_id) DO UPDATE SET
    partition_key = EXCLUDED.partition_key,
    fields = EXCLUDED.fields,
    version = entities.version + 1,
    updated_at = now()
RETURNING scope_type, scope_id, partition_key, fields, version, resolved, created_at, updated_at
`
	row := c.pool.QueryRow(ctx, query, scope.Type, scope.ID, partition, fieldsJSON)
	snap, err := scanEntity(row)
	if err != nil {
		return nil, fmt.Errorf("upserting entity %s: %w", scope, err)
	}
	return snap, nil
}

func (c *Client) MarkResolved(ctx context.Context, scope store.Scope, expectedVersion int64) error {
	query := `
UPDATE entities
SET resolved = TRUE, version = version + 1, updated_at = now()
WHERE scope_type = $1 AND scope_id = $2 AND version = $3
`
	tag, err := c.pool.Exec(ctx, query, scope.Type, scope.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("marking %s resolved: %w", scope, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := c.FetchEntity(ctx, scope); err != nil {
			return err
		}
		return fmt.Errorf("entity %s expected version %d: %w", scope, expectedVersion, store.ErrVersionConflict)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (*store.EntitySnapshot, error) {
	var snap store.EntitySnapshot
	var fieldsBytes []byte
	err := row.Scan(
		&snap.Scope.Type,
		&snap.Scope.ID,
		&snap.Partition,
		&fieldsBytes,
		&snap.Version,
		&snap.Resolved,
		&snap.CreatedAt,
		&snap.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fieldsBytes, &snap.Fields); err != nil {
		return nil, fmt.Errorf("unmarshaling fields: %w", err)
	}
	if snap.Fields == nil {
		snap.Fields = map[string]any{}
	}
	return &snap, nil
}
