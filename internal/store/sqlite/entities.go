package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fateforge/internal/store"
)

func (c *Client) FetchEntity(ctx context.Context, scope store.Scope) (*store.EntitySnapshot, error) {
	query := `
	SELECT scope_type, scope_id, partition_key, fields, version, resolved, created_at, updated_at
	FROM entities
	WHERE scope_type = ? AND scope_id = ?
	`
	row := c.db.QueryRowContext(ctx, query, scope.Type, scope.ID)
	snap, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
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
	SET fields = ?, version = version + 1, updated_at = ?
	WHERE scope_type = ? AND scope_id = ? AND version = ?
	`
	res, err := c.db.ExecContext(ctx, query, fieldsJSON, c.timestamp(), scope.Type, scope.ID, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("updating entity %s: %w", scope, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("updating entity %s: %w", scope, err)
	}
	if affected == 0 {
		// Either the entity is gone or someone else advanced the version.
		if _, err := c.FetchEntity(ctx, scope); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("entity %s expected version %d: %w", scope, expectedVersion, store.ErrVersionConflict)
	}
	return c.FetchEntity(ctx, scope)
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
	INSERT INTO entities (scope_type, scope_id, partition_key, fields, version, resolved, created_at, updated_at)
	VALUES (?, ?, ?, ?, 1, 0, ?, ?)
	ON CONFLICT (scope_type, scope_id) DO UPDATE SET
		partition_key = excluded.partition_key,
		fields = excluded.fields,
		version = entities.version + 1,
		updated_at = excluded.updated_at
	`
	now := c.timestamp()
	if _, err := c.db.ExecContext(ctx, query, scope.Type, scope.ID, partition, fieldsJSON, now, now); err != nil {
		return nil, fmt.Errorf("upserting entity %s: %w", scope, err)
	}
	return c.FetchEntity(ctx, scope)
}

func (c *Client) MarkResolved(ctx context.Context, scope store.Scope, expectedVersion int64) error {
	query := `
	UPDATE entities
	SET resolved = 1, version = version + 1, updated_at = ?
	WHERE scope_type = ? AND scope_id = ? AND version = ?
	`
	res, err := c.db.ExecContext(ctx, query, c.timestamp(), scope.Type, scope.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("marking %s resolved: %w", scope, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("marking %s resolved: %w", scope, err)
	}
	if affected == 0 {
		if _, err := c.FetchEntity(ctx, scope); err != nil {
			return err
		}
		return fmt.Errorf("entity %s expected version %d: %w", scope, expectedVersion, store.ErrVersionConflict)
	}
	return nil
}

// timeLayout keeps trailing zeros so stored timestamps sort
// lexicographically in chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (c *Client) timestamp() string {
	return c.now().UTC().Format(timeLayout)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (*store.EntitySnapshot, error) {
	var snap store.EntitySnapshot
	var fieldsBytes []byte
	var resolved int
	var createdAt, updatedAt string
	err := row.Scan(
		&snap.Scope.Type,
		&snap.Scope.ID,
		&snap.Partition,
		&fieldsBytes,
		&snap.Version,
		&resolved,
		&createdAt,
		&updatedAt,
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
	snap.Resolved = resolved != 0
	if snap.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if snap.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &snap, nil
}
