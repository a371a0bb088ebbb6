package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fateforge/internal/store"
)

func (c *Client) AppendAuditRecord(ctx context.Context, rec store.AuditRecord) error {
	pathsJSON, err := json.Marshal(rec.ChangedPaths)
	if err != nil {
		return fmt.Errorf("marshaling changed paths: %w", err)
	}

	query := `
	INSERT INTO audit_records (id, resolution_id, partition_key, effect_id, phase, outcome, changed_paths, error, at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = c.db.ExecContext(ctx, query,
		rec.ID,
		rec.ResolutionID,
		rec.Partition,
		rec.EffectID,
		rec.Phase,
		rec.Outcome,
		pathsJSON,
		rec.Error,
		rec.At.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("appending audit record: %w", err)
	}
	return nil
}

func (c *Client) ListAuditRecords(ctx context.Context, resolutionID string) ([]store.AuditRecord, error) {
	query := `
	SELECT id, resolution_id, partition_key, effect_id, phase, outcome, changed_paths, error, at
	FROM audit_records
	WHERE resolution_id = ?
	ORDER BY at, id
	`
	rows, err := c.db.QueryContext(ctx, query, resolutionID)
	if err != nil {
		return nil, fmt.Errorf("listing audit records: %w", err)
	}
	defer rows.Close()

	var out []store.AuditRecord
	for rows.Next() {
		var rec store.AuditRecord
		var pathsBytes []byte
		var at string
		err := rows.Scan(
			&rec.ID,
			&rec.ResolutionID,
			&rec.Partition,
			&rec.EffectID,
			&rec.Phase,
			&rec.Outcome,
			&pathsBytes,
			&rec.Error,
			&at,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning audit record: %w", err)
		}
		if err := json.Unmarshal(pathsBytes, &rec.ChangedPaths); err != nil {
			return nil, fmt.Errorf("unmarshaling changed paths: %w", err)
		}
		if rec.At, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("parsing audit timestamp: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit rows: %w", err)
	}
	return out, nil
}
