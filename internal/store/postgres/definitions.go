package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"fateforge/internal/store"
)

func (c *Client) FetchActiveVariables(ctx context.Context, partition string) ([]store.Variable, error) {
	query := `
SELECT scope_type, scope_id, name, kind, value, formula, partition_key, version
FROM variables
WHERE partition_key = $1 AND active
ORDER BY scope_type, scope_id, name
`
	rows, err := c.pool.Query(ctx, query, partition)
	if err != nil {
		return nil, fmt.Errorf("listing variables: %w", err)
	}
	defer rows.Close()

	var out []store.Variable
	for rows.Next() {
		v, err := scanVariable(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning variable: %w", err)
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating variable rows: %w", err)
	}
	return out, nil
}

func (c *Client) GetVariable(ctx context.Context, scope store.Scope, name string) (*store.Variable, error) {
	query := `
SELECT scope_type, scope_id, name, kind, value, formula, partition_key, version
FROM variables
WHERE scope_type = $1 AND scope_id = $2 AND name = $3 AND active
`
	row := c.pool.QueryRow(ctx, query, scope.Type, scope.ID, name)
	v, err := scanVariable(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting variable %s/%s: %w", scope, name, err)
	}
	return v, nil
}

func (c *Client) UpsertVariable(ctx context.Context, v store.Variable) error {
	if err := v.Validate(); err != nil {
		return err
	}
	valueJSON, err := json.Marshal(v.Value)
	if err != nil {
		return fmt.Errorf("marshaling value: %w", err)
	}
	var formulaJSON any
	if v.Formula != nil {
		data, err := json.Marshal(v.Formula)
		if err != nil {
			return fmt.Errorf("marshaling formula: %w", err)
		}
		formulaJSON = data
	}

	query := `
INSERT INTO variables (scope_type, scope_id, name, kind, value, formula, partition_key)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (scope_type, scope_id, name) DO UPDATE SET
    kind = EXCLUDED.kind,
    value = EXCLUDED.value,
    formula = EXCLUDED.formula,
    partition_key = EXCLUDED.partition_key,
    version = variables.version + 1,
    active = TRUE,
    deleted_at = NULL
`
	_, err = c.pool.Exec(ctx, query, v.Scope.Type, v.Scope.ID, v.Name, v.Kind, valueJSON, formulaJSON, v.Partition)
	if err != nil {
		return fmt.Errorf("upserting variable %s/%s: %w", v.Scope, v.Name, err)
	}
	return nil
}

func (c *Client) FetchActiveConditions(ctx context.Context, partition string) ([]store.Condition, error) {
	query := `
SELECT id, owner_type, owner_id, name, expression, export_as, partition_key, version
FROM conditions
WHERE partition_key = $1 AND active
ORDER BY id
`
	rows, err := c.pool.Query(ctx, query, partition)
	if err != nil {
		return nil, fmt.Errorf("listing conditions: %w", err)
	}
	defer rows.Close()

	var out []store.Condition
	for rows.Next() {
		cond, err := scanCondition(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning condition: %w", err)
		}
		out = append(out, *cond)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating condition rows: %w", err)
	}
	return out, nil
}

func (c *Client) GetCondition(ctx context.Context, id string) (*store.Condition, error) {
	query := `
SELECT id, owner_type, owner_id, name, expression, export_as, partition_key, version
FROM conditions
WHERE id = $1 AND active
`
	row := c.pool.QueryRow(ctx, query, id)
	cond, err := scanCondition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting condition %s: %w", id, err)
	}
	return cond, nil
}

func (c *Client) UpsertCondition(ctx context.Context, cond store.Condition) error {
	if cond.ID == "" {
		return fmt.Errorf("condition id is required")
	}
	if err := cond.Owner.Validate(); err != nil {
		return err
	}
	exprJSON, err := json.Marshal(cond.Expression)
	if err != nil {
		return fmt.Errorf("marshaling expression: %w", err)
	}

	query := `
INSERT INTO conditions (id, owner_type, owner_id, name, expression, export_as, partition_key)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
    owner_type = EXCLUDED.owner_type,
    owner_id = EXCLUDED.owner_id,
    name = EXCLUDED.name,
    expression = EXCLUDED.expression,
    export_as = EXCLUDED.export_as,
    partition_key = EXCLUDED.partition_key,
    version = conditions.version + 1,
    active = TRUE,
    deleted_at = NULL
`
	_, err = c.pool.Exec(ctx, query, cond.ID, cond.Owner.Type, cond.Owner.ID, cond.Name, exprJSON, cond.ExportAs, cond.Partition)
	if err != nil {
		return fmt.Errorf("upserting condition %s: %w", cond.ID, err)
	}
	return nil
}

func (c *Client) FetchActiveEffects(ctx context.Context, partition string) ([]store.Effect, error) {
	query := `
SELECT id, owner_type, owner_id, name, phase, priority, position, ops, partition_key, version
FROM effects
WHERE partition_key = $1 AND active
ORDER BY id
`
	rows, err := c.pool.Query(ctx, query, partition)
	if err != nil {
		return nil, fmt.Errorf("listing effects: %w", err)
	}
	defer rows.Close()

	var out []store.Effect
	for rows.Next() {
		eff, err := scanEffect(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning effect: %w", err)
		}
		out = append(out, *eff)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating effect rows: %w", err)
	}
	return out, nil
}

func (c *Client) UpsertEffect(ctx context.Context, eff store.Effect) error {
	if eff.ID == "" {
		return fmt.Errorf("effect id is required")
	}
	if err := eff.Owner.Validate(); err != nil {
		return err
	}
	opsJSON, err := json.Marshal(eff.Ops)
	if err != nil {
		return fmt.Errorf("marshaling ops: %w", err)
	}

	query := `
INSERT INTO effects (id, owner_type, owner_id, name, phase, priority, position, ops, partition_key)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
    owner_type = EXCLUDED.owner_type,
    owner_id = EXCLUDED.owner_id,
    name = EXCLUDED.name,
    phase = EXCLUDED.phase,
    priority = EXCLUDED.priority,
    position = EXCLUDED.position,
    ops = EXCLUDED.ops,
    partition_key = EXCLUDED.partition_key,
    version = effects.version + 1,
    active = TRUE,
    deleted_at = NULL
`
	_, err = c.pool.Exec(ctx, query, eff.ID, eff.Owner.Type, eff.Owner.ID, eff.Name, eff.Phase, eff.Priority, eff.Position, opsJSON, eff.Partition)
	if err != nil {
		return fmt.Errorf("upserting effect %s: %w", eff.ID, err)
	}
	return nil
}

func (c *Client) SoftDeleteDefinition(ctx context.Context, key store.NodeKey) error {
	var tag pgconn.CommandTag
	var err error

	switch key.Kind() {
	case store.NodeVariable:
		scope, name, perr := store.ParseVariableKey(key)
		if perr != nil {
			return perr
		}
		tag, err = c.pool.Exec(ctx, `
UPDATE variables SET active = FALSE, deleted_at = now(), version = version + 1
WHERE scope_type = $1 AND scope_id = $2 AND name = $3 AND active
`, scope.Type, scope.ID, name)
	case store.NodeCondition:
		id, perr := store.DefinitionID(key)
		if perr != nil {
			return perr
		}
		tag, err = c.pool.Exec(ctx, `
UPDATE conditions SET active = FALSE, deleted_at = now(), version = version + 1
WHERE id = $1 AND active
`, id)
	case store.NodeEffect:
		id, perr := store.DefinitionID(key)
		if perr != nil {
			return perr
		}
		tag, err = c.pool.Exec(ctx, `
UPDATE effects SET active = FALSE, deleted_at = now(), version = version + 1
WHERE id = $1 AND active
`, id)
	default:
		return fmt.Errorf("cannot delete node kind %q", key.Kind())
	}
	if err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("definition %s: %w", key, store.ErrNotFound)
	}
	return nil
}

func scanVariable(row scanner) (*store.Variable, error) {
	var v store.Variable
	var valueBytes, formulaBytes []byte
	err := row.Scan(
		&v.Scope.Type,
		&v.Scope.ID,
		&v.Name,
		&v.Kind,
		&valueBytes,
		&formulaBytes,
		&v.Partition,
		&v.Version,
	)
	if err != nil {
		return nil, err
	}
	if len(valueBytes) > 0 {
		if err := json.Unmarshal(valueBytes, &v.Value); err != nil {
			return nil, fmt.Errorf("unmarshaling value: %w", err)
		}
	}
	if len(formulaBytes) > 0 {
		if err := json.Unmarshal(formulaBytes, &v.Formula); err != nil {
			return nil, fmt.Errorf("unmarshaling formula: %w", err)
		}
	}
	v.Active = true
	return &v, nil
}

func scanCondition(row scanner) (*store.Condition, error) {
	var cond store.Condition
	var exprBytes []byte
	err := row.Scan(
		&cond.ID,
		&cond.Owner.Type,
		&cond.Owner.ID,
		&cond.Name,
		&exprBytes,
		&cond.ExportAs,
		&cond.Partition,
		&cond.Version,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(exprBytes, &cond.Expression); err != nil {
		return nil, fmt.Errorf("unmarshaling expression: %w", err)
	}
	cond.Active = true
	return &cond, nil
}

func scanEffect(row scanner) (*store.Effect, error) {
	var eff store.Effect
	var opsBytes []byte
	err := row.Scan(
		&eff.ID,
		&eff.Owner.Type,
		&eff.Owner.ID,
		&eff.Name,
		&eff.Phase,
		&eff.Priority,
		&eff.Position,
		&opsBytes,
		&eff.Partition,
		&eff.Version,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(opsBytes, &eff.Ops); err != nil {
		return nil, fmt.Errorf("unmarshaling ops: %w", err)
	}
	eff.Active = true
	return &eff, nil
}
