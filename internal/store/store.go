package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a requested entity or definition does
	// not exist or is soft-deleted.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned by PersistEntityUpdate when the
	// expected version no longer matches the stored one.
	ErrVersionConflict = errors.New("concurrent modification")
)

type Store interface {
	Close(ctx context.Context) error
	EnsureSchema(ctx context.Context) error

	FetchEntity(ctx context.Context, scope Scope) (*EntitySnapshot, error)
	PersistEntityUpdate(ctx context.Context, scope Scope, fields map[string]any, expectedVersion int64) (*EntitySnapshot, error)
	UpsertEntity(ctx context.Context, scope Scope, partition string, fields map[string]any) (*EntitySnapshot, error)
	MarkResolved(ctx context.Context, scope Scope, expectedVersion int64) error

	FetchActiveVariables(ctx context.Context, partition string) ([]Variable, error)
	FetchActiveConditions(ctx context.Context, partition string) ([]Condition, error)
	FetchActiveEffects(ctx context.Context, partition string) ([]Effect, error)
	GetVariable(ctx context.Context, scope Scope, name string) (*Variable, error)
	GetCondition(ctx context.Context, id string) (*Condition, error)

	UpsertVariable(ctx context.Context, v Variable) error
	UpsertCondition(ctx context.Context, c Condition) error
	UpsertEffect(ctx context.Context, e Effect) error
	SoftDeleteDefinition(ctx context.Context, key NodeKey) error

	AppendAuditRecord(ctx context.Context, rec AuditRecord) error
	ListAuditRecords(ctx context.Context, resolutionID string) ([]AuditRecord, error)
}
