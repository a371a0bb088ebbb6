// Package memory provides a process-local Store backed by maps. It is the
// default backend for tests and single-process tooling; nothing persists
// across restarts.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"fateforge/internal/store"
)

type Client struct {
	mu         sync.RWMutex
	entities   map[string]*store.EntitySnapshot
	variables  map[string]store.Variable
	conditions map[string]store.Condition
	effects    map[string]store.Effect
	audits     []store.AuditRecord
	now        func() time.Time
}

var _ store.Store = (*Client)(nil)

func New() *Client {
	return &Client{
		entities:   make(map[string]*store.EntitySnapshot),
		variables:  make(map[string]store.Variable),
		conditions: make(map[string]store.Condition),
		effects:    make(map[string]store.Effect),
		now:        time.Now,
	}
}

func (c *Client) Close(context.Context) error        { return nil }
func (c *Client) EnsureSchema(context.Context) error { return nil }

func (c *Client) FetchEntity(_ context.Context, scope store.Scope) (*store.EntitySnapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.entities[scope.String()]
	if !ok {
		return nil, fmt.Errorf("entity %s: %w", scope, store.ErrNotFound)
	}
	return cloneSnapshot(snap), nil
}

func (c *Client) PersistEntityUpdate(_ context.Context, scope store.Scope, fields map[string]any, expectedVersion int64) (*store.EntitySnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.entities[scope.String()]
	if !ok {
		return nil, fmt.Errorf("entity %s: %w", scope, store.ErrNotFound)
	}
	if snap.Version != expectedVersion {
		return nil, fmt.Errorf("entity %s at version %d, expected %d: %w",
			scope, snap.Version, expectedVersion, store.ErrVersionConflict)
	}
	snap.Fields = cloneValue(fields).(map[string]any)
	snap.Version++
	snap.UpdatedAt = c.now().UTC()
	return cloneSnapshot(snap), nil
}

func (c *Client) UpsertEntity(_ context.Context, scope store.Scope, partition string, fields map[string]any) (*store.EntitySnapshot, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now().UTC()
	snap, ok := c.entities[scope.String()]
	if !ok {
		snap = &store.EntitySnapshot{Scope: scope, Partition: partition, Version: 1, CreatedAt: now}
		c.entities[scope.String()] = snap
	} else {
		snap.Version++
	}
	snap.Partition = partition
	snap.Fields = cloneValue(fields).(map[string]any)
	snap.UpdatedAt = now
	return cloneSnapshot(snap), nil
}

func (c *Client) MarkResolved(_ context.Context, scope store.Scope, expectedVersion int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.entities[scope.String()]
	if !ok {
		return fmt.Errorf("entity %s: %w", scope, store.ErrNotFound)
	}
	if snap.Version != expectedVersion {
		return fmt.Errorf("entity %s at version %d, expected %d: %w",
			scope, snap.Version, expectedVersion, store.ErrVersionConflict)
	}
	snap.Resolved = true
	snap.Version++
	snap.UpdatedAt = c.now().UTC()
	return nil
}

func (c *Client) FetchActiveVariables(_ context.Context, partition string) ([]store.Variable, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.variables))
	for k, v := range c.variables {
		if v.Partition == partition && v.Active {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]store.Variable, 0, len(keys))
	for _, k := range keys {
		out = append(out, c.variables[k])
	}
	return out, nil
}

func (c *Client) FetchActiveConditions(_ context.Context, partition string) ([]store.Condition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.conditions))
	for id, cond := range c.conditions {
		if cond.Partition == partition && cond.Active {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]store.Condition, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.conditions[id])
	}
	return out, nil
}

func (c *Client) FetchActiveEffects(_ context.Context, partition string) ([]store.Effect, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.effects))
	for id, eff := range c.effects {
		if eff.Partition == partition && eff.Active {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]store.Effect, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.effects[id])
	}
	return out, nil
}

func (c *Client) GetVariable(_ context.Context, scope store.Scope, name string) (*store.Variable, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variables[string(store.VariableKey(scope, name))]
	if !ok || !v.Active {
		return nil, nil
	}
	out := v
	return &out, nil
}

func (c *Client) GetCondition(_ context.Context, id string) (*store.Condition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cond, ok := c.conditions[id]
	if !ok || !cond.Active {
		return nil, nil
	}
	out := cond
	return &out, nil
}

func (c *Client) UpsertVariable(_ context.Context, v store.Variable) error {
	if err := v.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := string(store.VariableKey(v.Scope, v.Name))
	if prev, ok := c.variables[key]; ok {
		v.Version = prev.Version + 1
	} else {
		v.Version = 1
	}
	v.Active = true
	v.DeletedAt = nil
	c.variables[key] = v
	return nil
}

func (c *Client) UpsertCondition(_ context.Context, cond store.Condition) error {
	if strings.TrimSpace(cond.ID) == "" {
		return fmt.Errorf("condition id is required")
	}
	if err := cond.Owner.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.conditions[cond.ID]; ok {
		cond.Version = prev.Version + 1
	} else {
		cond.Version = 1
	}
	cond.Active = true
	cond.DeletedAt = nil
	c.conditions[cond.ID] = cond
	return nil
}

func (c *Client) UpsertEffect(_ context.Context, eff store.Effect) error {
	if strings.TrimSpace(eff.ID) == "" {
		return fmt.Errorf("effect id is required")
	}
	if err := eff.Owner.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.effects[eff.ID]; ok {
		eff.Version = prev.Version + 1
	} else {
		eff.Version = 1
	}
	eff.Active = true
	eff.DeletedAt = nil
	c.effects[eff.ID] = eff
	return nil
}

func (c *Client) SoftDeleteDefinition(_ context.Context, key store.NodeKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now().UTC()
	switch key.Kind() {
	case store.NodeVariable:
		v, ok := c.variables[string(key)]
		if !ok {
			return fmt.Errorf("definition %s: %w", key, store.ErrNotFound)
		}
		v.Active = false
		v.DeletedAt = &now
		v.Version++
		c.variables[string(key)] = v
	case store.NodeCondition:
		id := strings.TrimPrefix(string(key), string(store.NodeCondition)+":")
		cond, ok := c.conditions[id]
		if !ok {
			return fmt.Errorf("definition %s: %w", key, store.ErrNotFound)
		}
		cond.Active = false
		cond.DeletedAt = &now
		cond.Version++
		c.conditions[id] = cond
	case store.NodeEffect:
		id := strings.TrimPrefix(string(key), string(store.NodeEffect)+":")
		eff, ok := c.effects[id]
		if !ok {
			return fmt.Errorf("definition %s: %w", key, store.ErrNotFound)
		}
		eff.Active = false
		eff.DeletedAt = &now
		eff.Version++
		c.effects[id] = eff
	default:
		return fmt.Errorf("cannot delete node kind %q", key.Kind())
	}
	return nil
}

func (c *Client) AppendAuditRecord(_ context.Context, rec store.AuditRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audits = append(c.audits, rec)
	return nil
}

func (c *Client) ListAuditRecords(_ context.Context, resolutionID string) ([]store.AuditRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []store.AuditRecord
	for _, rec := range c.audits {
		if rec.ResolutionID == resolutionID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func cloneSnapshot(snap *store.EntitySnapshot) *store.EntitySnapshot {
	out := *snap
	out.Fields = cloneValue(snap.Fields).(map[string]any)
	return &out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}
