package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"fateforge/internal/store"
)

const testPartition = "campaign/argent-march"

func newTestClient(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()
	c, err := New(ctx, "sqlite://"+filepath.Join(t.TempDir(), "fateforge.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close(ctx) })
	if err := c.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return c
}

func TestParseDSN(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"sqlite://:memory:", ":memory:"},
		{"sqlite:///var/lib/fateforge.db", "/var/lib/fateforge.db"},
		{"sqlite://./fateforge.db", "./fateforge.db"},
		{"sqlite://fateforge.db", "./fateforge.db"},
		{"sqlite://fateforge.db?mode=ro", "./fateforge.db?mode=ro"},
		{"fateforge.db", "./fateforge.db"},
		{":memory:", ":memory:"},
	}
	for _, tc := range tests {
		got, err := parseDSN(tc.in)
		if err != nil {
			t.Fatalf("parseDSN(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("parseDSN(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
	if _, err := parseDSN(""); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestEntityRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	scope := store.Scope{Type: store.ScopeSettlement, ID: "westport"}

	if _, err := c.FetchEntity(ctx, scope); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	snap, err := c.UpsertEntity(ctx, scope, testPartition, map[string]any{
		"population": float64(1500),
		"resources":  map[string]any{"gold": float64(120)},
	})
	if err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}
	if snap.Version != 1 || snap.Partition != testPartition {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	updated, err := c.PersistEntityUpdate(ctx, scope, map[string]any{"population": float64(1450)}, 1)
	if err != nil {
		t.Fatalf("PersistEntityUpdate: %v", err)
	}
	if updated.Version != 2 || updated.Fields["population"] != float64(1450) {
		t.Fatalf("unexpected snapshot after update: %+v", updated)
	}

	if _, err := c.PersistEntityUpdate(ctx, scope, map[string]any{}, 1); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	missing := store.Scope{Type: store.ScopeSettlement, ID: "ghost-town"}
	if _, err := c.PersistEntityUpdate(ctx, missing, map[string]any{}, 1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := c.MarkResolved(ctx, scope, 2); err != nil {
		t.Fatalf("MarkResolved: %v", err)
	}
	final, err := c.FetchEntity(ctx, scope)
	if err != nil {
		t.Fatalf("FetchEntity: %v", err)
	}
	if !final.Resolved || final.Version != 3 {
		t.Fatalf("unexpected final snapshot: %+v", final)
	}
}

func TestVariableRoundTripAndSoftDelete(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	scope := store.Scope{Type: store.ScopeSettlement, ID: "westport"}

	stored := store.Variable{
		Scope: scope, Name: "tax_rate", Kind: store.VariableStored,
		Value: 0.1, Partition: testPartition,
	}
	derived := store.Variable{
		Scope: scope, Name: "tax_income", Kind: store.VariableDerived,
		Formula: map[string]any{"*": []any{
			map[string]any{"var": "tax_rate"},
			map[string]any{"var": "population"},
		}},
		Partition: testPartition,
	}
	for _, v := range []store.Variable{stored, derived} {
		if err := c.UpsertVariable(ctx, v); err != nil {
			t.Fatalf("UpsertVariable %s: %v", v.Name, err)
		}
	}

	got, err := c.GetVariable(ctx, scope, "tax_income")
	if err != nil {
		t.Fatalf("GetVariable: %v", err)
	}
	if got == nil || got.Kind != store.VariableDerived {
		t.Fatalf("unexpected variable: %+v", got)
	}
	formula, ok := got.Formula.(map[string]any)
	if !ok || formula["*"] == nil {
		t.Fatalf("formula lost in round trip: %v", got.Formula)
	}

	vars, err := c.FetchActiveVariables(ctx, testPartition)
	if err != nil {
		t.Fatalf("FetchActiveVariables: %v", err)
	}
	if len(vars) != 2 {
		t.Fatalf("expected 2 variables, got %d", len(vars))
	}

	if err := c.SoftDeleteDefinition(ctx, store.VariableKey(scope, "tax_rate")); err != nil {
		t.Fatalf("SoftDeleteDefinition: %v", err)
	}
	if got, _ := c.GetVariable(ctx, scope, "tax_rate"); got != nil {
		t.Fatalf("soft-deleted variable still visible: %+v", got)
	}
	err = c.SoftDeleteDefinition(ctx, store.VariableKey(scope, "tax_rate"))
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}

	// Re-upsert revives the row.
	if err := c.UpsertVariable(ctx, stored); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, _ = c.GetVariable(ctx, scope, "tax_rate")
	if got == nil || got.Version != 3 {
		t.Fatalf("expected revived variable at version 3, got %+v", got)
	}
}

func TestConditionAndEffectRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	westport := store.Scope{Type: store.ScopeSettlement, ID: "westport"}
	event := store.Scope{Type: store.ScopeEvent, ID: "harvest-festival"}

	cond := store.Condition{
		ID: "cond-growing", Owner: westport, Name: "growing",
		Expression: map[string]any{">": []any{map[string]any{"var": "population"}, float64(1000)}},
		ExportAs:   "growing", Partition: testPartition,
	}
	if err := c.UpsertCondition(ctx, cond); err != nil {
		t.Fatalf("UpsertCondition: %v", err)
	}
	gotCond, err := c.GetCondition(ctx, "cond-growing")
	if err != nil {
		t.Fatalf("GetCondition: %v", err)
	}
	if gotCond == nil || gotCond.ExportAs != "growing" || gotCond.Owner != westport {
		t.Fatalf("unexpected condition: %+v", gotCond)
	}
	if missing, _ := c.GetCondition(ctx, "cond-nope"); missing != nil {
		t.Fatalf("expected nil for unknown condition, got %+v", missing)
	}

	eff := store.Effect{
		ID: "eff-festival", Owner: event, Name: "festival-aftermath",
		Phase: store.PhaseOnResolve, Priority: 10, Position: 2,
		Ops:       []store.PatchOp{{Op: "replace", Path: "/population", Value: float64(1450)}},
		Partition: testPartition,
	}
	if err := c.UpsertEffect(ctx, eff); err != nil {
		t.Fatalf("UpsertEffect: %v", err)
	}
	effects, err := c.FetchActiveEffects(ctx, testPartition)
	if err != nil {
		t.Fatalf("FetchActiveEffects: %v", err)
	}
	if len(effects) != 1 {
		t.Fatalf("expected 1 effect, got %d", len(effects))
	}
	got := effects[0]
	if got.Phase != store.PhaseOnResolve || got.Priority != 10 || got.Position != 2 {
		t.Fatalf("effect lost ordering fields: %+v", got)
	}
	if len(got.Ops) != 1 || got.Ops[0].Path != "/population" {
		t.Fatalf("ops lost in round trip: %+v", got.Ops)
	}

	if err := c.SoftDeleteDefinition(ctx, store.EffectKey("eff-festival")); err != nil {
		t.Fatalf("SoftDeleteDefinition: %v", err)
	}
	effects, _ = c.FetchActiveEffects(ctx, testPartition)
	if len(effects) != 0 {
		t.Fatalf("soft-deleted effect still listed: %+v", effects)
	}
}

func TestAuditRecords(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	recs := []store.AuditRecord{
		{ID: "a1", ResolutionID: "res-1", Partition: testPartition, EffectID: "eff-1",
			Phase: store.PhasePre, Outcome: "succeeded", ChangedPaths: []string{"/stage"}, At: c.now()},
		{ID: "a2", ResolutionID: "res-1", Partition: testPartition, EffectID: "eff-2",
			Phase: store.PhaseOnResolve, Outcome: "failed", Error: "test op failed", At: c.now()},
		{ID: "a3", ResolutionID: "res-2", Partition: testPartition, EffectID: "eff-1",
			Phase: store.PhasePre, Outcome: "succeeded", At: c.now()},
	}
	for _, rec := range recs {
		if err := c.AppendAuditRecord(ctx, rec); err != nil {
			t.Fatalf("AppendAuditRecord %s: %v", rec.ID, err)
		}
	}

	got, err := c.ListAuditRecords(ctx, "res-1")
	if err != nil {
		t.Fatalf("ListAuditRecords: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].ID != "a1" || got[1].ID != "a2" {
		t.Fatalf("unexpected order: %+v", got)
	}
	if got[0].ChangedPaths[0] != "/stage" || got[1].Error != "test op failed" {
		t.Fatalf("fields lost in round trip: %+v", got)
	}
}
