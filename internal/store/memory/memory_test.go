package memory

import (
	"context"
	"errors"
	"testing"

	"fateforge/internal/store"
)

const testPartition = "campaign/argent-march"

func TestEntityLifecycle(t *testing.T) {
	ctx := context.Background()
	c := New()
	scope := store.Scope{Type: store.ScopeSettlement, ID: "westport"}

	if _, err := c.FetchEntity(ctx, scope); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	snap, err := c.UpsertEntity(ctx, scope, testPartition, map[string]any{"population": float64(1500)})
	if err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}
	if snap.Version != 1 {
		t.Fatalf("expected version 1, got %d", snap.Version)
	}

	updated, err := c.PersistEntityUpdate(ctx, scope, map[string]any{"population": float64(1450)}, 1)
	if err != nil {
		t.Fatalf("PersistEntityUpdate: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}

	_, err = c.PersistEntityUpdate(ctx, scope, map[string]any{"population": float64(9)}, 1)
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict on stale version, got %v", err)
	}

	fetched, err := c.FetchEntity(ctx, scope)
	if err != nil {
		t.Fatalf("FetchEntity: %v", err)
	}
	if fetched.Fields["population"] != float64(1450) {
		t.Fatalf("stale write leaked: %v", fetched.Fields)
	}

	// Mutating a fetched snapshot must not touch the stored copy.
	fetched.Fields["population"] = float64(0)
	again, _ := c.FetchEntity(ctx, scope)
	if again.Fields["population"] != float64(1450) {
		t.Fatal("fetched snapshot aliases stored fields")
	}

	if err := c.MarkResolved(ctx, scope, again.Version); err != nil {
		t.Fatalf("MarkResolved: %v", err)
	}
	final, _ := c.FetchEntity(ctx, scope)
	if !final.Resolved {
		t.Fatal("entity not marked resolved")
	}
}

func TestDefinitionSoftDelete(t *testing.T) {
	ctx := context.Background()
	c := New()
	scope := store.Scope{Type: store.ScopeSettlement, ID: "westport"}

	v := store.Variable{
		Scope: scope, Name: "tax_rate", Kind: store.VariableStored,
		Value: float64(0.1), Partition: testPartition,
	}
	if err := c.UpsertVariable(ctx, v); err != nil {
		t.Fatalf("UpsertVariable: %v", err)
	}

	got, err := c.GetVariable(ctx, scope, "tax_rate")
	if err != nil || got == nil {
		t.Fatalf("GetVariable: %v, %v", got, err)
	}
	if got.Version != 1 || !got.Active {
		t.Fatalf("unexpected variable state: %+v", got)
	}

	if err := c.SoftDeleteDefinition(ctx, store.VariableKey(scope, "tax_rate")); err != nil {
		t.Fatalf("SoftDeleteDefinition: %v", err)
	}
	got, err = c.GetVariable(ctx, scope, "tax_rate")
	if err != nil {
		t.Fatalf("GetVariable after delete: %v", err)
	}
	if got != nil {
		t.Fatalf("soft-deleted variable still visible: %+v", got)
	}
	vars, _ := c.FetchActiveVariables(ctx, testPartition)
	if len(vars) != 0 {
		t.Fatalf("expected no active variables, got %d", len(vars))
	}

	// Re-upserting revives the definition with a bumped version.
	if err := c.UpsertVariable(ctx, v); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, _ = c.GetVariable(ctx, scope, "tax_rate")
	if got == nil || got.Version != 3 {
		t.Fatalf("expected revived variable at version 3, got %+v", got)
	}
}

func TestFetchActiveOrdering(t *testing.T) {
	ctx := context.Background()
	c := New()
	owner := store.Scope{Type: store.ScopeEvent, ID: "harvest-festival"}
	for _, id := range []string{"eff-c", "eff-a", "eff-b"} {
		err := c.UpsertEffect(ctx, store.Effect{
			ID: id, Owner: owner, Phase: store.PhaseOnResolve,
			Ops:       []store.PatchOp{{Op: "replace", Path: "/mood", Value: "festive"}},
			Partition: testPartition,
		})
		if err != nil {
			t.Fatalf("UpsertEffect %s: %v", id, err)
		}
	}
	effects, err := c.FetchActiveEffects(ctx, testPartition)
	if err != nil {
		t.Fatalf("FetchActiveEffects: %v", err)
	}
	var ids []string
	for _, eff := range effects {
		ids = append(ids, eff.ID)
	}
	want := []string{"eff-a", "eff-b", "eff-c"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ids)
		}
	}
}

func TestAuditRecordsByResolution(t *testing.T) {
	ctx := context.Background()
	c := New()
	for _, rec := range []store.AuditRecord{
		{ID: "a1", ResolutionID: "res-1", EffectID: "eff-1", Outcome: "succeeded"},
		{ID: "a2", ResolutionID: "res-2", EffectID: "eff-1", Outcome: "failed"},
		{ID: "a3", ResolutionID: "res-1", EffectID: "eff-2", Outcome: "succeeded"},
	} {
		if err := c.AppendAuditRecord(ctx, rec); err != nil {
			t.Fatalf("AppendAuditRecord: %v", err)
		}
	}
	recs, err := c.ListAuditRecords(ctx, "res-1")
	if err != nil {
		t.Fatalf("ListAuditRecords: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "a1" || recs[1].ID != "a3" {
		t.Fatalf("unexpected records: %+v", recs)
	}
}
