package variable

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"fateforge/internal/cache"
	"fateforge/internal/depgraph"
	"fateforge/internal/store"
)

const partition = "campaign/argent-march"

var westport = store.Scope{Type: store.ScopeSettlement, ID: "westport"}

type mockSource struct {
	variables map[string]*store.Variable
	snapshot  *store.EntitySnapshot

	getCalls   int
	fetchCalls int
}

func (m *mockSource) GetVariable(ctx context.Context, scope store.Scope, name string) (*store.Variable, error) {
	m.getCalls++
	v, ok := m.variables[scope.String()+"/"+name]
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (m *mockSource) FetchEntity(ctx context.Context, scope store.Scope) (*store.EntitySnapshot, error) {
	m.fetchCalls++
	if m.snapshot == nil {
		return nil, store.ErrNotFound
	}
	return m.snapshot, nil
}

func (m *mockSource) FetchActiveVariables(ctx context.Context, partition string) ([]store.Variable, error) {
	out := make([]store.Variable, 0, len(m.variables))
	for _, v := range m.variables {
		out = append(out, *v)
	}
	return out, nil
}

func (m *mockSource) FetchActiveConditions(ctx context.Context, partition string) ([]store.Condition, error) {
	return nil, nil
}

func (m *mockSource) FetchActiveEffects(ctx context.Context, partition string) ([]store.Effect, error) {
	return nil, nil
}

type builderProvider struct {
	b *depgraph.Builder
}

func (p *builderProvider) Graph(ctx context.Context, partition string) (*depgraph.Graph, error) {
	return p.b.Build(ctx, partition)
}

func newTestResolver(src *mockSource) *Resolver {
	return NewResolver(src, &builderProvider{b: depgraph.NewBuilder(src)}, cache.New(time.Minute))
}

func addVariable(src *mockSource, v store.Variable) {
	if src.variables == nil {
		src.variables = make(map[string]*store.Variable)
	}
	v.Partition = partition
	v.Active = true
	vv := v
	src.variables[v.Scope.String()+"/"+v.Name] = &vv
}

func TestResolveStoredLiteral(t *testing.T) {
	src := &mockSource{}
	addVariable(src, store.Variable{Scope: westport, Name: "population", Kind: store.VariableStored, Value: 8500.0})

	r := newTestResolver(src)
	res, err := r.Resolve(context.Background(), westport, "population", nil, Options{Trace: true})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !res.OK || res.Value != 8500.0 {
		t.Fatalf("expected 8500, got %+v", res)
	}
	if len(res.Trace) != 1 || res.Trace[0].Op != "literal" {
		t.Fatalf("expected single literal trace step, got %v", res.Trace)
	}
}

func prosperityFormula() map[string]any {
	pop := map[string]any{"var": []any{"population"}}
	return map[string]any{"if": []any{
		map[string]any{">": []any{pop, 10000.0}}, "opulent",
		map[string]any{">": []any{pop, 5000.0}}, "prosperous",
		map[string]any{">": []any{pop, 1000.0}}, "stable",
		"struggling",
	}}
}

func TestResolveDerivedBranching(t *testing.T) {
	src := &mockSource{}
	addVariable(src, store.Variable{Scope: westport, Name: "population", Kind: store.VariableStored, Value: 8500.0})
	addVariable(src, store.Variable{Scope: westport, Name: "prosperity_level", Kind: store.VariableDerived, Formula: prosperityFormula()})

	r := newTestResolver(src)
	res, err := r.Resolve(context.Background(), westport, "prosperity_level", nil, Options{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !res.OK || res.Value != "prosperous" {
		t.Fatalf("expected prosperous, got %+v", res)
	}
}

func TestResolveDeterministic(t *testing.T) {
	src := &mockSource{}
	addVariable(src, store.Variable{Scope: westport, Name: "population", Kind: store.VariableStored, Value: 8500.0})
	addVariable(src, store.Variable{Scope: westport, Name: "prosperity_level", Kind: store.VariableDerived, Formula: prosperityFormula()})

	r := newTestResolver(src)
	first, err := r.Resolve(context.Background(), westport, "prosperity_level", nil, Options{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := r.Resolve(context.Background(), westport, "prosperity_level", nil, Options{})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if !reflect.DeepEqual(first.Value, again.Value) {
			t.Fatalf("resolution diverged: %v vs %v", first.Value, again.Value)
		}
	}
}

func TestResolveUsesEntityFields(t *testing.T) {
	src := &mockSource{
		snapshot: &store.EntitySnapshot{
			Scope:   westport,
			Fields:  map[string]any{"garrison": 120.0},
			Version: 1,
		},
	}
	addVariable(src, store.Variable{Scope: westport, Name: "defended", Kind: store.VariableDerived,
		Formula: map[string]any{">": []any{map[string]any{"var": []any{"garrison"}}, 100.0}}})

	r := newTestResolver(src)
	res, err := r.Resolve(context.Background(), westport, "defended", nil, Options{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res.Value != true {
		t.Fatalf("expected true, got %v", res.Value)
	}
}

func TestResolveExtraContextWins(t *testing.T) {
	src := &mockSource{}
	addVariable(src, store.Variable{Scope: westport, Name: "population", Kind: store.VariableStored, Value: 8500.0})
	addVariable(src, store.Variable{Scope: westport, Name: "prosperity_level", Kind: store.VariableDerived, Formula: prosperityFormula()})

	r := newTestResolver(src)
	res, err := r.Resolve(context.Background(), westport, "prosperity_level",
		map[string]any{"population": 400.0}, Options{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res.Value != "struggling" {
		t.Fatalf("expected extra context to override, got %v", res.Value)
	}
}

func TestResolveDerivedCrossScopeDependency(t *testing.T) {
	world := store.Scope{Type: store.ScopeWorld}
	src := &mockSource{}
	addVariable(src, store.Variable{Scope: world, Name: "season_modifier", Kind: store.VariableStored, Value: 1.5})
	addVariable(src, store.Variable{Scope: westport, Name: "base_trade", Kind: store.VariableStored, Value: 200.0})
	addVariable(src, store.Variable{Scope: westport, Name: "trade_income", Kind: store.VariableDerived,
		Formula: map[string]any{"*": []any{
			map[string]any{"var": []any{"base_trade"}},
			map[string]any{"var": []any{"season_modifier"}},
		}}})

	r := newTestResolver(src)
	res, err := r.Resolve(context.Background(), westport, "trade_income", nil, Options{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	// season_modifier lives on the world scope; the formula names it bare,
	// so the dependency must resolve in its own scope, not the owner's.
	if !res.OK || res.Value != 300.0 {
		t.Fatalf("expected 300 via world-scope modifier, got %+v", res)
	}
}

func TestResolveCachesContextFreeOnly(t *testing.T) {
	src := &mockSource{}
	addVariable(src, store.Variable{Scope: westport, Name: "population", Kind: store.VariableStored, Value: 8500.0})

	r := newTestResolver(src)
	ctx := context.Background()

	if _, err := r.Resolve(ctx, westport, "population", nil, Options{}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	callsAfterFirst := src.getCalls
	if _, err := r.Resolve(ctx, westport, "population", nil, Options{}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	// Second resolve still fetches the definition (partition lookup) but
	// serves the result from cache without re-evaluating dependents.
	if src.getCalls != callsAfterFirst+1 {
		t.Fatalf("expected exactly one extra definition fetch, got %d", src.getCalls-callsAfterFirst)
	}
}

func TestResolveUnknownVariable(t *testing.T) {
	src := &mockSource{}
	r := newTestResolver(src)
	_, err := r.Resolve(context.Background(), westport, "ghost", nil, Options{})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveEvaluationFailureInResult(t *testing.T) {
	src := &mockSource{}
	addVariable(src, store.Variable{Scope: westport, Name: "broken", Kind: store.VariableDerived,
		Formula: map[string]any{"/": []any{1.0, 0.0}}})

	r := newTestResolver(src)
	res, err := r.Resolve(context.Background(), westport, "broken", nil, Options{})
	if err != nil {
		t.Fatalf("evaluation failures must not surface as errors, got %v", err)
	}
	if res.OK || res.Err == "" {
		t.Fatalf("expected failed result, got %+v", res)
	}
	if res.NodeKey != store.VariableKey(westport, "broken") {
		t.Fatalf("failure must carry the node key, got %q", res.NodeKey)
	}
}

func TestResolveBatchIsolatesFailures(t *testing.T) {
	src := &mockSource{}
	addVariable(src, store.Variable{Scope: westport, Name: "population", Kind: store.VariableStored, Value: 8500.0})
	addVariable(src, store.Variable{Scope: westport, Name: "broken", Kind: store.VariableDerived,
		Formula: map[string]any{"/": []any{1.0, 0.0}}})

	r := newTestResolver(src)
	out, err := r.ResolveBatch(context.Background(), westport, []string{"population", "broken"}, nil, Options{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out["population"].Value != 8500.0 {
		t.Fatalf("expected population resolved, got %+v", out["population"])
	}
	if out["broken"].OK {
		t.Fatalf("expected broken to fail, got %+v", out["broken"])
	}
}
