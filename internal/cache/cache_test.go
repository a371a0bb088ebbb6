package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"fateforge/internal/depgraph"
	"fateforge/internal/store"
)

const partition = "campaign/argent-march"

func key(node string) Key {
	return Key{
		Partition: partition,
		Branch:    DefaultBranch,
		Scope:     store.Scope{Type: store.ScopeSettlement, ID: "westport"},
		Node:      store.NodeKey(node),
	}
}

func TestGetPutInvalidate(t *testing.T) {
	c := New(time.Minute)

	k := key("variable:settlement/westport/population")
	if _, ok := c.Get(k); ok {
		t.Fatalf("expected miss on empty cache")
	}

	c.Put(k, 8500.0)
	v, ok := c.Get(k)
	if !ok || v != 8500.0 {
		t.Fatalf("expected hit with 8500, got %v %v", v, ok)
	}

	c.Invalidate(partition, DefaultBranch, k.Node)
	if _, ok := c.Get(k); ok {
		t.Fatalf("expected miss after invalidation")
	}

	// Invalidation is idempotent.
	c.Invalidate(partition, DefaultBranch, k.Node)
}

func TestTTLExpiry(t *testing.T) {
	c := New(time.Minute)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	k := key("variable:settlement/westport/population")
	c.Put(k, 1.0)

	now = now.Add(30 * time.Second)
	if _, ok := c.Get(k); !ok {
		t.Fatalf("expected hit within TTL")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.Get(k); ok {
		t.Fatalf("expected miss after TTL")
	}
}

func TestNoCrossBranchLeakage(t *testing.T) {
	c := New(time.Minute)

	base := key("variable:settlement/westport/population")
	forked := base
	forked.Branch = "fork-7"

	c.Put(base, 100.0)
	c.Put(forked, 200.0)

	if v, _ := c.Get(base); v != 100.0 {
		t.Fatalf("expected 100 on main, got %v", v)
	}
	if v, _ := c.Get(forked); v != 200.0 {
		t.Fatalf("expected 200 on fork, got %v", v)
	}

	c.InvalidatePartition(partition, DefaultBranch)
	if _, ok := c.Get(base); ok {
		t.Fatalf("expected main entry evicted")
	}
	if _, ok := c.Get(forked); !ok {
		t.Fatalf("fork entry must survive main invalidation")
	}
}

type chainSource struct {
	variables []store.Variable
}

func (s *chainSource) FetchActiveVariables(ctx context.Context, partition string) ([]store.Variable, error) {
	return s.variables, nil
}

func (s *chainSource) FetchActiveConditions(ctx context.Context, partition string) ([]store.Condition, error) {
	return nil, nil
}

func (s *chainSource) FetchActiveEffects(ctx context.Context, partition string) ([]store.Effect, error) {
	return nil, nil
}

func TestInvalidateSubgraphEvictsDependents(t *testing.T) {
	scope := store.Scope{Type: store.ScopeSettlement, ID: "westport"}
	src := &chainSource{variables: []store.Variable{
		{Scope: scope, Name: "x", Kind: store.VariableStored, Value: 1.0, Partition: partition, Active: true},
		{Scope: scope, Name: "y", Kind: store.VariableDerived, Partition: partition, Active: true,
			Formula: map[string]any{"var": []any{"x"}}},
		{Scope: scope, Name: "unrelated", Kind: store.VariableStored, Value: 9.0, Partition: partition, Active: true},
	}}

	g, err := depgraph.NewBuilder(src).Build(context.Background(), partition)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	c := New(time.Minute)
	xKey := Key{Partition: partition, Branch: DefaultBranch, Scope: scope, Node: store.VariableKey(scope, "x")}
	yKey := Key{Partition: partition, Branch: DefaultBranch, Scope: scope, Node: store.VariableKey(scope, "y")}
	uKey := Key{Partition: partition, Branch: DefaultBranch, Scope: scope, Node: store.VariableKey(scope, "unrelated")}
	c.Put(xKey, 1.0)
	c.Put(yKey, 1.0)
	c.Put(uKey, 9.0)

	c.InvalidateSubgraph(g, DefaultBranch, store.VariableKey(scope, "x"))

	if _, ok := c.Get(xKey); ok {
		t.Fatalf("expected x evicted")
	}
	if _, ok := c.Get(yKey); ok {
		t.Fatalf("expected dependent y evicted")
	}
	if _, ok := c.Get(uKey); !ok {
		t.Fatalf("unrelated entry must survive")
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New(time.Minute)
	k := key("variable:settlement/westport/population")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Put(k, float64(n))
				c.Get(k)
				c.Invalidate(partition, DefaultBranch, k.Node)
			}
		}(i)
	}
	wg.Wait()
}
