package engine

import (
	"context"
	"sync"

	"fateforge/internal/depgraph"
	"fateforge/internal/store"
)

// Graphs caches one dependency graph per partition and patches it
// incrementally on definition changes. A cached graph is only stored when
// it built cleanly; cyclic partitions rebuild on every request so the
// cycle keeps surfacing.
type Graphs struct {
	mu      sync.Mutex
	builder *depgraph.Builder
	cached  map[string]*depgraph.Graph
}

func NewGraphs(src depgraph.DefinitionSource) *Graphs {
	return &Graphs{
		builder: depgraph.NewBuilder(src),
		cached:  make(map[string]*depgraph.Graph),
	}
}

// Graph returns the partition's graph, building it on first use.
func (g *Graphs) Graph(ctx context.Context, partition string) (*depgraph.Graph, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cached, ok := g.cached[partition]; ok {
		return cached, nil
	}
	built, err := g.builder.Build(ctx, partition)
	if err != nil {
		return built, err
	}
	g.cached[partition] = built
	return built, nil
}

// Update patches a single node's edges in the cached graph. Without a
// cached graph there is nothing to patch; the next Graph call rebuilds.
func (g *Graphs) Update(ctx context.Context, partition string, changed store.NodeKey) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cached, ok := g.cached[partition]
	if !ok {
		return nil
	}
	if err := g.builder.Update(ctx, cached, changed); err != nil {
		// A failed patch leaves the graph suspect; drop it and rebuild
		// lazily.
		delete(g.cached, partition)
		return err
	}
	if _, err := depgraph.TopologicalOrder(cached); err != nil {
		// The update introduced a cycle. Drop the cache so every
		// subsequent build reports it.
		delete(g.cached, partition)
		return err
	}
	return nil
}

// Drop forgets a partition's cached graph.
func (g *Graphs) Drop(partition string) {
	g.mu.Lock()
	delete(g.cached, partition)
	g.mu.Unlock()
}
