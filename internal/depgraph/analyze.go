package depgraph

import (
	"sort"

	"fateforge/internal/store"
)

// TopologicalOrder returns an evaluation order consistent with every edge,
// or a *CycleError naming the full cycle path. Tie-breaking among
// independent nodes is stable: priority ascending, then declaration order,
// then key, so two valid orders never diverge between runs.
func TopologicalOrder(g *Graph) ([]store.NodeKey, error) {
	indegree := make(map[store.NodeKey]int, g.Len())
	for key := range g.nodes {
		indegree[key] = len(g.in[key])
	}

	ready := make([]store.NodeKey, 0, g.Len())
	for key, deg := range indegree {
		if deg == 0 {
			ready = append(ready, key)
		}
	}
	g.sortStable(ready)

	order := make([]store.NodeKey, 0, g.Len())
	for len(ready) > 0 {
		key := ready[0]
		ready = ready[1:]
		order = append(order, key)

		released := make([]store.NodeKey, 0, len(g.out[key]))
		for to := range g.out[key] {
			indegree[to]--
			if indegree[to] == 0 {
				released = append(released, to)
			}
		}
		if len(released) > 0 {
			ready = append(ready, released...)
			g.sortStable(ready)
		}
	}

	if len(order) < g.Len() {
		return nil, &CycleError{Partition: g.Partition, Path: g.findCycle(indegree)}
	}
	return order, nil
}

func (g *Graph) sortStable(keys []store.NodeKey) {
	sort.Slice(keys, func(i, j int) bool {
		a, b := g.nodes[keys[i]], g.nodes[keys[j]]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		return keys[i] < keys[j]
	})
}

// findCycle walks the residual nodes left by Kahn's algorithm and returns
// one complete cycle path, closed by repeating the first node.
func (g *Graph) findCycle(indegree map[store.NodeKey]int) []store.NodeKey {
	residual := make(map[store.NodeKey]struct{})
	for key, deg := range indegree {
		if deg > 0 {
			residual[key] = struct{}{}
		}
	}

	// Deterministic starting point.
	starts := make([]store.NodeKey, 0, len(residual))
	for key := range residual {
		starts = append(starts, key)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	for _, start := range starts {
		if path := g.cycleFrom(start, residual); path != nil {
			return path
		}
	}
	return nil
}

func (g *Graph) cycleFrom(start store.NodeKey, residual map[store.NodeKey]struct{}) []store.NodeKey {
	onPath := make(map[store.NodeKey]int)
	var path []store.NodeKey

	var dfs func(key store.NodeKey) []store.NodeKey
	dfs = func(key store.NodeKey) []store.NodeKey {
		if at, ok := onPath[key]; ok {
			cycle := append([]store.NodeKey{}, path[at:]...)
			return append(cycle, key)
		}
		onPath[key] = len(path)
		path = append(path, key)

		nexts := make([]store.NodeKey, 0, len(g.out[key]))
		for to := range g.out[key] {
			if _, ok := residual[to]; ok {
				nexts = append(nexts, to)
			}
		}
		sort.Slice(nexts, func(i, j int) bool { return nexts[i] < nexts[j] })
		for _, to := range nexts {
			if cycle := dfs(to); cycle != nil {
				return cycle
			}
		}

		delete(onPath, key)
		path = path[:len(path)-1]
		return nil
	}
	return dfs(start)
}

// AffectedSubgraph returns the changed node plus every node transitively
// depending on it, for targeted cache invalidation.
func AffectedSubgraph(g *Graph, changed store.NodeKey) map[store.NodeKey]struct{} {
	affected := make(map[store.NodeKey]struct{})
	if _, ok := g.nodes[changed]; !ok {
		return affected
	}

	stack := []store.NodeKey{changed}
	for len(stack) > 0 {
		key := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := affected[key]; seen {
			continue
		}
		affected[key] = struct{}{}
		for to := range g.out[key] {
			stack = append(stack, to)
		}
	}
	return affected
}
