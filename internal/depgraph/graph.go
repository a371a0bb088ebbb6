// Package depgraph builds and analyzes the directed read/write dependency
// graph among variables, conditions, and effects within one partition.
package depgraph

import (
	"fmt"
	"strings"

	"fateforge/internal/store"
)

// EdgeKind labels a dependency edge.
type EdgeKind string

const (
	EdgeReads  EdgeKind = "READS"
	EdgeWrites EdgeKind = "WRITES"
)

// Node is one vertex of the dependency graph. Reads lists the keys whose
// values the node consumes; Writes lists the keys it mutates.
type Node struct {
	Key      store.NodeKey
	Kind     store.NodeKind
	Priority int
	Position int
	Reads    []store.NodeKey
	Writes   []store.NodeKey
}

// Graph is the node/edge set for one partition. Edges run in evaluation
// direction: prerequisite → dependent.
type Graph struct {
	Partition string

	nodes map[store.NodeKey]*Node
	// out[from][to] holds the edge kind that produced the dependency.
	out map[store.NodeKey]map[store.NodeKey]EdgeKind
	in  map[store.NodeKey]map[store.NodeKey]struct{}
}

// CycleError reports a dependency cycle with its full path. The last
// element repeats the first to close the loop.
type CycleError struct {
	Partition string
	Path      []store.NodeKey
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, k := range e.Path {
		parts[i] = string(k)
	}
	return fmt.Sprintf("dependency cycle in partition %q: %s", e.Partition, strings.Join(parts, " -> "))
}

func newGraph(partition string) *Graph {
	return &Graph{
		Partition: partition,
		nodes:     make(map[store.NodeKey]*Node),
		out:       make(map[store.NodeKey]map[store.NodeKey]EdgeKind),
		in:        make(map[store.NodeKey]map[store.NodeKey]struct{}),
	}
}

// Node returns the node for key, or nil.
func (g *Graph) Node(key store.NodeKey) *Node {
	return g.nodes[key]
}

// Len reports the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Keys returns every node key, unordered.
func (g *Graph) Keys() []store.NodeKey {
	keys := make([]store.NodeKey, 0, len(g.nodes))
	for k := range g.nodes {
		keys = append(keys, k)
	}
	return keys
}

func (g *Graph) addNode(n *Node) {
	g.nodes[n.Key] = n
}

// ensureField registers an implicit field node the first time a read or
// write mentions it.
func (g *Graph) ensureField(key store.NodeKey) {
	if _, ok := g.nodes[key]; ok {
		return
	}
	g.nodes[key] = &Node{Key: key, Kind: store.NodeField}
}

func (g *Graph) addEdge(from, to store.NodeKey, kind EdgeKind) {
	if from == to {
		return
	}
	if g.out[from] == nil {
		g.out[from] = make(map[store.NodeKey]EdgeKind)
	}
	g.out[from][to] = kind
	if g.in[to] == nil {
		g.in[to] = make(map[store.NodeKey]struct{})
	}
	g.in[to][from] = struct{}{}
}

func (g *Graph) removeNode(key store.NodeKey) {
	for to := range g.out[key] {
		delete(g.in[to], key)
	}
	for from := range g.in[key] {
		delete(g.out[from], key)
	}
	delete(g.out, key)
	delete(g.in, key)
	delete(g.nodes, key)
}

// dropEdgesOf removes every edge contributed by key's declared reads and
// writes, leaving the node itself in place.
func (g *Graph) dropEdgesOf(key store.NodeKey) {
	n := g.nodes[key]
	if n == nil {
		return
	}
	for _, r := range n.Reads {
		if m := g.out[r]; m != nil {
			delete(m, key)
		}
		if m := g.in[key]; m != nil {
			delete(m, r)
		}
	}
	for _, w := range n.Writes {
		if m := g.out[key]; m != nil {
			delete(m, w)
		}
		if m := g.in[w]; m != nil {
			delete(m, key)
		}
	}
	n.Reads = nil
	n.Writes = nil
}

// wireNode adds the dependency edges implied by a node's declared reads
// and writes: prerequisite → dependent for reads, writer → target for
// writes. A key the node both reads and writes (a guarded replace, or a
// move within one root) contributes only the write edge: the read is
// satisfied within the node itself, not a dependency on another writer.
func (g *Graph) wireNode(n *Node) {
	writes := make(map[store.NodeKey]struct{}, len(n.Writes))
	for _, w := range n.Writes {
		writes[w] = struct{}{}
	}
	for _, r := range n.Reads {
		if _, ok := writes[r]; ok {
			continue
		}
		g.ensureField(r)
		g.addEdge(r, n.Key, EdgeReads)
	}
	for _, w := range n.Writes {
		g.ensureField(w)
		g.addEdge(n.Key, w, EdgeWrites)
	}
}
