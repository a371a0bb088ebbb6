package depgraph

import (
	"context"
	"fmt"
	"strings"

	"fateforge/internal/expr"
	"fateforge/internal/store"
)

// varsNamespace is the reserved prefix condition expressions use to
// reference resolved variables instead of raw entity fields.
const varsNamespace = "vars."

// DefinitionSource supplies the active definitions of a partition.
type DefinitionSource interface {
	FetchActiveVariables(ctx context.Context, partition string) ([]store.Variable, error)
	FetchActiveConditions(ctx context.Context, partition string) ([]store.Condition, error)
	FetchActiveEffects(ctx context.Context, partition string) ([]store.Effect, error)
}

// Builder constructs partition dependency graphs from the active
// definitions in a store.
type Builder struct {
	store DefinitionSource
}

func NewBuilder(s DefinitionSource) *Builder {
	return &Builder{store: s}
}

// Build parses every active definition in the partition into a directed
// read/write graph. Derived variables contribute READS for each formula
// lookup, conditions contribute READS (plus a WRITES edge when they export
// a computed field), and effects contribute WRITES to the root field of
// each patch path, with reads for test/move/copy sources.
func (b *Builder) Build(ctx context.Context, partition string) (*Graph, error) {
	if strings.TrimSpace(partition) == "" {
		return nil, fmt.Errorf("partition key is required")
	}

	variables, err := b.store.FetchActiveVariables(ctx, partition)
	if err != nil {
		return nil, fmt.Errorf("fetching variables for %s: %w", partition, err)
	}
	conditions, err := b.store.FetchActiveConditions(ctx, partition)
	if err != nil {
		return nil, fmt.Errorf("fetching conditions for %s: %w", partition, err)
	}
	effects, err := b.store.FetchActiveEffects(ctx, partition)
	if err != nil {
		return nil, fmt.Errorf("fetching effects for %s: %w", partition, err)
	}

	g := newGraph(partition)
	idx := indexVariables(variables)

	for pos, v := range variables {
		if v.Partition != partition {
			return nil, fmt.Errorf("variable %s/%s belongs to partition %q, not %q", v.Scope, v.Name, v.Partition, partition)
		}
		n, err := variableNode(v, pos, idx)
		if err != nil {
			return nil, err
		}
		g.addNode(n)
	}
	for pos, c := range conditions {
		if c.Partition != partition {
			return nil, fmt.Errorf("condition %s belongs to partition %q, not %q", c.ID, c.Partition, partition)
		}
		g.addNode(conditionNode(c, pos, idx))
	}
	for pos, e := range effects {
		if e.Partition != partition {
			return nil, fmt.Errorf("effect %s belongs to partition %q, not %q", e.ID, e.Partition, partition)
		}
		n, err := effectNode(e, pos, idx)
		if err != nil {
			return nil, err
		}
		g.addNode(n)
	}

	for _, key := range g.Keys() {
		if n := g.Node(key); n.Kind != store.NodeField {
			g.wireNode(n)
		}
	}

	// Cycles are surfaced at construction time, never silently broken.
	// The graph is still returned so callers can inspect the offending
	// nodes.
	if _, err := TopologicalOrder(g); err != nil {
		return g, err
	}
	return g, nil
}

// Update re-derives the edges of a single node after its definition
// changed, instead of rebuilding the whole partition graph. A soft-deleted
// definition is removed from the graph.
func (b *Builder) Update(ctx context.Context, g *Graph, changed store.NodeKey) error {
	if g == nil {
		return fmt.Errorf("graph is required")
	}

	variables, err := b.store.FetchActiveVariables(ctx, g.Partition)
	if err != nil {
		return fmt.Errorf("fetching variables for %s: %w", g.Partition, err)
	}
	idx := indexVariables(variables)

	switch changed.Kind() {
	case store.NodeVariable:
		for pos, v := range variables {
			if store.VariableKey(v.Scope, v.Name) != changed {
				continue
			}
			n, err := variableNode(v, pos, idx)
			if err != nil {
				return err
			}
			if existing := g.Node(changed); existing != nil {
				n.Position = existing.Position
				g.dropEdgesOf(changed)
			}
			g.addNode(n)
			g.wireNode(n)
			return nil
		}
		g.removeNode(changed)
		return nil
	case store.NodeCondition:
		conditions, err := b.store.FetchActiveConditions(ctx, g.Partition)
		if err != nil {
			return fmt.Errorf("fetching conditions for %s: %w", g.Partition, err)
		}
		for pos, c := range conditions {
			if store.ConditionKey(c.ID) != changed {
				continue
			}
			n := conditionNode(c, pos, idx)
			if existing := g.Node(changed); existing != nil {
				n.Position = existing.Position
				g.dropEdgesOf(changed)
			}
			g.addNode(n)
			g.wireNode(n)
			return nil
		}
		g.removeNode(changed)
		return nil
	case store.NodeEffect:
		effects, err := b.store.FetchActiveEffects(ctx, g.Partition)
		if err != nil {
			return fmt.Errorf("fetching effects for %s: %w", g.Partition, err)
		}
		for pos, e := range effects {
			if store.EffectKey(e.ID) != changed {
				continue
			}
			n, err := effectNode(e, pos, idx)
			if err != nil {
				return err
			}
			if existing := g.Node(changed); existing != nil {
				n.Position = existing.Position
				g.dropEdgesOf(changed)
			}
			g.addNode(n)
			g.wireNode(n)
			return nil
		}
		g.removeNode(changed)
		return nil
	default:
		return fmt.Errorf("cannot update node of kind %q", changed.Kind())
	}
}

// varIndex resolves a referenced name to a variable key, scoped then
// partition-global.
type varIndex struct {
	byScope map[string]store.NodeKey
	byName  map[string][]store.NodeKey
}

func indexVariables(variables []store.Variable) *varIndex {
	idx := &varIndex{
		byScope: make(map[string]store.NodeKey, len(variables)),
		byName:  make(map[string][]store.NodeKey),
	}
	for _, v := range variables {
		key := store.VariableKey(v.Scope, v.Name)
		idx.byScope[v.Scope.String()+"/"+v.Name] = key
		idx.byName[v.Name] = append(idx.byName[v.Name], key)
	}
	return idx
}

// resolve maps a referenced name to a variable node in the given scope, a
// partition-unique variable of that name, or a coarse field node.
func (idx *varIndex) resolve(scope store.Scope, name string) store.NodeKey {
	if key, ok := idx.byScope[scope.String()+"/"+name]; ok {
		return key
	}
	if keys := idx.byName[name]; len(keys) == 1 {
		return keys[0]
	}
	return store.FieldKey(name)
}

// rootOf coarsens a dotted path to its first segment.
func rootOf(path string) string {
	if i := strings.IndexByte(path, '.'); i > 0 {
		return path[:i]
	}
	return path
}

// rootOfPointer coarsens a JSON-pointer path to its root field, so
// /resources/gold collapses to resources.
func rootOfPointer(path string) (string, error) {
	if path == "" || path[0] != '/' {
		return "", fmt.Errorf("malformed pointer %q", path)
	}
	rest := path[1:]
	if i := strings.IndexByte(rest, '/'); i > 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return "", fmt.Errorf("malformed pointer %q", path)
	}
	return rest, nil
}

func variableNode(v store.Variable, pos int, idx *varIndex) (*Node, error) {
	n := &Node{
		Key:      store.VariableKey(v.Scope, v.Name),
		Kind:     store.NodeVariable,
		Position: pos,
	}
	if v.Kind != store.VariableDerived {
		return n, nil
	}
	if v.Formula == nil {
		return nil, fmt.Errorf("derived variable %s/%s has no formula", v.Scope, v.Name)
	}
	for _, ref := range expr.Refs(v.Formula) {
		n.Reads = append(n.Reads, idx.resolve(v.Scope, rootOf(ref)))
	}
	return n, nil
}

func conditionNode(c store.Condition, pos int, idx *varIndex) *Node {
	n := &Node{
		Key:      store.ConditionKey(c.ID),
		Kind:     store.NodeCondition,
		Position: pos,
	}
	for _, ref := range expr.Refs(c.Expression) {
		if strings.HasPrefix(ref, varsNamespace) {
			name := rootOf(strings.TrimPrefix(ref, varsNamespace))
			n.Reads = append(n.Reads, idx.resolve(c.Owner, name))
			continue
		}
		n.Reads = append(n.Reads, store.FieldKey(rootOf(ref)))
	}
	if c.ExportAs != "" {
		n.Writes = append(n.Writes, idx.resolve(c.Owner, c.ExportAs))
	}
	return n
}

func effectNode(e store.Effect, pos int, idx *varIndex) (*Node, error) {
	n := &Node{
		Key:      store.EffectKey(e.ID),
		Kind:     store.NodeEffect,
		Priority: e.Priority,
		Position: pos,
	}
	if e.Position != 0 {
		n.Position = e.Position
	}
	for _, op := range e.Ops {
		root, err := rootOfPointer(op.Path)
		if err != nil {
			return nil, fmt.Errorf("effect %s: %w", e.ID, err)
		}
		target := idx.resolve(e.Owner, root)
		switch op.Op {
		case "test":
			n.Reads = append(n.Reads, target)
		case "move", "copy":
			fromRoot, err := rootOfPointer(op.From)
			if err != nil {
				return nil, fmt.Errorf("effect %s: %w", e.ID, err)
			}
			n.Reads = append(n.Reads, idx.resolve(e.Owner, fromRoot))
			n.Writes = append(n.Writes, target)
		default:
			n.Writes = append(n.Writes, target)
		}
	}
	return n, nil
}
