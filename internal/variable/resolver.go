// Package variable resolves stored and derived variables per scope,
// memoizing results in the evaluation cache and following the partition
// dependency graph's precomputed order for recursive resolution.
package variable

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"fateforge/internal/cache"
	"fateforge/internal/depgraph"
	"fateforge/internal/expr"
	"fateforge/internal/metrics"
	"fateforge/internal/store"
)

// Failure is an evaluation failure tied to one graph node. The message is
// redacted: it never carries context values, only structural detail.
type Failure struct {
	NodeKey store.NodeKey
	Msg     string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("evaluation of %s failed: %s", f.NodeKey, f.Msg)
}

// EvaluationResult is the outcome of resolving one node.
type EvaluationResult struct {
	NodeKey store.NodeKey `json:"node_key"`
	Value   any           `json:"value"`
	OK      bool          `json:"ok"`
	Err     string        `json:"error,omitempty"`
	Trace   []expr.Step   `json:"trace,omitempty"`
}

// Source supplies variable definitions and entity snapshots.
type Source interface {
	GetVariable(ctx context.Context, scope store.Scope, name string) (*store.Variable, error)
	FetchEntity(ctx context.Context, scope store.Scope) (*store.EntitySnapshot, error)
}

// GraphProvider returns the (possibly cached) dependency graph of a
// partition.
type GraphProvider interface {
	Graph(ctx context.Context, partition string) (*depgraph.Graph, error)
}

// Options tune one resolution call.
type Options struct {
	Branch string
	Trace  bool
}

func (o Options) branch() string {
	if o.Branch == "" {
		return cache.DefaultBranch
	}
	return o.Branch
}

type Resolver struct {
	src    Source
	graphs GraphProvider
	cache  *cache.Cache

	// MaxDepth bounds recursive sibling resolution as defense in depth;
	// cycles are rejected at graph build time.
	MaxDepth int
}

func NewResolver(src Source, graphs GraphProvider, c *cache.Cache) *Resolver {
	return &Resolver{src: src, graphs: graphs, cache: c, MaxDepth: expr.DefaultMaxDepth}
}

// Resolve evaluates one variable. Stored variables return their literal
// verbatim; derived ones evaluate their formula against the owning
// entity's fields, the caller-supplied extra context, and recursively
// resolved sibling variables. Infrastructure failures return an error;
// evaluation failures are reported inside the result.
func (r *Resolver) Resolve(ctx context.Context, scope store.Scope, name string, extra map[string]any, opts Options) (EvaluationResult, error) {
	return r.resolve(ctx, scope, name, extra, opts, 0)
}

func (r *Resolver) resolve(ctx context.Context, scope store.Scope, name string, extra map[string]any, opts Options, depth int) (EvaluationResult, error) {
	key := store.VariableKey(scope, name)
	if depth > r.MaxDepth {
		return EvaluationResult{}, &Failure{NodeKey: key, Msg: "resolution depth exceeded"}
	}

	v, err := r.src.GetVariable(ctx, scope, name)
	if err != nil {
		return EvaluationResult{}, fmt.Errorf("fetching variable %s/%s: %w", scope, name, err)
	}
	if v == nil {
		return EvaluationResult{}, fmt.Errorf("variable %s/%s: %w", scope, name, store.ErrNotFound)
	}

	// Extra context makes a result call-specific, so only context-free
	// resolutions are served from or written to the cache.
	cacheable := len(extra) == 0 && !opts.Trace
	ckey := cache.Key{Partition: v.Partition, Branch: opts.branch(), Scope: scope, Node: key}
	if cacheable {
		if cached, ok := r.cache.Get(ckey); ok {
			if res, ok := cached.(EvaluationResult); ok {
				return res, nil
			}
		}
	}

	var res EvaluationResult
	switch v.Kind {
	case store.VariableStored:
		res = EvaluationResult{NodeKey: key, Value: v.Value, OK: true}
		if opts.Trace {
			res.Trace = []expr.Step{{Op: "literal", Detail: name, Value: v.Value}}
		}
	case store.VariableDerived:
		res, err = r.resolveDerived(ctx, v, key, extra, opts, depth)
		if err != nil {
			return EvaluationResult{}, err
		}
	default:
		return EvaluationResult{}, fmt.Errorf("variable %s/%s has unknown kind %q", scope, name, v.Kind)
	}

	if res.OK {
		metrics.Evaluations.WithLabelValues("variable", "ok").Inc()
	} else {
		metrics.Evaluations.WithLabelValues("variable", "failed").Inc()
	}
	if cacheable {
		r.cache.Put(ckey, res)
	}
	return res, nil
}

func (r *Resolver) resolveDerived(ctx context.Context, v *store.Variable, key store.NodeKey, extra map[string]any, opts Options, depth int) (EvaluationResult, error) {
	g, err := r.graphs.Graph(ctx, v.Partition)
	if err != nil {
		return EvaluationResult{}, fmt.Errorf("dependency graph for %s: %w", v.Partition, err)
	}

	evalCtx := make(expr.Context)

	// Owning entity fields form the base context. A missing entity is not
	// an error: formulas degrade on absent data.
	snapshot, err := r.src.FetchEntity(ctx, v.Scope)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return EvaluationResult{}, fmt.Errorf("fetching entity %s: %w", v.Scope, err)
	}
	if snapshot != nil {
		for k, val := range snapshot.Fields {
			evalCtx[k] = val
		}
	}

	// Dependency variables, resolved in the graph's precomputed order
	// rather than formula-discovery order. Each dep carries its own scope:
	// the graph may have matched a reference to a partition-unique variable
	// outside the owner's scope.
	for _, dep := range r.orderedDeps(g, key) {
		depScope, depName, err := store.ParseVariableKey(dep)
		if err != nil {
			continue
		}
		depRes, err := r.resolve(ctx, depScope, depName, nil, Options{Branch: opts.Branch}, depth+1)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return EvaluationResult{}, err
		}
		if depRes.OK {
			evalCtx[depName] = depRes.Value
		}
	}

	// Caller-supplied context wins over entity fields and siblings.
	for k, val := range extra {
		evalCtx[k] = val
	}

	e := &expr.Evaluator{MaxDepth: expr.DefaultMaxDepth}
	if opts.Trace {
		value, trace, err := e.EvaluateTrace(v.Formula, evalCtx)
		if err != nil {
			return EvaluationResult{NodeKey: key, OK: false, Err: err.Error(), Trace: trace}, nil
		}
		return EvaluationResult{NodeKey: key, Value: value, OK: true, Trace: trace}, nil
	}
	value, err := e.Evaluate(v.Formula, evalCtx)
	if err != nil {
		return EvaluationResult{NodeKey: key, OK: false, Err: err.Error()}, nil
	}
	return EvaluationResult{NodeKey: key, Value: value, OK: true}, nil
}

// orderedDeps returns the variable nodes this key reads, sorted by the
// graph's stable topological order.
func (r *Resolver) orderedDeps(g *depgraph.Graph, key store.NodeKey) []store.NodeKey {
	node := g.Node(key)
	if node == nil {
		return nil
	}
	order, err := depgraph.TopologicalOrder(g)
	if err != nil {
		// The graph was validated at build time; a cycle here means a
		// stale graph, and declared order is still deterministic.
		return node.Reads
	}
	pos := make(map[store.NodeKey]int, len(order))
	for i, k := range order {
		pos[k] = i
	}
	deps := make([]store.NodeKey, 0, len(node.Reads))
	for _, dep := range node.Reads {
		if dep.Kind() == store.NodeVariable {
			deps = append(deps, dep)
		}
	}
	sort.Slice(deps, func(i, j int) bool { return pos[deps[i]] < pos[deps[j]] })
	return deps
}

// ResolveBatch resolves several variables of one scope concurrently.
// Per-variable evaluation failures never abort siblings: each name gets
// its own result, and only infrastructure errors surface.
func (r *Resolver) ResolveBatch(ctx context.Context, scope store.Scope, names []string, extra map[string]any, opts Options) (map[string]EvaluationResult, error) {
	results := make([]EvaluationResult, len(names))
	errs := make([]error, len(names))

	eg, ctx := errgroup.WithContext(ctx)
	for i, name := range names {
		eg.Go(func() error {
			res, err := r.Resolve(ctx, scope, name, extra, opts)
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i] = res
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]EvaluationResult, len(names))
	var firstErr error
	for i, name := range names {
		if errs[i] != nil {
			if firstErr == nil {
				firstErr = errs[i]
			}
			continue
		}
		out[name] = results[i]
	}
	return out, firstErr
}
