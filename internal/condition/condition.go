// Package condition evaluates branching/boolean expressions over entity
// fields and resolved variables. Variables are exposed under the reserved
// "vars" namespace so expressions can mix both without collisions.
package condition

import (
	"context"
	"errors"
	"fmt"
	"log"

	"fateforge/internal/expr"
	"fateforge/internal/metrics"
	"fateforge/internal/store"
	"fateforge/internal/variable"
)

// VarsNamespace is the context key resolved variables live under.
const VarsNamespace = "vars"

// Outcome is the result of evaluating one condition. Result is the boolean
// interpretation of Value.
type Outcome struct {
	ConditionID string      `json:"condition_id"`
	Result      bool        `json:"result"`
	Value       any         `json:"value"`
	Degraded    bool        `json:"degraded,omitempty"`
	Trace       []expr.Step `json:"trace,omitempty"`
}

// Source supplies entity snapshots and the scope's variable definitions.
type Source interface {
	FetchEntity(ctx context.Context, scope store.Scope) (*store.EntitySnapshot, error)
	FetchActiveVariables(ctx context.Context, partition string) ([]store.Variable, error)
}

type Evaluator struct {
	src      Source
	resolver *variable.Resolver
}

func NewEvaluator(src Source, resolver *variable.Resolver) *Evaluator {
	return &Evaluator{src: src, resolver: resolver}
}

// Options tune one evaluation.
type Options struct {
	Branch string
	Trace  bool
}

// Evaluate builds the combined context for the condition's owner and
// evaluates its expression. Variable resolution failure degrades to
// entity-fields-only instead of aborting; a missing owner entity is a real
// error.
func (e *Evaluator) Evaluate(ctx context.Context, cond store.Condition, extra map[string]any, opts Options) (Outcome, error) {
	evalCtx, degraded, err := e.BuildContext(ctx, cond.Owner, true, opts.Branch)
	if err != nil {
		return Outcome{}, err
	}
	for k, v := range extra {
		evalCtx[k] = v
	}

	out := Outcome{ConditionID: cond.ID, Degraded: degraded}
	ev := &expr.Evaluator{MaxDepth: expr.DefaultMaxDepth}
	if opts.Trace {
		value, trace, err := ev.EvaluateTrace(cond.Expression, evalCtx)
		if err != nil {
			metrics.Evaluations.WithLabelValues("condition", "failed").Inc()
			return Outcome{}, &variable.Failure{NodeKey: store.ConditionKey(cond.ID), Msg: err.Error()}
		}
		out.Value, out.Trace = value, trace
	} else {
		value, err := ev.Evaluate(cond.Expression, evalCtx)
		if err != nil {
			metrics.Evaluations.WithLabelValues("condition", "failed").Inc()
			return Outcome{}, &variable.Failure{NodeKey: store.ConditionKey(cond.ID), Msg: err.Error()}
		}
		out.Value = value
	}
	out.Result = expr.Truthy(out.Value)
	metrics.Evaluations.WithLabelValues("condition", "ok").Inc()
	return out, nil
}

// BuildContext merges an entity's fields with, optionally, every variable
// of its scope resolved under the vars namespace. The degraded flag
// reports that variable resolution failed and the context holds entity
// fields only.
func (e *Evaluator) BuildContext(ctx context.Context, scope store.Scope, includeVariables bool, branch string) (expr.Context, bool, error) {
	snapshot, err := e.src.FetchEntity(ctx, scope)
	if err != nil {
		return nil, false, fmt.Errorf("fetching entity %s: %w", scope, err)
	}

	evalCtx := make(expr.Context, len(snapshot.Fields)+1)
	for k, v := range snapshot.Fields {
		evalCtx[k] = v
	}
	if !includeVariables {
		return evalCtx, false, nil
	}

	names, err := e.scopeVariableNames(ctx, snapshot.Partition, scope)
	if err != nil {
		log.Printf("condition context for %s: variable listing failed, degrading to entity fields: %v", scope, err)
		return evalCtx, true, nil
	}
	if len(names) == 0 {
		evalCtx[VarsNamespace] = map[string]any{}
		return evalCtx, false, nil
	}

	results, err := e.resolver.ResolveBatch(ctx, scope, names, nil, variable.Options{Branch: branch})
	if err != nil && len(results) == 0 {
		log.Printf("condition context for %s: variable resolution failed, degrading to entity fields: %v", scope, err)
		return evalCtx, true, nil
	}

	vars := make(map[string]any, len(results))
	for name, res := range results {
		if res.OK {
			vars[name] = res.Value
		}
	}
	evalCtx[VarsNamespace] = vars
	return evalCtx, false, nil
}

func (e *Evaluator) scopeVariableNames(ctx context.Context, partition string, scope store.Scope) ([]string, error) {
	if partition == "" {
		return nil, errors.New("entity has no partition")
	}
	all, err := e.src.FetchActiveVariables(ctx, partition)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(all))
	for _, v := range all {
		if v.Scope == scope {
			names = append(names, v.Name)
		}
	}
	return names, nil
}
