// Package engine drives entity resolution through validation, dependency
// ordering, and phased effect execution, and exposes the evaluation API
// callers consume.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"fateforge/internal/cache"
	"fateforge/internal/condition"
	"fateforge/internal/depgraph"
	"fateforge/internal/expr"
	"fateforge/internal/metrics"
	"fateforge/internal/patch"
	"fateforge/internal/store"
	"fateforge/internal/variable"
)

// State names a stage of the resolution state machine.
type State string

const (
	StateValidating         State = "VALIDATING"
	StateOrdering           State = "ORDERING"
	StateExecutingPre       State = "EXECUTING_PRE"
	StateExecutingOnResolve State = "EXECUTING_ON_RESOLVE"
	StateExecutingPost      State = "EXECUTING_POST"
	StateComplete           State = "COMPLETE"
	StateFailed             State = "FAILED"
)

// ValidationError reports a user-correctable precondition failure. No side
// effect has occurred when one is returned.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Effect execution outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeConflict  = "conflict"
)

// EffectOutcome records one effect execution attempt.
type EffectOutcome struct {
	EffectID     string      `json:"effect_id"`
	Name         string      `json:"name,omitempty"`
	Phase        store.Phase `json:"phase"`
	Priority     int         `json:"priority"`
	Status       string      `json:"status"`
	ChangedPaths []string    `json:"changed_paths,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// PhaseSummary aggregates one phase's outcomes in execution order.
type PhaseSummary struct {
	Phase     store.Phase     `json:"phase"`
	Attempted int             `json:"attempted"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	Outcomes  []EffectOutcome `json:"outcomes"`
}

// ResolutionSummary is the aggregate result of one resolution request.
// Every attempted effect appears regardless of overall success.
type ResolutionSummary struct {
	ResolutionID string         `json:"resolution_id"`
	Entity       store.Scope    `json:"entity"`
	State        State          `json:"state"`
	Phases       []PhaseSummary `json:"phases"`
	Error        string         `json:"error,omitempty"`
}

// Options tune one engine call.
type Options struct {
	Branch string
	Trace  bool
}

// Engine is stateless apart from the evaluation cache and the per-
// partition graph cache; independent resolutions run fully in parallel.
type Engine struct {
	store      store.Store
	graphs     *Graphs
	cache      *cache.Cache
	resolver   *variable.Resolver
	conditions *condition.Evaluator
	validator  *patch.Validator
}

func New(s store.Store, c *cache.Cache, validator *patch.Validator) *Engine {
	graphs := NewGraphs(s)
	resolver := variable.NewResolver(s, graphs, c)
	return &Engine{
		store:      s,
		graphs:     graphs,
		cache:      c,
		resolver:   resolver,
		conditions: condition.NewEvaluator(s, resolver),
		validator:  validator,
	}
}

// EvaluateVariable resolves one variable in a scope.
func (e *Engine) EvaluateVariable(ctx context.Context, scope store.Scope, name string, extra map[string]any, opts Options) (variable.EvaluationResult, error) {
	return e.resolver.Resolve(ctx, scope, name, extra, variable.Options{Branch: opts.Branch, Trace: opts.Trace})
}

// EvaluateCondition evaluates a stored condition by id.
func (e *Engine) EvaluateCondition(ctx context.Context, conditionID string, extra map[string]any, opts Options) (condition.Outcome, error) {
	cond, err := e.store.GetCondition(ctx, conditionID)
	if err != nil {
		return condition.Outcome{}, fmt.Errorf("fetching condition %s: %w", conditionID, err)
	}
	if cond == nil {
		return condition.Outcome{}, fmt.Errorf("condition %s: %w", conditionID, store.ErrNotFound)
	}
	return e.conditions.Evaluate(ctx, *cond, extra, condition.Options{Branch: opts.Branch, Trace: opts.Trace})
}

// BuildContext returns an entity's merged evaluation context.
func (e *Engine) BuildContext(ctx context.Context, scope store.Scope, includeVariables bool, opts Options) (expr.Context, error) {
	merged, _, err := e.conditions.BuildContext(ctx, scope, includeVariables, opts.Branch)
	return merged, err
}

// EvaluationOrder returns the partition's stable topological order.
func (e *Engine) EvaluationOrder(ctx context.Context, partition string) ([]store.NodeKey, error) {
	g, err := e.graphs.Graph(ctx, partition)
	if err != nil {
		return nil, err
	}
	return depgraph.TopologicalOrder(g)
}

// Invalidate evicts cached state after a definition or entity change. With
// a node key the partition graph is patched incrementally and only the
// affected subgraph is evicted; without one the whole partition resets.
// Invalidation is idempotent, so at-least-once delivery is safe.
func (e *Engine) Invalidate(ctx context.Context, partition, branch string, changed store.NodeKey) error {
	if branch == "" {
		branch = cache.DefaultBranch
	}
	if changed == "" {
		e.graphs.Drop(partition)
		e.cache.InvalidatePartition(partition, branch)
		return nil
	}

	g, err := e.graphs.Graph(ctx, partition)
	if err != nil {
		var cycleErr *depgraph.CycleError
		if errors.As(err, &cycleErr) {
			// Cyclic partitions cannot be targeted; evict everything.
			e.cache.InvalidatePartition(partition, branch)
			return nil
		}
		return err
	}
	// Evict against the pre-update graph so entries derived from the old
	// edges are caught, then patch the node's edges.
	e.cache.InvalidateSubgraph(g, branch, changed)
	if err := e.graphs.Update(ctx, partition, changed); err != nil {
		return err
	}
	return nil
}

// InvalidateScope evicts cached results owned by one entity.
func (e *Engine) InvalidateScope(partition, branch string, scope store.Scope) {
	if branch == "" {
		branch = cache.DefaultBranch
	}
	e.cache.InvalidateScope(partition, branch, scope)
}

// ResolveEntity runs the resolution state machine for an event or
// encounter. Structural failures (missing entity, precondition, cycle)
// abort before any side effect; per-effect failures are recorded and the
// remaining effects still run.
func (e *Engine) ResolveEntity(ctx context.Context, scope store.Scope, extra map[string]any, opts Options) (*ResolutionSummary, error) {
	started := time.Now()
	defer func() { metrics.ResolutionDuration.Observe(time.Since(started).Seconds()) }()

	summary := &ResolutionSummary{
		ResolutionID: uuid.NewString(),
		Entity:       scope,
		State:        StateValidating,
	}

	// VALIDATING
	if scope.Type != store.ScopeEvent && scope.Type != store.ScopeEncounter {
		summary.State = StateFailed
		return summary, &ValidationError{Msg: fmt.Sprintf("entity type %q is not resolvable", scope.Type)}
	}
	snapshot, err := e.store.FetchEntity(ctx, scope)
	if err != nil {
		summary.State = StateFailed
		if errors.Is(err, store.ErrNotFound) {
			return summary, &ValidationError{Msg: fmt.Sprintf("entity %s does not exist", scope)}
		}
		return summary, fmt.Errorf("fetching entity %s: %w", scope, err)
	}
	if snapshot.Resolved {
		summary.State = StateFailed
		return summary, &ValidationError{Msg: fmt.Sprintf("entity %s is already resolved", scope)}
	}

	// Conditions attached to the entity without an export act as
	// resolution preconditions; the caller-supplied context feeds their
	// evaluation, so gating values need not be persisted first.
	conds, err := e.store.FetchActiveConditions(ctx, snapshot.Partition)
	if err != nil {
		summary.State = StateFailed
		return summary, fmt.Errorf("fetching conditions for %s: %w", snapshot.Partition, err)
	}
	for _, cond := range conds {
		if cond.Owner != scope || cond.ExportAs != "" {
			continue
		}
		outcome, err := e.conditions.Evaluate(ctx, cond, extra, condition.Options{Branch: opts.Branch})
		if err != nil {
			summary.State = StateFailed
			return summary, fmt.Errorf("evaluating precondition %s: %w", cond.ID, err)
		}
		if !outcome.Result {
			summary.State = StateFailed
			return summary, &ValidationError{Msg: fmt.Sprintf("precondition %s not met for %s", cond.ID, scope)}
		}
	}

	// ORDERING: a cycle aborts before any effect runs.
	summary.State = StateOrdering
	if _, err := e.graphs.Graph(ctx, snapshot.Partition); err != nil {
		summary.State = StateFailed
		summary.Error = err.Error()
		return summary, err
	}

	effects, err := e.store.FetchActiveEffects(ctx, snapshot.Partition)
	if err != nil {
		summary.State = StateFailed
		return summary, fmt.Errorf("fetching effects for %s: %w", snapshot.Partition, err)
	}
	owned := make([]store.Effect, 0, len(effects))
	for _, eff := range effects {
		if eff.Owner == scope {
			owned = append(owned, eff)
		}
	}

	// EXECUTING_<phase>
	for _, phase := range store.Phases {
		summary.State = executingState(phase)
		phaseSummary := e.runPhase(ctx, summary.ResolutionID, phase, owned, &snapshot)
		summary.Phases = append(summary.Phases, phaseSummary)
	}

	if err := e.store.MarkResolved(ctx, scope, snapshot.Version); err != nil {
		summary.Error = fmt.Sprintf("marking resolved: %v", err)
	}
	e.cache.InvalidateScope(snapshot.Partition, optsBranch(opts), scope)

	summary.State = StateComplete
	return summary, nil
}

func optsBranch(opts Options) string {
	if opts.Branch == "" {
		return cache.DefaultBranch
	}
	return opts.Branch
}

func executingState(phase store.Phase) State {
	switch phase {
	case store.PhasePre:
		return StateExecutingPre
	case store.PhaseOnResolve:
		return StateExecutingOnResolve
	default:
		return StateExecutingPost
	}
}

// runPhase executes every effect tagged to the phase, priority ascending
// then declaration order, sequentially. A failing effect is recorded and
// the next one still runs. snapshot is advanced in place so later effects
// observe earlier writes.
func (e *Engine) runPhase(ctx context.Context, resolutionID string, phase store.Phase, owned []store.Effect, snapshot **store.EntitySnapshot) PhaseSummary {
	phaseEffects := make([]store.Effect, 0, len(owned))
	for _, eff := range owned {
		if eff.Phase == phase {
			phaseEffects = append(phaseEffects, eff)
		}
	}
	sort.SliceStable(phaseEffects, func(i, j int) bool {
		if phaseEffects[i].Priority != phaseEffects[j].Priority {
			return phaseEffects[i].Priority < phaseEffects[j].Priority
		}
		return phaseEffects[i].Position < phaseEffects[j].Position
	})

	ps := PhaseSummary{Phase: phase, Outcomes: make([]EffectOutcome, 0, len(phaseEffects))}
	for _, eff := range phaseEffects {
		ps.Attempted++
		outcome := e.applyEffect(ctx, resolutionID, eff, snapshot)
		if outcome.Status == OutcomeSucceeded {
			ps.Succeeded++
		} else {
			ps.Failed++
		}
		metrics.Effects.WithLabelValues(string(phase), outcome.Status).Inc()
		ps.Outcomes = append(ps.Outcomes, outcome)
	}
	return ps
}

// applyEffect validates, applies, and persists one effect atomically: the
// entity update and audit record stand or fall together with the effect.
func (e *Engine) applyEffect(ctx context.Context, resolutionID string, eff store.Effect, snapshot **store.EntitySnapshot) EffectOutcome {
	outcome := EffectOutcome{
		EffectID: eff.ID,
		Name:     eff.Name,
		Phase:    eff.Phase,
		Priority: eff.Priority,
	}
	cur := *snapshot

	if err := e.validator.Validate(cur.Scope.Type, eff.Ops); err != nil {
		outcome.Status = OutcomeFailed
		outcome.Error = err.Error()
		e.audit(ctx, resolutionID, eff, outcome)
		return outcome
	}

	newFields, changed, err := patch.Apply(cur.Fields, eff.Ops)
	if err != nil {
		outcome.Status = OutcomeFailed
		outcome.Error = err.Error()
		e.audit(ctx, resolutionID, eff, outcome)
		return outcome
	}

	persisted, err := e.store.PersistEntityUpdate(ctx, cur.Scope, newFields, cur.Version)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			outcome.Status = OutcomeConflict
			outcome.Error = store.ErrVersionConflict.Error()
			// An external writer advanced the entity; refetch so the
			// remaining effects run against fresh state. Retrying the
			// conflicted effect is the caller's decision.
			if fresh, ferr := e.store.FetchEntity(ctx, cur.Scope); ferr == nil {
				*snapshot = fresh
			}
		} else {
			outcome.Status = OutcomeFailed
			outcome.Error = err.Error()
		}
		e.audit(ctx, resolutionID, eff, outcome)
		return outcome
	}

	*snapshot = persisted
	outcome.Status = OutcomeSucceeded
	outcome.ChangedPaths = changed
	e.audit(ctx, resolutionID, eff, outcome)
	return outcome
}

func (e *Engine) audit(ctx context.Context, resolutionID string, eff store.Effect, outcome EffectOutcome) {
	rec := store.AuditRecord{
		ID:           uuid.NewString(),
		ResolutionID: resolutionID,
		Partition:    eff.Partition,
		EffectID:     eff.ID,
		Phase:        eff.Phase,
		Outcome:      outcome.Status,
		ChangedPaths: outcome.ChangedPaths,
		Error:        outcome.Error,
		At:           time.Now().UTC(),
	}
	if err := e.store.AppendAuditRecord(ctx, rec); err != nil {
		log.Printf("appending audit record for effect %s: %v", eff.ID, err)
	}
}
