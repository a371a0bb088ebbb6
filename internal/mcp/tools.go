package mcp

import (
	"context"
	"fmt"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"fateforge/internal/engine"
	"fateforge/internal/expr"
	"fateforge/internal/store"
)

type EvaluateVariableInput struct {
	ScopeType string         `json:"scope_type" jsonschema:"entity type owning the variable"`
	ScopeID   string         `json:"scope_id,omitempty" jsonschema:"entity id, empty for world scope"`
	Name      string         `json:"name" jsonschema:"variable name"`
	Context   map[string]any `json:"context,omitempty" jsonschema:"extra context values overriding stored state"`
	Trace     bool           `json:"trace,omitempty" jsonschema:"include the evaluation trace"`
}

type EvaluateConditionInput struct {
	ID      string         `json:"id" jsonschema:"condition id"`
	Context map[string]any `json:"context,omitempty" jsonschema:"extra context values overriding stored state"`
	Trace   bool           `json:"trace,omitempty" jsonschema:"include the evaluation trace"`
}

type BuildContextInput struct {
	ScopeType        string `json:"scope_type" jsonschema:"entity type"`
	ScopeID          string `json:"scope_id,omitempty" jsonschema:"entity id, empty for world scope"`
	IncludeVariables bool   `json:"include_variables,omitempty" jsonschema:"resolve the scope's variables into the context"`
}

type ResolveEntityInput struct {
	ScopeType string         `json:"scope_type" jsonschema:"event or encounter"`
	ScopeID   string         `json:"scope_id" jsonschema:"entity id"`
	Context   map[string]any `json:"context,omitempty" jsonschema:"extra context values for the resolution"`
}

type GetEvaluationOrderInput struct{}

type InvalidateInput struct {
	NodeKey string `json:"node_key,omitempty" jsonschema:"changed definition key, empty to reset the whole partition"`
}

type ListDefinitionsInput struct {
	Kind string `json:"kind,omitempty" jsonschema:"variable, condition, or effect; empty for all"`
}

type EvaluateVariableOutput struct {
	NodeKey string      `json:"node_key"`
	Value   any         `json:"value"`
	OK      bool        `json:"ok"`
	Error   string      `json:"error,omitempty"`
	Trace   []expr.Step `json:"trace,omitempty"`
}

type EvaluateConditionOutput struct {
	ConditionID string      `json:"condition_id"`
	Result      bool        `json:"result"`
	Value       any         `json:"value"`
	Degraded    bool        `json:"degraded,omitempty"`
	Trace       []expr.Step `json:"trace,omitempty"`
}

type BuildContextOutput struct {
	Context map[string]any `json:"context"`
}

type GetEvaluationOrderOutput struct {
	Order []string `json:"order"`
}

type InvalidateOutput struct {
	Partition string `json:"partition"`
	NodeKey   string `json:"node_key,omitempty"`
}

type VariableOutput struct {
	Scope   string `json:"scope"`
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Value   any    `json:"value,omitempty"`
	Formula any    `json:"formula,omitempty"`
	Version int64  `json:"version"`
}

type ConditionOutput struct {
	ID         string `json:"id"`
	Owner      string `json:"owner"`
	Name       string `json:"name,omitempty"`
	Expression any    `json:"expression"`
	ExportAs   string `json:"export_as,omitempty"`
	Version    int64  `json:"version"`
}

type EffectOutput struct {
	ID       string          `json:"id"`
	Owner    string          `json:"owner"`
	Name     string          `json:"name,omitempty"`
	Phase    store.Phase     `json:"phase"`
	Priority int             `json:"priority"`
	Ops      []store.PatchOp `json:"ops"`
	Version  int64           `json:"version"`
}

type ListDefinitionsOutput struct {
	Variables  []VariableOutput  `json:"variables,omitempty"`
	Conditions []ConditionOutput `json:"conditions,omitempty"`
	Effects    []EffectOutput    `json:"effects,omitempty"`
}

func (s *Server) registerTools() {
	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "evaluate_variable",
		Description: "Evaluate a stored or derived variable in a scope",
	}, s.handleEvaluateVariable)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "evaluate_condition",
		Description: "Evaluate a condition by id against current world state",
	}, s.handleEvaluateCondition)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "build_context",
		Description: "Assemble an entity's merged evaluation context",
	}, s.handleBuildContext)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "resolve_entity",
		Description: "Resolve an event or encounter, applying its effects in phase order",
	}, s.handleResolveEntity)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "get_evaluation_order",
		Description: "Return the partition's dependency-ordered evaluation sequence",
	}, s.handleGetEvaluationOrder)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "invalidate",
		Description: "Evict cached evaluations after an out-of-band change",
	}, s.handleInvalidate)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "list_definitions",
		Description: "List the partition's active variables, conditions, and effects",
	}, s.handleListDefinitions)
}

func (s *Server) scopeFromInput(scopeType, scopeID string) (store.Scope, error) {
	scope := store.Scope{Type: store.ScopeType(scopeType), ID: scopeID}
	if err := scope.Validate(); err != nil {
		return store.Scope{}, err
	}
	return scope, nil
}

func (s *Server) opts(trace bool) engine.Options {
	return engine.Options{Branch: s.branch, Trace: trace}
}

func (s *Server) handleEvaluateVariable(ctx context.Context, req *sdk.CallToolRequest, input EvaluateVariableInput) (*sdk.CallToolResult, EvaluateVariableOutput, error) {
	if input.Name == "" {
		return nil, EvaluateVariableOutput{}, fmt.Errorf("name is required")
	}
	scope, err := s.scopeFromInput(input.ScopeType, input.ScopeID)
	if err != nil {
		return nil, EvaluateVariableOutput{}, err
	}
	result, err := s.engine.EvaluateVariable(ctx, scope, input.Name, input.Context, s.opts(input.Trace))
	if err != nil {
		return nil, EvaluateVariableOutput{}, err
	}
	return nil, EvaluateVariableOutput{
		NodeKey: string(result.NodeKey),
		Value:   result.Value,
		OK:      result.OK,
		Error:   result.Err,
		Trace:   result.Trace,
	}, nil
}

func (s *Server) handleEvaluateCondition(ctx context.Context, req *sdk.CallToolRequest, input EvaluateConditionInput) (*sdk.CallToolResult, EvaluateConditionOutput, error) {
	if input.ID == "" {
		return nil, EvaluateConditionOutput{}, fmt.Errorf("id is required")
	}
	outcome, err := s.engine.EvaluateCondition(ctx, input.ID, input.Context, s.opts(input.Trace))
	if err != nil {
		return nil, EvaluateConditionOutput{}, err
	}
	return nil, EvaluateConditionOutput{
		ConditionID: outcome.ConditionID,
		Result:      outcome.Result,
		Value:       outcome.Value,
		Degraded:    outcome.Degraded,
		Trace:       outcome.Trace,
	}, nil
}

func (s *Server) handleBuildContext(ctx context.Context, req *sdk.CallToolRequest, input BuildContextInput) (*sdk.CallToolResult, BuildContextOutput, error) {
	scope, err := s.scopeFromInput(input.ScopeType, input.ScopeID)
	if err != nil {
		return nil, BuildContextOutput{}, err
	}
	merged, err := s.engine.BuildContext(ctx, scope, input.IncludeVariables, s.opts(false))
	if err != nil {
		return nil, BuildContextOutput{}, err
	}
	return nil, BuildContextOutput{Context: merged}, nil
}

func (s *Server) handleResolveEntity(ctx context.Context, req *sdk.CallToolRequest, input ResolveEntityInput) (*sdk.CallToolResult, engine.ResolutionSummary, error) {
	scope, err := s.scopeFromInput(input.ScopeType, input.ScopeID)
	if err != nil {
		return nil, engine.ResolutionSummary{}, err
	}
	summary, err := s.engine.ResolveEntity(ctx, scope, input.Context, s.opts(false))
	if err != nil {
		if summary != nil {
			// Validation and cycle failures still carry a useful summary.
			summary.Error = err.Error()
			return nil, *summary, nil
		}
		return nil, engine.ResolutionSummary{}, err
	}
	return nil, *summary, nil
}

func (s *Server) handleGetEvaluationOrder(ctx context.Context, req *sdk.CallToolRequest, input GetEvaluationOrderInput) (*sdk.CallToolResult, GetEvaluationOrderOutput, error) {
	order, err := s.engine.EvaluationOrder(ctx, s.partition)
	if err != nil {
		return nil, GetEvaluationOrderOutput{}, err
	}
	keys := make([]string, 0, len(order))
	for _, key := range order {
		keys = append(keys, string(key))
	}
	return nil, GetEvaluationOrderOutput{Order: keys}, nil
}

func (s *Server) handleInvalidate(ctx context.Context, req *sdk.CallToolRequest, input InvalidateInput) (*sdk.CallToolResult, InvalidateOutput, error) {
	if err := s.engine.Invalidate(ctx, s.partition, s.branch, store.NodeKey(input.NodeKey)); err != nil {
		return nil, InvalidateOutput{}, err
	}
	return nil, InvalidateOutput{Partition: s.partition, NodeKey: input.NodeKey}, nil
}

func (s *Server) handleListDefinitions(ctx context.Context, req *sdk.CallToolRequest, input ListDefinitionsInput) (*sdk.CallToolResult, ListDefinitionsOutput, error) {
	switch input.Kind {
	case "", "variable", "condition", "effect":
	default:
		return nil, ListDefinitionsOutput{}, fmt.Errorf("unknown definition kind %q", input.Kind)
	}

	var output ListDefinitionsOutput

	if input.Kind == "" || input.Kind == "variable" {
		variables, err := s.defs.FetchActiveVariables(ctx, s.partition)
		if err != nil {
			return nil, ListDefinitionsOutput{}, err
		}
		for _, v := range variables {
			output.Variables = append(output.Variables, VariableOutput{
				Scope:   v.Scope.String(),
				Name:    v.Name,
				Kind:    string(v.Kind),
				Value:   v.Value,
				Formula: v.Formula,
				Version: v.Version,
			})
		}
	}

	if input.Kind == "" || input.Kind == "condition" {
		conditions, err := s.defs.FetchActiveConditions(ctx, s.partition)
		if err != nil {
			return nil, ListDefinitionsOutput{}, err
		}
		for _, c := range conditions {
			output.Conditions = append(output.Conditions, ConditionOutput{
				ID:         c.ID,
				Owner:      c.Owner.String(),
				Name:       c.Name,
				Expression: c.Expression,
				ExportAs:   c.ExportAs,
				Version:    c.Version,
			})
		}
	}

	if input.Kind == "" || input.Kind == "effect" {
		effects, err := s.defs.FetchActiveEffects(ctx, s.partition)
		if err != nil {
			return nil, ListDefinitionsOutput{}, err
		}
		for _, e := range effects {
			output.Effects = append(output.Effects, EffectOutput{
				ID:       e.ID,
				Owner:    e.Owner.String(),
				Name:     e.Name,
				Phase:    e.Phase,
				Priority: e.Priority,
				Ops:      e.Ops,
				Version:  e.Version,
			})
		}
	}

	return nil, output, nil
}
