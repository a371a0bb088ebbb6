// Package mcp exposes the evaluation engine over the Model Context
// Protocol so campaign tools can query and resolve world state.
package mcp

import (
	"context"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"fateforge/internal/condition"
	"fateforge/internal/engine"
	"fateforge/internal/expr"
	"fateforge/internal/store"
	"fateforge/internal/variable"
)

// Evaluator is the slice of the engine the MCP tools call.
type Evaluator interface {
	EvaluateVariable(ctx context.Context, scope store.Scope, name string, extra map[string]any, opts engine.Options) (variable.EvaluationResult, error)
	EvaluateCondition(ctx context.Context, conditionID string, extra map[string]any, opts engine.Options) (condition.Outcome, error)
	BuildContext(ctx context.Context, scope store.Scope, includeVariables bool, opts engine.Options) (expr.Context, error)
	ResolveEntity(ctx context.Context, scope store.Scope, extra map[string]any, opts engine.Options) (*engine.ResolutionSummary, error)
	EvaluationOrder(ctx context.Context, partition string) ([]store.NodeKey, error)
	Invalidate(ctx context.Context, partition, branch string, changed store.NodeKey) error
}

// DefinitionLister lists the active definitions of a partition.
type DefinitionLister interface {
	FetchActiveVariables(ctx context.Context, partition string) ([]store.Variable, error)
	FetchActiveConditions(ctx context.Context, partition string) ([]store.Condition, error)
	FetchActiveEffects(ctx context.Context, partition string) ([]store.Effect, error)
}

type Server struct {
	engine    Evaluator
	defs      DefinitionLister
	partition string
	branch    string
	mcp       *sdk.Server
}

func NewServer(eng Evaluator, defs DefinitionLister, partition, branch, version string) *Server {
	s := &Server{
		engine:    eng,
		defs:      defs,
		partition: partition,
		branch:    branch,
		mcp: sdk.NewServer(&sdk.Implementation{
			Name:    "fateforge",
			Version: version,
		}, nil),
	}
	s.registerTools()
	return s
}

func (s *Server) Run(ctx context.Context, transport sdk.Transport) error {
	return s.mcp.Run(ctx, transport)
}
