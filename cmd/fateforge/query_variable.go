package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"fateforge/internal/config"
	"fateforge/internal/engine"
	"fateforge/internal/store"
)

func queryVariableCmd() *cobra.Command {
	var trace bool
	var contextJSON string
	cmd := &cobra.Command{
		Use:   "variable <scope-type> <id> <name>",
		Short: "Evaluate a stored or derived variable",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueryVariable(args[0], args[1], args[2], contextJSON, trace)
		},
	}
	cmd.Flags().BoolVar(&trace, "trace", false, "Print the evaluation trace")
	cmd.Flags().StringVar(&contextJSON, "context", "", "Extra context values as a JSON object")
	return cmd
}

func runQueryVariable(scopeType, scopeID, name, contextJSON string, trace bool) error {
	ctx := context.Background()

	cfg, err := config.LoadProjectConfig(configPath)
	if err != nil {
		return err
	}

	extra, err := parseContextFlag(contextJSON)
	if err != nil {
		return err
	}

	scope := store.Scope{Type: store.ScopeType(scopeType), ID: scopeID}
	if err := scope.Validate(); err != nil {
		return err
	}

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close(ctx)

	eng := newEngine(cfg, db)
	result, err := eng.EvaluateVariable(ctx, scope, name, extra, engine.Options{Branch: cfg.Branch, Trace: trace})
	if err != nil {
		return err
	}

	if !result.OK {
		fmt.Fprintf(os.Stdout, "%s: evaluation failed: %s\n", result.NodeKey, result.Err)
		return fmt.Errorf("evaluation failed")
	}
	fmt.Fprintf(os.Stdout, "%s = %v\n", result.NodeKey, result.Value)
	if trace {
		for _, step := range result.Trace {
			fmt.Fprintf(os.Stdout, "  %s %s -> %v\n", step.Op, step.Detail, step.Value)
		}
	}
	return nil
}
