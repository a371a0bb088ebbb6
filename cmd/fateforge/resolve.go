package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"fateforge/internal/config"
	"fateforge/internal/engine"
	"fateforge/internal/store"
)

func resolveCmd() *cobra.Command {
	var contextJSON string
	cmd := &cobra.Command{
		Use:   "resolve <scope-type> <id>",
		Short: "Resolve an event or encounter, applying its effects in phase order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(args[0], args[1], contextJSON)
		},
	}
	cmd.Flags().StringVar(&contextJSON, "context", "", "Extra context values as a JSON object")
	return cmd
}

func runResolve(scopeType, scopeID, contextJSON string) error {
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
	summary, resolveErr := eng.ResolveEntity(ctx, scope, extra, engine.Options{Branch: cfg.Branch})
	if summary != nil {
		printSummary(os.Stdout, summary)
	}
	return resolveErr
}

func printSummary(out *os.File, summary *engine.ResolutionSummary) {
	fmt.Fprintf(out, "Resolution %s: %s (%s)\n", summary.ResolutionID, summary.Entity, summary.State)
	for _, phase := range summary.Phases {
		fmt.Fprintf(out, "  %s: %d attempted, %d succeeded, %d failed\n",
			phase.Phase, phase.Attempted, phase.Succeeded, phase.Failed)
		for _, outcome := range phase.Outcomes {
			line := fmt.Sprintf("    - %s [%d] %s", outcome.EffectID, outcome.Priority, outcome.Status)
			if outcome.Error != "" {
				line += ": " + outcome.Error
			}
			fmt.Fprintln(out, line)
		}
	}
	if summary.Error != "" {
		fmt.Fprintf(out, "Error: %s\n", summary.Error)
	}
}

func parseContextFlag(contextJSON string) (map[string]any, error) {
	if contextJSON == "" {
		return nil, nil
	}
	var extra map[string]any
	if err := json.Unmarshal([]byte(contextJSON), &extra); err != nil {
		return nil, fmt.Errorf("parsing --context: %w", err)
	}
	return extra, nil
}
