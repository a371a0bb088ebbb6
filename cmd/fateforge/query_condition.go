package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"fateforge/internal/config"
	"fateforge/internal/engine"
)

func queryConditionCmd() *cobra.Command {
	var trace bool
	var contextJSON string
	cmd := &cobra.Command{
		Use:   "condition <id>",
		Short: "Evaluate a condition against current world state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueryCondition(args[0], contextJSON, trace)
		},
	}
	cmd.Flags().BoolVar(&trace, "trace", false, "Print the evaluation trace")
	cmd.Flags().StringVar(&contextJSON, "context", "", "Extra context values as a JSON object")
	return cmd
}

func runQueryCondition(id, contextJSON string, trace bool) error {
	ctx := context.Background()

	cfg, err := config.LoadProjectConfig(configPath)
	if err != nil {
		return err
	}

	extra, err := parseContextFlag(contextJSON)
	if err != nil {
		return err
	}

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close(ctx)

	eng := newEngine(cfg, db)
	outcome, err := eng.EvaluateCondition(ctx, id, extra, engine.Options{Branch: cfg.Branch, Trace: trace})
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "%s = %t (value %v)\n", outcome.ConditionID, outcome.Result, outcome.Value)
	if outcome.Degraded {
		fmt.Fprintln(os.Stdout, "  evaluated in degraded mode: some referenced values were missing")
	}
	if trace {
		for _, step := range outcome.Trace {
			fmt.Fprintf(os.Stdout, "  %s %s -> %v\n", step.Op, step.Detail, step.Value)
		}
	}
	return nil
}
