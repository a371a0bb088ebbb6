package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"fateforge/internal/config"
	"fateforge/internal/engine"
	"fateforge/internal/store"
)

func queryContextCmd() *cobra.Command {
	var includeVariables bool
	cmd := &cobra.Command{
		Use:   "context <scope-type> <id>",
		Short: "Display an entity's merged evaluation context",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueryContext(args[0], args[1], includeVariables)
		},
	}
	cmd.Flags().BoolVar(&includeVariables, "variables", true, "Resolve the scope's variables into the context")
	return cmd
}

func runQueryContext(scopeType, scopeID string, includeVariables bool) error {
	ctx := context.Background()

	cfg, err := config.LoadProjectConfig(configPath)
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
	merged, err := eng.BuildContext(ctx, scope, includeVariables, engine.Options{Branch: cfg.Branch})
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	fmt.Fprintf(os.Stdout, "Context for %s:\n", scope)
	for _, key := range keys {
		fmt.Fprintf(os.Stdout, "  %s: %v\n", key, merged[key])
	}
	return nil
}
