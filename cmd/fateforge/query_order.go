package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"fateforge/internal/config"
)

func queryOrderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Print the partition's dependency-ordered evaluation sequence",
		Args:  cobra.NoArgs,
		RunE:  runQueryOrder,
	}
	return cmd
}

func runQueryOrder(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.LoadProjectConfig(configPath)
	if err != nil {
		return err
	}

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close(ctx)

	eng := newEngine(cfg, db)
	order, err := eng.EvaluationOrder(ctx, cfg.Partition)
	if err != nil {
		return err
	}

	for i, key := range order {
		fmt.Fprintf(os.Stdout, "%3d. %s\n", i+1, key)
	}
	return nil
}
