package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"fateforge/internal/config"
	"fateforge/internal/store"
	"fateforge/internal/subscriber"
)

func invalidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invalidate [node-key]",
		Short: "Evict cached evaluations after an out-of-band change",
		Long: "Evict cached evaluations after an out-of-band change. With a " +
			"node key only the key and its transitive dependents are evicted; " +
			"without one the whole partition is reset. On postgres the " +
			"invalidation is also broadcast to running listeners.",
		Args: cobra.MaximumNArgs(1),
		RunE: runInvalidate,
	}
	return cmd
}

func runInvalidate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.LoadProjectConfig(configPath)
	if err != nil {
		return err
	}

	var key store.NodeKey
	if len(args) == 1 {
		key = store.NodeKey(args[0])
	}

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close(ctx)

	eng := newEngine(cfg, db)
	if err := eng.Invalidate(ctx, cfg.Partition, cfg.Branch, key); err != nil {
		return err
	}

	notify, err := openNotifier(db, cfg)
	if err != nil {
		return err
	}
	if notify != nil {
		notify.Publish(subscriber.Message{
			Type:      subscriber.TypeDefinitionChanged,
			Partition: cfg.Partition,
			Branch:    cfg.Branch,
			NodeKey:   key,
		})
	}

	if key == "" {
		fmt.Fprintf(os.Stdout, "Invalidated partition %s.\n", cfg.Partition)
	} else {
		fmt.Fprintf(os.Stdout, "Invalidated %s and its dependents.\n", key)
	}
	return nil
}
