package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fateforge/internal/config"
	"fateforge/internal/store/postgres"
	"fateforge/internal/subscriber"
)

func listenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Follow change notifications and keep the cache coherent",
		RunE:  runListen,
	}
	return cmd
}

func runListen(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadProjectConfig(configPath)
	if err != nil {
		return err
	}
	if !usesPostgres(cfg) {
		return fmt.Errorf("listen requires a postgres database, got %q", cfg.Database.DSN)
	}

	db, err := postgres.New(ctx, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close(ctx)

	listener, err := db.Listen(ctx, cfg.Database.NotifyChannel)
	if err != nil {
		return err
	}
	defer listener.Close()

	defer startMetricsServer(cfg.Metrics.Addr)()

	eng := newEngine(cfg, db)
	sub := subscriber.New(listener, eng)

	fmt.Fprintf(os.Stdout, "Listening on %s for partition %s.\n", cfg.Database.NotifyChannel, cfg.Partition)
	return sub.Run(ctx)
}
