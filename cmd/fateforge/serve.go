package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"fateforge/internal/config"
	"fateforge/internal/mcp"
	"fateforge/internal/metrics"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server over stdio",
		RunE:  runServe,
	}
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
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

	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}

	defer startMetricsServer(cfg.Metrics.Addr)()

	eng := newEngine(cfg, db)
	server := mcp.NewServer(eng, db, cfg.Partition, cfg.Branch, version)
	return server.Run(ctx, &sdk.StdioTransport{})
}

// startMetricsServer serves prometheus metrics on addr, or does nothing
// when addr is empty. The returned func shuts the server down.
func startMetricsServer(addr string) func() {
	if addr == "" {
		return func() {}
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server: %v", err)
		}
	}()
	return func() { srv.Close() }
}
