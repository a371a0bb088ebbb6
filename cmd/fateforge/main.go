package main

import (
	"os"

	"github.com/spf13/cobra"

	"fateforge/internal/config"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "fateforge",
		Short: "Dependency-aware rules engine for campaign world state",
	}
	root.Version = version
	root.SetVersionTemplate("{{.Version}}\n")
	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Path to the project config")
	root.AddCommand(ingestCmd())
	root.AddCommand(checkCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(listenCmd())
	root.AddCommand(resolveCmd())
	root.AddCommand(queryCmd())
	root.AddCommand(invalidateCmd())
	root.AddCommand(initCmd())
	root.AddCommand(versionCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
