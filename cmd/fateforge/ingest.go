package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"fateforge/internal/config"
	"fateforge/internal/ingest"
	"fateforge/internal/lint"
)

var ingestPrune bool

func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load definition documents into the store",
		RunE:  runIngest,
	}
	cmd.Flags().BoolVar(&ingestPrune, "prune", false, "Soft-delete stored definitions no document declares anymore")
	return cmd
}

func runIngest(cmd *cobra.Command, args []string) error {
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

	notify, err := openNotifier(db, cfg)
	if err != nil {
		return err
	}

	result, err := ingest.Run(ctx, cfg, db, notify, ingest.Options{Prune: ingestPrune})
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stdout, "Ingestion complete.")
	fmt.Fprintf(os.Stdout, "  Files parsed:       %d\n", result.FilesParsed)
	fmt.Fprintf(os.Stdout, "  Files skipped:      %d\n", result.FilesSkipped)
	fmt.Fprintf(os.Stdout, "  Variables upserted: %d\n", result.VariablesUpserted)
	fmt.Fprintf(os.Stdout, "  Conditions upserted: %d\n", result.ConditionsUpserted)
	fmt.Fprintf(os.Stdout, "  Effects upserted:   %d\n", result.EffectsUpserted)
	if ingestPrune {
		fmt.Fprintf(os.Stdout, "  Definitions pruned: %d\n", result.DefinitionsPruned)
	}

	blocked := false
	if len(result.Issues) > 0 {
		fmt.Fprintf(os.Stdout, "\nIssues (%d):\n", len(result.Issues))
		printIssues(os.Stdout, result.Issues)
		for _, issue := range result.Issues {
			if issue.Severity == lint.SeverityError {
				blocked = true
			}
		}
	}
	if blocked {
		return fmt.Errorf("definitions failed checks; nothing was written")
	}
	if len(result.Errors) > 0 {
		fmt.Fprintf(os.Stdout, "\nErrors (%d):\n", len(result.Errors))
		for _, item := range result.Errors {
			fmt.Fprintf(os.Stdout, "  - %v\n", item)
		}
		return fmt.Errorf("ingestion completed with errors")
	}

	return nil
}
