package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"fateforge/internal/config"
	"fateforge/internal/ingest"
	"fateforge/internal/lint"
	"fateforge/internal/patch"
)

func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check definition documents without writing to the store",
		RunE:  runCheck,
	}
	return cmd
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.LoadProjectConfig(configPath)
	if err != nil {
		return err
	}

	docs, _, parseErrs, err := ingest.LoadDocuments(cfg.Definitions)
	if err != nil {
		return err
	}
	if len(parseErrs) > 0 {
		fmt.Fprintf(os.Stdout, "Parse errors (%d):\n", len(parseErrs))
		for _, item := range parseErrs {
			fmt.Fprintf(os.Stdout, "  - %v\n", item)
		}
		return fmt.Errorf("check found errors")
	}

	report, err := lint.Run(ctx, cfg.Partition, docs, patch.NewValidator(cfg.Allowlist()))
	if err != nil {
		return err
	}

	var errorIssues []lint.Issue
	var warnIssues []lint.Issue
	for _, issue := range report.Issues {
		switch issue.Severity {
		case lint.SeverityError:
			errorIssues = append(errorIssues, issue)
		case lint.SeverityWarn:
			warnIssues = append(warnIssues, issue)
		}
	}

	if len(errorIssues) == 0 && len(warnIssues) == 0 {
		fmt.Fprintln(os.Stdout, "No issues found.")
		return nil
	}

	if len(errorIssues) > 0 {
		fmt.Fprintf(os.Stdout, "Errors (%d):\n", len(errorIssues))
		printIssues(os.Stdout, errorIssues)
	}
	if len(warnIssues) > 0 {
		if len(errorIssues) > 0 {
			fmt.Fprintln(os.Stdout, "")
		}
		fmt.Fprintf(os.Stdout, "Warnings (%d):\n", len(warnIssues))
		printIssues(os.Stdout, warnIssues)
	}

	if len(errorIssues) > 0 {
		return fmt.Errorf("check found errors")
	}
	return nil
}

func printIssues(out *os.File, issues []lint.Issue) {
	for _, issue := range issues {
		location := issue.Definition
		if issue.FilePath != "" {
			location = fmt.Sprintf("%s (%s)", location, issue.FilePath)
		}
		fmt.Fprintf(out, "  - %s: %s (%s)\n", location, issue.Message, issue.Code)
	}
}
