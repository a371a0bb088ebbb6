package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	var projectName string
	var partition string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold a new fateforge project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(projectName) == "" {
				return fmt.Errorf("--name is required")
			}
			if strings.TrimSpace(partition) == "" {
				partition = "campaign/" + projectName
			}
			return runInit(projectName, partition)
		},
	}
	cmd.Flags().StringVar(&projectName, "name", "", "Project name")
	cmd.Flags().StringVar(&partition, "partition", "", "Partition key (defaults to campaign/<name>)")
	return cmd
}

func runInit(projectName, partition string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("%s already exists", configPath)
	}

	configContents := fmt.Sprintf(`project: %s
version: 1
partition: %s
branch: main

database:
  dsn: sqlite://%s.db

cache:
  ttl: 0s

definitions:
  - ./definitions/

allowlists:
  event:
    - stage
    - casualties
    - aftermath
  settlement:
    - population
    - tax_rate
`, projectName, partition, projectName)

	if err := os.WriteFile(configPath, []byte(configContents), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", configPath, err)
	}

	if err := os.MkdirAll("definitions", 0o750); err != nil {
		return fmt.Errorf("creating definitions directory: %w", err)
	}

	examplePath := filepath.Join("definitions", "example.yaml")
	if _, err := os.Stat(examplePath); err == nil {
		return nil
	}
	exampleContents := fmt.Sprintf(`partition: %s
variables:
  - scope: {type: settlement, id: example}
    name: population
    value: 1000
  - scope: {type: settlement, id: example}
    name: tax_rate
    value: 0.1
  - scope: {type: settlement, id: example}
    name: tax_income
    formula:
      "*":
        - var: population
        - var: tax_rate
`, partition)
	if err := os.WriteFile(examplePath, []byte(exampleContents), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", examplePath, err)
	}

	return nil
}
