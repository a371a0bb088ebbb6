package main

import "github.com/spf13/cobra"

func queryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query world state from the CLI",
	}
	cmd.AddCommand(queryVariableCmd())
	cmd.AddCommand(queryConditionCmd())
	cmd.AddCommand(queryContextCmd())
	cmd.AddCommand(queryOrderCmd())
	return cmd
}
