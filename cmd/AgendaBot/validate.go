package main

import (
	"fmt"

	"github.com/Hugoapk93/agendabot/internal/flowconfig"
	"github.com/Hugoapk93/agendabot/internal/models"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <flow file>",
	Short: "Check a flow definition for errors",
	Long:  `Parses a YAML or JSON flow file and reports unknown step kinds, dangling targets and self-loops.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(cmd, args[0])
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, path string) error {
	flow, err := flowconfig.Load(path)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Flow is valid: %d steps, initial step %s\n", len(flow.IDs), models.InitialStep)
	return nil
}
