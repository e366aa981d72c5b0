package main

import (
	"fmt"

	"mcpproxy/internal/config"

	"github.com/spf13/cobra"
)

var validateConfigDir string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load a config directory and report any invalid backend/template/preset entries",
	Args:  cobra.NoArgs,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&validateConfigDir, "config", ".", "Directory containing config.yaml")
}

func runValidate(cmd *cobra.Command, _ []string) error {
	result, err := config.Load(validateConfigDir)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%d backend(s), %d template(s), %d preset(s)\n", len(result.Servers), len(result.Templates), len(result.Presets))
	if len(result.Errors) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "config is valid")
		return nil
	}

	for _, verr := range result.Errors {
		fmt.Fprintf(cmd.OutOrStdout(), "invalid: %s\n", verr.Error())
	}
	return fmt.Errorf("%d invalid config entries", len(result.Errors))
}
