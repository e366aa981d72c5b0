package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Exit codes, following the same convention the teacher documents for its
// own CLI (general failure vs config failure).
const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1
	ExitCodeConfig  = 2
)

var rootCmd = &cobra.Command{
	Use:           "muster-proxyd",
	Short:         "Aggregate multiple MCP backends behind one tag-filterable MCP endpoint",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute is the CLI entry point called from main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(ExitCodeError)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
}
