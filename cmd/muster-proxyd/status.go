package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusConfigDir string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Connect to every configured backend once and report which are ready",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusConfigDir, "config", ".", "Directory containing config.yaml")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	application, err := buildApp(ctx, statusConfigDir)
	if err != nil {
		return err
	}
	application.start(ctx)
	defer application.stop()

	// Give in-flight connect attempts a moment to settle before reporting,
	// since AddBackend only schedules the connect and returns immediately.
	time.Sleep(500 * time.Millisecond)

	conns := application.outboundMgr.All()
	if len(conns) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no backends configured")
		return nil
	}
	for _, conn := range conns {
		fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", conn.Name, conn.Status())
	}
	return nil
}
