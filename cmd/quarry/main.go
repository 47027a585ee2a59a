package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quarrylabs/quarry/cmd/quarry/commands"
	"github.com/quarrylabs/quarry/logger"
)

var rootCmd = &cobra.Command{
	Use:   "quarry",
	Short: "Quarry - document ingestion queue and worker",
	Long: `Quarry - durable document ingestion pipeline.

Quarry pulls uploaded documents through extraction and structured processing,
backed by a priority work queue in SQLite. Workers claim one file at a time,
retry transient failures with backoff, and broadcast per-file and per-job
status over WebSocket.

Available commands:
  worker  - Run a worker process against the shared queue
  serve   - Start the operational HTTP server and status WebSocket
  enqueue - Queue a file for extraction and processing
  queue   - Inspect and control the work queue
  db      - Manage database operations

Examples:
  quarry worker                  # Run a worker in the foreground
  quarry serve                   # Start the ops server
  quarry serve --with-worker     # Ops server plus an embedded worker
  quarry enqueue file-123        # Queue a file at default priority
  quarry queue stats --peek 5    # Queue depth plus the next five items`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs instead of console output")

	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.EnqueueCmd)
	rootCmd.AddCommand(commands.QueueCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
