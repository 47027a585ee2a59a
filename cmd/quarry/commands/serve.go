package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quarrylabs/quarry/broadcast"
	"github.com/quarrylabs/quarry/config"
	"github.com/quarrylabs/quarry/errors"
	"github.com/quarrylabs/quarry/logger"
	"github.com/quarrylabs/quarry/queue"
	"github.com/quarrylabs/quarry/server"
	"github.com/quarrylabs/quarry/store"
)

// ServeCmd starts the operational HTTP server
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the operational HTTP server and status WebSocket",
	Long: `Start the operational HTTP server.

The server exposes enqueue and queue-control endpoints, job status queries,
and a WebSocket hub that broadcasts per-file and per-job status events to
subscribed clients.

With --with-worker an embedded worker runs in the same process, so a single
binary covers small deployments.

Example:
  quarry serve                   # Ops server only
  quarry serve --with-worker     # Ops server plus an embedded worker`,
	RunE: runServe,
}

var (
	serveDBPath     string
	serveWithWorker bool
)

func init() {
	ServeCmd.Flags().StringVar(&serveDBPath, "db-path", "", "Custom database path (overrides config)")
	ServeCmd.Flags().BoolVar(&serveWithWorker, "with-worker", false, "Run an embedded worker in this process")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	database, err := openDatabase(serveDBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := queue.NewQueue(database)
	st := store.NewStore(database)
	hub := broadcast.NewHub(logger.Logger, cfg.Server.AllowedOrigins)
	srv := server.NewServer(cfg.Server, st, q, hub, logger.Logger)

	if serveWithWorker {
		// Status events from the embedded worker flow straight into the hub.
		scheduler := buildScheduler(ctx, database, cfg, hub)
		scheduler.Start()
		defer scheduler.Stop()
		fmt.Println("Embedded worker started")
	}

	fmt.Printf("Server listening on port %d\n", cfg.Server.Port)
	fmt.Println("Press Ctrl+C for graceful shutdown")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		cancel()
	}()

	return srv.Run(ctx)
}
