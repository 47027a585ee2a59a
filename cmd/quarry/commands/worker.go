package commands

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/quarrylabs/quarry/broadcast"
	"github.com/quarrylabs/quarry/config"
	"github.com/quarrylabs/quarry/errors"
	"github.com/quarrylabs/quarry/logger"
	"github.com/quarrylabs/quarry/providers"
	"github.com/quarrylabs/quarry/queue"
	"github.com/quarrylabs/quarry/store"
	"github.com/quarrylabs/quarry/worker"
)

// WorkerCmd runs a worker process in the foreground
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker process against the shared queue",
	Long: `Run a worker process in the foreground.

The worker:
- Recovers files orphaned by dead workers on startup
- Claims one file at a time from the priority queue
- Runs extraction and processing with retry and backoff
- Runs until interrupted (Ctrl+C), finishing the current file first

Horizontal scale comes from running more worker processes against the same
database.

Example:
  quarry worker                 # Run with configured poll interval
  quarry worker --db-path x.db  # Run against a specific database file`,
	RunE: runWorker,
}

var workerDBPath string

func init() {
	WorkerCmd.Flags().StringVar(&workerDBPath, "db-path", "", "Custom database path (overrides config)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	database, err := openDatabase(workerDBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &broadcast.LogSink{Logger: logger.Logger.Named("status")}
	scheduler := buildScheduler(ctx, database, cfg, sink)
	scheduler.Start()

	workerCfg := schedulerConfig(cfg)
	fmt.Println("Worker started")
	fmt.Printf("  Poll interval: %v\n", workerCfg.PollInterval)
	fmt.Printf("  Max retries: %d\n", workerCfg.MaxRetries)
	fmt.Printf("  Retry base delay: %v\n", workerCfg.BaseDelay)
	fmt.Println("\nPress Ctrl+C for graceful shutdown")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down, finishing current file...")
	scheduler.Stop()
	fmt.Println("Worker stopped")
	return nil
}

// buildScheduler wires a scheduler from configuration: queue and store on the
// shared database, HTTP collaborators for both stages, and an optional
// processing rate gate.
func buildScheduler(ctx context.Context, database *sql.DB, cfg *config.Config, sink broadcast.StatusSink) *worker.Scheduler {
	q := queue.NewQueue(database)
	st := store.NewStore(database)

	extractor := providers.NewExtractionClient(providers.ExtractionConfig{
		BaseURL: cfg.Providers.ExtractionURL,
		Timeout: time.Duration(cfg.Providers.ExtractionTimeoutMinutes) * time.Minute,
	}, logger.Logger)

	processor := providers.NewProcessingClient(providers.ProcessingConfig{
		BaseURL:     cfg.Providers.ProcessingURL,
		APIKey:      cfg.Providers.ProcessingAPIKey,
		Model:       cfg.Providers.Model,
		Temperature: float32(cfg.Providers.Temperature),
	}, logger.Logger)

	var limiter *rate.Limiter
	if n := cfg.Worker.MaxCallsPerMinute; n > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), 1)
	}

	return worker.NewScheduler(ctx, q, st, extractor, processor, sink, limiter, schedulerConfig(cfg), logger.Logger)
}

func schedulerConfig(cfg *config.Config) worker.Config {
	c := worker.DefaultConfig()
	if cfg.Worker.PollIntervalMS > 0 {
		c.PollInterval = time.Duration(cfg.Worker.PollIntervalMS) * time.Millisecond
	}
	if cfg.Worker.MaxRetries > 0 {
		c.MaxRetries = cfg.Worker.MaxRetries
	}
	if cfg.Worker.RetryBaseDelayMS > 0 {
		c.BaseDelay = time.Duration(cfg.Worker.RetryBaseDelayMS) * time.Millisecond
	}
	if cfg.Worker.StuckAfterMinutes > 0 {
		c.StuckAfter = time.Duration(cfg.Worker.StuckAfterMinutes) * time.Minute
	}
	return c
}
