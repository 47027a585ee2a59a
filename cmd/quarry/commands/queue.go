package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/quarrylabs/quarry/errors"
	"github.com/quarrylabs/quarry/queue"
)

// QueueCmd groups queue inspection and control subcommands
var QueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and control the work queue",
	Long: `Inspect and control the work queue.

Examples:
  quarry queue stats              # Depth, in-flight count, paused flag
  quarry queue stats --peek 5     # Also show the next five items
  quarry queue pause              # Stop workers from claiming new items
  quarry queue resume             # Resume claiming
  quarry queue remove file-123    # Drop a pending item
  quarry queue clear              # Drop every pending item
  quarry queue clear-stuck        # Release orphaned in-flight claims`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue depth, in-flight count, and paused state",
	RunE:  runQueueStats,
}

var queuePauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the queue",
	Long:  "Pause the queue. Items stay queued and enqueueing still works, but workers stop claiming until resume.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(func(ctx context.Context, q *queue.Queue) error {
			if err := q.Pause(ctx); err != nil {
				return errors.Wrap(err, "failed to pause queue")
			}
			fmt.Println("Queue paused")
			return nil
		})
	},
}

var queueResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(func(ctx context.Context, q *queue.Queue) error {
			if err := q.Resume(ctx); err != nil {
				return errors.Wrap(err, "failed to resume queue")
			}
			fmt.Println("Queue resumed")
			return nil
		})
	},
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove <file-id>",
	Short: "Remove a pending item from the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(func(ctx context.Context, q *queue.Queue) error {
			removed, err := q.Remove(ctx, args[0])
			if err != nil {
				return errors.Wrap(err, "failed to remove item")
			}
			if removed == 0 {
				return errors.Newf("file %s is not queued", args[0])
			}
			fmt.Printf("Removed %s from the queue\n", args[0])
			return nil
		})
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every pending item from the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(func(ctx context.Context, q *queue.Queue) error {
			if err := q.Clear(ctx); err != nil {
				return errors.Wrap(err, "failed to clear queue")
			}
			fmt.Println("Queue cleared")
			return nil
		})
	},
}

var queueClearStuckCmd = &cobra.Command{
	Use:   "clear-stuck",
	Short: "Release in-flight claims older than a threshold",
	Long:  "Release in-flight claims left behind by dead workers. Released files are reported so they can be re-queued.",
	RunE:  runQueueClearStuck,
}

var (
	queueDBPath          string
	queuePeekFlag        int
	queueOlderThanMinRaw int
)

func init() {
	QueueCmd.PersistentFlags().StringVar(&queueDBPath, "db-path", "", "Custom database path (overrides config)")
	queueStatsCmd.Flags().IntVar(&queuePeekFlag, "peek", 0, "Show the next N queued items")
	queueClearStuckCmd.Flags().IntVar(&queueOlderThanMinRaw, "older-than-minutes", 60, "Claim age threshold in minutes")

	QueueCmd.AddCommand(queueStatsCmd)
	QueueCmd.AddCommand(queuePauseCmd)
	QueueCmd.AddCommand(queueResumeCmd)
	QueueCmd.AddCommand(queueRemoveCmd)
	QueueCmd.AddCommand(queueClearCmd)
	QueueCmd.AddCommand(queueClearStuckCmd)
}

// withQueue opens the database, runs fn against the queue, and closes up.
func withQueue(fn func(context.Context, *queue.Queue) error) error {
	database, err := openDatabase(queueDBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	return fn(context.Background(), queue.NewQueue(database))
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	return withQueue(func(ctx context.Context, q *queue.Queue) error {
		stats, err := q.Stats(ctx, queuePeekFlag)
		if err != nil {
			return errors.Wrap(err, "failed to read queue stats")
		}

		fmt.Printf("Depth:     %d\n", stats.Depth)
		fmt.Printf("In flight: %d\n", stats.InFlight)
		fmt.Printf("Paused:    %v\n", stats.Paused)
		if len(stats.Next) > 0 {
			fmt.Println("\nNext up:")
			for _, item := range stats.Next {
				fmt.Printf("  %s  job=%s  priority=%d  score=%.0f  mode=%s  retries=%d\n",
					item.FileID, item.JobID, item.Priority, item.Score, item.Mode, item.Retries)
			}
		}
		return nil
	})
}

func runQueueClearStuck(cmd *cobra.Command, args []string) error {
	if queueOlderThanMinRaw <= 0 {
		return errors.New("older-than-minutes must be positive")
	}
	return withQueue(func(ctx context.Context, q *queue.Queue) error {
		cleared, err := q.ClearStuck(ctx, time.Duration(queueOlderThanMinRaw)*time.Minute)
		if err != nil {
			return errors.Wrap(err, "failed to clear stuck claims")
		}
		if len(cleared) == 0 {
			fmt.Println("No stuck claims found")
			return nil
		}
		fmt.Printf("Released %d stuck claim(s):\n", len(cleared))
		for _, id := range cleared {
			fmt.Printf("  %s\n", id)
		}
		return nil
	})
}
