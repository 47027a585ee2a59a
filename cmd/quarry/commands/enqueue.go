package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quarrylabs/quarry/errors"
	"github.com/quarrylabs/quarry/queue"
	"github.com/quarrylabs/quarry/store"
)

// EnqueueCmd queues a file for extraction and processing
var EnqueueCmd = &cobra.Command{
	Use:   "enqueue <file-id>",
	Short: "Queue a file for extraction and processing",
	Long: `Queue a file for extraction and processing.

The file record must already exist. Lower priority numbers dequeue first.
Mode selects which pipeline stages run:
  normal          extraction if needed, then processing (default)
  reprocess       replay processing from stored extraction artifacts
  extraction-only extraction only, processing untouched
  both            re-run extraction, then processing
  force-full      re-run everything, including text-only files

Example:
  quarry enqueue file-123
  quarry enqueue file-123 --priority 1 --mode reprocess`,
	Args: cobra.ExactArgs(1),
	RunE: runEnqueue,
}

var (
	enqueuePriority int
	enqueueMode     string
	enqueueDBPath   string
)

func init() {
	EnqueueCmd.Flags().IntVar(&enqueuePriority, "priority", 5, "Priority (lower dequeues first)")
	EnqueueCmd.Flags().StringVar(&enqueueMode, "mode", string(queue.ModeNormal), "Pipeline mode")
	EnqueueCmd.Flags().StringVar(&enqueueDBPath, "db-path", "", "Custom database path (overrides config)")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	fileID := args[0]
	if !queue.IsValidMode(enqueueMode) {
		return errors.Newf("invalid mode %q", enqueueMode)
	}

	database, err := openDatabase(enqueueDBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := context.Background()
	q := queue.NewQueue(database)
	st := store.NewStore(database)

	file, err := st.GetFile(ctx, fileID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errors.Newf("file %s not found", fileID)
		}
		return errors.Wrap(err, "failed to look up file")
	}

	if !queue.ManualRequeueAllowed(queue.Mode(enqueueMode),
		file.ExtractionStatus == store.StageCompleted,
		file.ProcessingStatus == store.StageCompleted,
	) {
		return errors.Newf("file %s is already completed; use reprocess or force-full mode", fileID)
	}

	queued, err := q.Contains(ctx, fileID)
	if err != nil {
		return errors.Wrap(err, "failed to check queue")
	}
	inFlight, err := q.InFlight(ctx, fileID)
	if err != nil {
		return errors.Wrap(err, "failed to check in-flight set")
	}
	if queued || inFlight {
		return errors.Newf("file %s is already queued or in flight", fileID)
	}

	item := &queue.Item{
		FileID:   fileID,
		JobID:    file.JobID,
		Priority: enqueuePriority,
		Mode:     queue.Mode(enqueueMode),
	}
	if err := q.Enqueue(ctx, item); err != nil {
		return errors.Wrap(err, "failed to enqueue")
	}

	fmt.Printf("Queued %s (job %s, priority %d, mode %s)\n", fileID, file.JobID, enqueuePriority, enqueueMode)
	return nil
}
