package queue

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/quarrylabs/quarry/errors"
)

// Queue is the shared work queue. Items sort by (score, enqueued_at): lower
// scores dequeue first, ties go to the oldest entry. The score is the item's
// priority plus any retry backoff offset, so delayed retries simply sort
// behind fresher work instead of blocking a worker.
//
// Multiple worker processes may poll one queue concurrently; the atomic pop
// is a single DELETE..RETURNING statement, so no two callers ever receive
// the same row. The queue does not de-duplicate on enqueue - callers check
// Contains/InFlight first.
type Queue struct {
	db *sql.DB
	mu sync.Mutex
}

// NewQueue creates a work queue on top of an open database.
func NewQueue(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue inserts a work item. A zero Score is seeded from the priority so
// plain enqueues sort purely by priority; retry paths pass an explicit score
// carrying the backoff offset.
func (q *Queue) Enqueue(ctx context.Context, item *Item) error {
	if item.FileID == "" || item.JobID == "" {
		return errors.New("work item requires file and job ids")
	}
	if item.Mode == "" {
		item.Mode = ModeNormal
	}
	if !IsValidMode(string(item.Mode)) {
		return errors.Newf("invalid work item mode: %s", item.Mode)
	}
	if item.Score == 0 {
		item.Score = float64(item.Priority)
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO work_queue (file_id, job_id, priority, score, mode, retries, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.FileID, item.JobID, item.Priority, item.Score, item.Mode, item.Retries, item.EnqueuedAt,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to enqueue work item")
		err = errors.WithDetailf(err, "File ID: %s", item.FileID)
		err = errors.WithDetailf(err, "Job ID: %s", item.JobID)
		return err
	}
	return nil
}

// Dequeue atomically removes and returns the lowest-scored item, or
// (nil, nil) when the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	row := q.db.QueryRowContext(ctx, `
		DELETE FROM work_queue
		WHERE rowid = (
			SELECT rowid FROM work_queue
			ORDER BY score ASC, enqueued_at ASC, rowid ASC
			LIMIT 1
		)
		RETURNING file_id, job_id, priority, score, mode, retries, enqueued_at`)

	var item Item
	err := row.Scan(&item.FileID, &item.JobID, &item.Priority, &item.Score, &item.Mode, &item.Retries, &item.EnqueuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to dequeue work item")
	}
	return &item, nil
}

// Contains reports whether a file currently has a queued (not yet claimed)
// work item.
func (q *Queue) Contains(ctx context.Context, fileID string) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM work_queue WHERE file_id = ?`, fileID,
	).Scan(&n)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check queue for file %s", fileID)
	}
	return n > 0, nil
}

// Remove drops any still-queued items for a file. It has no effect on work
// already claimed by a worker. Returns the number of items removed.
func (q *Queue) Remove(ctx context.Context, fileID string) (int, error) {
	result, err := q.db.ExecContext(ctx,
		`DELETE FROM work_queue WHERE file_id = ?`, fileID,
	)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to remove queued items for file %s", fileID)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(n), nil
}

// MarkInFlight records that a worker claimed the file's work item. Replacing
// an existing marker refreshes its claim timestamp (a retry keeps the file
// logically in flight).
func (q *Queue) MarkInFlight(ctx context.Context, fileID string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO work_inflight (file_id, claimed_at) VALUES (?, ?)
		ON CONFLICT(file_id) DO UPDATE SET claimed_at = excluded.claimed_at`,
		fileID, time.Now().UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to mark file %s in flight", fileID)
	}
	return nil
}

// ClearInFlight removes the file's in-flight marker.
func (q *Queue) ClearInFlight(ctx context.Context, fileID string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM work_inflight WHERE file_id = ?`, fileID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to clear in-flight marker for file %s", fileID)
	}
	return nil
}

// InFlight reports whether some worker currently owns the file's work item.
func (q *Queue) InFlight(ctx context.Context, fileID string) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM work_inflight WHERE file_id = ?`, fileID,
	).Scan(&n)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check in-flight marker for file %s", fileID)
	}
	return n > 0, nil
}

// ClearStuck drops in-flight markers whose claim is older than olderThan and
// returns the affected file ids, so callers can re-queue work a dead worker
// abandoned. It cannot abort a collaborator call still running somewhere.
func (q *Queue) ClearStuck(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	rows, err := q.db.QueryContext(ctx,
		`DELETE FROM work_inflight WHERE claimed_at < ? RETURNING file_id`, cutoff,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to clear stuck in-flight markers")
	}
	defer rows.Close()

	var fileIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan stuck file id")
		}
		fileIDs = append(fileIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating stuck markers")
	}
	return fileIDs, nil
}

// Pause stops all workers from dequeuing. The flag lives in the database so
// every worker process observes it.
func (q *Queue) Pause(ctx context.Context) error {
	return q.setPaused(ctx, true)
}

// Resume re-enables dequeuing.
func (q *Queue) Resume(ctx context.Context) error {
	return q.setPaused(ctx, false)
}

func (q *Queue) setPaused(ctx context.Context, paused bool) error {
	v := 0
	if paused {
		v = 1
	}
	_, err := q.db.ExecContext(ctx,
		`UPDATE queue_control SET paused = ? WHERE id = 1`, v,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to set queue paused=%v", paused)
	}
	return nil
}

// IsPaused reports the shared pause flag.
func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	var paused int
	err := q.db.QueryRowContext(ctx,
		`SELECT paused FROM queue_control WHERE id = 1`,
	).Scan(&paused)
	if err != nil {
		return false, errors.Wrap(err, "failed to read queue pause flag")
	}
	return paused != 0, nil
}

// Clear drops every queued item and in-flight marker. Operational/test use.
func (q *Queue) Clear(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM work_queue`); err != nil {
		return errors.Wrap(err, "failed to clear work queue")
	}
	if _, err := q.db.ExecContext(ctx, `DELETE FROM work_inflight`); err != nil {
		return errors.Wrap(err, "failed to clear in-flight set")
	}
	return nil
}

// Stats returns queue depth, in-flight count, the pause flag, and a peek of
// the next peek items in dequeue order.
func (q *Queue) Stats(ctx context.Context, peek int) (*Stats, error) {
	stats := &Stats{}

	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM work_queue`).Scan(&stats.Depth); err != nil {
		return nil, errors.Wrap(err, "failed to count queued items")
	}
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM work_inflight`).Scan(&stats.InFlight); err != nil {
		return nil, errors.Wrap(err, "failed to count in-flight items")
	}
	paused, err := q.IsPaused(ctx)
	if err != nil {
		return nil, err
	}
	stats.Paused = paused

	if peek <= 0 {
		return stats, nil
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT file_id, job_id, priority, score, mode, retries, enqueued_at
		FROM work_queue
		ORDER BY score ASC, enqueued_at ASC, rowid ASC
		LIMIT ?`, peek,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to peek queue")
	}
	defer rows.Close()

	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.FileID, &item.JobID, &item.Priority, &item.Score, &item.Mode, &item.Retries, &item.EnqueuedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan peeked item")
		}
		stats.Next = append(stats.Next, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating peeked items")
	}
	return stats, nil
}
