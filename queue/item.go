// Package queue implements the durable, priority-ordered work queue and the
// in-flight set shared by every worker process.
package queue

import (
	"time"
)

// Mode controls which pipeline stages a work item runs and whether prior
// results are reused.
type Mode string

const (
	// ModeNormal runs extraction if needed, then processing.
	ModeNormal Mode = "normal"
	// ModeReprocess skips extraction and replays processing from the file's
	// stored artifacts.
	ModeReprocess Mode = "reprocess"
	// ModeExtractionOnly runs extraction and stops; the processing stage is
	// never touched.
	ModeExtractionOnly Mode = "extraction-only"
	// ModeBoth runs extraction then processing.
	ModeBoth Mode = "both"
	// ModeForceFull re-runs extraction even when it already completed, then
	// runs processing.
	ModeForceFull Mode = "force-full"
)

// IsValidMode returns true if the string is a valid work-item Mode.
func IsValidMode(s string) bool {
	switch Mode(s) {
	case ModeNormal, ModeReprocess, ModeExtractionOnly, ModeBoth, ModeForceFull:
		return true
	default:
		return false
	}
}

// ManualRequeueAllowed reports whether a manual enqueue is accepted given
// the file's stage completion. Pending and failed stages may always be
// re-queued; completed work needs an explicit replay mode.
func ManualRequeueAllowed(mode Mode, extractionCompleted, processingCompleted bool) bool {
	switch mode {
	case ModeReprocess, ModeBoth, ModeForceFull:
		return true
	case ModeExtractionOnly:
		return !extractionCompleted
	default:
		return !processingCompleted
	}
}

// Item is one transient unit of scheduling. It exists only inside the queue:
// created when a file is added to a job or re-queued, destroyed when a worker
// completes it or its retries are exhausted.
type Item struct {
	FileID     string    `json:"file_id"`
	JobID      string    `json:"job_id"`
	Priority   int       `json:"priority"`
	Score      float64   `json:"score"`
	Mode       Mode      `json:"mode"`
	Retries    int       `json:"retries"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Stats is an observability snapshot of the queue. Not correctness-critical.
type Stats struct {
	Depth    int     `json:"depth"`
	InFlight int     `json:"in_flight"`
	Paused   bool    `json:"paused"`
	Next     []*Item `json:"next,omitempty"`
}
