package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/quarrylabs/quarry/errors"
)

// StageStatus is the state of one pipeline stage for a file. Extraction and
// processing run their own independent instances of this machine:
// pending -> processing -> completed, with processing -> pending on a retry
// and processing -> failed once retries are exhausted.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageProcessing StageStatus = "processing"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
)

// IsValidStageStatus returns true if the string is a valid StageStatus.
func IsValidStageStatus(s string) bool {
	switch StageStatus(s) {
	case StagePending, StageProcessing, StageCompleted, StageFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the stage can make no further progress on its
// own. pending and failed are the only states manual re-queue accepts;
// completed requires an explicit reprocess.
func (s StageStatus) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// File is one uploaded document belonging to a job.
type File struct {
	ID                string          `json:"id"`
	JobID             string          `json:"job_id"`
	Filename          string          `json:"filename"`
	Size              int64           `json:"size"`
	StorageKey        string          `json:"storage_key,omitempty"`
	ContentHash       string          `json:"content_hash,omitempty"`
	ExtractionStatus  StageStatus     `json:"extraction_status"`
	ProcessingStatus  StageStatus     `json:"processing_status"`
	Text              string          `json:"text,omitempty"`
	Markdown          string          `json:"markdown,omitempty"`
	Tables            json.RawMessage `json:"tables,omitempty"`
	Pages             json.RawMessage `json:"pages,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	ResultMetadata    json.RawMessage `json:"result_metadata,omitempty"`
	ExtractionError   string          `json:"extraction_error,omitempty"`
	ProcessingError   string          `json:"processing_error,omitempty"`
	ExtractionSeconds *float64        `json:"extraction_seconds,omitempty"`
	ProcessingSeconds *float64        `json:"processing_seconds,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	ProcessedAt       *time.Time      `json:"processed_at,omitempty"`
}

// NewFile creates a pending/pending file record for a job.
func NewFile(jobID, filename string, size int64, storageKey, contentHash string) (*File, error) {
	if jobID == "" {
		return nil, errors.New("file requires a job id")
	}
	if filename == "" {
		return nil, errors.New("file requires a filename")
	}
	return &File{
		ID:               uuid.New().String(),
		JobID:            jobID,
		Filename:         filename,
		Size:             size,
		StorageKey:       storageKey,
		ContentHash:      contentHash,
		ExtractionStatus: StagePending,
		ProcessingStatus: StagePending,
		CreatedAt:        time.Now().UTC(),
	}, nil
}

// ExtractionUpdate is the set of fields UpdateExtractionStatus may write.
// Nil artifact pointers leave the stored value untouched, so the same update
// applied twice leaves the record unchanged.
type ExtractionUpdate struct {
	Status         StageStatus
	Text           *string
	Markdown       *string
	Tables         json.RawMessage
	Pages          json.RawMessage
	Error          *string
	ElapsedSeconds *float64
}

// ProcessingUpdate is the set of fields UpdateProcessingStatus may write.
type ProcessingUpdate struct {
	Status         StageStatus
	Result         json.RawMessage
	Metadata       json.RawMessage
	Error          *string
	ElapsedSeconds *float64
}
