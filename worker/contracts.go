// Package worker runs the scheduler loop: claim a work item, drive the
// file's extraction and processing stages through their collaborators, and
// re-queue or fail on error with exponential backoff.
package worker

import (
	"context"
	"encoding/json"

	"github.com/quarrylabs/quarry/store"
)

// JobStore is the persistence surface the scheduler needs. Implemented by
// *store.Store; tests substitute fakes.
type JobStore interface {
	GetJob(ctx context.Context, id string) (*store.Job, error)
	GetFile(ctx context.Context, id string) (*store.File, error)
	ListFilesByJob(ctx context.Context, jobID string) ([]*store.File, error)
	UpdateJobStatus(ctx context.Context, jobID string, status store.JobStatus) (*store.Job, error)
	UpdateExtractionStatus(ctx context.Context, fileID string, u store.ExtractionUpdate) (*store.File, error)
	UpdateProcessingStatus(ctx context.Context, fileID string, u store.ProcessingUpdate) (*store.File, error)
}

// ExtractRequest asks the extraction collaborator to pull text and layout
// artifacts out of a stored document.
type ExtractRequest struct {
	StorageKey string         `json:"storage_key"`
	Filename   string         `json:"filename"`
	Method     string         `json:"method"`
	Options    map[string]any `json:"options,omitempty"`
}

// ExtractResult carries the artifacts a successful extraction produced.
type ExtractResult struct {
	Text           string          `json:"text"`
	Markdown       string          `json:"markdown,omitempty"`
	Tables         json.RawMessage `json:"tables,omitempty"`
	Pages          json.RawMessage `json:"pages,omitempty"`
	ElapsedSeconds float64         `json:"elapsed_seconds"`
}

// Extractor is the extraction collaborator. An error return means the stage
// failed and flows through the retry policy.
type Extractor interface {
	Extract(ctx context.Context, req ExtractRequest) (*ExtractResult, error)
}

// ProcessRequest asks the processing collaborator to turn extracted content
// into structured output conforming to the job's schema.
type ProcessRequest struct {
	Content      string          `json:"content"`
	Schema       json.RawMessage `json:"schema,omitempty"`
	SchemaName   string          `json:"schema_name,omitempty"`
	Method       string          `json:"method"`
	Model        string          `json:"model,omitempty"`
	ModelOptions map[string]any  `json:"model_options,omitempty"`
}

// ProcessResult carries the structured output of a successful processing run.
type ProcessResult struct {
	Data           json.RawMessage `json:"data"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	ElapsedSeconds float64         `json:"elapsed_seconds"`
}

// Processor is the processing collaborator.
type Processor interface {
	Process(ctx context.Context, req ProcessRequest) (*ProcessResult, error)
}
