// Package store persists jobs and files and owns their status models.
package store

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/quarrylabs/quarry/errors"
)

// ErrNotFound is returned when a job or file id does not exist.
// A missing record is a condition callers handle, not a crash.
var ErrNotFound = errors.New("record not found")

// JobStatus is the lifecycle status of a job. It is a pure function of the
// job's file statuses, recomputed after each file reaches a terminal state.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobPartial    JobStatus = "partial"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// IsValidJobStatus returns true if the string is a valid JobStatus.
func IsValidJobStatus(s string) bool {
	switch JobStatus(s) {
	case JobQueued, JobProcessing, JobPartial, JobCompleted, JobFailed:
		return true
	default:
		return false
	}
}

// ExtractionMode controls whether the processing stage runs at all.
type ExtractionMode string

const (
	// FullExtraction runs both pipeline stages.
	FullExtraction ExtractionMode = "full_extraction"
	// TextOnly skips the processing stage; processing_status is marked
	// completed without invoking the processing collaborator.
	TextOnly ExtractionMode = "text_only"
)

// ProcessConfig is the typed pipeline configuration for a job. It is stored
// as a single JSON column and parsed exactly once, at the store read
// boundary.
type ProcessConfig struct {
	ExtractionMethod  string         `json:"extraction_method"`
	ExtractionOptions map[string]any `json:"extraction_options,omitempty"`
	ProcessingMethod  string         `json:"processing_method"`
	Model             string         `json:"model,omitempty"`
	ModelOptions      map[string]any `json:"model_options,omitempty"`
}

// Job identifies a user-submitted batch of files.
type Job struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	SchemaName     string          `json:"schema_name,omitempty"`
	Schema         json.RawMessage `json:"schema,omitempty"`
	Status         JobStatus       `json:"status"`
	ExtractionMode ExtractionMode  `json:"extraction_mode"`
	Process        ProcessConfig   `json:"process"`
	OrgID          string          `json:"org_id,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	Summary        string          `json:"summary,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewJob creates a queued job, validating the extraction schema and pipeline
// configuration up front so the worker never re-parses blobs per dequeue.
func NewJob(name, schemaName string, schema json.RawMessage, mode ExtractionMode, process ProcessConfig, orgID, userID string) (*Job, error) {
	if name == "" {
		return nil, errors.New("job name cannot be empty")
	}
	if mode == "" {
		mode = FullExtraction
	}
	if mode != FullExtraction && mode != TextOnly {
		return nil, errors.Newf("invalid extraction mode: %s", mode)
	}
	if mode == FullExtraction && len(schema) == 0 {
		return nil, errors.New("full extraction jobs require a schema")
	}
	if len(schema) > 0 {
		if err := CompileSchema(schema); err != nil {
			return nil, errors.Wrap(err, "invalid job schema")
		}
	}
	if process.ExtractionMethod == "" {
		return nil, errors.New("extraction method cannot be empty")
	}
	if mode == FullExtraction && process.ProcessingMethod == "" {
		return nil, errors.New("processing method cannot be empty")
	}

	now := time.Now().UTC()
	return &Job{
		ID:             uuid.New().String(),
		Name:           name,
		SchemaName:     schemaName,
		Schema:         schema,
		Status:         JobQueued,
		ExtractionMode: mode,
		Process:        process,
		OrgID:          orgID,
		UserID:         userID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// CompileSchema verifies that schema is a usable JSON Schema.
func CompileSchema(schema json.RawMessage) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("job-schema.json", bytes.NewReader(schema)); err != nil {
		return errors.Wrap(err, "failed to add schema resource")
	}
	if _, err := compiler.Compile("job-schema.json"); err != nil {
		return errors.Wrap(err, "failed to compile schema")
	}
	return nil
}

// ValidateAgainstSchema validates data against the job's schema.
func (j *Job) ValidateAgainstSchema(data json.RawMessage) error {
	if len(j.Schema) == 0 {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("job-schema.json", bytes.NewReader(j.Schema)); err != nil {
		return errors.Wrap(err, "failed to add schema resource")
	}
	schema, err := compiler.Compile("job-schema.json")
	if err != nil {
		return errors.Wrap(err, "failed to compile schema")
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return errors.Wrap(err, "result is not valid JSON")
	}
	if err := schema.Validate(v); err != nil {
		return errors.Wrap(err, "result does not match job schema")
	}
	return nil
}

// ComputeJobStatus derives the job status from its files:
// completed when every file's processing completed, partial when at least
// one did but not all, failed when none did and at least one stage failed,
// otherwise still processing.
func ComputeJobStatus(files []*File) JobStatus {
	if len(files) == 0 {
		return JobProcessing
	}
	completed := 0
	failed := 0
	for _, f := range files {
		if f.ProcessingStatus == StageCompleted {
			completed++
		}
		if f.ProcessingStatus == StageFailed || f.ExtractionStatus == StageFailed {
			failed++
		}
	}
	switch {
	case completed == len(files):
		return JobCompleted
	case completed > 0:
		return JobPartial
	case failed > 0:
		return JobFailed
	default:
		return JobProcessing
	}
}

// MarshalProcessConfig converts ProcessConfig to its JSON column value.
func MarshalProcessConfig(p ProcessConfig) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal process config")
	}
	return string(data), nil
}

// UnmarshalProcessConfig parses the JSON column value into a ProcessConfig.
func UnmarshalProcessConfig(data string) (ProcessConfig, error) {
	if data == "" {
		return ProcessConfig{}, nil
	}
	var p ProcessConfig
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return ProcessConfig{}, errors.Wrap(err, "failed to unmarshal process config")
	}
	return p, nil
}
