package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qtest "github.com/quarrylabs/quarry/internal/testing"
	"github.com/quarrylabs/quarry/internal/util"
)

var invoiceSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"vendor": {"type": "string"},
		"total":  {"type": "number"}
	},
	"required": ["vendor", "total"]
}`)

func testProcessConfig() ProcessConfig {
	return ProcessConfig{
		ExtractionMethod: "ocr",
		ExtractionOptions: map[string]any{
			"language": "en",
		},
		ProcessingMethod: "llm",
		Model:            "gpt-4o-mini",
	}
}

func createTestJob(t *testing.T, s *Store) *Job {
	t.Helper()
	job, err := NewJob("invoices-2026-08", "invoice", invoiceSchema, FullExtraction, testProcessConfig(), "org-1", "user-1")
	require.NoError(t, err)
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job
}

func createTestFile(t *testing.T, s *Store, jobID string) *File {
	t.Helper()
	file, err := NewFile(jobID, "invoice-001.pdf", 20480, "uploads/abc123", "deadbeef")
	require.NoError(t, err)
	require.NoError(t, s.CreateFile(context.Background(), file))
	return file
}

func TestCreateAndGetJob(t *testing.T) {
	s := NewStore(qtest.CreateTestDB(t))
	job := createTestJob(t, s)

	got, err := s.GetJob(context.Background(), job.ID)
	require.NoError(t, err)

	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "invoices-2026-08", got.Name)
	assert.Equal(t, JobQueued, got.Status)
	assert.Equal(t, FullExtraction, got.ExtractionMode)
	assert.JSONEq(t, string(invoiceSchema), string(got.Schema))
	// Process config is parsed at the read boundary, typed end to end.
	assert.Equal(t, "ocr", got.Process.ExtractionMethod)
	assert.Equal(t, "llm", got.Process.ProcessingMethod)
	assert.Equal(t, "gpt-4o-mini", got.Process.Model)
	assert.Equal(t, "en", got.Process.ExtractionOptions["language"])
}

func TestGetJobNotFound(t *testing.T) {
	s := NewStore(qtest.CreateTestDB(t))
	_, err := s.GetJob(context.Background(), "no-such-job")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetFileNotFound(t *testing.T) {
	s := NewStore(qtest.CreateTestDB(t))
	_, err := s.GetFile(context.Background(), "no-such-file")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewJobValidation(t *testing.T) {
	_, err := NewJob("", "invoice", invoiceSchema, FullExtraction, testProcessConfig(), "", "")
	assert.Error(t, err, "empty name rejected")

	_, err = NewJob("j", "invoice", nil, FullExtraction, testProcessConfig(), "", "")
	assert.Error(t, err, "full extraction requires a schema")

	_, err = NewJob("j", "invoice", json.RawMessage(`{"type": 17}`), FullExtraction, testProcessConfig(), "", "")
	assert.Error(t, err, "uncompilable schema rejected")

	cfg := testProcessConfig()
	cfg.ExtractionMethod = ""
	_, err = NewJob("j", "invoice", invoiceSchema, FullExtraction, cfg, "", "")
	assert.Error(t, err, "missing extraction method rejected")

	// text_only jobs never call the processing collaborator, so schema and
	// processing method are optional.
	cfg = ProcessConfig{ExtractionMethod: "pdf-text"}
	job, err := NewJob("j", "", nil, TextOnly, cfg, "", "")
	require.NoError(t, err)
	assert.Equal(t, TextOnly, job.ExtractionMode)
}

func TestFileStartsPendingPending(t *testing.T) {
	s := NewStore(qtest.CreateTestDB(t))
	job := createTestJob(t, s)
	file := createTestFile(t, s, job.ID)

	got, err := s.GetFile(context.Background(), file.ID)
	require.NoError(t, err)
	assert.Equal(t, StagePending, got.ExtractionStatus)
	assert.Equal(t, StagePending, got.ProcessingStatus)
	assert.Nil(t, got.ProcessedAt)
}

func TestUpdateExtractionStatusPersistsArtifacts(t *testing.T) {
	s := NewStore(qtest.CreateTestDB(t))
	job := createTestJob(t, s)
	file := createTestFile(t, s, job.ID)
	ctx := context.Background()

	got, err := s.UpdateExtractionStatus(ctx, file.ID, ExtractionUpdate{
		Status:         StageCompleted,
		Text:           util.Ptr("ACME Corp Invoice Total: $42.50"),
		Markdown:       util.Ptr("# ACME Corp\nTotal: $42.50"),
		Tables:         json.RawMessage(`[["Total","$42.50"]]`),
		Pages:          json.RawMessage(`[{"page":1}]`),
		ElapsedSeconds: util.Ptr(3.2),
	})
	require.NoError(t, err)

	assert.Equal(t, StageCompleted, got.ExtractionStatus)
	assert.Equal(t, "ACME Corp Invoice Total: $42.50", got.Text)
	assert.Equal(t, "# ACME Corp\nTotal: $42.50", got.Markdown)
	assert.JSONEq(t, `[["Total","$42.50"]]`, string(got.Tables))
	require.NotNil(t, got.ExtractionSeconds)
	assert.InDelta(t, 3.2, *got.ExtractionSeconds, 0.001)
	assert.Empty(t, got.ExtractionError)
}

func TestUpdateExtractionStatusIsIdempotent(t *testing.T) {
	s := NewStore(qtest.CreateTestDB(t))
	job := createTestJob(t, s)
	file := createTestFile(t, s, job.ID)
	ctx := context.Background()

	update := ExtractionUpdate{
		Status:         StageCompleted,
		Text:           util.Ptr("hello"),
		ElapsedSeconds: util.Ptr(1.5),
	}

	first, err := s.UpdateExtractionStatus(ctx, file.ID, update)
	require.NoError(t, err)
	second, err := s.UpdateExtractionStatus(ctx, file.ID, update)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestUpdateExtractionStatusRetryKeepsArtifacts(t *testing.T) {
	s := NewStore(qtest.CreateTestDB(t))
	job := createTestJob(t, s)
	file := createTestFile(t, s, job.ID)
	ctx := context.Background()

	_, err := s.UpdateExtractionStatus(ctx, file.ID, ExtractionUpdate{
		Status: StageCompleted,
		Text:   util.Ptr("first pass text"),
	})
	require.NoError(t, err)

	// Retry reset records the error without touching stored artifacts.
	got, err := s.UpdateExtractionStatus(ctx, file.ID, ExtractionUpdate{
		Status: StagePending,
		Error:  util.Ptr("provider timeout"),
	})
	require.NoError(t, err)

	assert.Equal(t, StagePending, got.ExtractionStatus)
	assert.Equal(t, "provider timeout", got.ExtractionError)
	assert.Equal(t, "first pass text", got.Text)
}

func TestUpdateProcessingStatusStampsProcessedAtOnce(t *testing.T) {
	s := NewStore(qtest.CreateTestDB(t))
	job := createTestJob(t, s)
	file := createTestFile(t, s, job.ID)
	ctx := context.Background()

	result := json.RawMessage(`{"vendor":"ACME Corp","total":42.5}`)
	first, err := s.UpdateProcessingStatus(ctx, file.ID, ProcessingUpdate{
		Status:         StageCompleted,
		Result:         result,
		ElapsedSeconds: util.Ptr(2.0),
	})
	require.NoError(t, err)
	require.NotNil(t, first.ProcessedAt)
	assert.JSONEq(t, string(result), string(first.Result))

	second, err := s.UpdateProcessingStatus(ctx, file.ID, ProcessingUpdate{
		Status:         StageCompleted,
		Result:         result,
		ElapsedSeconds: util.Ptr(2.0),
	})
	require.NoError(t, err)
	require.NotNil(t, second.ProcessedAt)
	assert.Equal(t, first.ProcessedAt.Unix(), second.ProcessedAt.Unix())
}

func TestUpdateStatusUnknownFile(t *testing.T) {
	s := NewStore(qtest.CreateTestDB(t))
	_, err := s.UpdateExtractionStatus(context.Background(), "ghost", ExtractionUpdate{Status: StageProcessing})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.UpdateProcessingStatus(context.Background(), "ghost", ProcessingUpdate{Status: StageProcessing})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateJobStatus(t *testing.T) {
	s := NewStore(qtest.CreateTestDB(t))
	job := createTestJob(t, s)

	got, err := s.UpdateJobStatus(context.Background(), job.ID, JobPartial)
	require.NoError(t, err)
	assert.Equal(t, JobPartial, got.Status)

	_, err = s.UpdateJobStatus(context.Background(), "ghost", JobCompleted)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.UpdateJobStatus(context.Background(), job.ID, "bogus")
	assert.Error(t, err)
}

func TestComputeJobStatus(t *testing.T) {
	f := func(ext, proc StageStatus) *File {
		return &File{ExtractionStatus: ext, ProcessingStatus: proc}
	}

	tests := []struct {
		name  string
		files []*File
		want  JobStatus
	}{
		{
			name:  "all completed",
			files: []*File{f(StageCompleted, StageCompleted), f(StageCompleted, StageCompleted)},
			want:  JobCompleted,
		},
		{
			name: "two completed one failed is partial",
			files: []*File{
				f(StageCompleted, StageCompleted),
				f(StageCompleted, StageCompleted),
				f(StageCompleted, StageFailed),
			},
			want: JobPartial,
		},
		{
			name:  "none completed with a failure",
			files: []*File{f(StageFailed, StagePending), f(StageCompleted, StageFailed)},
			want:  JobFailed,
		},
		{
			name:  "still in flight",
			files: []*File{f(StageCompleted, StageProcessing), f(StagePending, StagePending)},
			want:  JobProcessing,
		},
		{
			name:  "no files",
			files: nil,
			want:  JobProcessing,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ComputeJobStatus(tc.files))
		})
	}
}

func TestComputeJobStatusOrderIndependent(t *testing.T) {
	// The aggregate must not depend on completion order: every permutation
	// of the same terminal states yields the same job status.
	states := []*File{
		{ProcessingStatus: StageCompleted},
		{ProcessingStatus: StageCompleted},
		{ProcessingStatus: StageFailed},
	}
	perms := [][]int{
		{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0},
	}
	for _, p := range perms {
		ordered := []*File{states[p[0]], states[p[1]], states[p[2]]}
		assert.Equal(t, JobPartial, ComputeJobStatus(ordered))
	}
}

func TestListFilesByJob(t *testing.T) {
	s := NewStore(qtest.CreateTestDB(t))
	job := createTestJob(t, s)
	a := createTestFile(t, s, job.ID)
	b := createTestFile(t, s, job.ID)

	files, err := s.ListFilesByJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, files, 2)

	ids := []string{files[0].ID, files[1].ID}
	assert.Contains(t, ids, a.ID)
	assert.Contains(t, ids, b.ID)
}
