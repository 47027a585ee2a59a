package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quarrylabs/quarry/config"
	qtest "github.com/quarrylabs/quarry/internal/testing"
	"github.com/quarrylabs/quarry/queue"
	"github.com/quarrylabs/quarry/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store, *queue.Queue) {
	t.Helper()
	db := qtest.CreateTestDB(t)
	st := store.NewStore(db)
	q := queue.NewQueue(db)
	s := NewServer(config.ServerConfig{Port: 0}, st, q, nil, zap.NewNop().Sugar())
	return s, st, q
}

func seedJobWithFile(t *testing.T, st *store.Store) (*store.Job, *store.File) {
	t.Helper()
	ctx := context.Background()
	job, err := store.NewJob("invoices", "invoice", json.RawMessage(`{"type":"object"}`),
		store.FullExtraction, store.ProcessConfig{
			ExtractionMethod: "ocr",
			ProcessingMethod: "llm",
		}, "org-1", "user-1")
	require.NoError(t, err)
	require.NoError(t, st.CreateJob(ctx, job))

	file, err := store.NewFile(job.ID, "a.pdf", 128, "uploads/a.pdf", "h")
	require.NoError(t, err)
	require.NoError(t, st.CreateFile(ctx, file))
	return job, file
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestEnqueueEndpoint(t *testing.T) {
	s, st, q := newTestServer(t)
	job, file := seedJobWithFile(t, st)

	rec := doJSON(t, s, http.MethodPost, "/api/queue/enqueue", enqueueRequest{
		FileID:   file.ID,
		JobID:    job.ID,
		Priority: 2,
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	queued, err := q.Contains(context.Background(), file.ID)
	require.NoError(t, err)
	assert.True(t, queued)
}

func TestEnqueueRejectsDuplicates(t *testing.T) {
	s, st, _ := newTestServer(t)
	job, file := seedJobWithFile(t, st)

	body := enqueueRequest{FileID: file.ID, JobID: job.ID}
	rec := doJSON(t, s, http.MethodPost, "/api/queue/enqueue", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/queue/enqueue", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestEnqueueRejectsInFlightFile(t *testing.T) {
	s, st, q := newTestServer(t)
	job, file := seedJobWithFile(t, st)

	require.NoError(t, q.MarkInFlight(context.Background(), file.ID))

	rec := doJSON(t, s, http.MethodPost, "/api/queue/enqueue", enqueueRequest{
		FileID: file.ID,
		JobID:  job.ID,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestEnqueueRejectsCompletedFileWithoutReplayMode(t *testing.T) {
	s, st, _ := newTestServer(t)
	job, file := seedJobWithFile(t, st)
	ctx := context.Background()

	_, err := st.UpdateExtractionStatus(ctx, file.ID, store.ExtractionUpdate{Status: store.StageCompleted})
	require.NoError(t, err)
	_, err = st.UpdateProcessingStatus(ctx, file.ID, store.ProcessingUpdate{Status: store.StageCompleted})
	require.NoError(t, err)

	rec := doJSON(t, s, http.MethodPost, "/api/queue/enqueue", enqueueRequest{
		FileID: file.ID, JobID: job.ID,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/queue/enqueue", enqueueRequest{
		FileID: file.ID, JobID: job.ID, Mode: string(queue.ModeExtractionOnly),
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/queue/enqueue", enqueueRequest{
		FileID: file.ID, JobID: job.ID, Mode: string(queue.ModeReprocess),
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestEnqueueAcceptsFailedFile(t *testing.T) {
	s, st, _ := newTestServer(t)
	job, file := seedJobWithFile(t, st)
	msg := "boom"

	_, err := st.UpdateExtractionStatus(context.Background(), file.ID,
		store.ExtractionUpdate{Status: store.StageFailed, Error: &msg})
	require.NoError(t, err)

	rec := doJSON(t, s, http.MethodPost, "/api/queue/enqueue", enqueueRequest{
		FileID: file.ID, JobID: job.ID,
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestEnqueueValidation(t *testing.T) {
	s, st, _ := newTestServer(t)
	job, file := seedJobWithFile(t, st)

	rec := doJSON(t, s, http.MethodPost, "/api/queue/enqueue", enqueueRequest{JobID: job.ID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/queue/enqueue", enqueueRequest{
		FileID: file.ID, JobID: job.ID, Mode: "turbo",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/queue/enqueue", enqueueRequest{
		FileID: "missing", JobID: job.ID,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/queue/enqueue", enqueueRequest{
		FileID: file.ID, JobID: "other-job",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/queue/enqueue", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRemoveItemEndpoint(t *testing.T) {
	s, st, q := newTestServer(t)
	job, file := seedJobWithFile(t, st)

	require.NoError(t, q.Enqueue(context.Background(), &queue.Item{
		FileID: file.ID, JobID: job.ID,
	}))

	rec := doJSON(t, s, http.MethodDelete, "/api/queue/items/"+file.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodDelete, "/api/queue/items/"+file.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPauseResumeEndpoints(t *testing.T) {
	s, _, q := newTestServer(t)
	ctx := context.Background()

	rec := doJSON(t, s, http.MethodPost, "/api/queue/pause", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	paused, err := q.IsPaused(ctx)
	require.NoError(t, err)
	assert.True(t, paused)

	rec = doJSON(t, s, http.MethodPost, "/api/queue/resume", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	paused, err = q.IsPaused(ctx)
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestStatsEndpoint(t *testing.T) {
	s, st, q := newTestServer(t)
	job, file := seedJobWithFile(t, st)

	require.NoError(t, q.Enqueue(context.Background(), &queue.Item{
		FileID: file.ID, JobID: job.ID, Priority: 1,
	}))

	rec := doJSON(t, s, http.MethodGet, "/api/queue/stats?peek=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats queue.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Depth)
	assert.Equal(t, 0, stats.InFlight)
	require.Len(t, stats.Next, 1)
	assert.Equal(t, file.ID, stats.Next[0].FileID)
}

func TestClearStuckEndpoint(t *testing.T) {
	s, _, q := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, q.MarkInFlight(ctx, "fresh-file"))

	rec := doJSON(t, s, http.MethodPost, "/api/queue/clear-stuck?older_than_minutes=30", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Cleared int `json:"cleared"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 0, body.Cleared)

	rec = doJSON(t, s, http.MethodPost, "/api/queue/clear-stuck?older_than_minutes=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobEndpoint(t *testing.T) {
	s, st, _ := newTestServer(t)
	job, file := seedJobWithFile(t, st)

	rec := doJSON(t, s, http.MethodGet, "/api/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, job.ID, resp.Job.ID)
	require.Len(t, resp.Files, 1)
	assert.Equal(t, file.ID, resp.Files[0].ID)

	rec = doJSON(t, s, http.MethodGet, "/api/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerRunShutdown(t *testing.T) {
	s, _, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
