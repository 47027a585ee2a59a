package server

import (
	"net/http"
	"time"

	"github.com/quarrylabs/quarry/errors"
	"github.com/quarrylabs/quarry/queue"
	"github.com/quarrylabs/quarry/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type enqueueRequest struct {
	FileID   string `json:"file_id"`
	JobID    string `json:"job_id"`
	Priority int    `json:"priority"`
	Mode     string `json:"mode,omitempty"`
}

// handleEnqueue queues a file for processing. Requests for files already
// queued or in flight are rejected so one file never carries two live work
// items.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req enqueueRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.FileID == "" || req.JobID == "" {
		writeError(w, http.StatusBadRequest, "file_id and job_id are required")
		return
	}
	if req.Mode == "" {
		req.Mode = string(queue.ModeNormal)
	}
	if !queue.IsValidMode(req.Mode) {
		writeError(w, http.StatusBadRequest, "invalid mode: "+req.Mode)
		return
	}

	ctx := r.Context()

	file, err := s.store.GetFile(ctx, req.FileID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		s.logger.Errorw("Failed to load file for enqueue", "file_id", req.FileID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load file")
		return
	}
	if file.JobID != req.JobID {
		writeError(w, http.StatusBadRequest, "file does not belong to job")
		return
	}
	if !queue.ManualRequeueAllowed(queue.Mode(req.Mode),
		file.ExtractionStatus == store.StageCompleted,
		file.ProcessingStatus == store.StageCompleted,
	) {
		writeError(w, http.StatusConflict, "file already completed; use reprocess or force-full mode")
		return
	}

	queued, err := s.queue.Contains(ctx, req.FileID)
	if err == nil && !queued {
		var inflight bool
		inflight, err = s.queue.InFlight(ctx, req.FileID)
		queued = queued || inflight
	}
	if err != nil {
		s.logger.Errorw("Failed to check queue state", "file_id", req.FileID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to check queue state")
		return
	}
	if queued {
		writeError(w, http.StatusConflict, "file already queued or in flight")
		return
	}

	item := &queue.Item{
		FileID:   req.FileID,
		JobID:    req.JobID,
		Priority: req.Priority,
		Mode:     queue.Mode(req.Mode),
	}
	if err := s.queue.Enqueue(ctx, item); err != nil {
		s.logger.Errorw("Failed to enqueue work item", "file_id", req.FileID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue")
		return
	}

	s.logger.Infow("Work item enqueued",
		"file_id", req.FileID,
		"job_id", req.JobID,
		"priority", req.Priority,
		"mode", req.Mode,
	)
	writeJSON(w, http.StatusAccepted, item)
}

// handleRemoveItem removes a still-queued work item:
// DELETE /api/queue/items/{fileID}
func (s *Server) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodDelete) {
		return
	}

	parts := extractPathParts(r.URL.Path, "/api/queue/items/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "missing file id")
		return
	}
	fileID := parts[0]

	removed, err := s.queue.Remove(r.Context(), fileID)
	if err != nil {
		s.logger.Errorw("Failed to remove work item", "file_id", fileID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to remove item")
		return
	}
	if removed == 0 {
		writeError(w, http.StatusNotFound, "no queued item for file")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.queue.Pause(r.Context()); err != nil {
		s.logger.Errorw("Failed to pause queue", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to pause queue")
		return
	}
	s.logger.Infow("Queue paused")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.queue.Resume(r.Context()); err != nil {
		s.logger.Errorw("Failed to resume queue", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resume queue")
		return
	}
	s.logger.Infow("Queue resumed")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.queue.Clear(r.Context()); err != nil {
		s.logger.Errorw("Failed to clear queue", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to clear queue")
		return
	}
	s.logger.Warnw("Queue cleared")
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

// handleClearStuck drops in-flight markers older than older_than_minutes
// (default 60).
func (s *Server) handleClearStuck(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	minutes := parseIntQueryParam(r, "older_than_minutes", 60)
	if minutes <= 0 {
		writeError(w, http.StatusBadRequest, "older_than_minutes must be positive")
		return
	}

	cleared, err := s.queue.ClearStuck(r.Context(), time.Duration(minutes)*time.Minute)
	if err != nil {
		s.logger.Errorw("Failed to clear stuck items", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to clear stuck items")
		return
	}

	s.logger.Infow("Cleared stuck in-flight markers", "count", len(cleared))
	writeJSON(w, http.StatusOK, map[string]any{
		"cleared":  len(cleared),
		"file_ids": cleared,
	})
}

// handleStats returns queue depth, in-flight count, pause flag, and an
// optional peek of the next items (?peek=N).
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	peek := parseIntQueryParam(r, "peek", 0)
	stats, err := s.queue.Stats(r.Context(), peek)
	if err != nil {
		s.logger.Errorw("Failed to read queue stats", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type jobResponse struct {
	Job   *store.Job    `json:"job"`
	Files []*store.File `json:"files"`
}

// handleJob returns a job with its files: GET /api/jobs/{id}
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	parts := extractPathParts(r.URL.Path, "/api/jobs/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "missing job id")
		return
	}
	jobID := parts[0]

	ctx := r.Context()
	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Errorw("Failed to load job", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	files, err := s.store.ListFilesByJob(ctx, jobID)
	if err != nil {
		s.logger.Errorw("Failed to list job files", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list files")
		return
	}

	writeJSON(w, http.StatusOK, jobResponse{Job: job, Files: files})
}
