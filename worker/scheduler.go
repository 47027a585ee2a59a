package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quarrylabs/quarry/broadcast"
	"github.com/quarrylabs/quarry/errors"
	"github.com/quarrylabs/quarry/queue"
	"github.com/quarrylabs/quarry/store"
)

const (
	stageExtraction = "extraction"
	stageProcessing = "processing"
)

// Config contains scheduler tuning knobs.
type Config struct {
	PollInterval time.Duration `json:"poll_interval"` // How often to check for new work when idle
	MaxRetries   int           `json:"max_retries"`   // Attempts per stage; the MaxRetries-th failure is terminal
	BaseDelay    time.Duration `json:"base_delay"`    // First retry delay; doubles per attempt
	StuckAfter   time.Duration `json:"stuck_after"`   // In-flight claims older than this are orphans
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		MaxRetries:   3,
		BaseDelay:    5 * time.Second,
		StuckAfter:   time.Hour,
	}
}

// Scheduler drives the poll-claim-process loop. One Scheduler processes one
// item at a time; horizontal scale comes from running more worker processes
// against the same database, which the queue's atomic pop makes safe.
//
// Errors never escape the per-item boundary: a failing item is retried with
// backoff or marked failed, and the loop moves on.
type Scheduler struct {
	queue     *queue.Queue
	store     JobStore
	extractor Extractor
	processor Processor
	sink      broadcast.StatusSink
	limiter   *rate.Limiter
	config    Config
	logger    *zap.SugaredLogger

	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewScheduler creates a scheduler with explicit dependencies. sink may be
// nil (no status events); limiter may be nil (no rate gate on processing
// calls). Zero Config fields fall back to defaults.
func NewScheduler(ctx context.Context, q *queue.Queue, st JobStore, extractor Extractor, processor Processor, sink broadcast.StatusSink, limiter *rate.Limiter, cfg Config, logger *zap.SugaredLogger) *Scheduler {
	defaults := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaults.BaseDelay
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = defaults.StuckAfter
	}
	if sink == nil {
		sink = broadcast.NopSink{}
	}

	workerCtx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		queue:     q,
		store:     st,
		extractor: extractor,
		processor: processor,
		sink:      sink,
		limiter:   limiter,
		config:    cfg,
		logger:    logger.Named("worker"),
		parentCtx: ctx,
		ctx:       workerCtx,
		cancel:    cancel,
	}
}

// Start recovers orphaned work and begins the polling loop.
func (s *Scheduler) Start() {
	select {
	case <-s.ctx.Done():
		// Restart after a previous Stop
		s.ctx, s.cancel = context.WithCancel(s.parentCtx)
	default:
	}

	if err := s.recoverOrphans(s.ctx); err != nil {
		s.logger.Warnw("Failed to recover orphaned work", "error", err)
		// Continue starting even if recovery fails
	}

	s.wg.Add(1)
	go s.run()

	s.logger.Infow("Scheduler started",
		"poll_interval", s.config.PollInterval,
		"max_retries", s.config.MaxRetries,
		"base_delay", s.config.BaseDelay,
	)
}

// Stop cancels the loop and waits for the in-progress item, with a timeout
// so shutdown never blocks indefinitely on a slow collaborator call.
func (s *Scheduler) Stop() {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timeout := 30 * time.Second
	select {
	case <-done:
		s.logger.Infow("Scheduler stopped")
	case <-time.After(timeout):
		s.logger.Warnw("Scheduler stop timeout, work item may still be running", "timeout", timeout)
	}
}

// recoverOrphans sweeps in-flight markers left by a crashed process and
// re-queues their files so no work is silently lost.
func (s *Scheduler) recoverOrphans(ctx context.Context) error {
	fileIDs, err := s.queue.ClearStuck(ctx, s.config.StuckAfter)
	if err != nil {
		return errors.Wrap(err, "failed to clear stuck in-flight markers")
	}
	if len(fileIDs) == 0 {
		return nil
	}

	s.logger.Infow("Recovering work orphaned by a previous crash", "count", len(fileIDs))

	for _, fileID := range fileIDs {
		queued, err := s.queue.Contains(ctx, fileID)
		if err != nil {
			s.logger.Warnw("Failed to check queue during recovery", "file_id", fileID, "error", err)
			continue
		}
		if queued {
			continue
		}

		file, err := s.store.GetFile(ctx, fileID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			s.logger.Warnw("Failed to load file during recovery", "file_id", fileID, "error", err)
			continue
		}

		item := &queue.Item{FileID: file.ID, JobID: file.JobID, Mode: queue.ModeNormal}
		if err := s.queue.Enqueue(ctx, item); err != nil {
			s.logger.Warnw("Failed to re-queue orphaned file", "file_id", fileID, "error", err)
			continue
		}
		s.logger.Infow("Re-queued orphaned file", "file_id", fileID, "job_id", file.JobID)
	}
	return nil
}

// run polls the queue on a ticker, draining it completely each time work is
// found.
func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.drain()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.drain()
		}
	}
}

// drain processes items until the queue is empty, paused, or the context is
// cancelled.
func (s *Scheduler) drain() {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		paused, err := s.queue.IsPaused(s.ctx)
		if err != nil {
			s.logger.Errorw("Failed to read queue pause flag", "error", err)
			return
		}
		if paused {
			return
		}

		item, err := s.queue.Dequeue(s.ctx)
		if err != nil {
			s.logger.Errorw("Failed to dequeue work item", "error", err)
			return
		}
		if item == nil {
			return
		}

		if err := s.processItem(s.ctx, item); err != nil {
			s.logger.Errorw("Work item processing error",
				"file_id", item.FileID,
				"job_id", item.JobID,
				"error", err,
			)
		}
	}
}

// ProcessOne dequeues and processes a single item. Returns (false, nil) when
// the queue was empty or paused. Used by tests and the one-shot CLI path.
func (s *Scheduler) ProcessOne(ctx context.Context) (bool, error) {
	paused, err := s.queue.IsPaused(ctx)
	if err != nil {
		return false, err
	}
	if paused {
		return false, nil
	}

	item, err := s.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, nil
	}
	return true, s.processItem(ctx, item)
}

// processItem owns one dequeued item end to end: mark in-flight, run the
// stages the mode calls for, and resolve the outcome (success, scheduled
// retry, or terminal failure) exactly once.
func (s *Scheduler) processItem(ctx context.Context, item *queue.Item) error {
	if err := s.queue.MarkInFlight(ctx, item.FileID); err != nil {
		// The marker is best-effort liveness metadata; losing it does not
		// affect correctness of the item itself.
		s.logger.Warnw("Failed to mark file in flight", "file_id", item.FileID, "error", err)
	}

	log := s.logger.With(
		"file_id", item.FileID,
		"job_id", item.JobID,
		"mode", item.Mode,
		"retries", item.Retries,
	)

	file, err := s.store.GetFile(ctx, item.FileID)
	if errors.Is(err, store.ErrNotFound) {
		// Terminal: nothing to update, nothing to retry.
		log.Warnw("File record missing, dropping work item")
		s.clearInFlight(ctx, item.FileID)
		return nil
	}
	if err != nil {
		s.clearInFlight(ctx, item.FileID)
		return errors.Wrap(err, "failed to load file record")
	}

	job, err := s.store.GetJob(ctx, item.JobID)
	if errors.Is(err, store.ErrNotFound) {
		// The file row still exists, so leave a recorded failure behind
		// instead of a file stuck at pending.
		log.Warnw("Job record missing, failing file")
		stage := stageExtraction
		if file.ExtractionStatus == store.StageCompleted {
			stage = stageProcessing
		}
		cause := errors.Newf("job %s not found", item.JobID)
		return s.failTerminally(ctx, item, stage, cause.Error(), ClassifyError(stage, cause), item.Retries)
	}
	if err != nil {
		s.clearInFlight(ctx, item.FileID)
		return errors.Wrap(err, "failed to load job record")
	}

	if job.Status == store.JobQueued {
		if updated, err := s.store.UpdateJobStatus(ctx, job.ID, store.JobProcessing); err != nil {
			log.Warnw("Failed to mark job processing", "error", err)
		} else {
			job = updated
			s.publishJobStatus(job)
		}
	}

	p := planFor(item.Mode, file)
	log.Debugw("Processing work item",
		"extraction", p.runExtraction,
		"processing", p.runProcessing,
		"extraction_status", file.ExtractionStatus,
		"processing_status", file.ProcessingStatus,
	)

	if p.runExtraction {
		file, err = s.runExtraction(ctx, item, job, file)
		if err != nil {
			return s.resolveFailure(ctx, item, stageExtraction, err)
		}
	}

	if !p.runProcessing {
		s.clearInFlight(ctx, item.FileID)
		s.aggregateJob(ctx, item.JobID)
		return nil
	}

	if job.ExtractionMode == store.TextOnly && !p.forceFull {
		// No processing collaborator for text-only jobs: the stage is
		// completed synthetically so aggregation treats the file as done.
		updated, err := s.store.UpdateProcessingStatus(ctx, file.ID, store.ProcessingUpdate{Status: store.StageCompleted})
		if err != nil {
			s.clearInFlight(ctx, item.FileID)
			return errors.Wrap(err, "failed to complete text-only processing stage")
		}
		s.publishStageStatus(item.JobID, updated, stageProcessing)
		s.clearInFlight(ctx, item.FileID)
		s.aggregateJob(ctx, item.JobID)
		return nil
	}

	if file.ExtractionStatus != store.StageCompleted {
		return s.resolveFailure(ctx, item, stageProcessing,
			errors.Newf("cannot process file with extraction status %s", file.ExtractionStatus))
	}

	if err := s.runProcessing(ctx, item, job, file); err != nil {
		return s.resolveFailure(ctx, item, stageProcessing, err)
	}

	s.clearInFlight(ctx, item.FileID)
	s.aggregateJob(ctx, item.JobID)
	return nil
}

// plan is what a work item's mode asks of the two stages.
type plan struct {
	runExtraction bool
	runProcessing bool
	forceFull     bool
}

func planFor(mode queue.Mode, file *store.File) plan {
	switch mode {
	case queue.ModeReprocess:
		// Reuse stored extraction artifacts, rerun processing only.
		return plan{runProcessing: true}
	case queue.ModeExtractionOnly:
		return plan{runExtraction: true}
	case queue.ModeBoth:
		return plan{runExtraction: true, runProcessing: true}
	case queue.ModeForceFull:
		// Rerun everything and run processing even on text-only jobs.
		return plan{runExtraction: true, runProcessing: true, forceFull: true}
	default:
		// normal: extraction only when not already completed.
		return plan{
			runExtraction: file.ExtractionStatus != store.StageCompleted,
			runProcessing: true,
		}
	}
}

func (s *Scheduler) runExtraction(ctx context.Context, item *queue.Item, job *store.Job, file *store.File) (*store.File, error) {
	updated, err := s.store.UpdateExtractionStatus(ctx, file.ID, store.ExtractionUpdate{Status: store.StageProcessing})
	if err != nil {
		return file, errors.Wrap(err, "failed to mark extraction processing")
	}
	s.publishStageStatus(item.JobID, updated, stageExtraction)

	result, err := s.extractor.Extract(ctx, ExtractRequest{
		StorageKey: file.StorageKey,
		Filename:   file.Filename,
		Method:     job.Process.ExtractionMethod,
		Options:    job.Process.ExtractionOptions,
	})
	if err != nil {
		return updated, errors.Wrap(err, "extraction failed")
	}

	update := store.ExtractionUpdate{
		Status:         store.StageCompleted,
		Text:           &result.Text,
		ElapsedSeconds: &result.ElapsedSeconds,
		Tables:         result.Tables,
		Pages:          result.Pages,
	}
	if result.Markdown != "" {
		update.Markdown = &result.Markdown
	}

	updated, err = s.store.UpdateExtractionStatus(ctx, file.ID, update)
	if err != nil {
		return file, errors.Wrap(err, "failed to persist extraction result")
	}
	s.publishStageStatus(item.JobID, updated, stageExtraction)
	return updated, nil
}

func (s *Scheduler) runProcessing(ctx context.Context, item *queue.Item, job *store.Job, file *store.File) error {
	updated, err := s.store.UpdateProcessingStatus(ctx, file.ID, store.ProcessingUpdate{Status: store.StageProcessing})
	if err != nil {
		return errors.Wrap(err, "failed to mark processing stage")
	}
	s.publishStageStatus(item.JobID, updated, stageProcessing)

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, "rate limiter wait aborted")
		}
	}

	// Markdown keeps the document structure the model can lean on; raw text
	// is the fallback when the extractor produced none.
	content := file.Text
	if file.Markdown != "" {
		content = file.Markdown
	}

	result, err := s.processor.Process(ctx, ProcessRequest{
		Content:      content,
		Schema:       job.Schema,
		SchemaName:   job.SchemaName,
		Method:       job.Process.ProcessingMethod,
		Model:        job.Process.Model,
		ModelOptions: job.Process.ModelOptions,
	})
	if err != nil {
		return errors.Wrap(err, "processing failed")
	}

	if err := job.ValidateAgainstSchema(result.Data); err != nil {
		return errors.Wrap(err, "processing result rejected")
	}

	updated, err = s.store.UpdateProcessingStatus(ctx, file.ID, store.ProcessingUpdate{
		Status:         store.StageCompleted,
		Result:         result.Data,
		Metadata:       result.Metadata,
		ElapsedSeconds: &result.ElapsedSeconds,
	})
	if err != nil {
		return errors.Wrap(err, "failed to persist processing result")
	}
	s.publishStageStatus(item.JobID, updated, stageProcessing)
	return nil
}

// resolveFailure applies the uniform retry policy: while the failure count
// stays under MaxRetries the stage resets to pending and the item re-enters
// the queue with a doubled backoff offset; the MaxRetries-th failure is
// terminal, so an item never gets more than MaxRetries attempts.
func (s *Scheduler) resolveFailure(ctx context.Context, item *queue.Item, stage string, cause error) error {
	errCtx := ClassifyError(stage, cause)
	msg := cause.Error()
	failures := item.Retries + 1 // this attempt included

	log := s.logger.With(
		"file_id", item.FileID,
		"job_id", item.JobID,
		"stage", stage,
		"error_code", errCtx.Code,
		"failures", failures,
	)

	if failures < s.config.MaxRetries {
		delay := s.backoff(item.Retries)

		if err := s.recordStageStatus(ctx, item, stage, store.StagePending, msg); err != nil {
			log.Warnw("Failed to reset stage for retry", "error", err)
		}

		retry := &queue.Item{
			FileID:   item.FileID,
			JobID:    item.JobID,
			Priority: item.Priority,
			Score:    float64(item.Priority) + float64(delay.Milliseconds()),
			Mode:     item.Mode,
			Retries:  failures,
		}
		if err := s.queue.Enqueue(ctx, retry); err != nil {
			// Could not schedule the retry: fail terminally rather than
			// leave the file in limbo.
			log.Errorw("Failed to schedule retry, failing stage", "error", err)
			return s.failTerminally(ctx, item, stage, msg, errCtx, failures)
		}

		// In-flight marker is kept until the retry is claimed.
		s.sink.Publish(topicForJob(item.JobID), "file_retrying", fileFailurePayload{
			FileID:  item.FileID,
			JobID:   item.JobID,
			Stage:   stage,
			Code:    string(errCtx.Code),
			Error:   msg,
			Retries: failures,
			DelayMS: delay.Milliseconds(),
		})
		log.Infow("Retry scheduled",
			"attempt", failures,
			"max_retries", s.config.MaxRetries,
			"delay", delay,
		)
		return nil
	}

	log.Warnw("Max retries exceeded, failing stage", "max_retries", s.config.MaxRetries)
	return s.failTerminally(ctx, item, stage, msg, errCtx, failures)
}

func (s *Scheduler) failTerminally(ctx context.Context, item *queue.Item, stage, msg string, errCtx ErrorContext, failures int) error {
	if err := s.recordStageStatus(ctx, item, stage, store.StageFailed, msg); err != nil {
		s.logger.Errorw("Failed to record terminal stage failure",
			"file_id", item.FileID,
			"stage", stage,
			"error", err,
		)
	}
	s.clearInFlight(ctx, item.FileID)
	s.sink.Publish(topicForJob(item.JobID), "file_failed", fileFailurePayload{
		FileID:  item.FileID,
		JobID:   item.JobID,
		Stage:   stage,
		Code:    string(errCtx.Code),
		Error:   msg,
		Retries: failures,
	})
	s.aggregateJob(ctx, item.JobID)
	return nil
}

func (s *Scheduler) recordStageStatus(ctx context.Context, item *queue.Item, stage string, status store.StageStatus, msg string) error {
	var err error
	if stage == stageExtraction {
		_, err = s.store.UpdateExtractionStatus(ctx, item.FileID, store.ExtractionUpdate{Status: status, Error: &msg})
	} else {
		_, err = s.store.UpdateProcessingStatus(ctx, item.FileID, store.ProcessingUpdate{Status: status, Error: &msg})
	}
	return err
}

// backoff returns BaseDelay * 2^retries.
func (s *Scheduler) backoff(retries int) time.Duration {
	return s.config.BaseDelay * time.Duration(1<<retries)
}

// aggregateJob recomputes the job status from its files and broadcasts the
// result. Failures here are logged, never propagated: the per-file outcome
// is already durable.
func (s *Scheduler) aggregateJob(ctx context.Context, jobID string) {
	files, err := s.store.ListFilesByJob(ctx, jobID)
	if err != nil {
		s.logger.Warnw("Failed to list files for job aggregation", "job_id", jobID, "error", err)
		return
	}

	status := store.ComputeJobStatus(files)
	job, err := s.store.UpdateJobStatus(ctx, jobID, status)
	if err != nil {
		s.logger.Warnw("Failed to update aggregated job status", "job_id", jobID, "status", status, "error", err)
		return
	}
	s.publishJobStatus(job)
}

func (s *Scheduler) clearInFlight(ctx context.Context, fileID string) {
	if err := s.queue.ClearInFlight(ctx, fileID); err != nil {
		s.logger.Warnw("Failed to clear in-flight marker", "file_id", fileID, "error", err)
	}
}

func topicForJob(jobID string) string {
	return "job-" + jobID
}

type stageStatusPayload struct {
	FileID  string `json:"file_id"`
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Elapsed any    `json:"elapsed_seconds,omitempty"`
}

type fileFailurePayload struct {
	FileID  string `json:"file_id"`
	JobID   string `json:"job_id"`
	Stage   string `json:"stage"`
	Code    string `json:"code"`
	Error   string `json:"error"`
	Retries int    `json:"retries"`
	DelayMS int64  `json:"delay_ms,omitempty"`
}

type jobStatusPayload struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func (s *Scheduler) publishStageStatus(jobID string, file *store.File, stage string) {
	payload := stageStatusPayload{
		FileID: file.ID,
		JobID:  jobID,
	}
	event := "extraction_status"
	if stage == stageProcessing {
		event = "processing_status"
		payload.Status = string(file.ProcessingStatus)
		payload.Error = file.ProcessingError
		if file.ProcessingSeconds != nil {
			payload.Elapsed = *file.ProcessingSeconds
		}
	} else {
		payload.Status = string(file.ExtractionStatus)
		payload.Error = file.ExtractionError
		if file.ExtractionSeconds != nil {
			payload.Elapsed = *file.ExtractionSeconds
		}
	}
	s.sink.Publish(topicForJob(jobID), event, payload)
}

func (s *Scheduler) publishJobStatus(job *store.Job) {
	s.sink.Publish(topicForJob(job.ID), "job_status", jobStatusPayload{
		JobID:  job.ID,
		Status: string(job.Status),
	})
}
