package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/quarrylabs/quarry/errors"
)

// Store persists jobs and files in SQLite. All status updates are idempotent
// upserts keyed by id; concurrent workers may apply them in any order and the
// last writer wins.
type Store struct {
	db *sql.DB
}

// NewStore creates a job/file store on top of an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateJob inserts a new job.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	processJSON, err := MarshalProcessConfig(job.Process)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO jobs (
			id, name, schema_name, schema_json, status, extraction_mode,
			process_config, org_id, user_id, summary, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	schemaJSON := sql.NullString{String: string(job.Schema), Valid: len(job.Schema) > 0}
	summary := sql.NullString{String: job.Summary, Valid: job.Summary != ""}

	_, err = s.db.ExecContext(ctx, query,
		job.ID,
		job.Name,
		job.SchemaName,
		schemaJSON,
		job.Status,
		job.ExtractionMode,
		processJSON,
		job.OrgID,
		job.UserID,
		summary,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create job")
		err = errors.WithDetailf(err, "Job ID: %s", job.ID)
		return err
	}
	return nil
}

// GetJob retrieves a job by id. Returns ErrNotFound for unknown ids.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + jobSelectColumns() + ` FROM jobs WHERE id = ?`

	var job Job
	args := &jobScanArgs{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(jobScanTargets(&job, args)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	if err := processJobScanArgs(&job, args); err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateJobStatus sets the job's denormalized status field.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status JobStatus) (*Job, error) {
	if !IsValidJobStatus(string(status)) {
		return nil, errors.Newf("invalid job status: %s", status)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), jobID,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to update job status")
		err = errors.WithDetailf(err, "Job ID: %s", jobID)
		err = errors.WithDetailf(err, "Status: %s", status)
		return nil, err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return nil, errors.Wrapf(ErrNotFound, "job %s", jobID)
	}
	return s.GetJob(ctx, jobID)
}

// UpdateJobSummary sets the job's optional summary text.
func (s *Store) UpdateJobSummary(ctx context.Context, jobID, summary string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET summary = ?, updated_at = ? WHERE id = ?`,
		summary, time.Now().UTC(), jobID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update summary for job %s", jobID)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return errors.Wrapf(ErrNotFound, "job %s", jobID)
	}
	return nil
}

// CreateFile inserts a new file record.
func (s *Store) CreateFile(ctx context.Context, file *File) error {
	query := `
		INSERT INTO files (
			id, job_id, filename, size_bytes, storage_key, content_hash,
			extraction_status, processing_status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		file.ID,
		file.JobID,
		file.Filename,
		file.Size,
		file.StorageKey,
		file.ContentHash,
		file.ExtractionStatus,
		file.ProcessingStatus,
		file.CreatedAt,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create file")
		err = errors.WithDetailf(err, "File ID: %s", file.ID)
		err = errors.WithDetailf(err, "Job ID: %s", file.JobID)
		return err
	}
	return nil
}

// GetFile retrieves a file by id. Returns ErrNotFound for unknown ids.
func (s *Store) GetFile(ctx context.Context, id string) (*File, error) {
	query := `SELECT ` + fileSelectColumns() + ` FROM files WHERE id = ?`

	var file File
	args := &fileScanArgs{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(fileScanTargets(&file, args)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "file %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get file")
	}
	processFileScanArgs(&file, args)
	return &file, nil
}

// ListFilesByJob returns every file belonging to a job in creation order.
func (s *Store) ListFilesByJob(ctx context.Context, jobID string) ([]*File, error) {
	query := `SELECT ` + fileSelectColumns() + ` FROM files WHERE job_id = ? ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list files for job %s", jobID)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		var file File
		if err := scanFileFromRows(rows, &file); err != nil {
			return nil, errors.Wrap(err, "failed to scan file")
		}
		files = append(files, &file)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating files")
	}
	return files, nil
}

// UpdateExtractionStatus writes the extraction stage state for a file.
// Artifact fields with nil pointers keep their stored values, so replaying
// an identical update leaves the record unchanged. The error column always
// reflects the update's Error field: nil clears it.
func (s *Store) UpdateExtractionStatus(ctx context.Context, fileID string, u ExtractionUpdate) (*File, error) {
	if !IsValidStageStatus(string(u.Status)) {
		return nil, errors.Newf("invalid extraction status: %s", u.Status)
	}

	query := `
		UPDATE files SET
			extraction_status  = ?,
			text               = COALESCE(?, text),
			markdown           = COALESCE(?, markdown),
			tables_json        = COALESCE(?, tables_json),
			pages_json         = COALESCE(?, pages_json),
			extraction_seconds = COALESCE(?, extraction_seconds),
			extraction_error   = ?
		WHERE id = ?
	`

	tables := sql.NullString{String: string(u.Tables), Valid: len(u.Tables) > 0}
	pages := sql.NullString{String: string(u.Pages), Valid: len(u.Pages) > 0}

	result, err := s.db.ExecContext(ctx, query,
		u.Status,
		nullString(u.Text),
		nullString(u.Markdown),
		tables,
		pages,
		nullFloat(u.ElapsedSeconds),
		nullString(u.Error),
		fileID,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to update extraction status")
		err = errors.WithDetailf(err, "File ID: %s", fileID)
		err = errors.WithDetailf(err, "Status: %s", u.Status)
		return nil, err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return nil, errors.Wrapf(ErrNotFound, "file %s", fileID)
	}
	return s.GetFile(ctx, fileID)
}

// UpdateProcessingStatus writes the processing stage state for a file.
// Completion stamps processed_at; the timestamp survives replays because it
// is only set when still null.
func (s *Store) UpdateProcessingStatus(ctx context.Context, fileID string, u ProcessingUpdate) (*File, error) {
	if !IsValidStageStatus(string(u.Status)) {
		return nil, errors.Newf("invalid processing status: %s", u.Status)
	}

	query := `
		UPDATE files SET
			processing_status  = ?,
			result_json        = COALESCE(?, result_json),
			result_metadata    = COALESCE(?, result_metadata),
			processing_seconds = COALESCE(?, processing_seconds),
			processing_error   = ?,
			processed_at       = CASE
				WHEN ? = 'completed' THEN COALESCE(processed_at, ?)
				ELSE processed_at
			END
		WHERE id = ?
	`

	resultJSON := sql.NullString{String: string(u.Result), Valid: len(u.Result) > 0}
	metadata := sql.NullString{String: string(u.Metadata), Valid: len(u.Metadata) > 0}

	result, err := s.db.ExecContext(ctx, query,
		u.Status,
		resultJSON,
		metadata,
		nullFloat(u.ElapsedSeconds),
		nullString(u.Error),
		u.Status,
		time.Now().UTC(),
		fileID,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to update processing status")
		err = errors.WithDetailf(err, "File ID: %s", fileID)
		err = errors.WithDetailf(err, "Status: %s", u.Status)
		return nil, err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return nil, errors.Wrapf(ErrNotFound, "file %s", fileID)
	}
	return s.GetFile(ctx, fileID)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
