package store

import (
	"database/sql"

	"github.com/quarrylabs/quarry/errors"
)

// jobScanArgs holds the nullable columns scanned for a job row.
type jobScanArgs struct {
	SchemaJSON    sql.NullString
	ProcessConfig sql.NullString
	Summary       sql.NullString
}

func jobSelectColumns() string {
	return `id, name, schema_name, schema_json, status, extraction_mode,
		process_config, org_id, user_id, summary, created_at, updated_at`
}

func jobScanTargets(job *Job, args *jobScanArgs) []any {
	return []any{
		&job.ID,
		&job.Name,
		&job.SchemaName,
		&args.SchemaJSON,
		&job.Status,
		&job.ExtractionMode,
		&args.ProcessConfig,
		&job.OrgID,
		&job.UserID,
		&args.Summary,
		&job.CreatedAt,
		&job.UpdatedAt,
	}
}

// processJobScanArgs populates the job from nullable scan targets. The
// process config JSON is parsed here, once, at the read boundary.
func processJobScanArgs(job *Job, args *jobScanArgs) error {
	if args.SchemaJSON.Valid {
		job.Schema = []byte(args.SchemaJSON.String)
	}
	if args.ProcessConfig.Valid {
		process, err := UnmarshalProcessConfig(args.ProcessConfig.String)
		if err != nil {
			return errors.Wrapf(err, "bad process config for job %s", job.ID)
		}
		job.Process = process
	}
	if args.Summary.Valid {
		job.Summary = args.Summary.String
	}
	return nil
}

// fileScanArgs holds the nullable columns scanned for a file row.
type fileScanArgs struct {
	Text              sql.NullString
	Markdown          sql.NullString
	Tables            sql.NullString
	Pages             sql.NullString
	Result            sql.NullString
	ResultMetadata    sql.NullString
	ExtractionError   sql.NullString
	ProcessingError   sql.NullString
	ExtractionSeconds sql.NullFloat64
	ProcessingSeconds sql.NullFloat64
	ProcessedAt       sql.NullTime
}

func fileSelectColumns() string {
	return `id, job_id, filename, size_bytes, storage_key, content_hash,
		extraction_status, processing_status,
		text, markdown, tables_json, pages_json,
		result_json, result_metadata,
		extraction_error, processing_error,
		extraction_seconds, processing_seconds,
		created_at, processed_at`
}

func fileScanTargets(file *File, args *fileScanArgs) []any {
	return []any{
		&file.ID,
		&file.JobID,
		&file.Filename,
		&file.Size,
		&file.StorageKey,
		&file.ContentHash,
		&file.ExtractionStatus,
		&file.ProcessingStatus,
		&args.Text,
		&args.Markdown,
		&args.Tables,
		&args.Pages,
		&args.Result,
		&args.ResultMetadata,
		&args.ExtractionError,
		&args.ProcessingError,
		&args.ExtractionSeconds,
		&args.ProcessingSeconds,
		&file.CreatedAt,
		&args.ProcessedAt,
	}
}

func processFileScanArgs(file *File, args *fileScanArgs) {
	if args.Text.Valid {
		file.Text = args.Text.String
	}
	if args.Markdown.Valid {
		file.Markdown = args.Markdown.String
	}
	if args.Tables.Valid {
		file.Tables = []byte(args.Tables.String)
	}
	if args.Pages.Valid {
		file.Pages = []byte(args.Pages.String)
	}
	if args.Result.Valid {
		file.Result = []byte(args.Result.String)
	}
	if args.ResultMetadata.Valid {
		file.ResultMetadata = []byte(args.ResultMetadata.String)
	}
	if args.ExtractionError.Valid {
		file.ExtractionError = args.ExtractionError.String
	}
	if args.ProcessingError.Valid {
		file.ProcessingError = args.ProcessingError.String
	}
	if args.ExtractionSeconds.Valid {
		file.ExtractionSeconds = &args.ExtractionSeconds.Float64
	}
	if args.ProcessingSeconds.Valid {
		file.ProcessingSeconds = &args.ProcessingSeconds.Float64
	}
	if args.ProcessedAt.Valid {
		file.ProcessedAt = &args.ProcessedAt.Time
	}
}

// scanFileFromRows scans a single file inside a rows loop.
func scanFileFromRows(rows *sql.Rows, file *File) error {
	args := &fileScanArgs{}
	if err := rows.Scan(fileScanTargets(file, args)...); err != nil {
		return err
	}
	processFileScanArgs(file, args)
	return nil
}
