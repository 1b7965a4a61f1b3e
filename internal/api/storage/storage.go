package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/transfer-manager/internal/api/model"
	"github.com/cuongbtq/transfer-manager/internal/domain"
	"github.com/jmoiron/sqlx"
)

type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

const jobColumns = `
	job_id, product_id, destination_path, source_path, source_host,
	status, extra_status, callback_token, external_job_handle,
	external_job_details, time_submitted, updated_at
`

// CreateJob inserts a new record. The record is written as ERROR and only
// becomes STAGING once it has been published.
func (s *Storage) CreateJob(ctx context.Context, job *model.TransferJob) error {
	query := `
		INSERT INTO transfer_jobs (
			job_id, product_id, destination_path,
			status, callback_token, time_submitted, updated_at
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $6
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.JobID,
		job.ProductID,
		job.DestinationPath,
		domain.StatusError,
		job.CallbackToken,
		job.TimeSubmitted,
	)

	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// MarkStaging promotes a freshly created record to STAGING
func (s *Storage) MarkStaging(ctx context.Context, jobID string) error {
	query := `
		UPDATE transfer_jobs
		SET status = $1,
		    updated_at = NOW()
		WHERE job_id = $2
		  AND status = $3
		  AND extra_status IS NULL
		  AND external_job_handle IS NULL
	`

	result, err := s.db.ExecContext(ctx, query, domain.StatusStaging, jobID, domain.StatusError)
	if err != nil {
		return fmt.Errorf("failed to mark job staging: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrPreconditionFailed
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", jobID),
		slog.String("status", string(domain.StatusStaging)),
	)

	return nil
}

func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*model.TransferJob, error) {
	var job model.TransferJob
	query := `SELECT ` + jobColumns + ` FROM transfer_jobs WHERE job_id = $1`

	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

type JobFilter struct {
	ProductID string
	Status    string
	PageSize  int
	Cursor    *JobCursor
}

type JobCursor struct {
	TimeSubmitted time.Time
	JobID         string
}

// ListJobs returns up to PageSize+1 jobs, newest first; the extra row tells
// the caller whether another page exists
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]model.TransferJob, error) {
	query := `SELECT ` + jobColumns + ` FROM transfer_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.ProductID != "" {
		query += fmt.Sprintf(" AND product_id = $%d", argIdx)
		args = append(args, filter.ProductID)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (time_submitted, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.TimeSubmitted, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY time_submitted DESC, job_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []model.TransferJob
	err := s.db.SelectContext(ctx, &jobs, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}
