package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/transfer-manager/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Storage handles all database operations for the transfer manager. Every
// write is a single statement guarded by the status it expects to find.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// GetTransferSource reads the fields needed to build a transfer request
func (s *Storage) GetTransferSource(ctx context.Context, jobID string) (*domain.TransferSource, error) {
	query := `
		SELECT job_id, status, source_host, source_path, destination_path
		FROM transfer_jobs
		WHERE job_id = $1
	`

	var (
		src        domain.TransferSource
		status     string
		sourceHost sql.NullString
		sourcePath sql.NullString
	)

	err := s.db.QueryRowContext(ctx, query, jobID).Scan(
		&src.JobID,
		&status,
		&sourceHost,
		&sourcePath,
		&src.DestinationPath,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get transfer source: %w", err)
	}

	src.Status = domain.Status(status)
	src.SourceHost = sourceHost.String
	src.SourcePath = sourcePath.String

	return &src, nil
}

// MarkTransferring records a successful submission: status, external handle
// and initial details are written together, and only while the job is STAGING
func (s *Storage) MarkTransferring(ctx context.Context, jobID, handle string, details []byte) error {
	query := `
		UPDATE transfer_jobs
		SET status = $1,
		    external_job_handle = $2,
		    external_job_details = $3,
		    updated_at = NOW()
		WHERE job_id = $4
		  AND status = $5
	`

	result, err := s.db.ExecContext(ctx, query,
		domain.StatusTransferring, handle, nullJSON(details), jobID, domain.StatusStaging)
	if err != nil {
		return fmt.Errorf("failed to mark job transferring: %w", err)
	}

	if err := expectOneRow(result); err != nil {
		return err
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", jobID),
		slog.String("status", string(domain.StatusTransferring)),
		slog.String("external_job_handle", handle),
	)
	return nil
}

// FailJob moves a job to ERROR with a diagnostic message if it is currently in
// one of the from statuses. It reports whether the row changed.
func (s *Storage) FailJob(ctx context.Context, jobID, reason string, from ...domain.Status) (bool, error) {
	query := `
		UPDATE transfer_jobs
		SET status = $1,
		    extra_status = $2,
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status = ANY($4)
	`

	allowed := make([]string, len(from))
	for i, st := range from {
		allowed[i] = string(st)
	}

	result, err := s.db.ExecContext(ctx, query, domain.StatusError, reason, jobID, pq.Array(allowed))
	if err != nil {
		return false, fmt.Errorf("failed to mark job as error: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		s.logger.Warn("Job error update skipped - job not in expected status",
			slog.String("job_id", jobID),
			slog.Any("expected", allowed),
		)
		return false, nil
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", jobID),
		slog.String("status", string(domain.StatusError)),
		slog.String("extra_status", reason),
	)
	return true, nil
}

// ListTransferring returns every job currently handed to the transfer service
func (s *Storage) ListTransferring(ctx context.Context) ([]domain.TransferringJob, error) {
	query := `
		SELECT job_id, external_job_handle
		FROM transfer_jobs
		WHERE status = $1
		ORDER BY time_submitted
	`

	var jobs []domain.TransferringJob
	if err := s.db.SelectContext(ctx, &jobs, query, domain.StatusTransferring); err != nil {
		return nil, fmt.Errorf("failed to list transferring jobs: %w", err)
	}
	return jobs, nil
}

// CompleteTransfer stores the latest service details for a job (nil keeps the
// previous ones) and, if the job is still TRANSFERRING, moves it to the
// terminal status to. The returned flag
// is true only for the call that performed the transition, which makes it safe
// to repeat against the same observation.
func (s *Storage) CompleteTransfer(ctx context.Context, jobID string, to domain.Status, details []byte, extraStatus string) (bool, error) {
	if !domain.CanTransition(domain.StatusTransferring, to) {
		return false, fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, domain.StatusTransferring, to)
	}

	query := `
		WITH prev AS (
			SELECT job_id, status
			FROM transfer_jobs
			WHERE job_id = $1
			FOR UPDATE
		)
		UPDATE transfer_jobs j
		SET status = CASE WHEN prev.status = $2 THEN $3 ELSE j.status END,
		    extra_status = CASE WHEN prev.status = $2 AND $4 <> '' THEN $4 ELSE j.extra_status END,
		    external_job_details = COALESCE($5::jsonb, j.external_job_details),
		    updated_at = NOW()
		FROM prev
		WHERE j.job_id = prev.job_id
		RETURNING prev.status
	`

	var prevStatus string
	err := s.db.QueryRowContext(ctx, query,
		jobID, domain.StatusTransferring, to, extraStatus, nullJSON(details)).Scan(&prevStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, domain.ErrJobNotFound
		}
		return false, fmt.Errorf("failed to complete transfer: %w", err)
	}

	transitioned := domain.Status(prevStatus) == domain.StatusTransferring
	if transitioned {
		s.logger.Info("Job status updated",
			slog.String("job_id", jobID),
			slog.String("status", string(to)),
		)
	}
	return transitioned, nil
}

// UpdateTransferDetails overwrites the last observed service details without
// touching the status
func (s *Storage) UpdateTransferDetails(ctx context.Context, jobID string, details []byte) error {
	query := `
		UPDATE transfer_jobs
		SET external_job_details = $1,
		    updated_at = NOW()
		WHERE job_id = $2
	`

	result, err := s.db.ExecContext(ctx, query, nullJSON(details), jobID)
	if err != nil {
		return fmt.Errorf("failed to update transfer details: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func expectOneRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrPreconditionFailed
	}
	return nil
}

// nullJSON passes JSON documents as text so the driver does not send them as bytea
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
