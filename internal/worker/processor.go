package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/cuongbtq/transfer-manager/internal/domain"
	"github.com/cuongbtq/transfer-manager/internal/fts"
	"github.com/cuongbtq/transfer-manager/internal/metrics"
)

// FailureReason identifies the step at which a submission was abandoned
type FailureReason string

const (
	FailContext      FailureReason = "context"
	FailLookup       FailureReason = "lookup"
	FailRead         FailureReason = "read"
	FailPrecondition FailureReason = "precondition"
	FailSource       FailureReason = "source"
	FailSubmit       FailureReason = "submit"
	FailRecord       FailureReason = "record"
)

// SubmitFailure is returned by processJob when a job could not be moved to
// TRANSFERRING
type SubmitFailure struct {
	Reason FailureReason
	JobID  string
	Err    error
}

func (f *SubmitFailure) Error() string {
	return fmt.Sprintf("submission of job %s failed at %s: %v", f.JobID, f.Reason, f.Err)
}

func (f *SubmitFailure) Unwrap() error {
	return f.Err
}

// Diagnostic is the extra_status stored with the ERROR status. It is empty
// when the job record must be left untouched.
func (f *SubmitFailure) Diagnostic() string {
	switch f.Reason {
	case FailContext:
		return "failed to create transfer context"
	case FailRead:
		return "failed to read job record"
	case FailSource:
		return "job has no staged source location"
	case FailSubmit:
		return "error submitting job to transfer service"
	case FailRecord:
		return "error updating status following submission"
	default:
		return ""
	}
}

// BuildTransfer derives the source URL and destination path for a staged job.
// The destination is the job's destination directory plus the last element of
// the source path.
func BuildTransfer(scheme string, src *domain.TransferSource) (fts.Transfer, error) {
	sourcePath := strings.TrimRight(src.SourcePath, "/")
	if src.SourceHost == "" || sourcePath == "" {
		return fts.Transfer{}, errors.New("source host or path not set")
	}
	if !strings.HasPrefix(sourcePath, "/") {
		sourcePath = "/" + sourcePath
	}

	destination := strings.TrimRight(src.DestinationPath, "/") + "/" + path.Base(sourcePath)

	return fts.Transfer{
		Source:      fmt.Sprintf("%s://%s%s", scheme, src.SourceHost, sourcePath),
		Destination: destination,
	}, nil
}

// processJob submits one admitted job. On success the job is TRANSFERRING and
// keeps its slot; on failure the job has been marked ERROR where applicable
// and its slot released before the *SubmitFailure is returned.
func (w *Worker) processJob(ctx context.Context, jobID string) error {
	w.logger.Info("Processing job",
		slog.String("job_id", jobID),
	)

	handle, err := w.submit(ctx, jobID)
	if err != nil {
		var failure *SubmitFailure
		if !errors.As(err, &failure) {
			failure = &SubmitFailure{Reason: FailSubmit, JobID: jobID, Err: err}
		}

		level := slog.LevelError
		if failure.Reason == FailLookup || failure.Reason == FailPrecondition {
			level = slog.LevelWarn
		}
		w.logger.Log(ctx, level, "Job submission abandoned",
			slog.String("job_id", jobID),
			slog.String("reason", string(failure.Reason)),
			slog.String("error", failure.Err.Error()),
		)

		w.abandonSubmission(ctx, failure)
		return failure
	}

	metrics.SubmissionsTotal.WithLabelValues(metrics.SubmitTransferring, "").Inc()
	metrics.TransitionsTotal.WithLabelValues(string(domain.StatusStaging), string(domain.StatusTransferring)).Inc()

	w.logger.Info("Job submitted to transfer service",
		slog.String("job_id", jobID),
		slog.String("handle", handle),
	)

	return nil
}

// submit runs the submission steps and returns the external job handle
func (w *Worker) submit(ctx context.Context, jobID string) (string, error) {
	fail := func(reason FailureReason, err error) (string, error) {
		return "", &SubmitFailure{Reason: reason, JobID: jobID, Err: err}
	}

	session, err := w.openSession(ctx)
	if err != nil {
		return fail(FailContext, err)
	}
	defer session.Close()

	src, err := w.store.GetTransferSource(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return fail(FailLookup, err)
		}
		return fail(FailRead, err)
	}

	if src.Status != domain.StatusStaging {
		return fail(FailPrecondition, fmt.Errorf("%w: status is %s", domain.ErrPreconditionFailed, src.Status))
	}

	transfer, err := BuildTransfer(w.sourceScheme, src)
	if err != nil {
		return fail(FailSource, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, w.requestTimeout)
	handle, err := session.Submit(callCtx, transfer)
	cancel()
	if err != nil {
		return fail(FailSubmit, err)
	}

	// The service already owns the transfer at this point, so a failed
	// initial status read is left for the poller to fill in.
	var details []byte
	callCtx, cancel = context.WithTimeout(ctx, w.requestTimeout)
	status, err := session.JobStatus(callCtx, handle)
	cancel()
	if err != nil {
		w.logger.Warn("Failed to read initial transfer status",
			slog.String("job_id", jobID),
			slog.String("handle", handle),
			slog.String("error", err.Error()),
		)
	} else {
		details = status.Raw
	}

	if err := w.store.MarkTransferring(ctx, jobID, handle, details); err != nil {
		return fail(FailRecord, err)
	}

	return handle, nil
}
