package worker

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/transfer-manager/internal/domain"
	"github.com/cuongbtq/transfer-manager/internal/metrics"
)

// The functions below are the only places a job's admission slot is given
// back. A slot is returned when a job leaves the admitted set: either its
// submission was abandoned before it reached TRANSFERRING, or this worker
// moved it from TRANSFERRING to a terminal status.

// finishTransfer applies a terminal observation from the transfer service.
// The slot is released only when this call performed the transition.
func (w *Worker) finishTransfer(ctx context.Context, jobID string, to domain.Status, details []byte, extraStatus string) (bool, error) {
	transitioned, err := w.store.CompleteTransfer(ctx, jobID, to, details, extraStatus)
	if err != nil {
		return false, err
	}

	if !transitioned {
		w.logger.Debug("Transfer already finished, nothing to release",
			slog.String("job_id", jobID),
			slog.String("status", string(to)),
		)
		return false, nil
	}

	metrics.TransitionsTotal.WithLabelValues(string(domain.StatusTransferring), string(to)).Inc()
	w.releaseSlot(jobID)

	w.logger.Info("Transfer finished",
		slog.String("job_id", jobID),
		slog.String("status", string(to)),
		slog.String("extra_status", extraStatus),
	)

	return true, nil
}

// forceError moves a TRANSFERRING job to ERROR without a terminal report from
// the service
func (w *Worker) forceError(ctx context.Context, jobID, reason string) (bool, error) {
	changed, err := w.store.FailJob(ctx, jobID, reason, domain.StatusTransferring)
	if err != nil {
		return false, err
	}

	if changed {
		metrics.TransitionsTotal.WithLabelValues(string(domain.StatusTransferring), string(domain.StatusError)).Inc()
		w.releaseSlot(jobID)
	}

	return changed, nil
}

// abandonSubmission records a failed submission and frees the job's slot.
// The job never reached TRANSFERRING, so the slot is returned even when the
// ERROR update itself fails.
func (w *Worker) abandonSubmission(ctx context.Context, failure *SubmitFailure) {
	defer w.releaseSlot(failure.JobID)

	metrics.SubmissionsTotal.WithLabelValues(metrics.SubmitFailed, string(failure.Reason)).Inc()

	diagnostic := failure.Diagnostic()
	if diagnostic == "" {
		return
	}

	changed, err := w.store.FailJob(ctx, failure.JobID, diagnostic, domain.StatusStaging)
	if err != nil {
		w.logger.Error("Failed to record submission failure",
			slog.String("job_id", failure.JobID),
			slog.String("reason", string(failure.Reason)),
			slog.String("error", err.Error()),
		)
		return
	}

	if changed {
		metrics.TransitionsTotal.WithLabelValues(string(domain.StatusStaging), string(domain.StatusError)).Inc()
	}
}

func (w *Worker) releaseSlot(jobID string) {
	if w.gate.Release(jobID) {
		w.logger.Debug("Admission slot released",
			slog.String("job_id", jobID),
			slog.Int("slots_in_use", w.gate.InUse()),
		)
	}
}
