package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/transfer-manager/internal/domain"
	"github.com/cuongbtq/transfer-manager/internal/fts"
	"github.com/cuongbtq/transfer-manager/internal/metrics"
	"github.com/jellydator/ttlcache/v3"
)

// runPoller reconciles running transfers immediately and then on every tick
func (w *Worker) runPoller(ctx context.Context) error {
	w.logger.Info("Reconciliation poller started",
		slog.Duration("interval", w.pollingInterval),
	)

	w.pollOnce(ctx)

	ticker := time.NewTicker(w.pollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Reconciliation poller stopped - context canceled")
			return nil
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

// pollOnce queries the transfer service for every TRANSFERRING job and
// applies what it reports. A failure for one job does not stop the run.
func (w *Worker) pollOnce(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.PollDuration.Observe(time.Since(start).Seconds())
		w.statusFailures.DeleteExpired()
	}()

	jobs, err := w.store.ListTransferring(ctx)
	if err != nil {
		w.logger.Error("Failed to list transferring jobs",
			slog.String("error", err.Error()),
		)
		metrics.PollRunsTotal.WithLabelValues("list_failed").Inc()
		return
	}

	if len(jobs) == 0 {
		w.logger.Debug("No transfers to reconcile")
		metrics.PollRunsTotal.WithLabelValues("ok").Inc()
		return
	}

	session, err := w.openSession(ctx)
	if err != nil {
		w.logger.Error("Failed to create transfer context for reconciliation",
			slog.Int("jobs", len(jobs)),
			slog.String("error", err.Error()),
		)
		metrics.PollRunsTotal.WithLabelValues("context_failed").Inc()
		return
	}
	defer session.Close()

	failed := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}

		if err := w.reconcile(ctx, session, job); err != nil {
			failed++
			metrics.PollJobErrorsTotal.Inc()
			w.logger.Warn("Failed to reconcile transfer",
				slog.String("job_id", job.JobID),
				slog.String("handle", job.ExternalJobHandle),
				slog.String("error", err.Error()),
			)
		}
	}

	metrics.PollRunsTotal.WithLabelValues("ok").Inc()
	w.logger.Info("Reconciliation run finished",
		slog.Int("jobs", len(jobs)),
		slog.Int("failed", failed),
		slog.Duration("duration", time.Since(start)),
	)
}

// reconcile applies the service's current view of one job
func (w *Worker) reconcile(ctx context.Context, session TransferService, job domain.TransferringJob) error {
	callCtx, cancel := context.WithTimeout(ctx, w.requestTimeout)
	status, err := session.JobStatus(callCtx, job.ExternalJobHandle)
	cancel()
	if err != nil {
		return w.recordStatusFailure(ctx, job.JobID, err)
	}

	w.statusFailures.Delete(job.JobID)

	switch status.State {
	case fts.StateFinished:
		_, err = w.finishTransfer(ctx, job.JobID, domain.StatusSuccess, status.Raw, "")
	case fts.StateFailed:
		_, err = w.finishTransfer(ctx, job.JobID, domain.StatusError, status.Raw, failedReason(status))
	default:
		err = w.store.UpdateTransferDetails(ctx, job.JobID, status.Raw)
	}

	return err
}

// recordStatusFailure counts consecutive failed status queries. A job that
// cannot be queried maxStatusFailures times in a row is moved to ERROR.
func (w *Worker) recordStatusFailure(ctx context.Context, jobID string, queryErr error) error {
	count := 1
	if item := w.statusFailures.Get(jobID); item != nil {
		count = item.Value() + 1
	}
	w.statusFailures.Set(jobID, count, ttlcache.DefaultTTL)

	if w.maxStatusFailures <= 0 || count < w.maxStatusFailures {
		return fmt.Errorf("status query failed (%d consecutive): %w", count, queryErr)
	}

	w.statusFailures.Delete(jobID)

	reason := fmt.Sprintf("transfer status unavailable after %d attempts", count)
	changed, err := w.forceError(ctx, jobID, reason)
	if err != nil {
		return fmt.Errorf("failed to mark unreachable transfer as error: %w", err)
	}

	if changed {
		w.logger.Error("Transfer marked as error",
			slog.String("job_id", jobID),
			slog.String("extra_status", reason),
			slog.String("error", queryErr.Error()),
		)
	}

	return nil
}

func failedReason(status *fts.JobStatus) string {
	if status.Reason != "" {
		return status.Reason
	}
	return "transfer failed"
}
