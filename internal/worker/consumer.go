package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/transfer-manager/internal/domain"
	"github.com/cuongbtq/transfer-manager/internal/metrics"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// setupConsumer starts consuming the transfer-intake queue with manual ack
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	if w.consumer == nil {
		return nil, errors.New("rabbitmq consumer is nil")
	}

	deliveries, err := w.consumer.Consume(w.transferQueue, w.consumerTag, w.prefetchCount)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", w.consumerTag),
		slog.String("queue", w.transferQueue),
		slog.Int("prefetch_count", w.prefetchCount),
	)

	return deliveries, nil
}

// listen handles deliveries one at a time. Each message is acknowledged only
// after its job holds an admission slot and has been handed to an executor.
func (w *Worker) listen(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	w.logger.Info("Intake listener started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Intake listener stopped - context canceled")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("rabbitmq delivery channel closed")
			}

			w.handleDelivery(ctx, delivery)
		}
	}
}

// handleDelivery admits and dispatches the job named by one message
func (w *Worker) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	msg, err := parseJobMessage(delivery)
	if err != nil {
		w.logger.Error("Invalid job message",
			slog.String("body", string(delivery.Body)),
			slog.String("error", err.Error()),
		)
		w.nack(delivery, "", false)
		return
	}

	w.logger.Debug("Job message received",
		slog.String("job_id", msg.JobID),
		slog.Uint64("delivery_tag", msg.DeliveryTag),
	)

	if err := w.admit(ctx, msg.JobID); err != nil {
		if errors.Is(err, domain.ErrSlotAlreadyHeld) {
			w.logger.Info("Job already admitted, dropping duplicate message",
				slog.String("job_id", msg.JobID),
			)
			metrics.SubmissionsTotal.WithLabelValues(metrics.SubmitDuplicate, "").Inc()
			w.ack(delivery, msg.JobID)
			return
		}

		requeue := shouldRequeue(err)
		w.logger.Warn("Job not admitted",
			slog.String("job_id", msg.JobID),
			slog.Bool("requeue", requeue),
			slog.String("error", err.Error()),
		)
		w.nack(delivery, msg.JobID, requeue)
		return
	}

	w.ack(delivery, msg.JobID)
}

// admit waits for an admission slot and starts the executor for jobID
func (w *Worker) admit(ctx context.Context, jobID string) error {
	if err := w.gate.Acquire(ctx, jobID); err != nil {
		if errors.Is(err, domain.ErrSlotAlreadyHeld) {
			return err
		}
		return domain.NewRetryableError(fmt.Errorf("waiting for admission slot: %w", err))
	}

	w.logger.Debug("Admission slot acquired",
		slog.String("job_id", jobID),
		slog.Int("slots_in_use", w.gate.InUse()),
	)

	// Executors outlive the listener's context; Stop waits for them.
	execCtx := context.WithoutCancel(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		_ = w.processJob(execCtx, jobID)
	}()

	return nil
}

// parseJobMessage reads the job identifier carried as the plain-text body
func parseJobMessage(delivery amqp.Delivery) (*domain.JobMessage, error) {
	body := string(bytes.TrimSpace(delivery.Body))
	if body == "" {
		return nil, fmt.Errorf("%w: empty body", domain.ErrInvalidMessage)
	}

	id, err := uuid.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
	}

	return &domain.JobMessage{
		JobID:       id.String(),
		DeliveryTag: delivery.DeliveryTag,
		ReceivedAt:  time.Now(),
	}, nil
}

// shouldRequeue determines if a message should go back to the queue
func shouldRequeue(err error) bool {
	if errors.Is(err, domain.ErrInvalidMessage) {
		return false
	}

	var retryableErr *domain.RetryableError
	return errors.As(err, &retryableErr)
}

func (w *Worker) ack(delivery amqp.Delivery, jobID string) {
	if err := delivery.Ack(false); err != nil {
		w.logger.Error("Failed to ACK message",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}
	metrics.IntakeMessagesTotal.WithLabelValues("ack").Inc()
}

func (w *Worker) nack(delivery amqp.Delivery, jobID string, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		w.logger.Error("Failed to NACK message",
			slog.String("job_id", jobID),
			slog.Bool("requeue", requeue),
			slog.String("error", err.Error()),
		)
		return
	}

	disposition := "reject"
	if requeue {
		disposition = "requeue"
	}
	metrics.IntakeMessagesTotal.WithLabelValues(disposition).Inc()
}
