// Package service holds the intake workflow that turns a transfer request into
// a job record waiting for the staging pipeline.
package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/transfer-manager/internal/api/model"
	"github.com/cuongbtq/transfer-manager/internal/metrics"
	"github.com/google/uuid"
)

const (
	callbackTokenLength = 32
	messageContentType  = "text/plain"

	defaultHandoffTimeout = 30 * time.Second
)

// SubmitReason names the intake step that failed
type SubmitReason string

const (
	ReasonAllocateID   SubmitReason = "allocate_id"
	ReasonCreateRecord SubmitReason = "create_record"
	ReasonPublish      SubmitReason = "publish"
	ReasonMarkStaging  SubmitReason = "mark_staging"
)

// SubmitError is returned by Submit. JobID is empty when no identifier was
// allocated.
type SubmitError struct {
	Reason SubmitReason
	JobID  string
	Err    error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("transfer submission %s failed at %s: %v", e.JobID, e.Reason, e.Err)
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

// Message is the text returned to the caller for the failed step
func (e *SubmitError) Message() string {
	switch e.Reason {
	case ReasonCreateRecord:
		return "Error creating database record"
	case ReasonPublish:
		return "Error adding job to staging queue"
	case ReasonMarkStaging:
		return "Error updating job status to STAGING"
	default:
		return "Unknown error handling job submission"
	}
}

// JobStore persists intake records
type JobStore interface {
	CreateJob(ctx context.Context, job *model.TransferJob) error
	MarkStaging(ctx context.Context, jobID string) error
}

// Publisher sends a message to a named queue
type Publisher interface {
	PublishWithRetry(ctx context.Context, queue string, body []byte, contentType string) error
}

// Config holds the dependencies of a TransferService
type Config struct {
	Logger       *slog.Logger
	Store        JobStore
	Publisher    Publisher
	StagingQueue string

	// HandoffTimeout bounds the publish and STAGING update once the record
	// exists
	HandoffTimeout time.Duration
}

// TransferService runs the intake workflow: create the record, publish it to
// the staging queue, then mark it STAGING. Each step runs only if the previous
// one succeeded.
type TransferService struct {
	logger         *slog.Logger
	store          JobStore
	publisher      Publisher
	stagingQueue   string
	handoffTimeout time.Duration

	newID    func() (uuid.UUID, error)
	newToken func() (string, error)
	now      func() time.Time
}

// NewTransferService creates a new TransferService instance
func NewTransferService(cfg *Config) *TransferService {
	handoffTimeout := cfg.HandoffTimeout
	if handoffTimeout <= 0 {
		handoffTimeout = defaultHandoffTimeout
	}

	return &TransferService{
		logger:         cfg.Logger,
		store:          cfg.Store,
		publisher:      cfg.Publisher,
		stagingQueue:   cfg.StagingQueue,
		handoffTimeout: handoffTimeout,
		newID:          uuid.NewV7,
		newToken:       callbackToken,
		now:            time.Now,
	}
}

// Submit registers a transfer of productID to destinationPath and returns the
// new job identifier. Any failure is a *SubmitError.
func (s *TransferService) Submit(ctx context.Context, productID, destinationPath string) (string, error) {
	id, err := s.newID()
	if err != nil {
		return "", s.fail(&SubmitError{Reason: ReasonAllocateID, Err: err})
	}
	jobID := id.String()

	token, err := s.newToken()
	if err != nil {
		return "", s.fail(&SubmitError{Reason: ReasonCreateRecord, JobID: jobID, Err: err})
	}

	job := &model.TransferJob{
		JobID:           jobID,
		ProductID:       productID,
		DestinationPath: destinationPath,
		CallbackToken:   token,
		TimeSubmitted:   s.now().UTC(),
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return "", s.fail(&SubmitError{Reason: ReasonCreateRecord, JobID: jobID, Err: err})
	}

	// Once the record exists, publish and STAGING must not be cut short by
	// the caller going away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.handoffTimeout)
	defer cancel()

	// The record stays ERROR if the publish fails, so nothing downstream
	// ever sees it.
	if err := s.publisher.PublishWithRetry(ctx, s.stagingQueue, []byte(jobID), messageContentType); err != nil {
		return "", s.fail(&SubmitError{Reason: ReasonPublish, JobID: jobID, Err: err})
	}

	if err := s.store.MarkStaging(ctx, jobID); err != nil {
		return "", s.fail(&SubmitError{Reason: ReasonMarkStaging, JobID: jobID, Err: err})
	}

	metrics.IntakeRequestsTotal.WithLabelValues(metrics.IntakeAccepted, "").Inc()
	s.logger.Info("Transfer job submitted",
		slog.String("job_id", jobID),
		slog.String("product_id", productID),
		slog.String("destination_path", destinationPath),
		slog.String("queue", s.stagingQueue),
	)

	return jobID, nil
}

func (s *TransferService) fail(err *SubmitError) error {
	metrics.IntakeRequestsTotal.WithLabelValues(metrics.IntakeFailed, string(err.Reason)).Inc()

	attrs := []any{
		slog.String("job_id", err.JobID),
		slog.String("step", string(err.Reason)),
		slog.String("error", err.Err.Error()),
	}
	if err.Reason == ReasonMarkStaging {
		// already published; the staging pipeline may pick up a record that
		// still reads ERROR
		s.logger.Error("Job published but not marked STAGING", attrs...)
	} else {
		s.logger.Error("Transfer submission failed", attrs...)
	}

	return err
}

// callbackToken returns a random string of lowercase letters
func callbackToken() (string, error) {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	// largest multiple of 26 that fits in a byte, to keep the draw uniform
	const limit = 256 - 256%len(letters)

	token := make([]byte, 0, callbackTokenLength)
	buf := make([]byte, callbackTokenLength)
	for len(token) < callbackTokenLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to generate callback token: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			token = append(token, letters[int(b)%len(letters)])
			if len(token) == callbackTokenLength {
				break
			}
		}
	}

	return string(token), nil
}
