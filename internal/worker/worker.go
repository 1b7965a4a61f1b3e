package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/transfer-manager/internal/domain"
	"github.com/cuongbtq/transfer-manager/internal/fts"
	"github.com/jellydator/ttlcache/v3"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

// Store is the persistence the worker needs for the job lifecycle
type Store interface {
	GetTransferSource(ctx context.Context, jobID string) (*domain.TransferSource, error)
	MarkTransferring(ctx context.Context, jobID, handle string, details []byte) error
	FailJob(ctx context.Context, jobID, reason string, from ...domain.Status) (bool, error)
	ListTransferring(ctx context.Context) ([]domain.TransferringJob, error)
	CompleteTransfer(ctx context.Context, jobID string, to domain.Status, details []byte, extraStatus string) (bool, error)
	UpdateTransferDetails(ctx context.Context, jobID string, details []byte) error
}

// TransferService is an open session against the external transfer service
type TransferService interface {
	Submit(ctx context.Context, transfers ...fts.Transfer) (string, error)
	JobStatus(ctx context.Context, handle string) (*fts.JobStatus, error)
	Close()
}

// ServiceOpener opens a new transfer service session
type ServiceOpener func(ctx context.Context) (TransferService, error)

// Consumer delivers messages from a queue with manual acknowledgement
type Consumer interface {
	Consume(queue, consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
}

// Config holds worker configuration
type Config struct {
	Logger              *slog.Logger
	Store               Store
	Consumer            Consumer
	OpenTransferService ServiceOpener
	Gate                *Gate

	TransferQueue     string
	ConsumerTag       string
	PrefetchCount     int
	SourceScheme      string
	PollingInterval   time.Duration
	RequestTimeout    time.Duration
	MaxStatusFailures int
}

// Worker admits staged jobs, submits them to the transfer service and
// reconciles running transfers until they reach a terminal status
type Worker struct {
	logger      *slog.Logger
	store       Store
	consumer    Consumer
	openService ServiceOpener
	gate        *Gate

	transferQueue     string
	consumerTag       string
	prefetchCount     int
	sourceScheme      string
	pollingInterval   time.Duration
	requestTimeout    time.Duration
	maxStatusFailures int

	// consecutive status query failures per job
	statusFailures *ttlcache.Cache[string, int]

	wg sync.WaitGroup
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	gate := cfg.Gate
	if gate == nil {
		gate = NewGate(1)
	}

	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = 1
	}

	scheme := cfg.SourceScheme
	if scheme == "" {
		scheme = "gsiftp"
	}

	pollingInterval := cfg.PollingInterval
	if pollingInterval <= 0 {
		pollingInterval = time.Minute
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}

	// counters of jobs that stop being polled fall out on their own
	failureTTL := time.Duration(max(cfg.MaxStatusFailures, 1)+1) * pollingInterval * 2

	return &Worker{
		logger:            cfg.Logger,
		store:             cfg.Store,
		consumer:          cfg.Consumer,
		openService:       cfg.OpenTransferService,
		gate:              gate,
		transferQueue:     cfg.TransferQueue,
		consumerTag:       cfg.ConsumerTag,
		prefetchCount:     prefetch,
		sourceScheme:      scheme,
		pollingInterval:   pollingInterval,
		requestTimeout:    requestTimeout,
		maxStatusFailures: cfg.MaxStatusFailures,
		statusFailures: ttlcache.New[string, int](
			ttlcache.WithTTL[string, int](failureTTL),
		),
	}
}

// Start recovers admission slots for running transfers, then runs the intake
// listener and the reconciliation poller until ctx is canceled or either fails
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.Int("max_concurrent", w.gate.Capacity()),
		slog.String("queue", w.transferQueue),
		slog.Duration("polling_interval", w.pollingInterval),
	)

	if err := w.recoverSlots(ctx); err != nil {
		return fmt.Errorf("failed to recover admission slots: %w", err)
	}

	deliveries, err := w.setupConsumer()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.listen(gctx, deliveries)
	})

	g.Go(func() error {
		return w.runPoller(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	w.logger.Info("Worker context canceled, stopping...")
	return nil
}

// Stop waits for in-flight submissions to finish
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...",
		slog.Int("slots_in_use", w.gate.InUse()),
	)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// recoverSlots gives every job already TRANSFERRING its slot back, so a
// restart does not admit more than the configured number of transfers
func (w *Worker) recoverSlots(ctx context.Context) error {
	jobs, err := w.store.ListTransferring(ctx)
	if err != nil {
		return err
	}

	adopted := 0
	for _, job := range jobs {
		if w.gate.TryAcquire(job.JobID) {
			adopted++
			continue
		}
		w.logger.Warn("More jobs transferring than admission slots",
			slog.String("job_id", job.JobID),
			slog.Int("max_concurrent", w.gate.Capacity()),
		)
	}

	if len(jobs) > 0 {
		w.logger.Info("Recovered admission slots",
			slog.Int("transferring", len(jobs)),
			slog.Int("adopted", adopted),
		)
	}

	return nil
}

// openSession opens a transfer service session bounded by the request timeout
func (w *Worker) openSession(ctx context.Context) (TransferService, error) {
	if w.openService == nil {
		return nil, errors.New("no transfer service configured")
	}

	callCtx, cancel := context.WithTimeout(ctx, w.requestTimeout)
	defer cancel()

	return w.openService(callCtx)
}
