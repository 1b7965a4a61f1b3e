package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/transfer-manager/internal/domain"
	"github.com/cuongbtq/transfer-manager/internal/fts"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJob struct {
	status      domain.Status
	sourceHost  string
	sourcePath  string
	destination string
	handle      string
	details     []byte
	extraStatus string
}

// fakeStore mirrors the status guards of the SQL storage
type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]*fakeJob

	listErr error
	markErr error

	transferring     int
	peakTransferring int
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]*fakeJob)}
}

func (s *fakeStore) addStaged(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[jobID] = &fakeJob{
		status:      domain.StatusStaging,
		sourceHost:  "stage.example.org",
		sourcePath:  "/staging/" + jobID,
		destination: "/archive/in",
	}
}

func (s *fakeStore) addTransferring(jobID, handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[jobID] = &fakeJob{status: domain.StatusTransferring, handle: handle}
	s.transferring++
}

func (s *fakeStore) job(jobID string) fakeJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	return *s.jobs[jobID]
}

func (s *fakeStore) setStatus(job *fakeJob, to domain.Status) {
	if job.status == domain.StatusTransferring {
		s.transferring--
	}
	if to == domain.StatusTransferring {
		s.transferring++
		s.peakTransferring = max(s.peakTransferring, s.transferring)
	}
	job.status = to
}

func (s *fakeStore) GetTransferSource(_ context.Context, jobID string) (*domain.TransferSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}

	return &domain.TransferSource{
		JobID:           jobID,
		Status:          job.status,
		SourceHost:      job.sourceHost,
		SourcePath:      job.sourcePath,
		DestinationPath: job.destination,
	}, nil
}

func (s *fakeStore) MarkTransferring(_ context.Context, jobID, handle string, details []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.markErr != nil {
		return s.markErr
	}

	job, ok := s.jobs[jobID]
	if !ok || job.status != domain.StatusStaging {
		return domain.ErrPreconditionFailed
	}

	s.setStatus(job, domain.StatusTransferring)
	job.handle = handle
	job.details = details

	return nil
}

func (s *fakeStore) FailJob(_ context.Context, jobID, reason string, from ...domain.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return false, nil
	}

	for _, st := range from {
		if job.status == st {
			s.setStatus(job, domain.StatusError)
			job.extraStatus = reason
			return true, nil
		}
	}

	return false, nil
}

func (s *fakeStore) ListTransferring(_ context.Context) ([]domain.TransferringJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listErr != nil {
		return nil, s.listErr
	}

	var out []domain.TransferringJob
	for id, job := range s.jobs {
		if job.status == domain.StatusTransferring {
			out = append(out, domain.TransferringJob{JobID: id, ExternalJobHandle: job.handle})
		}
	}
	return out, nil
}

func (s *fakeStore) CompleteTransfer(_ context.Context, jobID string, to domain.Status, details []byte, extraStatus string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return false, domain.ErrJobNotFound
	}

	if details != nil {
		job.details = details
	}
	if !domain.CanTransition(job.status, to) || job.status != domain.StatusTransferring {
		return false, nil
	}

	s.setStatus(job, to)
	if extraStatus != "" {
		job.extraStatus = extraStatus
	}
	return true, nil
}

func (s *fakeStore) UpdateTransferDetails(_ context.Context, jobID string, details []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.details = details
	return nil
}

// fakeService stands in for a transfer service session
type fakeService struct {
	mu sync.Mutex

	submitErr error
	statusErr map[string]error
	states    map[string]string
	submitted []fts.Transfer
	queries   int
	closes    int
}

func newFakeService() *fakeService {
	return &fakeService{
		statusErr: make(map[string]error),
		states:    make(map[string]string),
	}
}

func (f *fakeService) Submit(_ context.Context, transfers ...fts.Transfer) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.submitErr != nil {
		return "", f.submitErr
	}

	f.submitted = append(f.submitted, transfers...)
	handle := fmt.Sprintf("fts-%d", len(f.submitted))
	f.states[handle] = "SUBMITTED"
	return handle, nil
}

func (f *fakeService) JobStatus(_ context.Context, handle string) (*fts.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queries++
	if err := f.statusErr[handle]; err != nil {
		return nil, err
	}

	state := f.states[handle]
	status := &fts.JobStatus{JobID: handle, State: state}
	if state == fts.StateFailed {
		status.Reason = "checksum mismatch"
	}
	status.Raw, _ = json.Marshal(map[string]string{"job_id": handle, "job_state": state})
	return status, nil
}

func (f *fakeService) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
}

func (f *fakeService) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeService) setState(handle, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[handle] = state
}

func (f *fakeService) setAllStates(state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for handle := range f.states {
		f.states[handle] = state
	}
}

func (f *fakeService) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

// fakeAcknowledger records what the listener did with each delivery
type fakeAcknowledger struct {
	mu      sync.Mutex
	acked   []uint64
	nacked  []uint64
	requeue []bool
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	a.requeue = append(a.requeue, requeue)
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) ackCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acked)
}

func (a *fakeAcknowledger) nacks() ([]uint64, []bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.nacked...), append([]bool(nil), a.requeue...)
}

type fakeConsumer struct {
	deliveries chan amqp.Delivery
	err        error
}

func (c *fakeConsumer) Consume(_, _ string, _ int) (<-chan amqp.Delivery, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.deliveries, nil
}

func newTestWorker(store *fakeStore, svc *fakeService, capacity int) *Worker {
	return NewWorker(&Config{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:    store,
		Consumer: &fakeConsumer{deliveries: make(chan amqp.Delivery)},
		OpenTransferService: func(context.Context) (TransferService, error) {
			return svc, nil
		},
		Gate:              NewGate(capacity),
		TransferQueue:     "transfer-intake",
		ConsumerTag:       "test-worker",
		PollingInterval:   time.Hour,
		RequestTimeout:    time.Second,
		MaxStatusFailures: 3,
	})
}

func delivery(ack amqp.Acknowledger, tag uint64, body string) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  tag,
		ContentType:  "text/plain",
		Body:         []byte(body),
	}
}

func TestWorker_RecoverSlots(t *testing.T) {
	store := newFakeStore()
	store.addTransferring("job-1", "fts-a")
	store.addTransferring("job-2", "fts-b")
	store.addTransferring("job-3", "fts-c")
	store.addStaged("job-4")

	w := newTestWorker(store, newFakeService(), 2)

	require.NoError(t, w.recoverSlots(context.Background()))
	assert.Equal(t, 2, w.gate.InUse())
}

func TestWorker_RecoverSlotsListFailure(t *testing.T) {
	store := newFakeStore()
	store.listErr = errors.New("connection refused")

	w := newTestWorker(store, newFakeService(), 2)

	assert.Error(t, w.recoverSlots(context.Background()))
}

func TestWorker_StartStopsOnCancel(t *testing.T) {
	store := newFakeStore()
	w := newTestWorker(store, newFakeService(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Start(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	w.Stop()
}

func TestWorker_StartConsumeFailure(t *testing.T) {
	store := newFakeStore()
	w := newTestWorker(store, newFakeService(), 1)
	w.consumer = &fakeConsumer{err: errors.New("channel closed")}

	err := w.Start(context.Background())
	assert.ErrorContains(t, err, "failed to start consuming")
}

func TestWorker_ConcurrencyBound(t *testing.T) {
	const (
		capacity = 2
		jobCount = 5
	)

	store := newFakeStore()
	svc := newFakeService()
	ids := make([]string, jobCount)
	for i := range ids {
		ids[i] = fmt.Sprintf("00000000-0000-7000-8000-00000000000%d", i+1)
		store.addStaged(ids[i])
	}

	w := newTestWorker(store, svc, capacity)
	deliveries := make(chan amqp.Delivery, jobCount)
	ack := &fakeAcknowledger{}
	for i, id := range ids {
		deliveries <- delivery(ack, uint64(i+1), id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listenDone := make(chan struct{})
	go func() {
		defer close(listenDone)
		_ = w.listen(ctx, deliveries)
	}()

	require.Eventually(t, func() bool {
		return store.transferringCount() == capacity
	}, time.Second, 5*time.Millisecond)

	// The third message is held by the listener until a slot frees up.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, capacity, ack.ackCount())

	deadline := time.Now().Add(5 * time.Second)
	for !store.allInStatus(domain.StatusSuccess) {
		require.True(t, time.Now().Before(deadline), "jobs did not finish")
		svc.setAllStates(fts.StateFinished)
		w.pollOnce(ctx)
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-listenDone
	w.Stop()

	for _, id := range ids {
		assert.Equal(t, domain.StatusSuccess, store.job(id).status, id)
	}
	assert.Equal(t, jobCount, ack.ackCount())
	assert.LessOrEqual(t, store.peak(), capacity)
	assert.Equal(t, 0, w.gate.InUse())
}

func (s *fakeStore) transferringCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferring
}

func (s *fakeStore) peak() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peakTransferring
}

func (s *fakeStore) allInStatus(status domain.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.status != status {
			return false
		}
	}
	return true
}
