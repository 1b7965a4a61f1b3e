package worker

import (
	"context"
	"sync"

	"github.com/cuongbtq/transfer-manager/internal/domain"
	"github.com/cuongbtq/transfer-manager/internal/metrics"
	"golang.org/x/sync/semaphore"
)

// Gate bounds the number of jobs that are being submitted or are transferring.
// Slots are keyed by job id: a job holds at most one slot, and releasing a job
// that holds none is a no-op, so a slot can never be returned twice.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int

	mu   sync.Mutex
	held map[string]struct{}
}

// NewGate creates a gate with the given number of slots
func NewGate(capacity int) *Gate {
	if capacity < 1 {
		capacity = 1
	}

	metrics.GateCapacity.Set(float64(capacity))
	metrics.GateSlotsInUse.Set(0)

	return &Gate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
		held:     make(map[string]struct{}),
	}
}

// Acquire blocks until a slot is free and assigns it to jobID. It returns
// ctx.Err() if the context ends first and domain.ErrSlotAlreadyHeld if the job
// already holds a slot.
func (g *Gate) Acquire(ctx context.Context, jobID string) error {
	if g.Holds(jobID) {
		return domain.ErrSlotAlreadyHeld
	}

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.held[jobID]; ok {
		g.sem.Release(1)
		return domain.ErrSlotAlreadyHeld
	}

	g.held[jobID] = struct{}{}
	metrics.GateSlotsInUse.Set(float64(len(g.held)))

	return nil
}

// TryAcquire assigns a slot to jobID without waiting. It reports false when
// the gate is full or the job already holds a slot.
func (g *Gate) TryAcquire(jobID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.held[jobID]; ok {
		return false
	}
	if !g.sem.TryAcquire(1) {
		return false
	}

	g.held[jobID] = struct{}{}
	metrics.GateSlotsInUse.Set(float64(len(g.held)))

	return true
}

// Release frees the slot held by jobID and reports whether there was one
func (g *Gate) Release(jobID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.held[jobID]; !ok {
		return false
	}

	delete(g.held, jobID)
	g.sem.Release(1)
	metrics.GateSlotsInUse.Set(float64(len(g.held)))

	return true
}

// Holds reports whether jobID currently holds a slot
func (g *Gate) Holds(jobID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, ok := g.held[jobID]
	return ok
}

// InUse returns the number of held slots
func (g *Gate) InUse() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.held)
}

// Capacity returns the total number of slots
func (g *Gate) Capacity() int {
	return g.capacity
}
