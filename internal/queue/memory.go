package queue

import (
	"context"
	"fmt"
	"sync"
)

// MemoryQueue is an in-process Queue for tests and single-process mode. It
// preserves the at-least-once contract: nacked jobs are redelivered.
type MemoryQueue struct {
	mu       sync.Mutex
	jobs     chan Job
	inFlight map[string]Job
	nextID   int64
	closed   bool
}

// NewMemory creates an in-memory queue with the given buffer capacity.
func NewMemory(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemoryQueue{
		jobs:     make(chan Job, capacity),
		inFlight: make(map[string]Job),
	}
}

// Enqueue appends a job.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.mu.Unlock()

	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks until a job is available or ctx is cancelled.
func (q *MemoryQueue) Receive(ctx context.Context) (*Delivery, error) {
	select {
	case job, ok := <-q.jobs:
		if !ok {
			return nil, ErrClosed
		}
		q.mu.Lock()
		q.nextID++
		receipt := fmt.Sprintf("delivery-%d", q.nextID)
		q.inFlight[receipt] = job
		q.mu.Unlock()
		return NewDelivery(job, receipt), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ack removes the delivery permanently.
func (q *MemoryQueue) Ack(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, d.receipt)
	return nil
}

// Nack returns the delivery to the queue for redelivery.
func (q *MemoryQueue) Nack(ctx context.Context, d *Delivery) error {
	q.mu.Lock()
	job, ok := q.inFlight[d.receipt]
	if ok {
		delete(q.inFlight, d.receipt)
	}
	q.mu.Unlock()
	if !ok {
		return nil
	}
	return q.Enqueue(ctx, job)
}

// Len returns the number of jobs waiting for delivery.
func (q *MemoryQueue) Len() int {
	return len(q.jobs)
}

// InFlight returns the number of delivered but unacked jobs.
func (q *MemoryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// Close stops the queue. Pending jobs are discarded.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
}
