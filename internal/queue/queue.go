// Package queue provides the durable at-least-once work queue between the
// dispatcher and the stage-executor workers.
package queue

import (
	"context"
	"errors"
	"time"
)

// Job is the delivery envelope referencing exactly one run.
type Job struct {
	RunID      int64     `json:"run_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Delivery is one received job plus the receipt needed to ack or nack it.
// A job may be delivered more than once; the run's status is the
// de-duplication key, not the delivery itself.
type Delivery struct {
	Job     Job
	receipt string
}

// Receipt returns the opaque delivery receipt. Exposed for implementations
// and tests.
func (d *Delivery) Receipt() string { return d.receipt }

// NewDelivery constructs a delivery with the given receipt. Intended for
// queue implementations.
func NewDelivery(job Job, receipt string) *Delivery {
	return &Delivery{Job: job, receipt: receipt}
}

// ErrClosed is returned by Receive when the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Queue is the durable work-queue contract. Delivery is at-least-once and
// not order-preserving.
type Queue interface {
	// Enqueue appends a job. The job must reference an already-committed run.
	Enqueue(ctx context.Context, job Job) error
	// Receive blocks until a job is available or ctx is cancelled.
	Receive(ctx context.Context) (*Delivery, error)
	// Ack removes a delivered job permanently.
	Ack(ctx context.Context, d *Delivery) error
	// Nack returns a delivered job to the queue for redelivery.
	Nack(ctx context.Context, d *Delivery) error
}
