// Package worker consumes the work queue and drives the stage executor.
package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jonathan/brandpulse/internal/queue"
	"github.com/jonathan/brandpulse/internal/types"
)

// Executor advances one run to a terminal state.
type Executor interface {
	Execute(ctx context.Context, runID int64) error
}

// Pool runs a fixed number of workers against the queue.
type Pool struct {
	queue        queue.Queue
	exec         Executor
	size         int
	requeueDelay time.Duration
}

// NewPool creates a worker pool. size <= 0 means one worker.
func NewPool(q queue.Queue, exec Executor, size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{queue: q, exec: exec, size: size, requeueDelay: time.Second}
}

// WithRequeueDelay replaces the pause taken before a failed delivery is
// nacked. Intended for tests.
func (p *Pool) WithRequeueDelay(d time.Duration) *Pool {
	p.requeueDelay = d
	return p
}

// Run blocks until ctx is cancelled or the queue closes, processing jobs on
// all workers. Execution failures nack the delivery so another worker can
// pick it up; a run failure recorded in the store is a successful execution
// and acks.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		worker := i
		g.Go(func() error {
			return p.runWorker(gctx, worker)
		})
	}
	return g.Wait()
}

func (p *Pool) runWorker(ctx context.Context, id int) error {
	for {
		d, err := p.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			return err
		}

		if err := p.exec.Execute(ctx, d.Job.RunID); err != nil {
			p.handleFailure(ctx, id, d, err)
			continue
		}

		// Settle the delivery even when shutdown raced the execution.
		if err := p.queue.Ack(context.WithoutCancel(ctx), d); err != nil {
			log.Printf("worker %d: failed to ack run %d: %v", id, d.Job.RunID, err)
		}
	}
}

// handleFailure decides the fate of a failed delivery. A held lease means
// another worker is live on the run, so the job goes back for later
// redelivery. An unknown run cannot make progress and is dropped. Requeues
// wait out the requeue delay first, so a delivery that keeps failing is not
// redelivered in a tight loop.
func (p *Pool) handleFailure(ctx context.Context, id int, d *queue.Delivery, err error) {
	switch {
	case errors.Is(err, types.ErrRunNotFound):
		log.Printf("worker %d: run %d not found, dropping job", id, d.Job.RunID)
		if aerr := p.queue.Ack(context.WithoutCancel(ctx), d); aerr != nil {
			log.Printf("worker %d: failed to ack run %d: %v", id, d.Job.RunID, aerr)
		}
	case errors.Is(err, types.ErrLeaseHeld):
		log.Printf("worker %d: run %d lease held elsewhere, requeueing", id, d.Job.RunID)
		p.pause(ctx)
		if nerr := p.queue.Nack(context.WithoutCancel(ctx), d); nerr != nil {
			log.Printf("worker %d: failed to nack run %d: %v", id, d.Job.RunID, nerr)
		}
	default:
		log.Printf("worker %d: run %d execution failed, requeueing: %v", id, d.Job.RunID, err)
		p.pause(ctx)
		if nerr := p.queue.Nack(context.WithoutCancel(ctx), d); nerr != nil {
			log.Printf("worker %d: failed to nack run %d: %v", id, d.Job.RunID, nerr)
		}
	}
}

func (p *Pool) pause(ctx context.Context) {
	if p.requeueDelay <= 0 {
		return
	}
	t := time.NewTimer(p.requeueDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
