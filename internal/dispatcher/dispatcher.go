// Package dispatcher turns a trigger (timer tick or manual request) into a
// durably tracked run plus a queued job, with a configurable dedupe policy.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jonathan/brandpulse/internal/queue"
	"github.com/jonathan/brandpulse/internal/types"
)

// Policy controls what happens when a trigger races an existing run for the
// same window. The choice is explicit configuration, not a hidden default.
type Policy string

const (
	// PolicyWindow creates at most one run per dedupe window: a trigger that
	// finds a queued or running run for the current window no-ops and
	// returns the existing run id.
	PolicyWindow Policy = "window"
	// PolicyAlways creates a new independent run for every trigger.
	PolicyAlways Policy = "always"
)

// Store is the run persistence the dispatcher needs.
type Store interface {
	// CreateRun inserts a run in queued status with the given window key and
	// returns it. The insert must be durably committed before any enqueue.
	// When a queued or running run already holds the same non-empty window
	// key, CreateRun returns types.ErrDuplicateWindow instead of a second
	// run.
	CreateRun(ctx context.Context, windowKey string) (*types.Run, error)
	// FindActiveRunByWindow returns the queued or running run for the window
	// key, or nil when none exists.
	FindActiveRunByWindow(ctx context.Context, windowKey string) (*types.Run, error)
	// ListStaleQueued returns queued runs older than the cutoff, candidates
	// for re-enqueue by the reconciliation sweep.
	ListStaleQueued(ctx context.Context, cutoff time.Time) ([]types.Run, error)
}

// Clock abstracts time so the idempotency window is testable.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config holds dispatcher settings.
type Config struct {
	Policy Policy
	// Window is the dedupe window for PolicyWindow.
	Window time.Duration
	// OrphanGrace is how long a queued run may sit without a job before the
	// reconciliation sweep re-enqueues it.
	OrphanGrace time.Duration
}

// Dispatcher creates runs and enqueues their jobs.
type Dispatcher struct {
	store Store
	queue queue.Queue
	clock Clock
	cfg   Config

	mu       sync.Mutex
	requeued map[int64]time.Time
}

// New creates a dispatcher.
func New(store Store, q queue.Queue, cfg Config) *Dispatcher {
	if cfg.Policy == "" {
		cfg.Policy = PolicyWindow
	}
	if cfg.Window == 0 {
		cfg.Window = 10 * time.Minute
	}
	if cfg.OrphanGrace == 0 {
		cfg.OrphanGrace = 5 * time.Minute
	}
	return &Dispatcher{
		store:    store,
		queue:    q,
		clock:    systemClock{},
		cfg:      cfg,
		requeued: make(map[int64]time.Time),
	}
}

// WithClock replaces the dispatcher's clock. Intended for tests.
func (d *Dispatcher) WithClock(c Clock) *Dispatcher {
	d.clock = c
	return d
}

// windowKey buckets the current time into the dedupe window.
func (d *Dispatcher) windowKey() string {
	return d.clock.Now().UTC().Truncate(d.cfg.Window).Format(time.RFC3339)
}

// Trigger creates a run and enqueues its job. The run row is committed
// before the enqueue, never the reverse: a crash between the two leaves an
// orphaned queued run that ReconcileOrphans re-enqueues, not a job without a
// backing record. deduped is true when an existing run for the current
// window was returned instead of a new one. Under PolicyWindow the store's
// window uniqueness decides races between concurrent triggers; the lookup
// here is only a fast path. Under PolicyAlways runs carry no window key.
func (d *Dispatcher) Trigger(ctx context.Context) (runID int64, deduped bool, err error) {
	var key string
	if d.cfg.Policy == PolicyWindow {
		key = d.windowKey()
		existing, err := d.store.FindActiveRunByWindow(ctx, key)
		if err != nil {
			return 0, false, fmt.Errorf("failed to check for existing run: %w", err)
		}
		if existing != nil {
			log.Printf("trigger deduped: run %d already %s for window %s", existing.ID, existing.Status, key)
			return existing.ID, true, nil
		}
	}

	run, err := d.store.CreateRun(ctx, key)
	if errors.Is(err, types.ErrDuplicateWindow) {
		existing, ferr := d.store.FindActiveRunByWindow(ctx, key)
		if ferr != nil {
			return 0, false, fmt.Errorf("failed to look up run for window %s: %w", key, ferr)
		}
		if existing == nil {
			return 0, false, fmt.Errorf("no active run for window %s: %w", key, err)
		}
		log.Printf("trigger deduped: run %d won the insert for window %s", existing.ID, key)
		return existing.ID, true, nil
	}
	if err != nil {
		// Never enqueue without a committed run.
		return 0, false, fmt.Errorf("failed to create run: %w", err)
	}

	job := queue.Job{RunID: run.ID, EnqueuedAt: d.clock.Now().UTC()}
	if err := d.queue.Enqueue(ctx, job); err != nil {
		// The queued run row survives; the reconciliation sweep picks it up.
		log.Printf("failed to enqueue job for run %d, leaving for reconciliation: %v", run.ID, err)
		return run.ID, false, nil
	}

	log.Printf("triggered run %d (window %s)", run.ID, key)
	return run.ID, false, nil
}

// ReconcileOrphans re-enqueues queued runs older than the grace period that
// never got a matching in-flight job. A run re-enqueued within the last
// grace period is skipped, so repeated sweeps do not stack copies of a job
// that is still waiting in the queue. Returns how many were re-enqueued.
func (d *Dispatcher) ReconcileOrphans(ctx context.Context) (int, error) {
	now := d.clock.Now().UTC()
	stale, err := d.store.ListStaleQueued(ctx, now.Add(-d.cfg.OrphanGrace))
	if err != nil {
		return 0, fmt.Errorf("failed to list stale queued runs: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	requeued := 0
	for _, run := range stale {
		if last, ok := d.requeued[run.ID]; ok && now.Sub(last) < d.cfg.OrphanGrace {
			continue
		}
		job := queue.Job{RunID: run.ID, EnqueuedAt: now}
		if err := d.queue.Enqueue(ctx, job); err != nil {
			return requeued, fmt.Errorf("failed to re-enqueue run %d: %w", run.ID, err)
		}
		d.requeued[run.ID] = now
		log.Printf("re-enqueued orphaned run %d", run.ID)
		requeued++
	}
	for id, last := range d.requeued {
		if now.Sub(last) >= 2*d.cfg.OrphanGrace {
			delete(d.requeued, id)
		}
	}
	return requeued, nil
}

// RunScheduler triggers on the given interval until ctx is cancelled,
// sweeping for orphans after each trigger. Blocks.
func (d *Dispatcher) RunScheduler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Printf("scheduler started (interval %s, policy %s)", interval, d.cfg.Policy)

	for {
		select {
		case <-ctx.Done():
			log.Printf("scheduler stopped")
			return
		case <-ticker.C:
			if _, _, err := d.Trigger(ctx); err != nil {
				log.Printf("scheduled trigger failed: %v", err)
			}
			if _, err := d.ReconcileOrphans(ctx); err != nil {
				log.Printf("orphan reconciliation failed: %v", err)
			}
		}
	}
}
