package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout. Pending jobs live in a list; a received job is atomically
// moved to the processing list and tracked in a lease hash with a visibility
// deadline so crashed workers' jobs can be reclaimed.
const (
	pendingKey    = "brandpulse:jobs"
	processingKey = "brandpulse:jobs:processing"
	leaseKey      = "brandpulse:jobs:leases"
)

// RedisQueue is a Redis-backed Queue using the reliable-queue list pattern.
type RedisQueue struct {
	client            *redis.Client
	visibilityTimeout time.Duration
	receiveTimeout    time.Duration
}

// NewRedis creates a Redis-backed queue. visibilityTimeout bounds how long a
// received job may stay unacked before ReclaimExpired returns it to pending.
func NewRedis(client *redis.Client, visibilityTimeout time.Duration) *RedisQueue {
	if visibilityTimeout == 0 {
		visibilityTimeout = 10 * time.Minute
	}
	return &RedisQueue{
		client:            client,
		visibilityTimeout: visibilityTimeout,
		receiveTimeout:    5 * time.Second,
	}
}

// Enqueue appends a job to the pending list.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, pendingKey, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job for run %d: %w", job.RunID, err)
	}
	return nil
}

// Receive blocks until a job is available, moving it to the processing list
// and recording its visibility deadline.
func (q *RedisQueue) Receive(ctx context.Context) (*Delivery, error) {
	for {
		payload, err := q.client.BLMove(ctx, pendingKey, processingKey, "RIGHT", "LEFT", q.receiveTimeout).Result()
		if err == redis.Nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to receive job: %w", err)
		}

		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			// Malformed payload: drop it rather than poison the queue.
			q.client.LRem(ctx, processingKey, 1, payload)
			return nil, fmt.Errorf("failed to decode job payload: %w", err)
		}

		deadline := time.Now().Add(q.visibilityTimeout).UnixMilli()
		if err := q.client.HSet(ctx, leaseKey, payload, deadline).Err(); err != nil {
			return nil, fmt.Errorf("failed to record job lease: %w", err)
		}
		return NewDelivery(job, payload), nil
	}
}

// Ack removes the job from the processing list and its lease entry.
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, processingKey, 1, d.receipt)
	pipe.HDel(ctx, leaseKey, d.receipt)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack job for run %d: %w", d.Job.RunID, err)
	}
	return nil
}

// Nack returns the job to the pending list for redelivery.
func (q *RedisQueue) Nack(ctx context.Context, d *Delivery) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, processingKey, 1, d.receipt)
	pipe.HDel(ctx, leaseKey, d.receipt)
	pipe.LPush(ctx, pendingKey, d.receipt)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to nack job for run %d: %w", d.Job.RunID, err)
	}
	return nil
}

// ReclaimExpired moves jobs whose visibility deadline passed back to the
// pending list. Run periodically alongside the dispatcher's orphan sweep.
func (q *RedisQueue) ReclaimExpired(ctx context.Context) (int, error) {
	leases, err := q.client.HGetAll(ctx, leaseKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read job leases: %w", err)
	}

	now := time.Now().UnixMilli()
	reclaimed := 0
	for payload, deadlineStr := range leases {
		var deadline int64
		if _, err := fmt.Sscanf(deadlineStr, "%d", &deadline); err != nil || deadline > now {
			continue
		}
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, processingKey, 1, payload)
		pipe.HDel(ctx, leaseKey, payload)
		pipe.LPush(ctx, pendingKey, payload)
		if _, err := pipe.Exec(ctx); err != nil {
			return reclaimed, fmt.Errorf("failed to reclaim expired job: %w", err)
		}
		reclaimed++
	}
	return reclaimed, nil
}
