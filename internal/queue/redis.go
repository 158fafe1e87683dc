// Package queue provides Redis-backed room work queues, sweep deduplication,
// and per-lead worker leases.
package queue

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Room queue keys. Workers block-pop from their own queue.
	TriageQueue    = "triage_queue"
	ArchitectQueue = "architect_queue"
	DiscoveryQueue = "discovery_queue"

	dedupeTTL = 15 * time.Minute
	leaseTTL  = 10 * time.Minute
)

// Queue wraps a Redis client with the factory's queue conventions.
type Queue struct {
	rdb *redis.Client
}

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Queue, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	log.Printf("[Queue] Connected to Redis at %s", cfg.Addr)
	return &Queue{rdb: rdb}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// Enqueue pushes a lead id onto a room queue.
func (q *Queue) Enqueue(ctx context.Context, queueName, leadID string) error {
	if err := q.rdb.RPush(ctx, queueName, leadID).Err(); err != nil {
		return fmt.Errorf("failed to enqueue %s onto %s: %w", leadID, queueName, err)
	}
	return nil
}

// Dequeue block-pops the next lead id from a room queue, waiting up to
// timeout. Returns empty string when nothing arrived.
func (q *Queue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (string, error) {
	res, err := q.rdb.BLPop(ctx, timeout, queueName).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to dequeue from %s: %w", queueName, err)
	}
	// BLPOP returns [key, value].
	if len(res) != 2 {
		return "", fmt.Errorf("unexpected BLPOP reply from %s: %v", queueName, res)
	}
	return res[1], nil
}

// Depth reports the current length of a room queue.
func (q *Queue) Depth(ctx context.Context, queueName string) (int64, error) {
	n, err := q.rdb.LLen(ctx, queueName).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read depth of %s: %w", queueName, err)
	}
	return n, nil
}

// DedupeOnce returns true the first time a lead is seen within the dedupe
// window. The follow-up sweeper uses it so one overdue lead is enqueued at
// most once per window even across overlapping sweeps.
func (q *Queue) DedupeOnce(ctx context.Context, leadID string) (bool, error) {
	key := fmt.Sprintf("sdr_cron:queued:%s", leadID)
	ok, err := q.rdb.SetNX(ctx, key, "1", dedupeTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set dedupe key for %s: %w", leadID, err)
	}
	return ok, nil
}

// AcquireLease takes an exclusive per-lead lease so two workers never process
// the same lead concurrently. Returns false when another worker holds it.
func (q *Queue) AcquireLease(ctx context.Context, leadID, workerID string) (bool, error) {
	key := fmt.Sprintf("lease:lead:%s", leadID)
	ok, err := q.rdb.SetNX(ctx, key, workerID, leaseTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease for %s: %w", leadID, err)
	}
	return ok, nil
}

// ReleaseLease frees a lead lease if this worker still owns it.
func (q *Queue) ReleaseLease(ctx context.Context, leadID, workerID string) error {
	key := fmt.Sprintf("lease:lead:%s", leadID)
	// Check-and-delete so an expired lease taken over by another worker is
	// never released from under it.
	owner, err := q.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read lease for %s: %w", leadID, err)
	}
	if owner != workerID {
		return nil
	}
	if err := q.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to release lease for %s: %w", leadID, err)
	}
	return nil
}

// Close releases the underlying client.
func (q *Queue) Close() error {
	return q.rdb.Close()
}

// Health verifies the Redis connection.
func (q *Queue) Health(ctx context.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis is unhealthy: %w", err)
	}
	return nil
}
