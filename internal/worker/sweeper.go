package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/agos-io/factory/internal/metrics"
	"github.com/agos-io/factory/internal/negotiation"
	"github.com/agos-io/factory/internal/queue"
)

// FollowUpLister surfaces negotiations whose next action time has passed.
type FollowUpLister interface {
	ListDueFollowUps(ctx context.Context, now time.Time, limit int) ([]*negotiation.Negotiation, error)
}

// SweepQueue is the queue surface the sweeper needs.
type SweepQueue interface {
	DedupeOnce(ctx context.Context, leadID string) (bool, error)
	Enqueue(ctx context.Context, queueName, leadID string) error
}

// Sweeper is the safety net behind the durable timers: it periodically scans
// for overdue follow-ups and enqueues them for the discovery room. The dedupe
// window keeps it idempotent against the timers and against overlapping
// sweeps.
type Sweeper struct {
	store   FollowUpLister
	queue   SweepQueue
	metrics *metrics.Metrics
	limit   int
}

// NewSweeper builds a sweeper. limit caps leads enqueued per sweep.
func NewSweeper(store FollowUpLister, q SweepQueue, m *metrics.Metrics, limit int) *Sweeper {
	if limit < 1 {
		limit = 50
	}
	return &Sweeper{store: store, queue: q, metrics: m, limit: limit}
}

// Sweep runs one pass and reports how many leads were enqueued.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	started := time.Now()
	due, err := s.store.ListDueFollowUps(ctx, time.Now().UTC(), s.limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list due follow-ups: %w", err)
	}

	enqueued := 0
	for _, n := range due {
		first, err := s.queue.DedupeOnce(ctx, n.LeadID)
		if err != nil {
			return enqueued, fmt.Errorf("failed to dedupe lead %s: %w", n.LeadID, err)
		}
		if !first {
			if s.metrics != nil {
				s.metrics.FollowUpsDeduped.Inc()
			}
			continue
		}
		if err := s.queue.Enqueue(ctx, queue.DiscoveryQueue, n.LeadID); err != nil {
			return enqueued, fmt.Errorf("failed to enqueue lead %s: %w", n.LeadID, err)
		}
		enqueued++
		if s.metrics != nil {
			s.metrics.FollowUpsEnqueued.Inc()
		}
	}

	if s.metrics != nil {
		s.metrics.SweepDuration.Observe(time.Since(started).Seconds())
	}
	if enqueued > 0 {
		log.Printf("[Sweeper] Enqueued %d of %d due follow-ups", enqueued, len(due))
	}
	return enqueued, nil
}

// Run sweeps on a fixed interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	log.Printf("[Sweeper] Started with %v interval, batch limit %d", interval, s.limit)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Sweeper] Stopping")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				log.Printf("[Sweeper] Sweep failed: %v", err)
			}
		}
	}
}
