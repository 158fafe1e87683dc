package temporal

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/agos-io/factory/internal/approval"
)

// FollowUpEnqueuer is the queue surface the follow-up activity needs:
// once-per-window dedupe plus a push onto the discovery room queue.
type FollowUpEnqueuer interface {
	DedupeOnce(ctx context.Context, leadID string) (bool, error)
	Enqueue(ctx context.Context, queueName, leadID string) error
}

// RoomJobPublisher announces the enqueued follow-up on the message bus.
type RoomJobPublisher interface {
	PublishFollowUpJob(ctx context.Context, leadID, reason string) error
}

// ApprovalExpirer sweeps overdue pending approvals to expired.
type ApprovalExpirer interface {
	ExpireOverdueApprovals(ctx context.Context, now time.Time) ([]*approval.Item, error)
}

// Activities holds the side-effecting operations our workflows call.
type Activities struct {
	queue     FollowUpEnqueuer
	publisher RoomJobPublisher
	approvals ApprovalExpirer
	queueName string
}

// NewActivities wires the activity set. publisher and approvals may be nil
// when the corresponding workflow is not registered.
func NewActivities(q FollowUpEnqueuer, publisher RoomJobPublisher, approvals ApprovalExpirer, queueName string) *Activities {
	if queueName == "" {
		queueName = "discovery_queue"
	}
	return &Activities{queue: q, publisher: publisher, approvals: approvals, queueName: queueName}
}

// EnqueueFollowUpInput identifies the negotiation whose timer fired.
type EnqueueFollowUpInput struct {
	LeadID        string
	NegotiationID string
	Reason        string
}

// EnqueueFollowUpActivity pushes the lead back onto the discovery queue. The
// dedupe key makes timer replays and the cron sweeper idempotent against
// each other.
func (a *Activities) EnqueueFollowUpActivity(ctx context.Context, input EnqueueFollowUpInput) error {
	first, err := a.queue.DedupeOnce(ctx, input.LeadID)
	if err != nil {
		return fmt.Errorf("failed to dedupe follow-up for lead %s: %w", input.LeadID, err)
	}
	if !first {
		log.Printf("[Temporal] Follow-up for lead %s already queued this window, skipping", input.LeadID)
		return nil
	}

	if err := a.queue.Enqueue(ctx, a.queueName, input.LeadID); err != nil {
		return fmt.Errorf("failed to enqueue follow-up for lead %s: %w", input.LeadID, err)
	}

	if a.publisher != nil {
		if err := a.publisher.PublishFollowUpJob(ctx, input.LeadID, input.Reason); err != nil {
			log.Printf("[Temporal] Failed to announce follow-up for lead %s: %v", input.LeadID, err)
		}
	}

	log.Printf("[Temporal] Enqueued follow-up for lead %s (negotiation %s)", input.LeadID, input.NegotiationID)
	return nil
}

// ExpireApprovalsResult reports the sweep outcome.
type ExpireApprovalsResult struct {
	Expired int
}

// ExpireApprovalsActivity marks overdue pending approvals as expired.
func (a *Activities) ExpireApprovalsActivity(ctx context.Context) (ExpireApprovalsResult, error) {
	if a.approvals == nil {
		return ExpireApprovalsResult{}, nil
	}
	expired, err := a.approvals.ExpireOverdueApprovals(ctx, time.Now().UTC())
	if err != nil {
		return ExpireApprovalsResult{}, fmt.Errorf("failed to expire approvals: %w", err)
	}
	for _, item := range expired {
		log.Printf("[Temporal] Approval %s for %s expired", item.ID, item.ContextRef)
	}
	return ExpireApprovalsResult{Expired: len(expired)}, nil
}
