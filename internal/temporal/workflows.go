package temporal

import (
	"time"

	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// FollowUpRescheduleSignal carries a new wake-up time (or a cancellation)
// to a running follow-up timer. RecordTouch sends it whenever a touch moves
// next_action_at.
const FollowUpRescheduleSignal = "follow-up-reschedule"

// FollowUpTimerWorkflowInput starts a durable timer for one negotiation.
type FollowUpTimerWorkflowInput struct {
	LeadID        string
	NegotiationID string
	FireAt        time.Time
	Reason        string
}

// FollowUpReschedule is the signal payload. Cancel true ends the timer
// without firing (terminal deal or cadence completed).
type FollowUpReschedule struct {
	FireAt time.Time
	Cancel bool
}

// FollowUpTimerWorkflow sleeps until the negotiation's next action time,
// then enqueues the lead for the discovery room. Reschedule signals move the
// deadline; the timer survives process restarts because Temporal owns it.
func FollowUpTimerWorkflow(ctx workflow.Context, input FollowUpTimerWorkflowInput) error {
	logger := workflow.GetLogger(ctx)
	sigCh := workflow.GetSignalChannel(ctx, FollowUpRescheduleSignal)

	for {
		delay := input.FireAt.Sub(workflow.Now(ctx))
		if delay < 0 {
			delay = 0
		}

		timerCtx, cancelTimer := workflow.WithCancel(ctx)
		timer := workflow.NewTimer(timerCtx, delay)

		var fired, cancelled bool
		selector := workflow.NewSelector(ctx)
		selector.AddFuture(timer, func(f workflow.Future) {
			if err := f.Get(timerCtx, nil); err == nil {
				fired = true
			}
		})
		selector.AddReceive(sigCh, func(c workflow.ReceiveChannel, more bool) {
			var sig FollowUpReschedule
			c.Receive(ctx, &sig)
			cancelTimer()
			if sig.Cancel {
				cancelled = true
				return
			}
			input.FireAt = sig.FireAt
		})
		selector.Select(ctx)
		cancelTimer()

		if cancelled {
			logger.Info("Follow-up timer cancelled", "negotiationID", input.NegotiationID)
			return nil
		}
		if !fired {
			continue // rescheduled
		}

		activityOptions := workflow.ActivityOptions{
			StartToCloseTimeout: 2 * time.Minute,
			RetryPolicy: &sdktemporal.RetryPolicy{
				MaximumAttempts: 3,
			},
		}
		actCtx := workflow.WithActivityOptions(ctx, activityOptions)
		err := workflow.ExecuteActivity(actCtx, "EnqueueFollowUpActivity", EnqueueFollowUpInput{
			LeadID:        input.LeadID,
			NegotiationID: input.NegotiationID,
			Reason:        input.Reason,
		}).Get(actCtx, nil)
		if err != nil {
			logger.Error("Failed to enqueue follow-up", "leadID", input.LeadID, "error", err)
			return err
		}
		logger.Info("Follow-up fired", "leadID", input.LeadID, "negotiationID", input.NegotiationID)
		return nil
	}
}

// ApprovalExpiryWorkflowInput controls the expiry sweep cadence.
type ApprovalExpiryWorkflowInput struct {
	Interval time.Duration
}

// ApprovalExpiryWorkflow periodically marks overdue pending approvals as
// expired so paused runs fail closed instead of waiting forever.
func ApprovalExpiryWorkflow(ctx workflow.Context, input ApprovalExpiryWorkflowInput) error {
	logger := workflow.GetLogger(ctx)
	if input.Interval == 0 {
		input.Interval = 10 * time.Minute
	}

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &sdktemporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	for i := 0; ; i++ {
		var result ExpireApprovalsResult
		err := workflow.ExecuteActivity(ctx, "ExpireApprovalsActivity").Get(ctx, &result)
		if err != nil {
			logger.Warn("Approval expiry sweep failed", "error", err)
		} else if result.Expired > 0 {
			logger.Info("Approval expiry sweep", "expired", result.Expired)
		}

		if err := workflow.Sleep(ctx, input.Interval); err != nil {
			return err
		}

		// ContinueAsNew periodically so event history stays bounded.
		if i >= 1000 {
			return workflow.NewContinueAsNewError(ctx, ApprovalExpiryWorkflow, input)
		}
	}
}
