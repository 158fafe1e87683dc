package temporal

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/agos-io/factory/internal/config"
)

// Manager owns the Temporal client and worker for the factory's timers.
type Manager struct {
	client *Client
	worker worker.Worker
	config *config.TemporalConfig
}

// NewManager dials Temporal and registers the factory workflows and
// activities on the configured task queue.
func NewManager(cfg *config.TemporalConfig, acts *Activities) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("temporal config cannot be nil")
	}

	c, err := NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporal client: %w", err)
	}

	w := worker.New(c.GetClient(), cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(FollowUpTimerWorkflow)
	w.RegisterWorkflow(ApprovalExpiryWorkflow)
	if acts != nil {
		w.RegisterActivity(acts.EnqueueFollowUpActivity)
		w.RegisterActivity(acts.ExpireApprovalsActivity)
	}

	log.Printf("[Temporal] Worker registered for task queue: %s", cfg.TaskQueue)
	return &Manager{client: c, worker: w, config: cfg}, nil
}

// Start runs the worker in the background.
func (m *Manager) Start() error {
	go func() {
		if err := m.worker.Run(worker.InterruptCh()); err != nil {
			log.Printf("[Temporal] Worker error: %v", err)
		}
	}()
	log.Printf("[Temporal] Worker started")
	return nil
}

// Stop shuts down the worker and closes the client.
func (m *Manager) Stop() {
	if m.worker != nil {
		m.worker.Stop()
	}
	if m.client != nil {
		m.client.Close()
	}
	log.Printf("[Temporal] Stopped")
}

func followUpWorkflowID(negotiationID string) string {
	return fmt.Sprintf("follow-up-%s", negotiationID)
}

// ScheduleFollowUp starts (or reschedules) the durable follow-up timer for a
// negotiation. When the workflow is already running, the new fire time is
// delivered as a reschedule signal instead.
func (m *Manager) ScheduleFollowUp(ctx context.Context, leadID, negotiationID string, fireAt time.Time, reason string) error {
	workflowOptions := client.StartWorkflowOptions{
		ID:                  followUpWorkflowID(negotiationID),
		TaskQueue:           m.config.TaskQueue,
		WorkflowTaskTimeout: m.config.WorkflowTaskTimeout,
		WorkflowRunTimeout:  m.config.WorkflowExecutionTimeout,
	}

	input := FollowUpTimerWorkflowInput{
		LeadID:        leadID,
		NegotiationID: negotiationID,
		FireAt:        fireAt,
		Reason:        reason,
	}

	_, err := m.client.ExecuteWorkflow(ctx, workflowOptions, FollowUpTimerWorkflow, input)
	if err != nil {
		if _, ok := err.(*serviceerror.WorkflowExecutionAlreadyStarted); ok {
			return m.client.SignalWorkflow(ctx, followUpWorkflowID(negotiationID), "",
				FollowUpRescheduleSignal, FollowUpReschedule{FireAt: fireAt})
		}
		return fmt.Errorf("failed to start follow-up workflow: %w", err)
	}

	log.Printf("[Temporal] Scheduled follow-up for negotiation %s at %s", negotiationID, fireAt.Format(time.RFC3339))
	return nil
}

// CancelFollowUp ends the timer for a negotiation that reached a terminal
// deal stage or completed its cadence.
func (m *Manager) CancelFollowUp(ctx context.Context, negotiationID string) error {
	err := m.client.SignalWorkflow(ctx, followUpWorkflowID(negotiationID), "",
		FollowUpRescheduleSignal, FollowUpReschedule{Cancel: true})
	if err != nil {
		if _, ok := err.(*serviceerror.NotFound); ok {
			return nil
		}
		return fmt.Errorf("failed to cancel follow-up workflow: %w", err)
	}
	return nil
}

// StartApprovalExpiryWorkflow starts (or resumes) the singleton expiry sweep.
func (m *Manager) StartApprovalExpiryWorkflow(ctx context.Context, interval time.Duration) error {
	workflowOptions := client.StartWorkflowOptions{
		ID:                  "approval-expiry-sweep",
		TaskQueue:           m.config.TaskQueue,
		WorkflowTaskTimeout: m.config.WorkflowTaskTimeout,
		WorkflowRunTimeout:  0, // runs indefinitely
	}

	_, err := m.client.ExecuteWorkflow(ctx, workflowOptions, ApprovalExpiryWorkflow,
		ApprovalExpiryWorkflowInput{Interval: interval})
	if err != nil {
		if _, ok := err.(*serviceerror.WorkflowExecutionAlreadyStarted); ok {
			return nil
		}
		return fmt.Errorf("failed to start approval expiry workflow: %w", err)
	}

	log.Printf("[Temporal] Started approval expiry sweep with %v interval", interval)
	return nil
}
