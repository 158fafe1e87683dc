package worker

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/agos-io/factory/internal/database"
	"github.com/agos-io/factory/internal/messagebus"
	"github.com/agos-io/factory/internal/metrics"
	"github.com/agos-io/factory/internal/negotiation"
)

// EventConsumer applies bus events to negotiations: payment confirmations
// close deals, engagement signals feed the tier classifier and can advance
// the deal stage.
type EventConsumer struct {
	store     LeadStore
	machine   *negotiation.Machine
	renderer  negotiation.DocumentRenderer
	scheduler FollowUpScheduler
	metrics   *metrics.Metrics
}

// NewEventConsumer builds the consumer. renderer and scheduler may be nil.
func NewEventConsumer(store LeadStore, machine *negotiation.Machine, renderer negotiation.DocumentRenderer, scheduler FollowUpScheduler, m *metrics.Metrics) *EventConsumer {
	return &EventConsumer{store: store, machine: machine, renderer: renderer, scheduler: scheduler, metrics: m}
}

// HandlePaymentConfirmed drives accepted -> paid and closes out the lead.
// Duplicate deliveries land on an already-paid negotiation and are dropped.
func (c *EventConsumer) HandlePaymentConfirmed(ctx context.Context, msg *messagebus.PaymentConfirmedMessage) error {
	n, err := c.store.GetNegotiation(ctx, msg.NegotiationID)
	if err != nil {
		return fmt.Errorf("failed to load negotiation %s: %w", msg.NegotiationID, err)
	}
	if n.State == negotiation.DealPaid {
		log.Printf("[Events] Negotiation %s already paid, ignoring duplicate confirmation", n.ID)
		return nil
	}

	// The confirmation is authoritative for the session reference.
	if msg.SessionID != "" {
		n.PaymentSessionID = msg.SessionID
	}
	if err := c.machine.ConfirmPayment(ctx, n); err != nil {
		if errors.Is(err, negotiation.ErrInvalidTransition) {
			log.Printf("[Events] Payment confirmation for %s in state %s rejected: %v", n.ID, n.State, err)
			return nil
		}
		return fmt.Errorf("failed to confirm payment for %s: %w", n.ID, err)
	}
	if c.metrics != nil {
		c.metrics.RecordDealTransition(string(negotiation.DealAccepted), string(negotiation.DealPaid))
	}

	if err := c.store.UpdateLeadStatus(ctx, n.LeadID, database.LeadStatusClosedWon); err != nil {
		return fmt.Errorf("failed to close lead %s: %w", n.LeadID, err)
	}
	if c.scheduler != nil {
		if err := c.scheduler.CancelFollowUp(ctx, n.ID); err != nil {
			log.Printf("[Events] Failed to cancel timer for %s: %v", n.ID, err)
		}
	}

	log.Printf("[Events] Negotiation %s paid (session %s), lead %s closed won", n.ID, msg.SessionID, n.LeadID)
	return nil
}

// HandleInteractionEvent persists an inbound engagement signal. A reply or a
// proposal view while the deal sits at proposal_sent advances it to
// prospect_engaged.
func (c *EventConsumer) HandleInteractionEvent(ctx context.Context, msg *messagebus.InteractionEventMessage) error {
	n, err := c.store.GetNegotiationByLead(ctx, msg.LeadID)
	if err != nil {
		return fmt.Errorf("failed to load negotiation for lead %s: %w", msg.LeadID, err)
	}

	if err := c.machine.RecordEvent(ctx, n, msg.Type, negotiation.Channel(msg.Channel)); err != nil {
		return fmt.Errorf("failed to record interaction for %s: %w", n.ID, err)
	}

	engaging := msg.Type == negotiation.InteractionReplyReceived ||
		msg.Type == negotiation.InteractionProposalViewed ||
		msg.Type == negotiation.InteractionCheckoutStarted
	if engaging && n.State == negotiation.DealProposalSent {
		if err := c.machine.Transition(ctx, n, negotiation.DealProspectEngaged); err != nil {
			return fmt.Errorf("failed to advance %s on engagement: %w", n.ID, err)
		}
		if err := c.store.UpdateLeadStatus(ctx, n.LeadID, database.LeadStatusNegotiating); err != nil {
			return fmt.Errorf("failed to mark lead %s negotiating: %w", n.LeadID, err)
		}
		if c.metrics != nil {
			c.metrics.RecordDealTransition(string(negotiation.DealProposalSent), string(negotiation.DealProspectEngaged))
		}
	}

	if msg.Type == negotiation.InteractionCheckoutStarted {
		return c.acceptDeal(ctx, n, msg.SessionID)
	}
	return nil
}

// acceptDeal moves a negotiation to accepted when the prospect starts
// checkout, storing the checkout session id the event carries. The contract
// is rendered first so the acceptance record carries its URL; a render
// failure does not block the acceptance.
func (c *EventConsumer) acceptDeal(ctx context.Context, n *negotiation.Negotiation, sessionID string) error {
	contractURL := ""
	if c.renderer != nil {
		lead, err := c.store.GetLead(ctx, n.LeadID)
		if err != nil {
			return fmt.Errorf("failed to load lead %s: %w", n.LeadID, err)
		}
		contractURL, err = c.renderer.Render(ctx, "contract", n.CurrentPrice, lead.Industry, lead.CompanyName)
		if err != nil {
			log.Printf("[Events] Contract render failed for %s: %v", n.ID, err)
			contractURL = ""
		}
	}

	prev := n.State
	if err := c.machine.MarkAccepted(ctx, n, sessionID, contractURL); err != nil {
		if errors.Is(err, negotiation.ErrInvalidTransition) {
			log.Printf("[Events] Checkout for %s in state %s, not accepting: %v", n.ID, n.State, err)
			return nil
		}
		return fmt.Errorf("failed to accept %s: %w", n.ID, err)
	}
	if c.metrics != nil {
		c.metrics.RecordDealTransition(string(prev), string(negotiation.DealAccepted))
	}
	return nil
}
