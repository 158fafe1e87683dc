package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/agos-io/factory/internal/database"
	"github.com/agos-io/factory/internal/metrics"
	"github.com/agos-io/factory/internal/negotiation"
	"github.com/agos-io/factory/internal/queue"
)

// engagementWindow bounds how far back interactions count toward the
// engagement tier when choosing the next touch.
const engagementWindow = 7 * 24 * time.Hour

// Decider chooses the content of the next outbound touch. The production
// implementation calls the template/LLM layer; tests use a stub.
type Decider interface {
	DecideTouch(ctx context.Context, lead *database.Lead, n *negotiation.Negotiation, tier negotiation.Tier) (*negotiation.Interaction, error)
}

// FollowUpScheduler manages the durable timer for a negotiation's next
// action. The Temporal manager implements it.
type FollowUpScheduler interface {
	ScheduleFollowUp(ctx context.Context, leadID, negotiationID string, fireAt time.Time, reason string) error
	CancelFollowUp(ctx context.Context, negotiationID string) error
}

// LeaseQueue is the queue surface the discovery loop needs.
type LeaseQueue interface {
	Dequeue(ctx context.Context, queueName string, timeout time.Duration) (string, error)
	AcquireLease(ctx context.Context, leadID, workerID string) (bool, error)
	ReleaseLease(ctx context.Context, leadID, workerID string) error
}

// DiscoveryWorker processes discovery room jobs keyed by lead status: a
// mockup_ready lead gets its initial presentation (quote, proposal, first
// outreach), while presenting/negotiating leads run the follow-up loop
// (classify engagement, decide the next touch, send, record, reschedule).
type DiscoveryWorker struct {
	id        string
	store     LeadStore
	queue     LeaseQueue
	machine   *negotiation.Machine
	books     PlaybookSource
	decider   Decider
	messenger negotiation.Messenger
	renderer  negotiation.DocumentRenderer
	scheduler FollowUpScheduler
	metrics   *metrics.Metrics
}

// NewDiscoveryWorker builds a discovery worker. messenger and renderer may be
// nil to record touches without sending; scheduler may be nil when only the
// cron sweeper drives follow-ups.
func NewDiscoveryWorker(store LeadStore, q LeaseQueue, machine *negotiation.Machine, books PlaybookSource, decider Decider, messenger negotiation.Messenger, renderer negotiation.DocumentRenderer, scheduler FollowUpScheduler, m *metrics.Metrics) *DiscoveryWorker {
	return &DiscoveryWorker{
		id:        fmt.Sprintf("discovery-%s", uuid.New().String()[:8]),
		store:     store,
		queue:     q,
		machine:   machine,
		books:     books,
		decider:   decider,
		messenger: messenger,
		renderer:  renderer,
		scheduler: scheduler,
		metrics:   m,
	}
}

// Run consumes the discovery queue until the context is cancelled.
func (w *DiscoveryWorker) Run(ctx context.Context) {
	log.Printf("[DiscoveryWorker] %s started", w.id)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[DiscoveryWorker] %s stopping", w.id)
			return
		default:
		}

		leadID, err := w.queue.Dequeue(ctx, queue.DiscoveryQueue, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[DiscoveryWorker] Dequeue failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if leadID == "" {
			continue
		}

		if err := w.ProcessLead(ctx, leadID); err != nil {
			log.Printf("[DiscoveryWorker] Failed to process lead %s: %v", leadID, err)
		}
	}
}

// ProcessLead handles one due follow-up under an exclusive lease. A lead
// whose lease is held elsewhere is skipped; the sweeper re-enqueues it on
// the next pass if it is still due.
func (w *DiscoveryWorker) ProcessLead(ctx context.Context, leadID string) error {
	got, err := w.queue.AcquireLease(ctx, leadID, w.id)
	if err != nil {
		return fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !got {
		log.Printf("[DiscoveryWorker] Lead %s leased elsewhere, skipping", leadID)
		return nil
	}
	defer func() {
		if err := w.queue.ReleaseLease(ctx, leadID, w.id); err != nil {
			log.Printf("[DiscoveryWorker] Failed to release lease for %s: %v", leadID, err)
		}
	}()

	lead, err := w.store.GetLead(ctx, leadID)
	if err != nil {
		return fmt.Errorf("failed to load lead: %w", err)
	}
	if lead.Status == database.LeadStatusMockupReady {
		return w.presentLead(ctx, lead)
	}

	n, err := w.store.GetNegotiationByLead(ctx, leadID)
	if err != nil {
		return fmt.Errorf("failed to load negotiation: %w", err)
	}
	if n.Terminal() || n.SDRState == negotiation.SDRCompleted {
		if w.scheduler != nil {
			if err := w.scheduler.CancelFollowUp(ctx, n.ID); err != nil {
				log.Printf("[DiscoveryWorker] Failed to cancel timer for %s: %v", n.ID, err)
			}
		}
		return nil
	}

	history, err := w.store.ListInteractions(ctx, n.ID, 100)
	if err != nil {
		return fmt.Errorf("failed to load interactions: %w", err)
	}
	tier := negotiation.ClassifyEngagement(history, engagementWindow, time.Now().UTC())

	rec, err := w.decider.DecideTouch(ctx, lead, n, tier)
	if err != nil {
		return fmt.Errorf("decider failed for lead %s: %w", leadID, err)
	}
	if rec == nil {
		log.Printf("[DiscoveryWorker] Decider skipped lead %s (tier %s)", leadID, tier)
		return nil
	}

	channel := rec.Channel
	if channel == "" {
		channel = negotiation.ChannelEmail
	}

	if w.messenger != nil {
		sent, sendErr := w.sendTouch(ctx, lead, n, channel, rec)
		if sendErr != nil {
			log.Printf("[DiscoveryWorker] Send failed for lead %s (%s): %v", leadID, rec.TemplateSlug, sendErr)
			if err := w.machine.RecordEvent(ctx, n, negotiation.InteractionSendFailed, channel); err != nil {
				log.Printf("[DiscoveryWorker] Failed to record send failure for %s: %v", n.ID, err)
			}
			return nil
		}
		rec.Subject = sent.Subject
		rec.BodyPreview = sent.BodyPreview
	}

	if err := w.machine.RecordTouch(ctx, n, channel, rec); err != nil {
		return fmt.Errorf("failed to record touch: %w", err)
	}
	if w.metrics != nil {
		w.metrics.RecordTouch(string(n.SDRState), string(channel))
	}

	if w.scheduler != nil {
		if n.NextActionAt != nil {
			if err := w.scheduler.ScheduleFollowUp(ctx, leadID, n.ID, *n.NextActionAt, string(n.SDRState)); err != nil {
				log.Printf("[DiscoveryWorker] Failed to schedule timer for %s: %v", n.ID, err)
			}
		} else {
			if err := w.scheduler.CancelFollowUp(ctx, n.ID); err != nil {
				log.Printf("[DiscoveryWorker] Failed to cancel timer for %s: %v", n.ID, err)
			}
		}
	}
	return nil
}

// presentLead is the first entry into discovery for a lead whose mockup is
// ready: calculate the quote, create the negotiation, render the proposal,
// send the initial outreach, and move both the deal stage and the lead
// forward. Re-entrant: a negotiation left behind by an earlier failed send is
// reused rather than re-quoted.
func (w *DiscoveryWorker) presentLead(ctx context.Context, lead *database.Lead) error {
	n, err := w.store.GetNegotiationByLead(ctx, lead.ID)
	if err != nil {
		pb := w.books.Lookup(lead.Tenant)
		quote := negotiation.Calculate(lead.TriageScore, lead.Signals, lead.Industry, pb.PricingRules, time.Now().UTC())
		n = negotiation.NewNegotiation(lead.ID, quote)

		if w.renderer != nil {
			url, rerr := w.renderer.Render(ctx, "proposal", n.CurrentPrice, lead.Industry, lead.CompanyName)
			if rerr != nil {
				log.Printf("[DiscoveryWorker] Proposal render failed for lead %s: %v", lead.ID, rerr)
			} else {
				n.ProposalURL = url
			}
		}

		if err := w.store.CreateNegotiation(ctx, n); err != nil {
			return fmt.Errorf("failed to create negotiation for lead %s: %w", lead.ID, err)
		}
		if w.metrics != nil {
			w.metrics.QuotesCalculated.WithLabelValues(quote.ProjectType).Inc()
		}
		log.Printf("[DiscoveryWorker] Quoted lead %s at %.2f (%s, floor %.2f)",
			lead.ID, quote.FinalPrice, quote.ProjectType, quote.MinAcceptablePrice)
	}

	// The proposal already went out; only the lead status is behind.
	if n.State != negotiation.DealInitial {
		return w.store.UpdateLeadStatus(ctx, lead.ID, database.LeadStatusPresenting)
	}

	rec := &negotiation.Interaction{
		Type:         negotiation.InteractionEmailSent,
		Channel:      negotiation.ChannelEmail,
		Subject:      fmt.Sprintf("Website proposal for %s", lead.CompanyName),
		TemplateSlug: "initial_proposal",
		OfferedPrice: n.CurrentPrice,
	}
	if w.messenger != nil {
		sent, sendErr := w.sendTouch(ctx, lead, n, negotiation.ChannelEmail, rec)
		if sendErr != nil {
			log.Printf("[DiscoveryWorker] Initial proposal send failed for lead %s: %v", lead.ID, sendErr)
			if err := w.machine.RecordEvent(ctx, n, negotiation.InteractionSendFailed, negotiation.ChannelEmail); err != nil {
				log.Printf("[DiscoveryWorker] Failed to record send failure for %s: %v", n.ID, err)
			}
			return nil
		}
		if sent.Subject != "" {
			rec.Subject = sent.Subject
		}
		rec.BodyPreview = sent.BodyPreview
	}

	if err := w.machine.Transition(ctx, n, negotiation.DealProposalSent); err != nil {
		return fmt.Errorf("failed to advance lead %s to proposal_sent: %w", lead.ID, err)
	}
	if err := w.machine.RecordTouch(ctx, n, negotiation.ChannelEmail, rec); err != nil {
		return fmt.Errorf("failed to record initial touch: %w", err)
	}
	if err := w.store.UpdateLeadStatus(ctx, lead.ID, database.LeadStatusPresenting); err != nil {
		return fmt.Errorf("failed to mark lead %s presenting: %w", lead.ID, err)
	}
	if w.metrics != nil {
		w.metrics.RecordDealTransition(string(negotiation.DealInitial), string(negotiation.DealProposalSent))
		w.metrics.RecordTouch(string(n.SDRState), string(negotiation.ChannelEmail))
	}

	if w.scheduler != nil && n.NextActionAt != nil {
		if err := w.scheduler.ScheduleFollowUp(ctx, lead.ID, n.ID, *n.NextActionAt, string(n.SDRState)); err != nil {
			log.Printf("[DiscoveryWorker] Failed to schedule timer for %s: %v", n.ID, err)
		}
	}
	log.Printf("[DiscoveryWorker] Lead %s presenting (proposal %s)", lead.ID, n.ProposalURL)
	return nil
}

func (w *DiscoveryWorker) sendTouch(ctx context.Context, lead *database.Lead, n *negotiation.Negotiation, channel negotiation.Channel, rec *negotiation.Interaction) (*negotiation.Interaction, error) {
	params := map[string]any{
		"lead_id":      lead.ID,
		"company_name": lead.CompanyName,
		"contact_name": lead.ContactName,
		"price":        n.CurrentPrice,
		"proposal_url": n.ProposalURL,
	}
	if channel == negotiation.ChannelSMS {
		params["phone"] = lead.Phone
		return w.messenger.SendSMS(ctx, rec.TemplateSlug, params)
	}
	params["email"] = lead.ContactEmail
	return w.messenger.SendEmail(ctx, rec.TemplateSlug, params)
}
