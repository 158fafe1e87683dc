package negotiation

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// Store is the narrow persistence interface the state machine needs. The
// full database implements it. ApplyDiscount must commit the price change,
// the ledger append, and the stage change in one transaction with an
// optimistic version check — a persisted price change without its ledger
// entry is an invariant violation.
type Store interface {
	UpdateNegotiation(ctx context.Context, n *Negotiation) error
	ApplyDiscount(ctx context.Context, n *Negotiation, rec DiscountRecord) error
	AppendInteraction(ctx context.Context, rec *Interaction) error
}

// dealTransitions is the deal-stage adjacency map. accepted -> paid is driven
// only by the payment-confirmation event, never by a caller decision.
var dealTransitions = map[DealState][]DealState{
	DealInitial:           {DealProposalSent, DealRejected},
	DealProposalSent:      {DealProspectEngaged, DealRejected},
	DealProspectEngaged:   {DealObjectionHandling, DealCounterOffer, DealFinalOffer, DealAccepted, DealRejected},
	DealObjectionHandling: {DealCounterOffer, DealFinalOffer, DealAccepted, DealRejected},
	DealCounterOffer:      {DealObjectionHandling, DealFinalOffer, DealAccepted, DealRejected},
	DealFinalOffer:        {DealAccepted, DealRejected},
	DealAccepted:          {DealPaid},
}

func dealTransitionAllowed(from, to DealState) bool {
	for _, next := range dealTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Machine advances a single negotiation through its two state tracks. All
// mutation goes through the store; the in-memory aggregate is only updated
// after a successful persist so a failed write never leaves it ahead of the
// database.
type Machine struct {
	store      Store
	timing     TimingTable
	maxTouches int
}

// NewMachine creates a negotiation state machine. maxTouches < 1 falls back
// to the stock cadence limit of 7.
func NewMachine(store Store, timing TimingTable, maxTouches int) *Machine {
	if timing == nil {
		timing = DefaultTimingTable()
	}
	if maxTouches < 1 {
		maxTouches = 7
	}
	return &Machine{store: store, timing: timing, maxTouches: maxTouches}
}

// NewNegotiation creates the aggregate for a lead whose asset was approved
// for presentation, priced from the quote.
func NewNegotiation(leadID string, quote QuoteResult) *Negotiation {
	now := time.Now().UTC()
	return &Negotiation{
		ID:                 fmt.Sprintf("neg-%s", uuid.New().String()[:8]),
		LeadID:             leadID,
		BasePrice:          quote.FinalPrice,
		CurrentPrice:       quote.FinalPrice,
		MinAcceptablePrice: quote.MinAcceptablePrice,
		MaxDiscountPct:     quote.MaxDiscountPct,
		State:              DealInitial,
		SDRState:           SDRInitialOutreach,
		CloseProbability:   quote.CloseProbability,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// Transition moves the deal stage. Invalid moves are rejected with
// ErrInvalidTransition; a terminal deal closes the cadence alongside it.
func (m *Machine) Transition(ctx context.Context, n *Negotiation, to DealState) error {
	if !dealTransitionAllowed(n.State, to) {
		return fmt.Errorf("negotiation %s: %s -> %s: %w", n.ID, n.State, to, ErrInvalidTransition)
	}

	prev := n.State
	prevSDR := n.SDRState
	prevNext := n.NextActionAt
	n.State = to
	if to.Terminal() {
		n.SDRState = SDRCompleted
		n.NextActionAt = nil
	}
	n.UpdatedAt = time.Now().UTC()

	if err := m.store.UpdateNegotiation(ctx, n); err != nil {
		n.State = prev
		n.SDRState = prevSDR
		n.NextActionAt = prevNext
		return fmt.Errorf("failed to persist negotiation %s: %w", n.ID, err)
	}
	log.Printf("[Negotiation] %s deal stage %s -> %s", n.ID, prev, to)
	return nil
}

// ApplyDiscount lowers the current price after checking both guardrails: the
// resulting price may not cross MinAcceptablePrice, and the cumulative
// discount may not exceed MaxDiscountPct of the base price. Neither rule is
// relaxable by any caller. The price change and its ledger entry are
// persisted atomically by the store; the deal stage moves to counter_offer
// when the transition map allows it, otherwise it stays put.
func (m *Machine) ApplyDiscount(ctx context.Context, n *Negotiation, newPrice float64, reason string) error {
	if n.State.Terminal() {
		return fmt.Errorf("negotiation %s is %s: %w", n.ID, n.State, ErrInvalidTransition)
	}
	if newPrice <= 0 || newPrice >= n.CurrentPrice {
		return fmt.Errorf("negotiation %s: %.2f is not a discount from %.2f", n.ID, newPrice, n.CurrentPrice)
	}
	if newPrice < n.MinAcceptablePrice {
		return &PriceFloorViolation{
			NegotiationID: n.ID,
			Requested:     newPrice,
			Floor:         n.MinAcceptablePrice,
			Rule:          "min_acceptable_price",
		}
	}
	maxCut := n.BasePrice * n.MaxDiscountPct / 100
	if n.BasePrice-newPrice > maxCut+1e-9 {
		return &PriceFloorViolation{
			NegotiationID: n.ID,
			Requested:     newPrice,
			Floor:         n.BasePrice - maxCut,
			Rule:          "max_discount_pct",
		}
	}

	rec := DiscountRecord{
		Pct:       roundHalfUp((1-newPrice/n.CurrentPrice)*100, 1),
		NewPrice:  newPrice,
		Reason:    reason,
		AppliedAt: time.Now().UTC(),
	}
	prev := n.State
	if dealTransitionAllowed(n.State, DealCounterOffer) {
		n.State = DealCounterOffer
	}
	if err := m.store.ApplyDiscount(ctx, n, rec); err != nil {
		n.State = prev
		return fmt.Errorf("failed to apply discount on %s: %w", n.ID, err)
	}

	n.CurrentPrice = newPrice
	n.DiscountHistory = append(n.DiscountHistory, rec)
	n.UpdatedAt = rec.AppliedAt
	log.Printf("[Negotiation] %s discounted %.1f%% to %.2f (%s)", n.ID, rec.Pct, newPrice, reason)
	return nil
}

// RecordTouch registers one completed outbound contact: advances the SDR
// cadence, bumps the counters, stamps last-contact, and schedules the next
// due time. Hitting the touch limit completes the cadence. The interaction
// record is appended best-effort; a failed append is logged, never raised.
func (m *Machine) RecordTouch(ctx context.Context, n *Negotiation, channel Channel, rec *Interaction) error {
	if n.SDRState == SDRCompleted {
		return fmt.Errorf("negotiation %s cadence already completed: %w", n.ID, ErrInvalidTransition)
	}

	prev := n.SDRState
	now := time.Now().UTC()

	n.SDRState = NextSDRState(n.SDRState)
	n.TotalTouches++
	switch channel {
	case ChannelEmail:
		n.EmailsSent++
	case ChannelSMS:
		n.SMSSent++
	}
	n.LastContactAt = &now

	if n.TotalTouches >= m.maxTouches {
		n.SDRState = SDRCompleted
		n.CloseReason = fmt.Sprintf("no engagement after %d touches", n.TotalTouches)
	}

	if due, ok := NextActionTime(n.SDRState, now, m.timing); ok {
		n.NextActionAt = &due
	} else {
		n.NextActionAt = nil
	}
	n.UpdatedAt = now

	if err := m.store.UpdateNegotiation(ctx, n); err != nil {
		return fmt.Errorf("failed to persist negotiation %s: %w", n.ID, err)
	}
	log.Printf("[Negotiation] %s cadence %s -> %s (touch %d/%d)", n.ID, prev, n.SDRState, n.TotalTouches, m.maxTouches)

	if rec != nil {
		rec.ID = fmt.Sprintf("int-%s", uuid.New().String()[:8])
		rec.NegotiationID = n.ID
		rec.LeadID = n.LeadID
		rec.Channel = channel
		rec.OccurredAt = now
		if err := m.store.AppendInteraction(ctx, rec); err != nil {
			log.Printf("[Negotiation] Warning: failed to log interaction for %s: %v", n.ID, err)
		}
	}
	return nil
}

// RecordEvent logs an interaction that does not advance the outreach
// cadence: inbound engagement signals and failed sends.
func (m *Machine) RecordEvent(ctx context.Context, n *Negotiation, interactionType string, channel Channel) error {
	rec := &Interaction{
		ID:            fmt.Sprintf("int-%s", uuid.New().String()[:8]),
		NegotiationID: n.ID,
		LeadID:        n.LeadID,
		Type:          interactionType,
		Channel:       channel,
		OccurredAt:    time.Now().UTC(),
	}
	if err := m.store.AppendInteraction(ctx, rec); err != nil {
		return fmt.Errorf("failed to log interaction for %s: %w", n.ID, err)
	}
	return nil
}

// MarkAccepted moves the deal to accepted and stores the payment-session and
// contract references returned by the external collaborators.
func (m *Machine) MarkAccepted(ctx context.Context, n *Negotiation, paymentSessionID, contractURL string) error {
	if !dealTransitionAllowed(n.State, DealAccepted) {
		return fmt.Errorf("negotiation %s: %s -> %s: %w", n.ID, n.State, DealAccepted, ErrInvalidTransition)
	}
	prev := n.State
	n.State = DealAccepted
	n.PaymentSessionID = paymentSessionID
	n.ContractURL = contractURL
	n.UpdatedAt = time.Now().UTC()

	if err := m.store.UpdateNegotiation(ctx, n); err != nil {
		n.State = prev
		return fmt.Errorf("failed to persist negotiation %s: %w", n.ID, err)
	}
	log.Printf("[Negotiation] %s accepted (session %s)", n.ID, paymentSessionID)
	return nil
}

// ConfirmPayment drives accepted -> paid from the asynchronous payment
// event. Payment for any other stage is a bug upstream and rejected.
func (m *Machine) ConfirmPayment(ctx context.Context, n *Negotiation) error {
	if n.State != DealAccepted {
		return fmt.Errorf("negotiation %s: payment confirmed in stage %s: %w", n.ID, n.State, ErrInvalidTransition)
	}
	return m.Transition(ctx, n, DealPaid)
}

// CloseLost terminates both tracks with a reason.
func (m *Machine) CloseLost(ctx context.Context, n *Negotiation, reason string) error {
	if n.State.Terminal() {
		return fmt.Errorf("negotiation %s already %s: %w", n.ID, n.State, ErrInvalidTransition)
	}
	n.CloseReason = reason
	return m.Transition(ctx, n, DealRejected)
}

// AddObjection appends to the objection log and parks the deal in
// objection_handling when it was actively engaged.
func (m *Machine) AddObjection(ctx context.Context, n *Negotiation, objection string) error {
	if n.State.Terminal() {
		return fmt.Errorf("negotiation %s is %s: %w", n.ID, n.State, ErrInvalidTransition)
	}
	n.Objections = append(n.Objections, objection)
	if dealTransitionAllowed(n.State, DealObjectionHandling) {
		return m.Transition(ctx, n, DealObjectionHandling)
	}
	n.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateNegotiation(ctx, n); err != nil {
		return fmt.Errorf("failed to persist negotiation %s: %w", n.ID, err)
	}
	return nil
}
