package negotiation

import "time"

// DealState is the sales stage of a negotiation.
type DealState string

const (
	DealInitial           DealState = "initial"
	DealProposalSent      DealState = "proposal_sent"
	DealProspectEngaged   DealState = "prospect_engaged"
	DealObjectionHandling DealState = "objection_handling"
	DealCounterOffer      DealState = "counter_offer"
	DealFinalOffer        DealState = "final_offer"
	DealAccepted          DealState = "accepted"
	DealRejected          DealState = "rejected" // Terminal
	DealPaid              DealState = "paid"     // Terminal
)

// Terminal reports whether the deal can no longer move.
func (s DealState) Terminal() bool {
	return s == DealRejected || s == DealPaid
}

// SDRState is the contact-cadence stage, independent of the deal stage.
type SDRState string

const (
	SDRInitialOutreach SDRState = "initial_outreach"
	SDRFollowUp1       SDRState = "follow_up_1"
	SDRFollowUp2       SDRState = "follow_up_2"
	SDRChannelPivot    SDRState = "channel_pivot"
	SDREscalation      SDRState = "escalation"
	SDRCoolingOff      SDRState = "cooling_off"
	SDRReEngagement    SDRState = "re_engagement"
	SDRCompleted       SDRState = "completed" // Terminal
)

// Channel identifies the transport used for an outbound touch.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// DiscountRecord is one immutable entry in the discount ledger. A record is
// written in the same transaction as the price change it describes.
type DiscountRecord struct {
	Pct       float64   `json:"pct"` // Percent off the pre-discount price, one decimal
	NewPrice  float64   `json:"new_price"`
	Reason    string    `json:"reason"`
	AppliedAt time.Time `json:"applied_at"`
}

// Negotiation is the per-lead sales aggregate. It carries two independent
// state tracks (deal stage, SDR cadence) behind a single transactional
// boundary so the price/ledger invariant stays enforceable. Version is the
// optimistic concurrency token checked by the store on every update.
type Negotiation struct {
	ID     string `json:"id"`
	LeadID string `json:"lead_id"`

	BasePrice          float64 `json:"base_price"`
	CurrentPrice       float64 `json:"current_price"`
	MinAcceptablePrice float64 `json:"min_acceptable_price"`
	MaxDiscountPct     float64 `json:"max_discount_pct"`

	State    DealState `json:"negotiation_state"`
	SDRState SDRState  `json:"sdr_state"`

	TotalTouches     int     `json:"total_touches"`
	EmailsSent       int     `json:"emails_sent"`
	SMSSent          int     `json:"sms_sent"`
	CloseProbability float64 `json:"close_probability"`
	CloseReason      string  `json:"close_reason,omitempty"`

	PaymentSessionID string `json:"payment_session_id,omitempty"`
	ContractURL      string `json:"contract_url,omitempty"`
	ProposalURL      string `json:"proposal_url,omitempty"`

	Objections      []string         `json:"objections,omitempty"`       // Append-only
	DiscountHistory []DiscountRecord `json:"discount_history,omitempty"` // Append-only ledger

	LastContactAt *time.Time `json:"last_contact_at,omitempty"`
	NextActionAt  *time.Time `json:"next_action_at,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether this negotiation will never be acted on again.
func (n *Negotiation) Terminal() bool {
	return n.State.Terminal() || n.SDRState == SDRCompleted
}

// CumulativeDiscountPct is the total percent taken off BasePrice so far.
func (n *Negotiation) CumulativeDiscountPct() float64 {
	if n.BasePrice <= 0 {
		return 0
	}
	return (1 - n.CurrentPrice/n.BasePrice) * 100
}

// Interaction type constants. Reply signals outrank clicks, which outrank
// passive views, when classifying engagement.
const (
	InteractionEmailSent       = "email_sent"
	InteractionSMSSent         = "sms_sent"
	InteractionEmailOpened     = "email_opened"
	InteractionProposalViewed  = "proposal_viewed"
	InteractionMockupViewed    = "mockup_viewed"
	InteractionLinkClicked     = "link_clicked"
	InteractionCheckoutStarted = "checkout_started"
	InteractionReplyReceived   = "reply_received"
	InteractionSendFailed      = "send_failed"
)

// Interaction is an immutable event record tied to a negotiation. Written for
// every outbound send and every tracked engagement signal; never mutated.
type Interaction struct {
	ID            string    `json:"id"`
	NegotiationID string    `json:"negotiation_id"`
	LeadID        string    `json:"lead_id"`
	Type          string    `json:"interaction_type"`
	Channel       Channel   `json:"channel,omitempty"`
	Subject       string    `json:"subject,omitempty"`
	BodyPreview   string    `json:"body_preview,omitempty"`
	TemplateSlug  string    `json:"template_slug,omitempty"`
	OfferedPrice  float64   `json:"offered_price,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}
