package messagebus

import "time"

// RoomJobMessage asks a room worker to process a lead. Room is the queue
// name (triage, architect, discovery); Reason records what enqueued it.
type RoomJobMessage struct {
	LeadID     string    `json:"lead_id"`
	Room       string    `json:"room"`
	LeadStatus string    `json:"lead_status,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// PaymentConfirmedMessage is the asynchronous payment event, keyed by
// negotiation id. Consumed to drive the accepted -> paid transition.
type PaymentConfirmedMessage struct {
	NegotiationID string    `json:"negotiation_id"`
	LeadID        string    `json:"lead_id,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	Amount        float64   `json:"amount,omitempty"`
	ConfirmedAt   time.Time `json:"confirmed_at"`
}

// InteractionEventMessage announces a tracked engagement signal (opens,
// views, clicks, replies) reported by an external transport. A
// checkout_started event carries the checkout session id.
type InteractionEventMessage struct {
	LeadID     string    `json:"lead_id"`
	Type       string    `json:"interaction_type"`
	Channel    string    `json:"channel,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ApprovalEventMessage announces a newly opened approval gate so a human
// surface can pick it up.
type ApprovalEventMessage struct {
	ItemID     string    `json:"item_id"`
	ContextRef string    `json:"context_ref"`
	GateType   string    `json:"gate_type"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}
