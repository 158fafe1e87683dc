// Package approval manages pending human decisions that block a workflow run
// or negotiation at a gate. A paused entity is inert until its item is
// resolved or expires; expiry always reads as rejection (fail closed).
package approval

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// Status of an approval item. Decided states are terminal and immutable.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Item is one pending human decision. ContextRef points at the paused entity
// (a run or negotiation id); GateType names the gate that raised it.
type Item struct {
	ID         string     `json:"id"`
	ContextRef string     `json:"context_ref"`
	GateType   string     `json:"gate_type"`
	Status     Status     `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Store is the narrow persistence interface the manager needs.
type Store interface {
	CreateApproval(ctx context.Context, item *Item) error
	GetApproval(ctx context.Context, id string) (*Item, error)
	UpdateApproval(ctx context.Context, item *Item) error
}

// Notifier announces a newly opened gate so a human surface can pick it up.
// Failures are logged, never raised: the item is already persisted.
type Notifier interface {
	NotifyApprovalRequested(ctx context.Context, item *Item) error
}

// Manager creates and resolves approval items.
type Manager struct {
	store    Store
	notifier Notifier
	ttl      time.Duration
	now      func() time.Time
}

// NewManager creates an approval gate manager. ttl <= 0 falls back to 72h.
func NewManager(store Store, notifier Notifier, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &Manager{store: store, notifier: notifier, ttl: ttl, now: time.Now}
}

// Request opens a pending item for the given entity and gate.
func (m *Manager) Request(ctx context.Context, contextRef, gateType string) (*Item, error) {
	now := m.now().UTC()
	item := &Item{
		ID:         fmt.Sprintf("apr-%s", uuid.New().String()[:8]),
		ContextRef: contextRef,
		GateType:   gateType,
		Status:     StatusPending,
		ExpiresAt:  now.Add(m.ttl),
		CreatedAt:  now,
	}
	if err := m.store.CreateApproval(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to create approval item: %w", err)
	}

	if m.notifier != nil {
		if err := m.notifier.NotifyApprovalRequested(ctx, item); err != nil {
			log.Printf("[Approval] Warning: failed to announce item %s: %v", item.ID, err)
		}
	}
	log.Printf("[Approval] Opened item %s for %s (%s, expires %s)",
		item.ID, contextRef, gateType, item.ExpiresAt.Format(time.RFC3339))
	return item, nil
}

// RequestGate adapts Request to the workflow engine's GateRequester
// interface, returning only the item id.
func (m *Manager) RequestGate(ctx context.Context, contextRef, gateType string) (string, error) {
	item, err := m.Request(ctx, contextRef, gateType)
	if err != nil {
		return "", err
	}
	return item.ID, nil
}

// Resolve records a human decision. Items that already left pending — by a
// prior decision or by expiry — are immutable and reject further resolution.
func (m *Manager) Resolve(ctx context.Context, id string, approved bool, reason string) (*Item, error) {
	item, err := m.store.GetApproval(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load approval item %s: %w", id, err)
	}
	if effective := m.Effective(item); effective != StatusPending {
		return nil, fmt.Errorf("approval item %s already %s", id, effective)
	}

	now := m.now().UTC()
	if approved {
		item.Status = StatusApproved
	} else {
		item.Status = StatusRejected
	}
	item.Reason = reason
	item.DecidedAt = &now

	if err := m.store.UpdateApproval(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to persist decision on %s: %w", id, err)
	}
	log.Printf("[Approval] Item %s resolved: %s (%s)", id, item.Status, reason)
	return item, nil
}

// Effective is the status callers must act on: a pending item past its
// deadline reads as expired even before any sweep marks it so.
func (m *Manager) Effective(item *Item) Status {
	if item.Status == StatusPending && m.now().UTC().After(item.ExpiresAt) {
		return StatusExpired
	}
	return item.Status
}

// Granted reports whether the item unblocks its entity. Everything except an
// explicit approval — including expiry — fails closed.
func (m *Manager) Granted(item *Item) bool {
	return m.Effective(item) == StatusApproved
}
