package negotiation

import "context"

// Messenger sends outbound touches over the external transport. A returned
// Interaction carries the transport's subject/preview metadata; callers
// record send failures as failed interactions rather than raising them up
// the cadence.
type Messenger interface {
	SendEmail(ctx context.Context, template string, params map[string]any) (*Interaction, error)
	SendSMS(ctx context.Context, template string, params map[string]any) (*Interaction, error)
}

// DocumentRenderer produces hosted proposal and contract documents. kind is
// "proposal" or "contract".
type DocumentRenderer interface {
	Render(ctx context.Context, kind string, price float64, scope, brand string) (string, error)
}
