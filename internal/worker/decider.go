package worker

import (
	"context"
	"fmt"

	"github.com/agos-io/factory/internal/database"
	"github.com/agos-io/factory/internal/negotiation"
)

// TemplateDecider is the rule-based touch decider: the channel follows the
// cadence (the pivot state switches to SMS when a phone number exists) and
// the template slug follows the state being entered and the engagement tier.
type TemplateDecider struct{}

// NewTemplateDecider builds the default decider.
func NewTemplateDecider() *TemplateDecider {
	return &TemplateDecider{}
}

// DecideTouch picks channel and template for the next outbound touch.
func (d *TemplateDecider) DecideTouch(_ context.Context, lead *database.Lead, n *negotiation.Negotiation, tier negotiation.Tier) (*negotiation.Interaction, error) {
	next := negotiation.NextSDRState(n.SDRState)

	channel := negotiation.ChannelEmail
	interactionType := negotiation.InteractionEmailSent
	if next == negotiation.SDRChannelPivot && lead.Phone != "" {
		channel = negotiation.ChannelSMS
		interactionType = negotiation.InteractionSMSSent
	}

	return &negotiation.Interaction{
		Type:         interactionType,
		Channel:      channel,
		TemplateSlug: fmt.Sprintf("%s_%s", next, tier),
		OfferedPrice: n.CurrentPrice,
	}, nil
}
