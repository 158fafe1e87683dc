package negotiation

import "time"

// Tier is the coarse engagement classification of a prospect, derived from
// the interaction log. It never drives a transition by itself; it only
// informs which transition the calling decision logic selects.
type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
	TierNone   Tier = "none"
)

// ClassifyEngagement scans the interaction log for signals within the current
// touch window and returns the strongest tier observed: a reply beats a
// click-through beats a passive view. Pure function of the log; never
// mutates anything.
func ClassifyEngagement(history []Interaction, window time.Duration, now time.Time) Tier {
	cutoff := now.Add(-window)
	tier := TierNone

	for _, ev := range history {
		if ev.OccurredAt.Before(cutoff) {
			continue
		}
		switch ev.Type {
		case InteractionReplyReceived:
			return TierHigh
		case InteractionLinkClicked, InteractionCheckoutStarted:
			tier = TierMedium
		case InteractionEmailOpened, InteractionProposalViewed, InteractionMockupViewed:
			if tier == TierNone {
				tier = TierLow
			}
		}
	}
	return tier
}
