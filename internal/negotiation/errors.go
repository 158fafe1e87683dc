package negotiation

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a caller requests a state change the
// machine does not allow. Wrapped with the from/to detail.
var ErrInvalidTransition = errors.New("invalid state transition")

// PriceFloorViolation rejects a price change that would cross a guardrail.
// The violation is never partially applied: the price and ledger are left
// untouched. Rule names which guardrail tripped so a human can route an
// explicit override through the approval path instead of the automated one.
type PriceFloorViolation struct {
	NegotiationID string
	Requested     float64
	Floor         float64
	Rule          string // "min_acceptable_price" or "max_discount_pct"
}

func (e *PriceFloorViolation) Error() string {
	return fmt.Sprintf("negotiation %s: requested price %.2f violates %s (floor %.2f)",
		e.NegotiationID, e.Requested, e.Rule, e.Floor)
}
