package negotiation

import "time"

// TimingTable maps an SDR cadence state to the delay before it becomes due.
// Keyed by the state being entered, not the state being left.
type TimingTable map[SDRState]time.Duration

// DefaultTimingTable is the stock cadence shipped with the system playbook.
func DefaultTimingTable() TimingTable {
	return TimingTable{
		SDRFollowUp1:    48 * time.Hour,
		SDRFollowUp2:    72 * time.Hour,
		SDRChannelPivot: 48 * time.Hour,
		SDREscalation:   96 * time.Hour,
		SDRCoolingOff:   168 * time.Hour,
		SDRReEngagement: 336 * time.Hour,
	}
}

// NextSDRState returns the cadence state that follows the given one. The
// cadence is strictly forward; cooling_off -> re_engagement is the sole
// recovery hop and completed is absorbing.
func NextSDRState(state SDRState) SDRState {
	switch state {
	case SDRInitialOutreach:
		return SDRFollowUp1
	case SDRFollowUp1:
		return SDRFollowUp2
	case SDRFollowUp2:
		return SDRChannelPivot
	case SDRChannelPivot:
		return SDREscalation
	case SDREscalation:
		return SDRCoolingOff
	case SDRCoolingOff:
		return SDRReEngagement
	case SDRReEngagement:
		return SDRCompleted
	default:
		return state
	}
}

// NextActionTime computes when a negotiation in the given cadence state is
// next due, from the delay configured for the state it will transition into.
// A completed cadence schedules nothing. The scheduler never fires the
// transition itself; the worker decides what to do at due-time.
func NextActionTime(state SDRState, lastContactAt time.Time, table TimingTable) (time.Time, bool) {
	if state == SDRCompleted {
		return time.Time{}, false
	}
	next := NextSDRState(state)
	if next == SDRCompleted {
		return time.Time{}, false
	}
	delay, ok := table[next]
	if !ok {
		delay = 48 * time.Hour
	}
	return lastContactAt.Add(delay), true
}
