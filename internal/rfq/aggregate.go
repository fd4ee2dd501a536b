// Package rfq implements the request-for-quote aggregate and its
// coordinator: command handlers, quote ranking, the expiry scanner, and
// the LP last-look policy.
package rfq

import (
	"orion/pkg/types"
)

// validTransitions is the full RFQ state machine. ACCEPTED may return to
// QUOTING when the RFQ is still open after an LP last-look rejection.
var validTransitions = map[types.RFQStatus][]types.RFQStatus{
	types.RFQCreated:  {types.RFQSent, types.RFQExpired, types.RFQCancelled},
	types.RFQSent:     {types.RFQQuoting, types.RFQAccepted, types.RFQExpired, types.RFQCancelled},
	types.RFQQuoting:  {types.RFQAccepted, types.RFQExpired, types.RFQCancelled},
	types.RFQAccepted: {types.RFQTraded, types.RFQRejected, types.RFQQuoting},
}

// canTransition reports whether from → to is a listed transition.
func canTransition(from, to types.RFQStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition moves the aggregate to the next status and bumps the version.
// Illegal transitions fail with STATE_INVALID and leave the aggregate
// untouched.
func transition(rfq *types.RFQ, to types.RFQStatus) *types.CommandError {
	if !canTransition(rfq.Status, to) {
		return types.NewError(types.ErrStateInvalid,
			"rfq %s cannot transition %s -> %s", rfq.RFQID, rfq.Status, to)
	}
	rfq.Status = to
	rfq.Version++
	return nil
}
