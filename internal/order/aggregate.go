package order

import (
	"orion/pkg/types"
)

// validTransitions is the order lifecycle. Repeat partial fills stay in
// PARTIAL_FILL and only bump the version.
var validTransitions = map[types.OrderStatus][]types.OrderStatus{
	types.OrderNew: {
		types.OrderAck,
		types.OrderCancelRequested,
		types.OrderRejected,
	},
	types.OrderAck: {
		types.OrderPartialFill,
		types.OrderFilled,
		types.OrderCancelRequested,
	},
	types.OrderPartialFill: {
		types.OrderFilled,
		types.OrderCancelRequested,
	},
	types.OrderCancelRequested: {
		types.OrderCancelled,
	},
}

func canTransition(from, to types.OrderStatus) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// transition applies a state change, bumping the version, or fails with
// STATE_INVALID leaving the aggregate untouched.
func transition(o *types.Order, to types.OrderStatus) error {
	if !canTransition(o.Status, to) {
		return types.NewError(types.ErrStateInvalid,
			"order %s cannot move %s -> %s", o.OrderID, o.Status, to)
	}
	o.Status = to
	o.Version++
	return nil
}

// amendable reports whether the order can take amendments at all.
func amendable(o *types.Order) bool {
	switch o.Status {
	case types.OrderNew, types.OrderAck, types.OrderPartialFill:
		return true
	}
	return false
}
