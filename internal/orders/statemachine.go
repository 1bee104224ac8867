package orders

import "github.com/craftmarket/escrow-api/internal/types"

// transitions is the complete order lifecycle graph. Terminal states
// (completed, cancelled, refunded) have no outgoing edges, so any attempt to
// move past them fails the transition check rather than being silently
// ignored. Every status write in this package goes through transitionTx,
// which consults this table.
var transitions = map[string]map[string]bool{
	types.OrderPending: {
		types.OrderAccepted:  true,
		types.OrderCancelled: true,
	},
	types.OrderAccepted: {
		types.OrderInProgress: true, // first milestone submitted
		types.OrderDelivered:  true,
		types.OrderCancelled:  true,
		types.OrderDisputed:   true,
	},
	types.OrderInProgress: {
		types.OrderCompleted: true, // last milestone approved
		types.OrderDisputed:  true,
	},
	types.OrderDelivered: {
		types.OrderCompleted: true, // buyer confirm or auto-release
		types.OrderDisputed:  true,
	},
	types.OrderDisputed: {
		types.OrderCompleted:  true, // resolution: release or split
		types.OrderRefunded:   true, // resolution: refund
		types.OrderDelivered:  true, // dismissed, deadline recomputed
		types.OrderInProgress: true, // dismissed milestone order
	},
}

func canTransition(from, to string) bool {
	return transitions[from][to]
}
