package notify

import "github.com/rs/zerolog/log"

// Notification kinds emitted on order lifecycle transitions.
const (
	KindOrderCreated        = "order_created"
	KindOrderAccepted       = "order_accepted"
	KindOrderDelivered      = "order_delivered"
	KindOrderCompleted      = "order_completed"
	KindOrderCancelled      = "order_cancelled"
	KindOrderRefunded       = "order_refunded"
	KindOrderAutoReleased   = "order_auto_released"
	KindDisputeOpened       = "dispute_opened"
	KindDisputeResolved     = "dispute_resolved"
	KindDisputeDismissed    = "dispute_dismissed"
	KindMilestoneSubmitted  = "milestone_submitted"
	KindMilestoneApproved   = "milestone_approved"
	KindMilestoneRejected   = "milestone_rejected"
	KindDeadlineApproaching = "deadline_approaching"
)

// Notifier delivers user notifications. Delivery is owned by an external
// system and is fire-and-forget: failures never roll back the transition
// that triggered them.
type Notifier interface {
	Notify(userID, kind string, payload map[string]interface{})
}

// LogNotifier writes notifications to the application log. It is the default
// implementation while the real notification service sits outside this
// module.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Notify(userID, kind string, payload map[string]interface{}) {
	log.Info().
		Str("component", "notifier").
		Str("user_id", userID).
		Str("kind", kind).
		Fields(payload).
		Msg("notification dispatched")
}
