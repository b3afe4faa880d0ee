// internal/domain/billing/event.go
package billing

import "time"

type EventKind string

const (
	EventCheckoutCompleted   EventKind = "checkout.completed"
	EventSubscriptionActive  EventKind = "subscription.active"
	EventSubscriptionUpdate  EventKind = "subscription.update"
	EventSubscriptionPaid    EventKind = "subscription.paid"
	EventSubscriptionCancel  EventKind = "subscription.canceled"
	EventSubscriptionPaused  EventKind = "subscription.paused"
	EventSubscriptionExpired EventKind = "subscription.expired"
	EventTrialWillEnd        EventKind = "subscription.trialing_ending"
	EventTrialEnded          EventKind = "subscription.trial_ended"
	EventPaymentFailed       EventKind = "payment.failed"
	EventRefundCreated       EventKind = "refund.created"
	EventDisputeCreated      EventKind = "dispute.created"
)

// knownKinds is the closed set the reconciler dispatches on. Anything else
// is acknowledged to the provider but ignored.
var knownKinds = map[EventKind]struct{}{
	EventCheckoutCompleted:   {},
	EventSubscriptionActive:  {},
	EventSubscriptionUpdate:  {},
	EventSubscriptionPaid:    {},
	EventSubscriptionCancel:  {},
	EventSubscriptionPaused:  {},
	EventSubscriptionExpired: {},
	EventTrialWillEnd:        {},
	EventTrialEnded:          {},
	EventPaymentFailed:       {},
	EventRefundCreated:       {},
	EventDisputeCreated:      {},
}

func (k EventKind) Known() bool {
	_, ok := knownKinds[k]
	return ok
}

// Event is the validated internal form of a provider webhook delivery.
// Exactly one payload pointer is set, matching Kind.
type Event struct {
	ID        string
	Kind      EventKind
	CreatedAt time.Time

	Checkout     *CheckoutPayload
	Subscription *SubscriptionPayload
	Refund       *RefundPayload
	Dispute      *DisputePayload
}

// SubscriptionPayload is the subscription snapshot the provider attaches to
// subscription-lifecycle events.
type SubscriptionPayload struct {
	SubscriptionID     string
	CustomerID         string
	UserID             string
	ProductID          string
	Status             string
	Interval           string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	TrialStart         *time.Time
	TrialEnd           *time.Time
	CancelAtPeriodEnd  bool
}

type CheckoutPayload struct {
	CheckoutID   string
	Subscription SubscriptionPayload
}

type RefundPayload struct {
	RefundID       string
	SubscriptionID string
	UserID         string
	Amount         int64
	Reason         string
}

type DisputePayload struct {
	DisputeID      string
	SubscriptionID string
	UserID         string
	Amount         int64
}
