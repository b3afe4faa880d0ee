// internal/domain/billing/parse.go
package billing

import (
	"encoding/json"
	"fmt"
	"time"

	xerrors "artifex-service/internal/pkg/errors"
)

// wire mirrors the provider's webhook envelope. Parsing happens once at the
// boundary; handler logic only ever sees the typed Event.
type wire struct {
	ID        string     `json:"id"`
	EventType string     `json:"eventType"`
	CreatedAt int64      `json:"created_at"`
	Object    wireObject `json:"object"`
}

type wireObject struct {
	ID           string            `json:"id"`
	CheckoutID   string            `json:"checkout_id"`
	CustomerID   string            `json:"customer_id"`
	ProductID    string            `json:"product_id"`
	Status       string            `json:"status"`
	Interval     string            `json:"interval"`
	PeriodStart  *time.Time        `json:"current_period_start_date"`
	PeriodEnd    *time.Time        `json:"current_period_end_date"`
	TrialStart   *time.Time        `json:"trial_start_date"`
	TrialEnd     *time.Time        `json:"trial_end_date"`
	CancelAtEnd  bool              `json:"cancel_at_period_end"`
	Amount       int64             `json:"amount"`
	Reason       string            `json:"reason"`
	Metadata     map[string]string `json:"metadata"`
	Subscription *wireObject       `json:"subscription"`
}

// ParseEvent validates a raw webhook body into a typed Event. Malformed
// payloads fail here, not deep inside a handler.
func ParseEvent(raw []byte) (*Event, error) {
	var w wire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: malformed webhook body: %v", xerrors.ErrInvalidInput, err)
	}
	if w.ID == "" {
		return nil, fmt.Errorf("%w: webhook event missing id", xerrors.ErrInvalidInput)
	}
	if w.EventType == "" {
		return nil, fmt.Errorf("%w: webhook event %s missing eventType", xerrors.ErrInvalidInput, w.ID)
	}

	ev := &Event{
		ID:        w.ID,
		Kind:      EventKind(w.EventType),
		CreatedAt: time.Unix(0, w.CreatedAt*int64(time.Millisecond)),
	}
	if !ev.Kind.Known() {
		// Unknown kinds are not an error; the reconciler acks and skips them.
		return ev, nil
	}

	switch ev.Kind {
	case EventCheckoutCompleted:
		sub := w.Object.Subscription
		if sub == nil {
			return nil, fmt.Errorf("%w: checkout event %s missing subscription object", xerrors.ErrInvalidInput, w.ID)
		}
		p, err := subscriptionPayload(w.ID, sub)
		if err != nil {
			return nil, err
		}
		ev.Checkout = &CheckoutPayload{CheckoutID: w.Object.ID, Subscription: *p}
	case EventRefundCreated:
		if w.Object.ID == "" {
			return nil, fmt.Errorf("%w: refund event %s missing refund id", xerrors.ErrInvalidInput, w.ID)
		}
		ev.Refund = &RefundPayload{
			RefundID:       w.Object.ID,
			SubscriptionID: subscriptionID(&w.Object),
			UserID:         w.Object.Metadata["user_id"],
			Amount:         w.Object.Amount,
			Reason:         w.Object.Reason,
		}
	case EventDisputeCreated:
		if w.Object.ID == "" {
			return nil, fmt.Errorf("%w: dispute event %s missing dispute id", xerrors.ErrInvalidInput, w.ID)
		}
		ev.Dispute = &DisputePayload{
			DisputeID:      w.Object.ID,
			SubscriptionID: subscriptionID(&w.Object),
			UserID:         w.Object.Metadata["user_id"],
			Amount:         w.Object.Amount,
		}
	default:
		p, err := subscriptionPayload(w.ID, &w.Object)
		if err != nil {
			return nil, err
		}
		ev.Subscription = p
	}

	return ev, nil
}

func subscriptionID(o *wireObject) string {
	if o.Subscription != nil {
		return o.Subscription.ID
	}
	return ""
}

func subscriptionPayload(eventID string, o *wireObject) (*SubscriptionPayload, error) {
	if o.ID == "" {
		return nil, fmt.Errorf("%w: event %s missing subscription id", xerrors.ErrInvalidInput, eventID)
	}
	userID := o.Metadata["user_id"]
	if userID == "" {
		return nil, fmt.Errorf("%w: event %s subscription %s carries no user_id metadata", xerrors.ErrInvalidInput, eventID, o.ID)
	}

	p := &SubscriptionPayload{
		SubscriptionID:    o.ID,
		CustomerID:        o.CustomerID,
		UserID:            userID,
		ProductID:         o.ProductID,
		Status:            o.Status,
		Interval:          o.Interval,
		TrialStart:        o.TrialStart,
		TrialEnd:          o.TrialEnd,
		CancelAtPeriodEnd: o.CancelAtEnd,
	}
	if o.PeriodStart != nil {
		p.CurrentPeriodStart = *o.PeriodStart
	}
	if o.PeriodEnd != nil {
		p.CurrentPeriodEnd = *o.PeriodEnd
	}
	return p, nil
}
