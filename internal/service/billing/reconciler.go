// internal/service/billing/reconciler.go
package billing

import (
	"context"
	"errors"
	"fmt"

	"artifex-service/internal/domain/billing"
	xerrors "artifex-service/internal/pkg/errors"

	"go.uber.org/zap"
)

// EventStore is the dedup table protocol. Claim wins at most once per event
// id unless a prior attempt failed.
type EventStore interface {
	Claim(ctx context.Context, eventID, kind string) (bool, error)
	MarkCompleted(ctx context.Context, eventID string) error
	MarkFailed(ctx context.Context, eventID, message string) error
}

// SubscriptionApplier is the subscription service surface the webhook
// pipeline drives.
type SubscriptionApplier interface {
	ApplyProviderUpdate(ctx context.Context, p *billing.SubscriptionPayload, eventID string) error
	HandleTrialEnded(ctx context.Context, p *billing.SubscriptionPayload, eventID string) error
	MarkCanceled(ctx context.Context, providerSubID, reason string) error
	MarkPastDue(ctx context.Context, providerSubID string) error
	MarkPaused(ctx context.Context, providerSubID string) error
	MarkDisputed(ctx context.Context, providerSubID string) error
}

// Reconciler runs the webhook pipeline: verify, parse, claim, dispatch,
// finalize. Any failure after the claim marks the event failed and
// propagates, so the HTTP layer answers non-2xx and the provider redelivers.
type Reconciler struct {
	secret string
	events EventStore
	subs   SubscriptionApplier
	logger *zap.Logger
}

func NewReconciler(secret string, events EventStore, subs SubscriptionApplier, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		secret: secret,
		events: events,
		subs:   subs,
		logger: logger,
	}
}

// Handle processes one raw webhook delivery.
func (r *Reconciler) Handle(ctx context.Context, raw []byte, signature string) error {
	if !VerifySignature(raw, signature, r.secret) {
		return fmt.Errorf("%w: webhook signature mismatch", xerrors.ErrInvalidSignature)
	}

	event, err := billing.ParseEvent(raw)
	if err != nil {
		return err
	}
	if !event.Kind.Known() {
		r.logger.Info("ignoring unknown webhook event type",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Kind)),
		)
		return nil
	}

	claimed, err := r.events.Claim(ctx, event.ID, string(event.Kind))
	if err != nil {
		return err
	}
	if !claimed {
		r.logger.Debug("webhook event already processed, skipping",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Kind)),
		)
		return nil
	}

	if err := r.dispatch(ctx, event); err != nil {
		if markErr := r.events.MarkFailed(ctx, event.ID, err.Error()); markErr != nil {
			r.logger.Error("failed to record event failure", zap.Error(markErr))
		}
		return fmt.Errorf("event %s (%s): %w", event.ID, event.Kind, err)
	}
	if err := r.events.MarkCompleted(ctx, event.ID); err != nil {
		r.logger.Error("failed to finalize processed event",
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
	}
	return nil
}

func (r *Reconciler) dispatch(ctx context.Context, event *billing.Event) error {
	switch event.Kind {
	case billing.EventCheckoutCompleted:
		return r.subs.ApplyProviderUpdate(ctx, &event.Checkout.Subscription, event.ID)

	case billing.EventSubscriptionActive, billing.EventSubscriptionUpdate, billing.EventSubscriptionPaid:
		return r.subs.ApplyProviderUpdate(ctx, event.Subscription, event.ID)

	case billing.EventSubscriptionCancel, billing.EventSubscriptionExpired:
		return r.tolerateMissing(
			r.subs.MarkCanceled(ctx, event.Subscription.SubscriptionID, string(event.Kind)),
			event)

	case billing.EventSubscriptionPaused:
		return r.tolerateMissing(r.subs.MarkPaused(ctx, event.Subscription.SubscriptionID), event)

	case billing.EventTrialWillEnd:
		// Informational only; the grant waits for the trial-ended event.
		r.logger.Info("trial ending soon",
			zap.String("subscription_id", event.Subscription.SubscriptionID),
			zap.String("user_id", event.Subscription.UserID),
		)
		return nil

	case billing.EventTrialEnded:
		return r.subs.HandleTrialEnded(ctx, event.Subscription, event.ID)

	case billing.EventPaymentFailed:
		return r.tolerateMissing(r.subs.MarkPastDue(ctx, event.Subscription.SubscriptionID), event)

	case billing.EventRefundCreated:
		// Refunds cancel the subscription. Credits already granted stay;
		// clawback is a manual decision.
		r.logger.Warn("refund received",
			zap.String("refund_id", event.Refund.RefundID),
			zap.String("subscription_id", event.Refund.SubscriptionID),
			zap.Int64("amount", event.Refund.Amount),
		)
		if event.Refund.SubscriptionID == "" {
			return nil
		}
		return r.tolerateMissing(
			r.subs.MarkCanceled(ctx, event.Refund.SubscriptionID, "refund "+event.Refund.RefundID),
			event)

	case billing.EventDisputeCreated:
		if event.Dispute.SubscriptionID == "" {
			r.logger.Warn("dispute without subscription reference",
				zap.String("dispute_id", event.Dispute.DisputeID),
			)
			return nil
		}
		return r.tolerateMissing(r.subs.MarkDisputed(ctx, event.Dispute.SubscriptionID), event)
	}
	return nil
}

// tolerateMissing downgrades ErrNotFound to a warning. A cancel or dispute
// for a subscription we never stored must not loop through redelivery
// forever.
func (r *Reconciler) tolerateMissing(err error, event *billing.Event) error {
	if errors.Is(err, xerrors.ErrNotFound) {
		r.logger.Warn("event references unknown subscription, acknowledging",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Kind)),
		)
		return nil
	}
	return err
}
