// internal/service/billing/sync.go
package billing

import (
	"context"
	"time"

	"artifex-service/internal/domain/billing"
	"artifex-service/internal/domain/subscription"

	"go.uber.org/zap"
)

// ProviderClient looks up billing state directly from the provider API.
type ProviderClient interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*billing.SubscriptionPayload, error)
}

// Syncer reconciles a subscription right after checkout, without waiting for
// the webhook. The provider lookup is authoritative but slow and flaky, so
// it runs under a deadline; past the deadline the client-supplied checkout
// payload stands in. The webhook corrects any drift later, and shared
// reference ids keep the two paths from double-granting.
type Syncer struct {
	provider      ProviderClient
	subs          SubscriptionApplier
	lookupTimeout time.Duration
	logger        *zap.Logger
}

func NewSyncer(provider ProviderClient, subs SubscriptionApplier, lookupTimeout time.Duration, logger *zap.Logger) *Syncer {
	if lookupTimeout <= 0 {
		lookupTimeout = 4 * time.Second
	}
	return &Syncer{
		provider:      provider,
		subs:          subs,
		lookupTimeout: lookupTimeout,
		logger:        logger,
	}
}

// SyncAfterCheckout applies the freshest subscription snapshot it can get
// for the authenticated user's checkout.
func (s *Syncer) SyncAfterCheckout(ctx context.Context, userID string, req *subscription.SyncRequest) error {
	payload := s.lookupOrFallback(ctx, userID, req)
	return s.subs.ApplyProviderUpdate(ctx, payload, "sync_"+req.CheckoutID)
}

func (s *Syncer) lookupOrFallback(ctx context.Context, userID string, req *subscription.SyncRequest) *billing.SubscriptionPayload {
	lookupCtx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()

	remote, err := s.provider.GetSubscription(lookupCtx, req.SubscriptionID)
	if err == nil {
		// The user id binds to the caller, never to remote metadata; a
		// forged subscription id must not credit someone else's account.
		remote.UserID = userID
		return remote
	}

	s.logger.Warn("provider subscription lookup failed, using checkout payload",
		zap.String("checkout_id", req.CheckoutID),
		zap.String("subscription_id", req.SubscriptionID),
		zap.Error(err),
	)

	p := &billing.SubscriptionPayload{
		SubscriptionID: req.SubscriptionID,
		CustomerID:     req.CustomerID,
		UserID:         userID,
		ProductID:      req.ProductID,
		Status:         string(subscription.StatusActive),
		Interval:       req.Interval,
	}
	if req.PeriodStart != nil {
		p.CurrentPeriodStart = *req.PeriodStart
	}
	if req.PeriodEnd != nil {
		p.CurrentPeriodEnd = *req.PeriodEnd
	}
	return p
}
