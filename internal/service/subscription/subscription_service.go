// internal/service/subscription/subscription_service.go
package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"artifex-service/internal/catalog"
	"artifex-service/internal/domain/billing"
	"artifex-service/internal/domain/credit"
	"artifex-service/internal/domain/subscription"
	xerrors "artifex-service/internal/pkg/errors"

	"go.uber.org/zap"
)

// Store persists subscription records.
type Store interface {
	FindByProviderID(ctx context.Context, providerSubID string) (*subscription.Subscription, error)
	FindCurrentByUser(ctx context.Context, userID string) (*subscription.Subscription, error)
	ListNonCanceledByUser(ctx context.Context, userID string) ([]subscription.Subscription, error)
	Create(ctx context.Context, sub *subscription.Subscription) error
	Update(ctx context.Context, sub *subscription.Subscription) error
	ListDueScheduledChanges(ctx context.Context, before time.Time, limit int) ([]subscription.Subscription, error)
}

// CreditLedger is the slice of the ledger the plan-change policy needs.
type CreditLedger interface {
	Grant(ctx context.Context, userID string, amount int64, source credit.Source, referenceID string, metadata map[string]interface{}) (*credit.Transaction, error)
	Adjust(ctx context.Context, userID string, delta int64, source credit.Source, referenceID, description string) (*credit.Transaction, error)
}

// Service owns the subscription lifecycle and the plan-change crediting
// policy. Upgrades apply immediately and credit only the difference between
// the new and old allocation; downgrades defer to the period boundary and
// then grant the full new amount. The asymmetry keeps users from losing
// paid-for access mid-period while closing the upgrade/downgrade farming
// loop.
type Service struct {
	subs    Store
	catalog *catalog.Catalog
	credits CreditLedger
	logger  *zap.Logger
}

func NewService(subs Store, cat *catalog.Catalog, credits CreditLedger, logger *zap.Logger) *Service {
	return &Service{
		subs:    subs,
		catalog: cat,
		credits: credits,
		logger:  logger,
	}
}

// ApplyProviderUpdate reconciles one provider subscription snapshot against
// local state. It is the single entry point for checkout, activation, update
// and renewal-paid events, and for the post-checkout sync path.
func (s *Service) ApplyProviderUpdate(ctx context.Context, p *billing.SubscriptionPayload, eventID string) error {
	newStatus := subscription.Status(p.Status)
	if newStatus == "" {
		newStatus = subscription.StatusActive
	}

	existing, err := s.subs.FindByProviderID(ctx, p.SubscriptionID)
	if errors.Is(err, xerrors.ErrNotFound) {
		return s.createFromPayload(ctx, p, newStatus, eventID)
	}
	if err != nil {
		return err
	}
	return s.updateFromPayload(ctx, existing, p, newStatus, eventID)
}

func (s *Service) createFromPayload(ctx context.Context, p *billing.SubscriptionPayload, status subscription.Status, eventID string) error {
	plan, interval, resolved := s.catalog.Resolve(p.ProductID, subscription.Interval(p.Interval))

	sub := &subscription.Subscription{
		UserID:                 p.UserID,
		ProviderSubscriptionID: p.SubscriptionID,
		ProviderCustomerID:     p.CustomerID,
		Status:                 status,
		CancelAtPeriodEnd:      p.CancelAtPeriodEnd,
		CurrentPeriodStart:     p.CurrentPeriodStart,
		CurrentPeriodEnd:       p.CurrentPeriodEnd,
	}
	if resolved {
		sub.PlanID = plan.ID
		sub.Interval = interval
	} else {
		// Keep the raw identifier so a later catalog update can still make
		// sense of the row. Unknown products never move credits.
		sub.PlanID = p.ProductID
		sub.Interval = subscription.Interval(p.Interval)
		if sub.Interval == "" {
			sub.Interval = subscription.IntervalMonth
		}
		s.logger.Warn("subscription references unknown product",
			zap.String("subscription_id", p.SubscriptionID),
			zap.String("product_id", p.ProductID),
		)
	}
	if sub.CurrentPeriodStart.IsZero() {
		sub.CurrentPeriodStart = time.Now()
	}
	if sub.CurrentPeriodEnd.IsZero() {
		sub.CurrentPeriodEnd = subscription.PeriodEndFor(sub.CurrentPeriodStart, sub.Interval)
	}
	if p.TrialStart != nil {
		sub.TrialStart = sql.NullTime{Time: *p.TrialStart, Valid: true}
	}
	if p.TrialEnd != nil {
		sub.TrialEnd = sql.NullTime{Time: *p.TrialEnd, Valid: true}
	}

	// First paid period gets the full new-plan grant. Trials earn nothing
	// until the trial-ended event arrives. The grant runs before the row is
	// persisted: a transient ledger failure then fails the whole event with
	// nothing stored, and the redelivery replays this same path. Granting
	// first and crashing before Create is covered by the stable reference
	// id, which turns the replayed grant into a no-op.
	if resolved && status != subscription.StatusTrialing && !subscription.IsTerminal(status) {
		amount := s.catalog.CreditsFor(plan.ID, interval)
		if amount > 0 {
			refID := fmt.Sprintf("creem_%s_initial", p.SubscriptionID)
			if _, err := s.credits.Grant(ctx, p.UserID, amount, credit.SourceSubscription, refID, map[string]interface{}{
				"plan":     plan.ID,
				"interval": string(interval),
				"event_id": eventID,
			}); err != nil {
				return fmt.Errorf("failed to grant initial credits: %w", err)
			}
		}
	}

	if err := s.subs.Create(ctx, sub); err != nil {
		return err
	}
	s.enforceSingleActive(ctx, p.UserID, p.SubscriptionID)

	s.logger.Info("subscription created",
		zap.String("subscription_id", p.SubscriptionID),
		zap.String("user_id", p.UserID),
		zap.String("plan_id", sub.PlanID),
		zap.String("status", string(status)),
	)
	return nil
}

func (s *Service) updateFromPayload(ctx context.Context, sub *subscription.Subscription, p *billing.SubscriptionPayload, newStatus subscription.Status, eventID string) error {
	s.checkTransition(sub, newStatus)

	periodAdvanced := !p.CurrentPeriodStart.IsZero() && p.CurrentPeriodStart.After(sub.CurrentPeriodStart)

	newPlan, newInterval, resolved := s.catalog.Resolve(p.ProductID, subscription.Interval(p.Interval))
	if !resolved {
		s.logger.Warn("subscription update references unknown product, syncing fields only",
			zap.String("subscription_id", sub.ProviderSubscriptionID),
			zap.String("product_id", p.ProductID),
		)
		s.syncPeriodFields(sub, p, newStatus)
		return s.subs.Update(ctx, sub)
	}

	switch {
	case sub.HasScheduledChange() && periodAdvanced:
		// The deferred downgrade comes due with the first event of the new
		// period, whatever product the event itself carries.
		if err := s.applyScheduledChange(ctx, sub); err != nil {
			return err
		}
		s.syncPeriodFields(sub, p, newStatus)
		sub.CancelAtPeriodEnd = false

	case newPlan.ID != s.canonicalPlanID(sub) || newInterval != sub.Interval:
		if err := s.applyPlanChange(ctx, sub, newPlan, newInterval, p); err != nil {
			return err
		}
		sub.Status = newStatus

	case periodAdvanced:
		// Renewal on the same plan: full grant again. A trialing
		// subscription's first paid invoice is not a renewal; the
		// trial-ended event carries that grant.
		if sub.Status != subscription.StatusTrialing {
			amount := s.catalog.CreditsFor(newPlan.ID, newInterval)
			if amount > 0 {
				refID := fmt.Sprintf("creem_%s_renewal_%d", sub.ProviderSubscriptionID, p.CurrentPeriodStart.Unix())
				if _, err := s.credits.Grant(ctx, sub.UserID, amount, credit.SourceSubscription, refID, map[string]interface{}{
					"plan":     newPlan.ID,
					"interval": string(newInterval),
					"event_id": eventID,
				}); err != nil {
					return fmt.Errorf("failed to grant renewal credits: %w", err)
				}
			}
			s.logger.Info("subscription renewed",
				zap.String("subscription_id", sub.ProviderSubscriptionID),
				zap.String("plan_id", newPlan.ID),
				zap.Int64("credits", amount),
			)
		}
		s.syncPeriodFields(sub, p, newStatus)

	default:
		s.syncPeriodFields(sub, p, newStatus)
	}

	if newStatus == subscription.StatusActive {
		sub.PaymentFailureCount = 0
	}
	if err := s.subs.Update(ctx, sub); err != nil {
		return err
	}
	s.enforceSingleActive(ctx, sub.UserID, sub.ProviderSubscriptionID)
	return nil
}

// applyPlanChange handles a mid-period product switch.
func (s *Service) applyPlanChange(ctx context.Context, sub *subscription.Subscription, newPlan *catalog.Plan, newInterval subscription.Interval, p *billing.SubscriptionPayload) error {
	oldCredits := s.catalog.CreditsFor(sub.PlanID, sub.Interval)
	newCredits := s.catalog.CreditsFor(newPlan.ID, newInterval)
	delta := newCredits - oldCredits

	if delta >= 0 {
		// Upgrade: switch now, credit only the difference. What the user
		// already received this period stays counted.
		oldPlanID := sub.PlanID
		sub.PlanID = newPlan.ID
		sub.Interval = newInterval
		sub.ClearScheduledChange()
		sub.CancelAtPeriodEnd = p.CancelAtPeriodEnd
		if !p.CurrentPeriodStart.IsZero() {
			sub.CurrentPeriodStart = p.CurrentPeriodStart
		}
		if !p.CurrentPeriodEnd.IsZero() {
			sub.CurrentPeriodEnd = p.CurrentPeriodEnd
		}

		if delta > 0 {
			refID := fmt.Sprintf("creem_%s_upgrade_%d", sub.ProviderSubscriptionID, sub.CurrentPeriodStart.Unix())
			desc := fmt.Sprintf("plan upgrade %s -> %s", oldPlanID, newPlan.ID)
			if _, err := s.credits.Adjust(ctx, sub.UserID, delta, credit.SourceSubscription, refID, desc); err != nil {
				return fmt.Errorf("failed to apply upgrade delta: %w", err)
			}
		}
		s.logger.Info("plan upgraded",
			zap.String("subscription_id", sub.ProviderSubscriptionID),
			zap.String("old_plan", oldPlanID),
			zap.String("new_plan", newPlan.ID),
			zap.Int64("credit_delta", delta),
		)
		return nil
	}

	// Downgrade: keep current entitlements until the period boundary and
	// stash the target. Crediting happens when the scheduled change applies.
	scheduledStart := sub.CurrentPeriodEnd
	sub.ScheduledPlanID = sql.NullString{String: newPlan.ID, Valid: true}
	sub.ScheduledInterval = sql.NullString{String: string(newInterval), Valid: true}
	sub.ScheduledPeriodStart = sql.NullTime{Time: scheduledStart, Valid: true}
	sub.ScheduledPeriodEnd = sql.NullTime{Time: subscription.PeriodEndFor(scheduledStart, newInterval), Valid: true}
	sub.CancelAtPeriodEnd = true

	s.logger.Info("plan downgrade scheduled for period end",
		zap.String("subscription_id", sub.ProviderSubscriptionID),
		zap.String("current_plan", sub.PlanID),
		zap.String("scheduled_plan", newPlan.ID),
		zap.Time("applies_at", scheduledStart),
	)
	return nil
}

// applyScheduledChange flips the subscription onto its deferred plan and
// grants the full new-plan amount. The reference id derives from the stored
// scheduled period start, so the webhook path and the sweep backstop racing
// each other collapse into a single grant.
func (s *Service) applyScheduledChange(ctx context.Context, sub *subscription.Subscription) error {
	planID := sub.ScheduledPlanID.String
	interval := subscription.Interval(sub.ScheduledInterval.String)
	if interval != subscription.IntervalMonth && interval != subscription.IntervalYear {
		interval = subscription.IntervalMonth
	}
	start := sub.ScheduledPeriodStart.Time
	if start.IsZero() {
		start = sub.CurrentPeriodEnd
	}

	sub.PlanID = planID
	sub.Interval = interval
	sub.CurrentPeriodStart = start
	if sub.ScheduledPeriodEnd.Valid {
		sub.CurrentPeriodEnd = sub.ScheduledPeriodEnd.Time
	} else {
		sub.CurrentPeriodEnd = subscription.PeriodEndFor(start, interval)
	}
	sub.ClearScheduledChange()
	sub.CancelAtPeriodEnd = false

	amount := s.catalog.CreditsFor(planID, interval)
	if amount > 0 {
		refID := fmt.Sprintf("creem_%s_sched_%d", sub.ProviderSubscriptionID, start.Unix())
		if _, err := s.credits.Grant(ctx, sub.UserID, amount, credit.SourceSubscription, refID, map[string]interface{}{
			"plan":     planID,
			"interval": string(interval),
			"deferred": true,
		}); err != nil {
			return fmt.Errorf("failed to grant scheduled-change credits: %w", err)
		}
	}

	s.logger.Info("scheduled plan change applied",
		zap.String("subscription_id", sub.ProviderSubscriptionID),
		zap.String("plan_id", planID),
		zap.Int64("credits", amount),
	)
	return nil
}

// ApplyDueScheduledChanges applies deferred downgrades whose period boundary
// passed without the provider sending a follow-up event. Runs from the
// sweep; per-subscription failures are logged and skipped.
func (s *Service) ApplyDueScheduledChanges(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := s.subs.ListDueScheduledChanges(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	applied := 0
	for i := range due {
		sub := &due[i]
		if err := s.applyScheduledChange(ctx, sub); err != nil {
			s.logger.Error("failed to apply overdue scheduled change",
				zap.String("subscription_id", sub.ProviderSubscriptionID),
				zap.Error(err),
			)
			continue
		}
		if err := s.subs.Update(ctx, sub); err != nil {
			s.logger.Error("failed to persist overdue scheduled change",
				zap.String("subscription_id", sub.ProviderSubscriptionID),
				zap.Error(err),
			)
			continue
		}
		applied++
	}
	return applied, nil
}

// HandleTrialEnded activates a trial subscription and grants the full plan
// amount, exactly once per subscription.
func (s *Service) HandleTrialEnded(ctx context.Context, p *billing.SubscriptionPayload, eventID string) error {
	sub, err := s.subs.FindByProviderID(ctx, p.SubscriptionID)
	if errors.Is(err, xerrors.ErrNotFound) {
		// Trial ended for a subscription we never saw. Create it and let
		// the creation path grant.
		return s.createFromPayload(ctx, p, subscription.StatusActive, eventID)
	}
	if err != nil {
		return err
	}

	s.checkTransition(sub, subscription.StatusActive)
	sub.Status = subscription.StatusActive
	s.syncPeriodFields(sub, p, subscription.StatusActive)

	amount := s.catalog.CreditsFor(sub.PlanID, sub.Interval)
	if amount > 0 {
		refID := fmt.Sprintf("creem_%s_trial_end", sub.ProviderSubscriptionID)
		if _, err := s.credits.Grant(ctx, sub.UserID, amount, credit.SourceSubscription, refID, map[string]interface{}{
			"plan":     sub.PlanID,
			"interval": string(sub.Interval),
			"trial":    true,
		}); err != nil {
			return fmt.Errorf("failed to grant trial-end credits: %w", err)
		}
	}
	return s.subs.Update(ctx, sub)
}

// MarkCanceled terminates a subscription. A pending scheduled change dies
// with it; credits already granted are untouched.
func (s *Service) MarkCanceled(ctx context.Context, providerSubID, reason string) error {
	sub, err := s.subs.FindByProviderID(ctx, providerSubID)
	if err != nil {
		return err
	}
	if sub.Status == subscription.StatusCanceled {
		return nil
	}

	s.checkTransition(sub, subscription.StatusCanceled)
	sub.Status = subscription.StatusCanceled
	sub.CanceledAt = sql.NullTime{Time: time.Now(), Valid: true}
	sub.ClearScheduledChange()
	if err := s.subs.Update(ctx, sub); err != nil {
		return err
	}

	s.logger.Info("subscription canceled",
		zap.String("subscription_id", providerSubID),
		zap.String("reason", reason),
	)
	return nil
}

// MarkPastDue records a failed payment.
func (s *Service) MarkPastDue(ctx context.Context, providerSubID string) error {
	sub, err := s.subs.FindByProviderID(ctx, providerSubID)
	if err != nil {
		return err
	}

	s.checkTransition(sub, subscription.StatusPastDue)
	sub.Status = subscription.StatusPastDue
	sub.PaymentFailureCount++
	if err := s.subs.Update(ctx, sub); err != nil {
		return err
	}

	s.logger.Warn("subscription past due",
		zap.String("subscription_id", providerSubID),
		zap.Int("failure_count", sub.PaymentFailureCount),
	)
	return nil
}

// MarkPaused pauses a subscription.
func (s *Service) MarkPaused(ctx context.Context, providerSubID string) error {
	sub, err := s.subs.FindByProviderID(ctx, providerSubID)
	if err != nil {
		return err
	}
	s.checkTransition(sub, subscription.StatusPaused)
	sub.Status = subscription.StatusPaused
	return s.subs.Update(ctx, sub)
}

// MarkDisputed flags the subscription for manual review. No automated
// credit clawback.
func (s *Service) MarkDisputed(ctx context.Context, providerSubID string) error {
	sub, err := s.subs.FindByProviderID(ctx, providerSubID)
	if err != nil {
		return err
	}
	sub.Disputed = true
	if err := s.subs.Update(ctx, sub); err != nil {
		return err
	}
	s.logger.Warn("subscription disputed, flagged for manual review",
		zap.String("subscription_id", providerSubID),
		zap.String("user_id", sub.UserID),
	)
	return nil
}

// CurrentForUser returns the user's subscription view, or ErrNotFound.
func (s *Service) CurrentForUser(ctx context.Context, userID string) (*subscription.CurrentSubscriptionResponse, error) {
	sub, err := s.subs.FindCurrentByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	resp := &subscription.CurrentSubscriptionResponse{
		PlanID:             sub.PlanID,
		Interval:           sub.Interval,
		Status:             sub.Status,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
	}
	if p := s.catalog.Get(sub.PlanID); p != nil {
		resp.PlanName = p.Name
	}
	if sub.HasScheduledChange() {
		resp.ScheduledPlanID = sub.ScheduledPlanID.String
		resp.ScheduledInterval = sub.ScheduledInterval.String
	}
	if sub.TrialEnd.Valid {
		t := sub.TrialEnd.Time
		resp.TrialEnd = &t
	}
	return resp, nil
}

// GrantSignupBonus grants the free plan's one-time bonus. Idempotent per
// user, so the signup flow can call it on every login.
func (s *Service) GrantSignupBonus(ctx context.Context, userID string) error {
	free := s.catalog.Get("free")
	if free == nil || free.SignupBonus <= 0 {
		return nil
	}
	refID := fmt.Sprintf("signup_bonus_%s", userID)
	_, err := s.credits.Grant(ctx, userID, free.SignupBonus, credit.SourceBonus, refID, nil)
	return err
}

// canonicalPlanID resolves a stored plan identifier, which may be a raw
// provider product id on legacy rows, to its canonical catalog id.
func (s *Service) canonicalPlanID(sub *subscription.Subscription) string {
	if p, _, ok := s.catalog.Resolve(sub.PlanID, sub.Interval); ok {
		return p.ID
	}
	return sub.PlanID
}

// checkTransition logs unexpected transitions without blocking them; the
// provider is the source of truth for subscription state.
func (s *Service) checkTransition(sub *subscription.Subscription, to subscription.Status) {
	if !subscription.IsValidTransition(sub.Status, to) {
		s.logger.Warn("unexpected subscription status transition, applying anyway",
			zap.String("subscription_id", sub.ProviderSubscriptionID),
			zap.String("from", string(sub.Status)),
			zap.String("to", string(to)),
		)
	}
}

func (s *Service) syncPeriodFields(sub *subscription.Subscription, p *billing.SubscriptionPayload, status subscription.Status) {
	sub.Status = status
	sub.CancelAtPeriodEnd = p.CancelAtPeriodEnd
	if !p.CurrentPeriodStart.IsZero() {
		sub.CurrentPeriodStart = p.CurrentPeriodStart
	}
	if !p.CurrentPeriodEnd.IsZero() {
		sub.CurrentPeriodEnd = p.CurrentPeriodEnd
	}
	if p.TrialStart != nil {
		sub.TrialStart = sql.NullTime{Time: *p.TrialStart, Valid: true}
	}
	if p.TrialEnd != nil {
		sub.TrialEnd = sql.NullTime{Time: *p.TrialEnd, Valid: true}
	}
	if p.CustomerID != "" {
		sub.ProviderCustomerID = p.CustomerID
	}
}

// enforceSingleActive cancels every other live subscription the user holds.
// Failures are logged, not fatal; the next reconciliation retries.
func (s *Service) enforceSingleActive(ctx context.Context, userID, keepProviderSubID string) {
	subs, err := s.subs.ListNonCanceledByUser(ctx, userID)
	if err != nil {
		s.logger.Error("failed to list user subscriptions", zap.Error(err))
		return
	}
	for i := range subs {
		dup := &subs[i]
		if dup.ProviderSubscriptionID == keepProviderSubID {
			continue
		}
		s.logger.Warn("canceling duplicate subscription",
			zap.String("user_id", userID),
			zap.String("kept", keepProviderSubID),
			zap.String("canceled", dup.ProviderSubscriptionID),
		)
		dup.Status = subscription.StatusCanceled
		dup.CanceledAt = sql.NullTime{Time: time.Now(), Valid: true}
		dup.ClearScheduledChange()
		if err := s.subs.Update(ctx, dup); err != nil {
			s.logger.Error("failed to cancel duplicate subscription", zap.Error(err))
		}
	}
}
