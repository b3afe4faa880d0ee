// internal/repository/postgres/subscription_repo.go
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"artifex-service/internal/domain/subscription"
	xerrors "artifex-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type SubscriptionRepository struct {
	db *pgxpool.Pool
}

func NewSubscriptionRepository(db *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

const subscriptionColumns = `
	id, user_id, provider_subscription_id, provider_customer_id, plan_id, interval,
	status, current_period_start, current_period_end, cancel_at_period_end,
	trial_start, trial_end,
	scheduled_plan_id, scheduled_interval, scheduled_period_start, scheduled_period_end,
	payment_failure_count, disputed, canceled_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (*subscription.Subscription, error) {
	var sub subscription.Subscription
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.ProviderSubscriptionID, &sub.ProviderCustomerID,
		&sub.PlanID, &sub.Interval, &sub.Status,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
		&sub.TrialStart, &sub.TrialEnd,
		&sub.ScheduledPlanID, &sub.ScheduledInterval, &sub.ScheduledPeriodStart, &sub.ScheduledPeriodEnd,
		&sub.PaymentFailureCount, &sub.Disputed, &sub.CanceledAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	return &sub, nil
}

// FindByProviderID retrieves the subscription for a provider subscription id.
func (r *SubscriptionRepository) FindByProviderID(ctx context.Context, providerSubID string) (*subscription.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE provider_subscription_id = $1`
	return scanSubscription(r.db.QueryRow(ctx, query, providerSubID))
}

// FindCurrentByUser retrieves the user's most recent non-canceled
// subscription, or the latest canceled one when nothing is live.
func (r *SubscriptionRepository) FindCurrentByUser(ctx context.Context, userID string) (*subscription.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1
		ORDER BY (status != 'canceled') DESC, updated_at DESC
		LIMIT 1
	`
	return scanSubscription(r.db.QueryRow(ctx, query, userID))
}

// ListNonCanceledByUser returns every live subscription row for a user.
// More than one means a duplicate that reconciliation must cancel.
func (r *SubscriptionRepository) ListNonCanceledByUser(ctx context.Context, userID string) ([]subscription.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1 AND status != 'canceled'
		ORDER BY created_at DESC
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []subscription.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, nil
}

// Create inserts a subscription row.
func (r *SubscriptionRepository) Create(ctx context.Context, sub *subscription.Subscription) error {
	query := `
		INSERT INTO subscriptions (
			user_id, provider_subscription_id, provider_customer_id, plan_id, interval,
			status, current_period_start, current_period_end, cancel_at_period_end,
			trial_start, trial_end,
			scheduled_plan_id, scheduled_interval, scheduled_period_start, scheduled_period_end,
			payment_failure_count, disputed, canceled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		sub.UserID, sub.ProviderSubscriptionID, sub.ProviderCustomerID, sub.PlanID, sub.Interval,
		sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
		sub.TrialStart, sub.TrialEnd,
		sub.ScheduledPlanID, sub.ScheduledInterval, sub.ScheduledPeriodStart, sub.ScheduledPeriodEnd,
		sub.PaymentFailureCount, sub.Disputed, sub.CanceledAt,
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// Update writes back every mutable field.
func (r *SubscriptionRepository) Update(ctx context.Context, sub *subscription.Subscription) error {
	query := `
		UPDATE subscriptions
		SET plan_id = $1, interval = $2, status = $3,
		    current_period_start = $4, current_period_end = $5, cancel_at_period_end = $6,
		    trial_start = $7, trial_end = $8,
		    scheduled_plan_id = $9, scheduled_interval = $10,
		    scheduled_period_start = $11, scheduled_period_end = $12,
		    payment_failure_count = $13, disputed = $14, canceled_at = $15, updated_at = $16
		WHERE id = $17
	`
	result, err := r.db.Exec(ctx, query,
		sub.PlanID, sub.Interval, sub.Status,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
		sub.TrialStart, sub.TrialEnd,
		sub.ScheduledPlanID, sub.ScheduledInterval,
		sub.ScheduledPeriodStart, sub.ScheduledPeriodEnd,
		sub.PaymentFailureCount, sub.Disputed, sub.CanceledAt, time.Now(),
		sub.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if result.RowsAffected() == 0 {
		return xerrors.ErrNotFound
	}
	return nil
}

// ListDueScheduledChanges returns live subscriptions whose scheduled change
// should already have applied. The sweeper uses this as a backstop for
// renewal webhooks that never arrive.
func (r *SubscriptionRepository) ListDueScheduledChanges(ctx context.Context, before time.Time, limit int) ([]subscription.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status != 'canceled'
		  AND scheduled_plan_id IS NOT NULL
		  AND current_period_end <= $1
		ORDER BY current_period_end ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due scheduled changes: %w", err)
	}
	defer rows.Close()

	subs := []subscription.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, nil
}
