// internal/domain/subscription/entity.go
package subscription

import (
	"database/sql"
	"time"
)

type Status string
type Interval string

const (
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusTrialing          Status = "trialing"
	StatusActive            Status = "active"
	StatusPastDue           Status = "past_due"
	StatusUnpaid            Status = "unpaid"
	StatusPaused            Status = "paused"
	StatusCanceled          Status = "canceled"

	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

// validTransitions encodes the expected lifecycle. The billing provider is
// authoritative, so transitions outside this table are logged and applied
// anyway; the table exists so the unexpected ones surface in logs.
var validTransitions = map[Status][]Status{
	StatusIncomplete:        {StatusActive, StatusCanceled, StatusIncompleteExpired},
	StatusIncompleteExpired: {StatusActive, StatusCanceled},
	StatusTrialing:          {StatusActive, StatusCanceled, StatusPastDue},
	StatusActive:            {StatusCanceled, StatusPastDue, StatusUnpaid, StatusPaused},
	StatusPastDue:           {StatusActive, StatusCanceled, StatusUnpaid},
	StatusUnpaid:            {StatusActive, StatusCanceled},
	StatusPaused:            {StatusActive, StatusCanceled},
	StatusCanceled:          {},
}

// IsValidTransition reports whether from -> to appears in the lifecycle table.
// Self transitions are always valid; the provider resends current state freely.
func IsValidTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func IsTerminal(s Status) bool {
	return s == StatusCanceled
}

// Subscription mirrors one provider subscription. At most one non-canceled
// subscription may exist per user; duplicates get canceled on reconciliation.
type Subscription struct {
	ID                     int64    `json:"id" db:"id"`
	UserID                 string   `json:"user_id" db:"user_id"`
	ProviderSubscriptionID string   `json:"provider_subscription_id" db:"provider_subscription_id"`
	ProviderCustomerID     string   `json:"provider_customer_id,omitempty" db:"provider_customer_id"`
	PlanID                 string   `json:"plan_id" db:"plan_id"`
	Interval               Interval `json:"interval" db:"interval"`
	Status                 Status   `json:"status" db:"status"`

	CurrentPeriodStart time.Time `json:"current_period_start" db:"current_period_start"`
	CurrentPeriodEnd   time.Time `json:"current_period_end" db:"current_period_end"`
	CancelAtPeriodEnd  bool      `json:"cancel_at_period_end" db:"cancel_at_period_end"`

	TrialStart sql.NullTime `json:"trial_start,omitempty" db:"trial_start"`
	TrialEnd   sql.NullTime `json:"trial_end,omitempty" db:"trial_end"`

	// Scheduled change: a downgrade deferred to the next period boundary.
	// The current plan and entitlements stay untouched until it applies.
	ScheduledPlanID      sql.NullString `json:"scheduled_plan_id,omitempty" db:"scheduled_plan_id"`
	ScheduledInterval    sql.NullString `json:"scheduled_interval,omitempty" db:"scheduled_interval"`
	ScheduledPeriodStart sql.NullTime   `json:"scheduled_period_start,omitempty" db:"scheduled_period_start"`
	ScheduledPeriodEnd   sql.NullTime   `json:"scheduled_period_end,omitempty" db:"scheduled_period_end"`

	PaymentFailureCount int          `json:"payment_failure_count" db:"payment_failure_count"`
	Disputed            bool         `json:"disputed" db:"disputed"`
	CanceledAt          sql.NullTime `json:"canceled_at,omitempty" db:"canceled_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// HasScheduledChange reports whether a deferred plan change is pending.
func (s *Subscription) HasScheduledChange() bool {
	return s.ScheduledPlanID.Valid && s.ScheduledPlanID.String != ""
}

// ClearScheduledChange drops any pending deferred change.
func (s *Subscription) ClearScheduledChange() {
	s.ScheduledPlanID = sql.NullString{}
	s.ScheduledInterval = sql.NullString{}
	s.ScheduledPeriodStart = sql.NullTime{}
	s.ScheduledPeriodEnd = sql.NullTime{}
}

// PeriodEndFor computes a period end from a start for the given interval.
func PeriodEndFor(start time.Time, interval Interval) time.Time {
	if interval == IntervalYear {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}
