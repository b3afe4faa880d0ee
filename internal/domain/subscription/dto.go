// internal/domain/subscription/dto.go
package subscription

import "time"

// SyncRequest carries the checkout payload the client received from the
// provider redirect. Used as fallback data when the remote lookup times out.
type SyncRequest struct {
	CheckoutID     string     `json:"checkout_id" binding:"required"`
	SubscriptionID string     `json:"subscription_id" binding:"required"`
	ProductID      string     `json:"product_id" binding:"required"`
	CustomerID     string     `json:"customer_id"`
	Interval       string     `json:"interval"`
	PeriodStart    *time.Time `json:"period_start"`
	PeriodEnd      *time.Time `json:"period_end"`
}

// CurrentSubscriptionResponse is the API view of the user's subscription.
type CurrentSubscriptionResponse struct {
	PlanID             string     `json:"plan_id"`
	PlanName           string     `json:"plan_name,omitempty"`
	Interval           Interval   `json:"interval"`
	Status             Status     `json:"status"`
	CurrentPeriodStart time.Time  `json:"current_period_start"`
	CurrentPeriodEnd   time.Time  `json:"current_period_end"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	ScheduledPlanID    string     `json:"scheduled_plan_id,omitempty"`
	ScheduledInterval  string     `json:"scheduled_interval,omitempty"`
	TrialEnd           *time.Time `json:"trial_end,omitempty"`
}
