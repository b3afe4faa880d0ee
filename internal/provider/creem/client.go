// internal/provider/creem/client.go
package creem

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"artifex-service/internal/domain/billing"
	xerrors "artifex-service/internal/pkg/errors"
)

// Client is a thin HTTP client for the Creem billing API. Only the
// subscription lookup the sync path needs is implemented.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type subscriptionResponse struct {
	ID          string            `json:"id"`
	CustomerID  string            `json:"customer_id"`
	ProductID   string            `json:"product_id"`
	Status      string            `json:"status"`
	Interval    string            `json:"interval"`
	PeriodStart *time.Time        `json:"current_period_start_date"`
	PeriodEnd   *time.Time        `json:"current_period_end_date"`
	TrialStart  *time.Time        `json:"trial_start_date"`
	TrialEnd    *time.Time        `json:"trial_end_date"`
	CancelAtEnd bool              `json:"cancel_at_period_end"`
	Metadata    map[string]string `json:"metadata"`
}

// GetSubscription fetches the live subscription record.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*billing.SubscriptionPayload, error) {
	url := fmt.Sprintf("%s/v1/subscriptions/%s", c.baseURL, subscriptionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build subscription request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: subscription lookup: %v", xerrors.ErrRemoteTimeout, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: subscription %s", xerrors.ErrNotFound, subscriptionID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("subscription lookup returned %d", resp.StatusCode)
	}

	var body subscriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode subscription: %w", err)
	}

	p := &billing.SubscriptionPayload{
		SubscriptionID:    body.ID,
		CustomerID:        body.CustomerID,
		UserID:            body.Metadata["user_id"],
		ProductID:         body.ProductID,
		Status:            body.Status,
		Interval:          body.Interval,
		TrialStart:        body.TrialStart,
		TrialEnd:          body.TrialEnd,
		CancelAtPeriodEnd: body.CancelAtEnd,
	}
	if body.PeriodStart != nil {
		p.CurrentPeriodStart = *body.PeriodStart
	}
	if body.PeriodEnd != nil {
		p.CurrentPeriodEnd = *body.PeriodEnd
	}
	return p, nil
}
