// internal/provider/generation/client.go
package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	xerrors "artifex-service/internal/pkg/errors"
)

// TaskStatus is the provider's view of one generation task.
type TaskStatus struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	ResultURL string `json:"result_url"`
	Error     string `json:"error"`
}

const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Client is a thin HTTP client for the generation provider's task API.
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
			Timeout: 15 * time.Second,
		},
	}
}

// GetTaskStatus fetches the current status of a provider task.
func (c *Client) GetTaskStatus(ctx context.Context, providerTaskID string) (*TaskStatus, error) {
	url := fmt.Sprintf("%s/v1/tasks/%s", c.baseURL, providerTaskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build task status request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: task status lookup: %v", xerrors.ErrRemoteTimeout, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: provider task %s", xerrors.ErrNotFound, providerTaskID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("task status lookup returned %d", resp.StatusCode)
	}

	var status TaskStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode task status: %w", err)
	}
	return &status, nil
}
