// internal/domain/task/entity.go
package task

import (
	"database/sql"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// GenerationTask tracks an asset-generation job that holds frozen credits
// until the external provider reports a terminal state.
type GenerationTask struct {
	ID             string         `json:"id" db:"id"`
	UserID         string         `json:"user_id" db:"user_id"`
	ProviderTaskID string         `json:"provider_task_id" db:"provider_task_id"`
	Kind           string         `json:"kind" db:"kind"`
	Status         Status         `json:"status" db:"status"`
	FrozenCredits  int64          `json:"frozen_credits" db:"frozen_credits"`
	ResultURL      sql.NullString `json:"result_url,omitempty" db:"result_url"`
	ErrorMessage   sql.NullString `json:"error_message,omitempty" db:"error_message"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

func (t *GenerationTask) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}
