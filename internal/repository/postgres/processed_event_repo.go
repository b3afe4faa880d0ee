// internal/repository/postgres/processed_event_repo.go
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	xerrors "artifex-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProcessedEventRepository is the webhook dedup table. Claim uses
// insert-or-conflict rather than check-then-act, so two concurrent
// deliveries of the same event id cannot both win.
type ProcessedEventRepository struct {
	db *pgxpool.Pool
}

func NewProcessedEventRepository(db *pgxpool.Pool) *ProcessedEventRepository {
	return &ProcessedEventRepository{db: db}
}

// staleClaimAfter bounds how long a crashed worker can hold an event in
// 'processing'. Past it, a redelivery may take the claim over; the handlers
// behind it are reference-id idempotent, so a live-but-slow worker racing
// the takeover cannot double-apply.
const staleClaimAfter = 15 * time.Minute

// Claim attempts to take ownership of an event id. It returns true when this
// delivery should be processed: the id was never seen, a previous attempt
// failed and left the row in state 'failed' (the provider is redelivering
// precisely because we returned non-2xx), or a prior claim went stale
// because its worker died between claiming and finalizing.
func (r *ProcessedEventRepository) Claim(ctx context.Context, eventID, kind string) (bool, error) {
	result, err := r.db.Exec(ctx, `
		INSERT INTO processed_events (event_id, event_type, status, created_at, updated_at)
		VALUES ($1, $2, 'processing', NOW(), NOW())
		ON CONFLICT (event_id) DO NOTHING`, eventID, kind)
	if err != nil {
		return false, fmt.Errorf("failed to claim event: %w", err)
	}
	if result.RowsAffected() == 1 {
		return true, nil
	}

	// Conflict: reclaim if the prior attempt failed, or if it is stuck in
	// 'processing' past the staleness bound.
	reclaim, err := r.db.Exec(ctx, `
		UPDATE processed_events
		SET status = 'processing', updated_at = NOW()
		WHERE event_id = $1
		  AND (status = 'failed' OR (status = 'processing' AND updated_at < $2))`,
		eventID, time.Now().Add(-staleClaimAfter))
	if err != nil {
		return false, fmt.Errorf("failed to reclaim event: %w", err)
	}
	return reclaim.RowsAffected() == 1, nil
}

// MarkCompleted finalizes a claimed event.
func (r *ProcessedEventRepository) MarkCompleted(ctx context.Context, eventID string) error {
	result, err := r.db.Exec(ctx, `
		UPDATE processed_events
		SET status = 'completed', processed_at = $1, processing_error = NULL, updated_at = NOW()
		WHERE event_id = $2`, time.Now(), eventID)
	if err != nil {
		return fmt.Errorf("failed to mark event completed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return xerrors.ErrNotFound
	}
	return nil
}

// MarkFailed records a handler failure so the provider's redelivery can
// reclaim the event.
func (r *ProcessedEventRepository) MarkFailed(ctx context.Context, eventID, message string) error {
	result, err := r.db.Exec(ctx, `
		UPDATE processed_events
		SET status = 'failed', processing_error = $1, updated_at = NOW()
		WHERE event_id = $2`, message, eventID)
	if err != nil {
		return fmt.Errorf("failed to mark event failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return xerrors.ErrNotFound
	}
	return nil
}

// Status returns the stored processing status for an event id.
func (r *ProcessedEventRepository) Status(ctx context.Context, eventID string) (string, error) {
	var status string
	err := r.db.QueryRow(ctx,
		`SELECT status FROM processed_events WHERE event_id = $1`, eventID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", xerrors.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query event status: %w", err)
	}
	return status, nil
}
