// internal/repository/postgres/generation_task_repo.go
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"artifex-service/internal/domain/task"
	xerrors "artifex-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type GenerationTaskRepository struct {
	db *pgxpool.Pool
}

func NewGenerationTaskRepository(db *pgxpool.Pool) *GenerationTaskRepository {
	return &GenerationTaskRepository{db: db}
}

const taskColumns = `id, user_id, provider_task_id, kind, status, frozen_credits, result_url, error_message, created_at, updated_at`

func scanTask(row pgx.Row) (*task.GenerationTask, error) {
	var t task.GenerationTask
	err := row.Scan(
		&t.ID, &t.UserID, &t.ProviderTaskID, &t.Kind, &t.Status,
		&t.FrozenCredits, &t.ResultURL, &t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan generation task: %w", err)
	}
	return &t, nil
}

// Create inserts a generation task record.
func (r *GenerationTaskRepository) Create(ctx context.Context, t *task.GenerationTask) error {
	query := `
		INSERT INTO generation_tasks (id, user_id, provider_task_id, kind, status, frozen_credits, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		t.ID, t.UserID, t.ProviderTaskID, t.Kind, t.Status, t.FrozenCredits,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create generation task: %w", err)
	}
	return nil
}

// FindByID retrieves a task.
func (r *GenerationTaskRepository) FindByID(ctx context.Context, id string) (*task.GenerationTask, error) {
	query := `SELECT ` + taskColumns + ` FROM generation_tasks WHERE id = $1`
	return scanTask(r.db.QueryRow(ctx, query, id))
}

// ListStuckProcessing returns processing tasks older than the cutoff,
// oldest first, bounded by limit.
func (r *GenerationTaskRepository) ListStuckProcessing(ctx context.Context, olderThan time.Time, limit int) ([]task.GenerationTask, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM generation_tasks
		WHERE status = 'processing' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck tasks: %w", err)
	}
	defer rows.Close()

	tasks := []task.GenerationTask{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, nil
}

// MarkCompleted moves a task to its terminal success state. Only a
// processing task can complete, which makes concurrent sweeps idempotent.
func (r *GenerationTaskRepository) MarkCompleted(ctx context.Context, id, resultURL string) error {
	result, err := r.db.Exec(ctx, `
		UPDATE generation_tasks
		SET status = 'completed', result_url = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'processing'`, resultURL, id)
	if err != nil {
		return fmt.Errorf("failed to mark task completed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return xerrors.ErrNotFound
	}
	return nil
}

// MarkFailed moves a task to its terminal failure state.
func (r *GenerationTaskRepository) MarkFailed(ctx context.Context, id, errorMessage string) error {
	result, err := r.db.Exec(ctx, `
		UPDATE generation_tasks
		SET status = 'failed', error_message = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'processing'`, errorMessage, id)
	if err != nil {
		return fmt.Errorf("failed to mark task failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return xerrors.ErrNotFound
	}
	return nil
}
