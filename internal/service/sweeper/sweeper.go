// internal/service/sweeper/sweeper.go
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"artifex-service/internal/domain/credit"
	"artifex-service/internal/domain/task"
	xerrors "artifex-service/internal/pkg/errors"
	"artifex-service/internal/provider/generation"

	"go.uber.org/zap"
)

// TaskStore persists generation tasks.
type TaskStore interface {
	ListStuckProcessing(ctx context.Context, olderThan time.Time, limit int) ([]task.GenerationTask, error)
	MarkCompleted(ctx context.Context, id, resultURL string) error
	MarkFailed(ctx context.Context, id, errorMessage string) error
}

// GenerationClient polls the provider for task status.
type GenerationClient interface {
	GetTaskStatus(ctx context.Context, providerTaskID string) (*generation.TaskStatus, error)
}

// CreditReleaser settles the frozen credits of a finished task.
type CreditReleaser interface {
	Unfreeze(ctx context.Context, userID string, amount int64, reason, referenceID string) (*credit.Transaction, error)
	Spend(ctx context.Context, userID string, amount int64, source credit.Source, referenceID string, metadata map[string]interface{}) (*credit.Transaction, error)
}

// ScheduledChangeApplier is the subscription-side backstop the sweep also
// drives: deferred downgrades whose renewal webhook never arrived.
type ScheduledChangeApplier interface {
	ApplyDueScheduledChanges(ctx context.Context, now time.Time, limit int) (int, error)
}

// Locker provides cross-instance mutual exclusion for a sweep cycle.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

// Result aggregates one sweep cycle.
type Result struct {
	Swept           int
	Completed       int
	Failed          int
	StillProcessing int
	Errored         int
	ChangesApplied  int
}

const lockName = "sweep:generation-tasks"

// Sweeper converges tasks stuck in processing. Tasks freeze credits when
// submitted; if the completion callback is lost, the reservation leaks until
// a sweep polls the provider and settles it. Every settlement step is
// idempotent, so a crash mid-sweep just means the next cycle redoes the
// remainder.
type Sweeper struct {
	tasks    TaskStore
	provider GenerationClient
	credits  CreditReleaser
	subs     ScheduledChangeApplier
	lock     Locker
	logger   *zap.Logger

	interval   time.Duration
	stuckAfter time.Duration
	batchSize  int
}

func New(tasks TaskStore, provider GenerationClient, credits CreditReleaser, subs ScheduledChangeApplier, lock Locker, logger *zap.Logger, interval, stuckAfter time.Duration, batchSize int) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if stuckAfter <= 0 {
		stuckAfter = 10 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Sweeper{
		tasks:      tasks,
		provider:   provider,
		credits:    credits,
		subs:       subs,
		lock:       lock,
		logger:     logger,
		interval:   interval,
		stuckAfter: stuckAfter,
		batchSize:  batchSize,
	}
}

// Run sweeps on a ticker until the context is canceled. Meant to run as a
// goroutine owned by the server.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started",
		zap.Duration("interval", s.interval),
		zap.Duration("stuck_after", s.stuckAfter),
		zap.Int("batch_size", s.batchSize),
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("sweep cycle failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce runs a single cycle under the distributed lock. Returns a zero
// result when another instance holds the lock.
func (s *Sweeper) SweepOnce(ctx context.Context) (*Result, error) {
	acquired, err := s.lock.Acquire(ctx, lockName, s.interval)
	if err != nil {
		return nil, err
	}
	if !acquired {
		s.logger.Debug("sweep lock held elsewhere, skipping cycle")
		return &Result{}, nil
	}
	defer func() {
		if err := s.lock.Release(ctx, lockName); err != nil {
			s.logger.Warn("failed to release sweep lock", zap.Error(err))
		}
	}()

	result := &Result{}
	cutoff := time.Now().Add(-s.stuckAfter)
	stuck, err := s.tasks.ListStuckProcessing(ctx, cutoff, s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck tasks: %w", err)
	}
	result.Swept = len(stuck)

	for i := range stuck {
		t := &stuck[i]
		if err := s.sweepTask(ctx, t, result); err != nil {
			result.Errored++
			s.logger.Error("failed to sweep task",
				zap.String("task_id", t.ID),
				zap.String("provider_task_id", t.ProviderTaskID),
				zap.Error(err),
			)
		}
	}

	applied, err := s.subs.ApplyDueScheduledChanges(ctx, time.Now(), s.batchSize)
	if err != nil {
		s.logger.Error("failed to apply due scheduled changes", zap.Error(err))
	}
	result.ChangesApplied = applied

	if result.Swept > 0 && result.Errored*4 > result.Swept {
		s.logger.Warn("sweep error rate above quarter of batch",
			zap.Int("swept", result.Swept),
			zap.Int("errored", result.Errored),
		)
	}
	s.logger.Info("sweep cycle finished",
		zap.Int("swept", result.Swept),
		zap.Int("completed", result.Completed),
		zap.Int("failed", result.Failed),
		zap.Int("still_processing", result.StillProcessing),
		zap.Int("errored", result.Errored),
		zap.Int("scheduled_changes_applied", result.ChangesApplied),
	)
	return result, nil
}

func (s *Sweeper) sweepTask(ctx context.Context, t *task.GenerationTask, result *Result) error {
	status, err := s.provider.GetTaskStatus(ctx, t.ProviderTaskID)
	if errors.Is(err, xerrors.ErrNotFound) {
		// The provider forgot the task entirely. Release the reservation
		// and fail the task so the user can retry.
		if err := s.releaseFrozen(ctx, t, "provider lost task"); err != nil {
			return err
		}
		result.Failed++
		return s.tasks.MarkFailed(ctx, t.ID, "task not found at provider")
	}
	if err != nil {
		return err
	}

	switch status.Status {
	case generation.StatusCompleted:
		if err := s.settleCompleted(ctx, t); err != nil {
			return err
		}
		result.Completed++
		return s.tasks.MarkCompleted(ctx, t.ID, status.ResultURL)

	case generation.StatusFailed:
		if err := s.releaseFrozen(ctx, t, "task failed"); err != nil {
			return err
		}
		result.Failed++
		return s.tasks.MarkFailed(ctx, t.ID, status.Error)

	default:
		result.StillProcessing++
		return nil
	}
}

// settleCompleted converts the reservation into a real spend. A user who
// spent their credits elsewhere in the meantime keeps the delivered result;
// the shortfall is logged, not charged.
func (s *Sweeper) settleCompleted(ctx context.Context, t *task.GenerationTask) error {
	if t.FrozenCredits <= 0 {
		return nil
	}
	if err := s.releaseFrozen(ctx, t, "task completed"); err != nil {
		return err
	}
	_, err := s.credits.Spend(ctx, t.UserID, t.FrozenCredits, credit.SourceAPICall,
		fmt.Sprintf("spend_task_%s", t.ID),
		map[string]interface{}{"task_id": t.ID, "kind": t.Kind},
	)
	if errors.Is(err, xerrors.ErrInsufficientCredits) {
		s.logger.Warn("completed task could not be charged in full",
			zap.String("task_id", t.ID),
			zap.String("user_id", t.UserID),
			zap.Int64("amount", t.FrozenCredits),
		)
		return nil
	}
	return err
}

func (s *Sweeper) releaseFrozen(ctx context.Context, t *task.GenerationTask, reason string) error {
	if t.FrozenCredits <= 0 {
		return nil
	}
	_, err := s.credits.Unfreeze(ctx, t.UserID, t.FrozenCredits, reason,
		fmt.Sprintf("unfreeze_%s", t.ID))
	return err
}
