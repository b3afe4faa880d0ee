// internal/service/ledger/ledger_service.go
package ledger

import (
	"context"
	"errors"
	"fmt"

	"artifex-service/internal/domain/credit"
	xerrors "artifex-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// TxBeginner opens the atomic transaction every balance mutation runs in.
type TxBeginner interface {
	BeginTx(ctx context.Context) (pgx.Tx, error)
}

// AccountStore persists credit accounts. GetForUpdateWithTx must lock the
// row (creating it lazily) so concurrent mutations on one account serialize.
type AccountStore interface {
	GetForUpdateWithTx(ctx context.Context, tx pgx.Tx, userID string) (*credit.Account, error)
	UpdateBalancesWithTx(ctx context.Context, tx pgx.Tx, acc *credit.Account) error
	FindByUser(ctx context.Context, userID string) (*credit.Account, error)
}

// TransactionStore persists the append-only ledger. CreateWithTx must return
// ErrDuplicateEntry on a reference_id collision.
type TransactionStore interface {
	ExistsByReferenceWithTx(ctx context.Context, tx pgx.Tx, referenceID string) (bool, error)
	CreateWithTx(ctx context.Context, tx pgx.Tx, t *credit.Transaction) error
	List(ctx context.Context, userID string, filters *credit.TransactionListFilters) ([]credit.Transaction, int64, error)
}

// Service implements the credit ledger. Every mutating operation reads the
// account, computes new balances, and writes account plus transaction rows
// inside one database transaction, keyed by a caller-supplied reference id
// that makes retries no-ops.
type Service struct {
	db           TxBeginner
	accounts     AccountStore
	transactions TransactionStore
	logger       *zap.Logger
}

func NewService(db TxBeginner, accounts AccountStore, transactions TransactionStore, logger *zap.Logger) *Service {
	return &Service{
		db:           db,
		accounts:     accounts,
		transactions: transactions,
		logger:       logger,
	}
}

// Grant credits the account. A reference id that was already applied makes
// this a no-op returning (nil, nil), which is the idempotency contract for
// redelivered webhooks and retried syncs.
func (s *Service) Grant(ctx context.Context, userID string, amount int64, source credit.Source, referenceID string, metadata map[string]interface{}) (*credit.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: grant amount must be positive", xerrors.ErrInvalidInput)
	}
	return s.mutate(ctx, userID, referenceID, func(acc *credit.Account) (*credit.Transaction, error) {
		acc.Balance += amount
		acc.TotalEarned += amount
		return &credit.Transaction{
			Type:         credit.TxEarn,
			Amount:       amount,
			BalanceAfter: acc.Balance,
			Source:       source,
			Metadata:     metadata,
		}, nil
	})
}

// Spend debits the account. Fails with ErrInsufficientCredits when the
// available balance (balance minus frozen) cannot cover the amount; the
// check happens before any mutation so balance can never go negative.
func (s *Service) Spend(ctx context.Context, userID string, amount int64, source credit.Source, referenceID string, metadata map[string]interface{}) (*credit.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: spend amount must be positive", xerrors.ErrInvalidInput)
	}
	return s.mutate(ctx, userID, referenceID, func(acc *credit.Account) (*credit.Transaction, error) {
		if acc.AvailableBalance() < amount {
			return nil, fmt.Errorf("%w: need %d, available %d", xerrors.ErrInsufficientCredits, amount, acc.AvailableBalance())
		}
		acc.Balance -= amount
		acc.TotalSpent += amount
		return &credit.Transaction{
			Type:         credit.TxSpend,
			Amount:       amount,
			BalanceAfter: acc.Balance,
			Source:       source,
			Metadata:     metadata,
		}, nil
	})
}

// Freeze reserves credits for in-flight work without touching balance.
func (s *Service) Freeze(ctx context.Context, userID string, amount int64, referenceID string) (*credit.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: freeze amount must be positive", xerrors.ErrInvalidInput)
	}
	return s.mutate(ctx, userID, referenceID, func(acc *credit.Account) (*credit.Transaction, error) {
		if acc.AvailableBalance() < amount {
			return nil, fmt.Errorf("%w: need %d, available %d", xerrors.ErrInsufficientCredits, amount, acc.AvailableBalance())
		}
		acc.FrozenBalance += amount
		return &credit.Transaction{
			Type:         credit.TxFreeze,
			Amount:       amount,
			BalanceAfter: acc.Balance,
			Source:       credit.SourceAPICall,
		}, nil
	})
}

// Unfreeze releases a reservation. The frozen balance clamps at zero:
// releasing more than is frozen indicates a double-release race, which is
// logged and tolerated rather than failed.
func (s *Service) Unfreeze(ctx context.Context, userID string, amount int64, reason, referenceID string) (*credit.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: unfreeze amount must be positive", xerrors.ErrInvalidInput)
	}
	return s.mutate(ctx, userID, referenceID, func(acc *credit.Account) (*credit.Transaction, error) {
		released := amount
		if acc.FrozenBalance < amount {
			s.logger.Warn("unfreeze exceeds frozen balance, clamping",
				zap.String("user_id", userID),
				zap.Int64("requested", amount),
				zap.Int64("frozen", acc.FrozenBalance),
				zap.String("reference_id", referenceID),
			)
			released = acc.FrozenBalance
		}
		acc.FrozenBalance -= released
		return &credit.Transaction{
			Type:         credit.TxUnfreeze,
			Amount:       amount,
			BalanceAfter: acc.Balance,
			Source:       credit.SourceAPICall,
			Description:  reason,
		}, nil
	})
}

// Adjust applies a signed delta. Positive deltas behave like a grant.
// Negative deltas debit best-effort: the balance clamps at zero instead of
// failing, because plan-change deltas must not gate the user's account.
func (s *Service) Adjust(ctx context.Context, userID string, delta int64, source credit.Source, referenceID, description string) (*credit.Transaction, error) {
	if delta == 0 {
		return nil, fmt.Errorf("%w: adjust delta must be non-zero", xerrors.ErrInvalidInput)
	}
	return s.mutate(ctx, userID, referenceID, func(acc *credit.Account) (*credit.Transaction, error) {
		if delta > 0 {
			acc.Balance += delta
			acc.TotalEarned += delta
			return &credit.Transaction{
				Type:         credit.TxAdminAdjust,
				Amount:       delta,
				BalanceAfter: acc.Balance,
				Source:       source,
				Description:  description,
			}, nil
		}

		debit := -delta
		if debit > acc.Balance {
			s.logger.Warn("adjust debit exceeds balance, clamping at zero",
				zap.String("user_id", userID),
				zap.Int64("delta", delta),
				zap.Int64("balance", acc.Balance),
			)
			debit = acc.Balance
		}
		acc.Balance -= debit
		acc.TotalSpent += debit
		return &credit.Transaction{
			Type:         credit.TxAdminAdjust,
			Amount:       debit,
			BalanceAfter: acc.Balance,
			Source:       source,
			Description:  description,
		}, nil
	})
}

// BalanceOf returns the account's balances. Unknown users get a zero
// summary; the account only materializes on the first mutation.
func (s *Service) BalanceOf(ctx context.Context, userID string) (*credit.BalanceSummary, error) {
	acc, err := s.accounts.FindByUser(ctx, userID)
	if errors.Is(err, xerrors.ErrNotFound) {
		return &credit.BalanceSummary{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &credit.BalanceSummary{
		Balance:          acc.Balance,
		TotalEarned:      acc.TotalEarned,
		TotalSpent:       acc.TotalSpent,
		FrozenBalance:    acc.FrozenBalance,
		AvailableBalance: acc.AvailableBalance(),
	}, nil
}

// History lists the user's ledger entries.
func (s *Service) History(ctx context.Context, userID string, filters *credit.TransactionListFilters) (*credit.TransactionListResponse, error) {
	if filters.Page < 1 {
		filters.Page = 1
	}
	if filters.PageSize < 1 {
		filters.PageSize = 20
	}
	if filters.PageSize > 100 {
		filters.PageSize = 100
	}

	transactions, total, err := s.transactions.List(ctx, userID, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	totalPages := int(total) / filters.PageSize
	if int(total)%filters.PageSize > 0 {
		totalPages++
	}

	return &credit.TransactionListResponse{
		Transactions: transactions,
		Total:        total,
		Page:         filters.Page,
		PageSize:     filters.PageSize,
		TotalPages:   totalPages,
	}, nil
}

// mutate runs one ledger operation: lock the account, check the reference id,
// apply the mutation, append the transaction row, write the account back,
// commit. A duplicate reference id, seen either by the in-transaction check
// or by the unique index, returns (nil, nil).
func (s *Service) mutate(ctx context.Context, userID, referenceID string, fn func(acc *credit.Account) (*credit.Transaction, error)) (*credit.Transaction, error) {
	if referenceID == "" {
		return nil, fmt.Errorf("%w: reference id is required", xerrors.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	exists, err := s.transactions.ExistsByReferenceWithTx(ctx, tx, referenceID)
	if err != nil {
		return nil, err
	}
	if exists {
		s.logger.Debug("duplicate reference id, skipping",
			zap.String("user_id", userID),
			zap.String("reference_id", referenceID),
		)
		return nil, nil
	}

	acc, err := s.accounts.GetForUpdateWithTx(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	entry, err := fn(acc)
	if err != nil {
		return nil, err
	}
	entry.ID = ulid.Make().String()
	entry.UserID = userID
	entry.ReferenceID = referenceID

	if err := s.transactions.CreateWithTx(ctx, tx, entry); err != nil {
		if errors.Is(err, xerrors.ErrDuplicateEntry) {
			// Lost the race against a concurrent delivery of the same event.
			return nil, nil
		}
		return nil, err
	}
	if err := s.accounts.UpdateBalancesWithTx(ctx, tx, acc); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Info("ledger entry recorded",
		zap.String("user_id", userID),
		zap.String("type", string(entry.Type)),
		zap.Int64("amount", entry.Amount),
		zap.Int64("balance_after", entry.BalanceAfter),
		zap.String("reference_id", referenceID),
	)
	return entry, nil
}
