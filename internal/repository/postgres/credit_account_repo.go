// internal/repository/postgres/credit_account_repo.go
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"artifex-service/internal/domain/credit"
	xerrors "artifex-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type CreditAccountRepository struct {
	db *pgxpool.Pool
}

func NewCreditAccountRepository(db *pgxpool.Pool) *CreditAccountRepository {
	return &CreditAccountRepository{db: db}
}

const accountColumns = `id, user_id, balance, total_earned, total_spent, frozen_balance, created_at, updated_at`

// GetForUpdateWithTx locks the user's account row for the duration of the
// transaction, creating the row first if the user has none yet. All balance
// mutations go through this lock, which serializes concurrent operations on
// the same account.
func (r *CreditAccountRepository) GetForUpdateWithTx(ctx context.Context, tx pgx.Tx, userID string) (*credit.Account, error) {
	acc, err := r.selectForUpdate(ctx, tx, userID)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, xerrors.ErrNotFound) {
		return nil, err
	}

	// Lazy creation. ON CONFLICT covers the race where two transactions
	// create the same account; both then block on the row lock below.
	_, err = tx.Exec(ctx, `
		INSERT INTO credit_accounts (user_id, balance, total_earned, total_spent, frozen_balance, created_at, updated_at)
		VALUES ($1, 0, 0, 0, 0, NOW(), NOW())
		ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create credit account: %w", err)
	}

	return r.selectForUpdate(ctx, tx, userID)
}

func (r *CreditAccountRepository) selectForUpdate(ctx context.Context, tx pgx.Tx, userID string) (*credit.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM credit_accounts WHERE user_id = $1 FOR UPDATE`

	var acc credit.Account
	err := tx.QueryRow(ctx, query, userID).Scan(
		&acc.ID, &acc.UserID, &acc.Balance, &acc.TotalEarned, &acc.TotalSpent,
		&acc.FrozenBalance, &acc.CreatedAt, &acc.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock credit account: %w", err)
	}
	return &acc, nil
}

// UpdateBalancesWithTx writes the mutated balance fields back inside the
// same transaction that holds the row lock.
func (r *CreditAccountRepository) UpdateBalancesWithTx(ctx context.Context, tx pgx.Tx, acc *credit.Account) error {
	query := `
		UPDATE credit_accounts
		SET balance = $1, total_earned = $2, total_spent = $3, frozen_balance = $4, updated_at = $5
		WHERE id = $6
	`
	result, err := tx.Exec(ctx, query,
		acc.Balance, acc.TotalEarned, acc.TotalSpent, acc.FrozenBalance, time.Now(), acc.ID)
	if err != nil {
		return fmt.Errorf("failed to update credit account: %w", err)
	}
	if result.RowsAffected() == 0 {
		return xerrors.ErrNotFound
	}
	return nil
}

// FindByUser retrieves an account without locking, for balance queries.
func (r *CreditAccountRepository) FindByUser(ctx context.Context, userID string) (*credit.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM credit_accounts WHERE user_id = $1`

	var acc credit.Account
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&acc.ID, &acc.UserID, &acc.Balance, &acc.TotalEarned, &acc.TotalSpent,
		&acc.FrozenBalance, &acc.CreatedAt, &acc.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find credit account: %w", err)
	}
	return &acc, nil
}
