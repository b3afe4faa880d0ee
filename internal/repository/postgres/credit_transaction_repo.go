// internal/repository/postgres/credit_transaction_repo.go
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"artifex-service/internal/domain/credit"
	xerrors "artifex-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type CreditTransactionRepository struct {
	db *pgxpool.Pool
}

func NewCreditTransactionRepository(db *pgxpool.Pool) *CreditTransactionRepository {
	return &CreditTransactionRepository{db: db}
}

// ExistsByReferenceWithTx checks the idempotency gate inside the caller's
// transaction. The unique index on reference_id backs this up for deliveries
// racing in separate transactions.
func (r *CreditTransactionRepository) ExistsByReferenceWithTx(ctx context.Context, tx pgx.Tx, referenceID string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM credit_transactions WHERE reference_id = $1)`
	var exists bool
	if err := tx.QueryRow(ctx, query, referenceID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check transaction reference: %w", err)
	}
	return exists, nil
}

// CreateWithTx appends a ledger entry. A unique violation on reference_id
// maps to ErrDuplicateEntry so callers can treat the retry as a no-op.
func (r *CreditTransactionRepository) CreateWithTx(ctx context.Context, tx pgx.Tx, t *credit.Transaction) error {
	query := `
		INSERT INTO credit_transactions (
			id, user_id, type, amount, balance_after, source, reference_id, description, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		RETURNING created_at
	`

	var metadataJSON []byte
	var err error
	if t.Metadata != nil {
		metadataJSON, err = json.Marshal(t.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	err = tx.QueryRow(ctx, query,
		t.ID, t.UserID, t.Type, t.Amount, t.BalanceAfter, t.Source, t.ReferenceID,
		t.Description, metadataJSON,
	).Scan(&t.CreatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return xerrors.ErrDuplicateEntry
	}
	if err != nil {
		return fmt.Errorf("failed to create credit transaction: %w", err)
	}
	return nil
}

// List retrieves a user's transactions, newest first.
func (r *CreditTransactionRepository) List(ctx context.Context, userID string, filters *credit.TransactionListFilters) ([]credit.Transaction, int64, error) {
	conditions := []string{"user_id = $1"}
	args := []interface{}{userID}
	argPos := 2

	if filters.Type != nil {
		conditions = append(conditions, fmt.Sprintf("type = $%d", argPos))
		args = append(args, *filters.Type)
		argPos++
	}
	if filters.Source != nil {
		conditions = append(conditions, fmt.Sprintf("source = $%d", argPos))
		args = append(args, *filters.Source)
		argPos++
	}

	whereClause := strings.Join(conditions, " AND ")

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM credit_transactions WHERE %s", whereClause)
	var total int64
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	if filters.Page < 1 {
		filters.Page = 1
	}
	if filters.PageSize < 1 {
		filters.PageSize = 20
	}
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`
		SELECT id, user_id, type, amount, balance_after, source, reference_id, description, metadata, created_at
		FROM credit_transactions
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, whereClause, argPos, argPos+1)
	args = append(args, filters.PageSize, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	transactions := []credit.Transaction{}
	for rows.Next() {
		var t credit.Transaction
		var description *string
		var metadataJSON []byte

		err := rows.Scan(
			&t.ID, &t.UserID, &t.Type, &t.Amount, &t.BalanceAfter, &t.Source,
			&t.ReferenceID, &description, &metadataJSON, &t.CreatedAt,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan transaction: %w", err)
		}
		if description != nil {
			t.Description = *description
		}
		if len(metadataJSON) > 0 {
			if t.Metadata, err = decodeMetadata(metadataJSON); err != nil {
				return nil, 0, fmt.Errorf("transaction %s: %w", t.ID, err)
			}
		}
		transactions = append(transactions, t)
	}

	return transactions, total, nil
}

// decodeMetadata parses a stored metadata document. Corrupt metadata is
// surfaced rather than silently dropped.
func decodeMetadata(raw []byte) (map[string]interface{}, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode transaction metadata: %w", err)
	}
	return m, nil
}
