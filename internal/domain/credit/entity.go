// internal/domain/credit/entity.go
package credit

import "time"

type TransactionType string
type Source string

const (
	TxEarn        TransactionType = "earn"
	TxSpend       TransactionType = "spend"
	TxRefund      TransactionType = "refund"
	TxAdminAdjust TransactionType = "admin_adjust"
	TxFreeze      TransactionType = "freeze"
	TxUnfreeze    TransactionType = "unfreeze"

	SourceSubscription Source = "subscription"
	SourceAPICall      Source = "api_call"
	SourceAdmin        Source = "admin"
	SourceStorage      Source = "storage"
	SourceBonus        Source = "bonus"
)

// Account tracks a user's credit balances. Created lazily on the first
// credit-affecting operation and never deleted.
type Account struct {
	ID            int64     `json:"id" db:"id"`
	UserID        string    `json:"user_id" db:"user_id"`
	Balance       int64     `json:"balance" db:"balance"`
	TotalEarned   int64     `json:"total_earned" db:"total_earned"`
	TotalSpent    int64     `json:"total_spent" db:"total_spent"`
	FrozenBalance int64     `json:"frozen_balance" db:"frozen_balance"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// AvailableBalance is derived, never stored.
func (a *Account) AvailableBalance() int64 {
	return a.Balance - a.FrozenBalance
}

// Transaction is an immutable, append-only ledger entry. Amount is always
// positive; direction is implied by Type. ReferenceID is unique per logical
// event and acts as the idempotency gate.
type Transaction struct {
	ID           string                 `json:"id" db:"id"`
	UserID       string                 `json:"user_id" db:"user_id"`
	Type         TransactionType        `json:"type" db:"type"`
	Amount       int64                  `json:"amount" db:"amount"`
	BalanceAfter int64                  `json:"balance_after" db:"balance_after"`
	Source       Source                 `json:"source" db:"source"`
	ReferenceID  string                 `json:"reference_id" db:"reference_id"`
	Description  string                 `json:"description,omitempty" db:"description"`
	Metadata     map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	CreatedAt    time.Time              `json:"created_at" db:"created_at"`
}

type BalanceSummary struct {
	Balance          int64 `json:"balance"`
	TotalEarned      int64 `json:"total_earned"`
	TotalSpent       int64 `json:"total_spent"`
	FrozenBalance    int64 `json:"frozen_balance"`
	AvailableBalance int64 `json:"available_balance"`
}

type TransactionListFilters struct {
	Type     *TransactionType `form:"type"`
	Source   *Source          `form:"source"`
	Page     int              `form:"page"`
	PageSize int              `form:"page_size"`
}

type TransactionListResponse struct {
	Transactions []Transaction `json:"transactions"`
	Total        int64         `json:"total"`
	Page         int           `json:"page"`
	PageSize     int           `json:"page_size"`
	TotalPages   int           `json:"total_pages"`
}
