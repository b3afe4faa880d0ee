// internal/handlers/credit/credit_handler.go
package credit

import (
	"errors"
	"net/http"
	"strconv"

	"artifex-service/internal/domain/credit"
	"artifex-service/internal/middleware"
	xerrors "artifex-service/internal/pkg/errors"
	"artifex-service/internal/pkg/response"
	service "artifex-service/internal/service/ledger"

	"github.com/gin-gonic/gin"
)

type CreditHandler struct {
	ledger *service.Service
}

func NewCreditHandler(ledger *service.Service) *CreditHandler {
	return &CreditHandler{ledger: ledger}
}

// GetBalance returns the caller's balance summary.
func (h *CreditHandler) GetBalance(c *gin.Context) {
	userID := middleware.MustGetUserID(c)

	summary, err := h.ledger.BalanceOf(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "failed to get balance", err)
		return
	}
	response.Success(c, http.StatusOK, "balance retrieved", summary)
}

// ListTransactions returns the caller's ledger history, newest first.
func (h *CreditHandler) ListTransactions(c *gin.Context) {
	userID := middleware.MustGetUserID(c)

	filters := &credit.TransactionListFilters{}
	filters.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	filters.PageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if t := c.Query("type"); t != "" {
		txType := credit.TransactionType(t)
		filters.Type = &txType
	}
	if s := c.Query("source"); s != "" {
		source := credit.Source(s)
		filters.Source = &source
	}

	result, err := h.ledger.History(c.Request.Context(), userID, filters)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "failed to list transactions", err)
		return
	}
	response.Success(c, http.StatusOK, "transactions retrieved", result)
}

// Freeze reserves credits for an in-flight generation task.
func (h *CreditHandler) Freeze(c *gin.Context) {
	userID := middleware.MustGetUserID(c)

	var req credit.FreezeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	tx, err := h.ledger.Freeze(c.Request.Context(), userID, req.Amount, req.ReferenceID)
	if err != nil {
		h.writeLedgerError(c, "failed to freeze credits", err)
		return
	}
	response.Success(c, http.StatusOK, "credits frozen", tx)
}

// Unfreeze releases a reservation.
func (h *CreditHandler) Unfreeze(c *gin.Context) {
	userID := middleware.MustGetUserID(c)

	var req credit.UnfreezeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	tx, err := h.ledger.Unfreeze(c.Request.Context(), userID, req.Amount, req.Reason, req.ReferenceID)
	if err != nil {
		h.writeLedgerError(c, "failed to unfreeze credits", err)
		return
	}
	response.Success(c, http.StatusOK, "credits unfrozen", tx)
}

// Spend debits the caller's available balance.
func (h *CreditHandler) Spend(c *gin.Context) {
	userID := middleware.MustGetUserID(c)

	var req credit.SpendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}
	source := req.Source
	if source == "" {
		source = credit.SourceAPICall
	}

	tx, err := h.ledger.Spend(c.Request.Context(), userID, req.Amount, source, req.ReferenceID, req.Metadata)
	if err != nil {
		h.writeLedgerError(c, "failed to spend credits", err)
		return
	}
	response.Success(c, http.StatusOK, "credits spent", tx)
}

// AdminAdjust applies a signed delta to any user's balance. Admin only.
func (h *CreditHandler) AdminAdjust(c *gin.Context) {
	var req credit.AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	tx, err := h.ledger.Adjust(c.Request.Context(), req.UserID, req.Delta, credit.SourceAdmin, req.ReferenceID, req.Description)
	if err != nil {
		h.writeLedgerError(c, "failed to adjust credits", err)
		return
	}
	response.Success(c, http.StatusOK, "credits adjusted", tx)
}

func (h *CreditHandler) writeLedgerError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, xerrors.ErrInsufficientCredits):
		response.Error(c, http.StatusPaymentRequired, "insufficient credits", err)
	case errors.Is(err, xerrors.ErrInvalidInput):
		response.Error(c, http.StatusBadRequest, "invalid request", err)
	case errors.Is(err, xerrors.ErrNotFound):
		response.Error(c, http.StatusNotFound, "account not found", err)
	default:
		response.Error(c, http.StatusInternalServerError, message, err)
	}
}
