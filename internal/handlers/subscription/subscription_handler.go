// internal/handlers/subscription/subscription_handler.go
package subscription

import (
	"errors"
	"net/http"

	domain "artifex-service/internal/domain/subscription"
	"artifex-service/internal/middleware"
	xerrors "artifex-service/internal/pkg/errors"
	"artifex-service/internal/pkg/response"
	"artifex-service/internal/service/billing"
	service "artifex-service/internal/service/subscription"

	"github.com/gin-gonic/gin"
)

type SubscriptionHandler struct {
	subscriptions *service.Service
	syncer        *billing.Syncer
}

func NewSubscriptionHandler(subscriptions *service.Service, syncer *billing.Syncer) *SubscriptionHandler {
	return &SubscriptionHandler{
		subscriptions: subscriptions,
		syncer:        syncer,
	}
}

// GetCurrent returns the caller's subscription.
func (h *SubscriptionHandler) GetCurrent(c *gin.Context) {
	userID := middleware.MustGetUserID(c)

	sub, err := h.subscriptions.CurrentForUser(c.Request.Context(), userID)
	if errors.Is(err, xerrors.ErrNotFound) {
		response.Error(c, http.StatusNotFound, "no subscription", err)
		return
	}
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "failed to get subscription", err)
		return
	}
	response.Success(c, http.StatusOK, "subscription retrieved", sub)
}

// Sync reconciles the caller's subscription right after checkout, so the UI
// shows the new plan without waiting for the webhook.
func (h *SubscriptionHandler) Sync(c *gin.Context) {
	userID := middleware.MustGetUserID(c)

	var req domain.SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	if err := h.syncer.SyncAfterCheckout(c.Request.Context(), userID, &req); err != nil {
		response.Error(c, http.StatusInternalServerError, "failed to sync subscription", err)
		return
	}

	sub, err := h.subscriptions.CurrentForUser(c.Request.Context(), userID)
	if err != nil {
		response.Success(c, http.StatusOK, "subscription synced", nil)
		return
	}
	response.Success(c, http.StatusOK, "subscription synced", sub)
}
