// internal/handlers/webhook/webhook_handler.go
package webhook

import (
	"errors"
	"io"
	"net/http"

	xerrors "artifex-service/internal/pkg/errors"
	"artifex-service/internal/pkg/response"
	"artifex-service/internal/service/billing"

	"github.com/gin-gonic/gin"
)

type WebhookHandler struct {
	reconciler *billing.Reconciler
}

func NewWebhookHandler(reconciler *billing.Reconciler) *WebhookHandler {
	return &WebhookHandler{reconciler: reconciler}
}

// HandleCreem receives provider webhook deliveries. The raw body is read
// before any parsing so the signature covers exactly the bytes sent.
// Processing failures answer 500 on purpose; the provider redelivers until
// we acknowledge.
func (h *WebhookHandler) HandleCreem(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.Error(c, http.StatusBadRequest, "failed to read body", err)
		return
	}

	err = h.reconciler.Handle(c.Request.Context(), body, c.GetHeader("creem-signature"))
	switch {
	case err == nil:
		response.Success(c, http.StatusOK, "event processed", nil)
	case errors.Is(err, xerrors.ErrInvalidSignature):
		response.Error(c, http.StatusUnauthorized, "invalid signature", err)
	case errors.Is(err, xerrors.ErrInvalidInput):
		response.Error(c, http.StatusBadRequest, "malformed event", err)
	default:
		response.Error(c, http.StatusInternalServerError, "failed to process event", err)
	}
}
