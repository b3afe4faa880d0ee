// internal/app/router.go
package app

import (
	creditHandler "artifex-service/internal/handlers/credit"
	planHandler "artifex-service/internal/handlers/plan"
	subscriptionHandler "artifex-service/internal/handlers/subscription"
	webhookHandler "artifex-service/internal/handlers/webhook"
	"artifex-service/internal/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Handlers struct {
	WebhookHandler      *webhookHandler.WebhookHandler
	CreditHandler       *creditHandler.CreditHandler
	SubscriptionHandler *subscriptionHandler.SubscriptionHandler
	PlanHandler         *planHandler.PlanHandler
	AuthMiddleware      *middleware.AuthMiddleware
}

func SetupRouter(r *gin.Engine, logger *zap.Logger, h *Handlers) {
	api := r.Group("/api/v1")

	// ==================== Health Check ====================
	api.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "version": "1.0.0"})
	})

	// ==================== Webhooks (signature-gated, no auth) ====================
	api.POST("/webhooks/creem", h.WebhookHandler.HandleCreem)

	// ==================== Plans (public) ====================
	api.GET("/plans", h.PlanHandler.List)

	// ==================== Billing ====================
	billing := api.Group("/billing")
	billing.Use(h.AuthMiddleware.Auth())
	{
		billing.POST("/sync", h.SubscriptionHandler.Sync)
	}

	// ==================== Credits ====================
	credits := api.Group("/credits")
	credits.Use(h.AuthMiddleware.Auth())
	{
		credits.GET("/balance", h.CreditHandler.GetBalance)
		credits.GET("/transactions", h.CreditHandler.ListTransactions)
		credits.POST("/freeze", h.CreditHandler.Freeze)
		credits.POST("/unfreeze", h.CreditHandler.Unfreeze)
		credits.POST("/spend", h.CreditHandler.Spend)
	}

	// ==================== Subscriptions ====================
	subscriptions := api.Group("/subscriptions")
	subscriptions.Use(h.AuthMiddleware.Auth())
	{
		subscriptions.GET("/current", h.SubscriptionHandler.GetCurrent)
	}

	// ==================== Admin ====================
	admin := api.Group("/admin")
	admin.Use(h.AuthMiddleware.AdminOnly()...)
	{
		admin.POST("/credits/adjust", h.CreditHandler.AdminAdjust)
	}
}
