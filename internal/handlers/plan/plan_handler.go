// internal/handlers/plan/plan_handler.go
package plan

import (
	"net/http"

	"artifex-service/internal/catalog"
	"artifex-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
)

type PlanHandler struct {
	catalog *catalog.Catalog
}

func NewPlanHandler(cat *catalog.Catalog) *PlanHandler {
	return &PlanHandler{catalog: cat}
}

// List returns the plan catalog. Public; the pricing page reads this.
func (h *PlanHandler) List(c *gin.Context) {
	response.Success(c, http.StatusOK, "plans retrieved", gin.H{
		"plans": h.catalog.Plans(),
	})
}
