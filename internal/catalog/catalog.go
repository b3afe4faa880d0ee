// internal/catalog/catalog.go
package catalog

import (
	"encoding/json"
	"fmt"
	"os"

	"artifex-service/internal/domain/subscription"
)

// Plan is a static catalog entry. Prices are in cents, credits in platform
// credit units. YearlyCredits of 0 means monthly x 12.
type Plan struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	MonthlyCredits   int64  `json:"monthly_credits"`
	YearlyCredits    int64  `json:"yearly_credits,omitempty"`
	Price            int64  `json:"price"`
	YearlyPrice      int64  `json:"yearly_price"`
	SignupBonus      int64  `json:"signup_bonus,omitempty"`
	MonthlyProductID string `json:"monthly_product_id,omitempty"`
	YearlyProductID  string `json:"yearly_product_id,omitempty"`
}

// Catalog resolves plan identifiers and provider product ids to plans.
// Built once at startup, read-only afterwards.
type Catalog struct {
	plans     []Plan
	byID      map[string]*Plan
	byMonthly map[string]*Plan
	byYearly  map[string]*Plan
}

func New(plans []Plan) *Catalog {
	c := &Catalog{
		plans:     plans,
		byID:      make(map[string]*Plan, len(plans)),
		byMonthly: make(map[string]*Plan, len(plans)),
		byYearly:  make(map[string]*Plan, len(plans)),
	}
	for i := range c.plans {
		p := &c.plans[i]
		c.byID[p.ID] = p
		if p.MonthlyProductID != "" {
			c.byMonthly[p.MonthlyProductID] = p
		}
		if p.YearlyProductID != "" {
			c.byYearly[p.YearlyProductID] = p
		}
	}
	return c
}

// Default returns the built-in plan set. A JSON file (PLAN_CATALOG_PATH)
// can replace it in deployments without a rebuild.
func Default() *Catalog {
	return New([]Plan{
		{ID: "free", Name: "Free", MonthlyCredits: 0, SignupBonus: 30},
		{
			ID: "starter", Name: "Starter", MonthlyCredits: 200,
			Price: 900, YearlyPrice: 9000,
			MonthlyProductID: "prod_starter_monthly", YearlyProductID: "prod_starter_yearly",
		},
		{
			ID: "pro", Name: "Pro", MonthlyCredits: 500,
			Price: 1900, YearlyPrice: 19000,
			MonthlyProductID: "prod_pro_monthly", YearlyProductID: "prod_pro_yearly",
		},
		{
			ID: "max", Name: "Max", MonthlyCredits: 900,
			Price: 3900, YearlyPrice: 39000,
			MonthlyProductID: "prod_max_monthly", YearlyProductID: "prod_max_yearly",
		},
	})
}

// LoadFile builds a catalog from a JSON array of plans.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan catalog: %w", err)
	}
	var plans []Plan
	if err := json.Unmarshal(data, &plans); err != nil {
		return nil, fmt.Errorf("failed to parse plan catalog: %w", err)
	}
	if len(plans) == 0 {
		return nil, fmt.Errorf("plan catalog %s is empty", path)
	}
	return New(plans), nil
}

// Resolve maps an identifier (canonical plan id, monthly product id, or
// yearly product id, tried in that fixed order) to a plan and interval.
// The hint only disambiguates canonical-id lookups, where the identifier
// alone carries no interval. Returns ok=false for unknown identifiers;
// callers must treat that as "no credit effect", not a failure.
func (c *Catalog) Resolve(identifier string, hint subscription.Interval) (*Plan, subscription.Interval, bool) {
	if p, ok := c.byID[identifier]; ok {
		interval := hint
		if interval != subscription.IntervalMonth && interval != subscription.IntervalYear {
			interval = subscription.IntervalMonth
		}
		return p, interval, true
	}
	if p, ok := c.byMonthly[identifier]; ok {
		return p, subscription.IntervalMonth, true
	}
	if p, ok := c.byYearly[identifier]; ok {
		return p, subscription.IntervalYear, true
	}
	return nil, "", false
}

// CreditsFor returns the per-period credit allotment for an identifier, or 0
// when the identifier does not resolve.
func (c *Catalog) CreditsFor(identifier string, interval subscription.Interval) int64 {
	p, resolved, ok := c.Resolve(identifier, interval)
	if !ok {
		return 0
	}
	if resolved == subscription.IntervalYear {
		if p.YearlyCredits > 0 {
			return p.YearlyCredits
		}
		return p.MonthlyCredits * 12
	}
	return p.MonthlyCredits
}

// Get returns the plan for a canonical id, or nil.
func (c *Catalog) Get(id string) *Plan {
	return c.byID[id]
}

// Plans returns all catalog entries.
func (c *Catalog) Plans() []Plan {
	return c.plans
}
