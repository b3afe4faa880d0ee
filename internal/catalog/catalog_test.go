// internal/catalog/catalog_test.go
package catalog

import (
	"testing"

	"artifex-service/internal/domain/subscription"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCanonicalID(t *testing.T) {
	c := Default()

	p, interval, ok := c.Resolve("pro", subscription.IntervalYear)
	require.True(t, ok)
	assert.Equal(t, "pro", p.ID)
	assert.Equal(t, subscription.IntervalYear, interval)

	// Canonical lookups without a usable hint default to monthly.
	_, interval, ok = c.Resolve("pro", "")
	require.True(t, ok)
	assert.Equal(t, subscription.IntervalMonth, interval)
}

func TestResolveProductIDs(t *testing.T) {
	c := Default()

	p, interval, ok := c.Resolve("prod_starter_monthly", "")
	require.True(t, ok)
	assert.Equal(t, "starter", p.ID)
	assert.Equal(t, subscription.IntervalMonth, interval)

	p, interval, ok = c.Resolve("prod_max_yearly", subscription.IntervalMonth)
	require.True(t, ok)
	assert.Equal(t, "max", p.ID)
	// Product id wins over the hint; it already encodes the interval.
	assert.Equal(t, subscription.IntervalYear, interval)
}

func TestResolveUnknown(t *testing.T) {
	c := Default()

	_, _, ok := c.Resolve("prod_enterprise_monthly", "")
	assert.False(t, ok)
}

func TestResolvePrecedenceCanonicalFirst(t *testing.T) {
	// An identifier colliding across namespaces resolves as a canonical id.
	c := New([]Plan{
		{ID: "collide", MonthlyCredits: 10},
		{ID: "other", MonthlyCredits: 20, MonthlyProductID: "collide"},
	})

	p, _, ok := c.Resolve("collide", "")
	require.True(t, ok)
	assert.Equal(t, "collide", p.ID)
}

func TestCreditsFor(t *testing.T) {
	c := Default()

	assert.Equal(t, int64(500), c.CreditsFor("pro", subscription.IntervalMonth))
	assert.Equal(t, int64(6000), c.CreditsFor("pro", subscription.IntervalYear))
	assert.Equal(t, int64(900), c.CreditsFor("prod_max_monthly", ""))
	assert.Equal(t, int64(10800), c.CreditsFor("prod_max_yearly", ""))
	assert.Equal(t, int64(0), c.CreditsFor("free", subscription.IntervalMonth))
	assert.Equal(t, int64(0), c.CreditsFor("nope", subscription.IntervalMonth))
}

func TestCreditsForYearlyOverride(t *testing.T) {
	c := New([]Plan{
		{ID: "custom", MonthlyCredits: 100, YearlyCredits: 1000},
	})
	assert.Equal(t, int64(1000), c.CreditsFor("custom", subscription.IntervalYear))
}

func TestDefaultCatalogShape(t *testing.T) {
	c := Default()

	free := c.Get("free")
	require.NotNil(t, free)
	assert.Equal(t, int64(30), free.SignupBonus)

	assert.Len(t, c.Plans(), 4)
}
