package plan

import (
	"context"
	"testing"

	"github.com/smallbiznis/subsync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogMatch(t *testing.T) {
	cfg := config.DefaultReconcileConfig()
	cfg.Plans = []config.PlanEntry{
		{Ref: "monthly", DurationDays: 30, MultiLoginCount: 5, ProductRefs: []string{"vpn.monthly", "price_monthly"}, Default: true},
		{Ref: "yearly", DurationDays: 365, MultiLoginCount: 10, ProductRefs: []string{"vpn.yearly"}, PriceAmount: 5999, PriceCurrency: "usd"},
	}
	catalog := NewConfigCatalog(config.NewStaticReconcileConfigHolder(cfg))
	ctx := context.Background()

	p, err := catalog.Match(ctx, "vpn.yearly")
	require.NoError(t, err)
	assert.Equal(t, "yearly", p.Ref)
	assert.Equal(t, "USD", p.PriceCurrency)

	p, err = catalog.Match(ctx, "price_monthly")
	require.NoError(t, err)
	assert.Equal(t, "monthly", p.Ref)

	p, err = catalog.Match(ctx, "unknown.product")
	require.NoError(t, err)
	assert.Equal(t, "monthly", p.Ref)

	_, err = catalog.Lookup(ctx, "weekly")
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestCatalogEmpty(t *testing.T) {
	cfg := config.DefaultReconcileConfig()
	cfg.Plans = nil
	catalog := NewConfigCatalog(config.NewStaticReconcileConfigHolder(cfg))
	_, err := catalog.Match(context.Background(), "")
	assert.ErrorIs(t, err, ErrPlanNotFound)
}
