package plan

import (
	"context"
	"errors"
	"strings"

	"github.com/smallbiznis/subsync/internal/config"
	"go.uber.org/fx"
)

var ErrPlanNotFound = errors.New("plan_not_found")

// Plan is the slice of pricing data a subscription snapshots at creation.
type Plan struct {
	Ref             string `json:"ref"`
	DurationDays    int    `json:"duration_days"`
	MultiLoginCount int    `json:"multi_login_count"`
	PriceAmount     int64  `json:"price_amount"`
	PriceCurrency   string `json:"price_currency,omitempty"`
}

type Catalog interface {
	Lookup(ctx context.Context, ref string) (Plan, error)
	// Match resolves a provider product id, falling back to the default plan.
	Match(ctx context.Context, productRef string) (Plan, error)
	Default(ctx context.Context) (Plan, error)
}

var Module = fx.Module("plan.catalog",
	fx.Provide(NewConfigCatalog),
)

// ConfigCatalog reads plans from the hot-reloaded reconcile config.
type ConfigCatalog struct {
	cfg *config.ReconcileConfigHolder
}

func NewConfigCatalog(cfg *config.ReconcileConfigHolder) Catalog {
	return &ConfigCatalog{cfg: cfg}
}

func (c *ConfigCatalog) Lookup(_ context.Context, ref string) (Plan, error) {
	ref = strings.TrimSpace(ref)
	for _, entry := range c.cfg.Get().Plans {
		if strings.EqualFold(entry.Ref, ref) {
			return fromEntry(entry), nil
		}
	}
	return Plan{}, ErrPlanNotFound
}

func (c *ConfigCatalog) Match(ctx context.Context, productRef string) (Plan, error) {
	productRef = strings.TrimSpace(productRef)
	if productRef != "" {
		for _, entry := range c.cfg.Get().Plans {
			if strings.EqualFold(entry.Ref, productRef) {
				return fromEntry(entry), nil
			}
			for _, candidate := range entry.ProductRefs {
				if strings.EqualFold(strings.TrimSpace(candidate), productRef) {
					return fromEntry(entry), nil
				}
			}
		}
	}
	return c.Default(ctx)
}

func (c *ConfigCatalog) Default(_ context.Context) (Plan, error) {
	plans := c.cfg.Get().Plans
	for _, entry := range plans {
		if entry.Default {
			return fromEntry(entry), nil
		}
	}
	if len(plans) > 0 {
		return fromEntry(plans[0]), nil
	}
	return Plan{}, ErrPlanNotFound
}

func fromEntry(entry config.PlanEntry) Plan {
	return Plan{
		Ref:             entry.Ref,
		DurationDays:    entry.DurationDays,
		MultiLoginCount: entry.MultiLoginCount,
		PriceAmount:     entry.PriceAmount,
		PriceCurrency:   strings.ToUpper(strings.TrimSpace(entry.PriceCurrency)),
	}
}
