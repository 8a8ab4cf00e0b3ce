package gateway

import (
	"context"

	"github.com/smallbiznis/subsync/internal/config"
	"github.com/smallbiznis/subsync/internal/gateway/adapters"
	"github.com/smallbiznis/subsync/internal/gateway/adapters/apple"
	"github.com/smallbiznis/subsync/internal/gateway/adapters/google"
	"github.com/smallbiznis/subsync/internal/gateway/adapters/stripe"
	"github.com/smallbiznis/subsync/internal/gateway/domain"
	"github.com/smallbiznis/subsync/internal/gateway/googleplay"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("gateway",
	fx.Provide(NewRegistry),
	fx.Provide(NewPurchaseVerifier),
)

func NewRegistry(cfg config.Config, log *zap.Logger) *adapters.Registry {
	return adapters.NewRegistry(
		apple.New(apple.Config{BundleID: cfg.Gateway.AppleBundleID}, log),
		google.New(google.Config{PackageName: cfg.Gateway.GooglePackageName}, log),
		stripe.New(stripe.Config{WebhookSecret: cfg.Gateway.StripeWebhookSecret}, log),
	)
}

// NewPurchaseVerifier returns nil when Google API enrichment is disabled.
func NewPurchaseVerifier(cfg config.Config, log *zap.Logger) (domain.PurchaseVerifier, error) {
	if !cfg.Gateway.GoogleVerifyEnabled {
		return nil, nil
	}
	verifier, err := googleplay.New(context.Background(), googleplay.Config{
		PackageName:     cfg.Gateway.GooglePackageName,
		CredentialsFile: cfg.Gateway.GoogleCredentialsFile,
	}, log)
	if err != nil {
		return nil, err
	}
	return verifier, nil
}
