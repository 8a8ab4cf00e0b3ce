package googleplay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/subsync/internal/gateway/domain"
	"go.uber.org/zap"
	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/option"
)

type Config struct {
	PackageName     string
	CredentialsFile string
	Timeout         time.Duration
}

// Verifier fills Google events from purchases.subscriptionsv2.get. The RTDN
// payload only carries the purchase token and type.
type Verifier struct {
	svc         *androidpublisher.Service
	packageName string
	timeout     time.Duration
	log         *zap.Logger
}

func New(ctx context.Context, cfg Config, log *zap.Logger, opts ...option.ClientOption) (*Verifier, error) {
	packageName := strings.TrimSpace(cfg.PackageName)
	if packageName == "" {
		return nil, errors.New("google package name is required")
	}
	if path := strings.TrimSpace(cfg.CredentialsFile); path != "" {
		opts = append(opts, option.WithCredentialsFile(path))
	}
	svc, err := androidpublisher.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("androidpublisher: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Verifier{
		svc:         svc,
		packageName: packageName,
		timeout:     timeout,
		log:         log.Named("gateway.googleplay"),
	}, nil
}

func (v *Verifier) Enrich(ctx context.Context, event *domain.LifecycleEvent) error {
	if v == nil || event == nil || event.Gateway != domain.GatewayGoogle {
		return nil
	}
	if strings.HasPrefix(event.OriginalTransactionRef, "test:") {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	purchase, err := v.svc.Purchases.Subscriptionsv2.Get(v.packageName, event.OriginalTransactionRef).Context(callCtx).Do()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrVerifierFailed, err)
	}

	var latest *time.Time
	for _, item := range purchase.LineItems {
		if item == nil {
			continue
		}
		if event.ProductRef == "" && item.ProductId != "" {
			event.ProductRef = item.ProductId
		}
		if item.AutoRenewingPlan != nil {
			event.AutoRenewing = domain.BoolPtr(item.AutoRenewingPlan.AutoRenewEnabled)
		}
		expiry, err := time.Parse(time.RFC3339Nano, item.ExpiryTime)
		if err != nil {
			continue
		}
		if latest == nil || expiry.After(*latest) {
			latest = domain.TimePtr(expiry)
		}
	}
	if latest != nil {
		event.ExpiresAt = latest
	}
	if purchase.LatestOrderId != "" {
		event.TransactionRef = purchase.LatestOrderId
	}
	if purchase.ExternalAccountIdentifiers != nil && event.UserRef == "" {
		event.UserRef = purchase.ExternalAccountIdentifiers.ObfuscatedExternalAccountId
	}

	v.log.Debug("purchase enriched",
		zap.String("state", purchase.SubscriptionState),
		zap.String("product", event.ProductRef),
	)
	return nil
}
