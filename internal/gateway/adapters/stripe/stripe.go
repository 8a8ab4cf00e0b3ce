package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/subsync/internal/gateway/domain"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

const (
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventInvoicePaid         = "invoice.payment_succeeded"
	EventInvoiceFailed       = "invoice.payment_failed"
)

type Config struct {
	// WebhookSecret enables Stripe-Signature verification when set.
	WebhookSecret string
}

type Adapter struct {
	webhookSecret string
	log           *zap.Logger
}

func New(cfg Config, log *zap.Logger) *Adapter {
	return &Adapter{
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		log:           log.Named("gateway.stripe"),
	}
}

func (a *Adapter) Gateway() domain.Gateway {
	return domain.GatewayStripe
}

func (a *Adapter) Normalize(ctx context.Context, payload []byte, headers http.Header) (*domain.LifecycleEvent, string, error) {
	event, err := a.construct(payload, headers)
	if err != nil {
		return nil, "", err
	}
	key := strings.TrimSpace(event.ID)
	if key == "" {
		return nil, "", domain.ErrMissingIdempotency
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, "", fmt.Errorf("%w: missing data.object", domain.ErrMalformedPayload)
	}

	base := domain.LifecycleEvent{
		Gateway:          domain.GatewayStripe,
		RawPayload:       string(payload),
		NotificationType: string(event.Type),
		OccurredAt:       unixOrNow(event.Created),
	}

	var out *domain.LifecycleEvent
	switch string(event.Type) {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		var sub subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, "", fmt.Errorf("%w: subscription: %v", domain.ErrMalformedPayload, err)
		}
		out, err = fromSubscription(base, string(event.Type), sub, event.Data.PreviousAttributes)
	case EventInvoicePaid, EventInvoiceFailed:
		var inv invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, "", fmt.Errorf("%w: invoice: %v", domain.ErrMalformedPayload, err)
		}
		out, err = fromInvoice(base, string(event.Type), inv)
	default:
		a.log.Info("unhandled event type",
			zap.String("type", string(event.Type)),
			zap.String("event_id", key),
		)
		out = &base
		out.Kind = domain.KindUnknown
		out.OriginalTransactionRef = "event:" + key
		out.TransactionRef = key
	}
	if err != nil {
		return nil, "", err
	}
	return out, key, nil
}

func (a *Adapter) construct(payload []byte, headers http.Header) (stripelib.Event, error) {
	if a.webhookSecret == "" {
		var event stripelib.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			return stripelib.Event{}, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
		}
		return event, nil
	}

	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return stripelib.Event{}, domain.ErrInvalidSignature
	}
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, a.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripelib.Event{}, fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}
	return event, nil
}

// KindForStatus maps a subscription status seen on created/updated events.
func KindForStatus(status string, cancelAtPeriodEnd bool) domain.EventKind {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing":
		if cancelAtPeriodEnd {
			return domain.KindCancelled
		}
		return domain.KindRenewed
	case "past_due":
		return domain.KindGracePeriod
	case "unpaid":
		return domain.KindOnHold
	case "paused":
		return domain.KindPaused
	case "canceled", "incomplete_expired":
		return domain.KindExpired
	default:
		return domain.KindUnknown
	}
}

func fromSubscription(base domain.LifecycleEvent, eventType string, sub subscription, previous map[string]interface{}) (*domain.LifecycleEvent, error) {
	id := strings.TrimSpace(sub.ID)
	if id == "" {
		return nil, domain.ErrMissingLineage
	}

	out := base
	out.OriginalTransactionRef = id
	out.TransactionRef = id
	out.ProductRef = sub.priceID()
	out.ExpiresAt = sub.periodEnd()
	out.AutoRenewing = domain.BoolPtr(!sub.CancelAtPeriodEnd)
	out.IsTrial = sub.Status == "trialing"
	out.UserRef = strings.TrimSpace(sub.Metadata["user_id"])
	out.Email = strings.TrimSpace(sub.Metadata["email"])
	if sub.CanceledAt > 0 {
		out.CancelledAt = domain.TimePtr(time.Unix(sub.CanceledAt, 0))
	}

	switch eventType {
	case EventSubscriptionDeleted:
		out.Kind = domain.KindExpired
	case EventSubscriptionCreated:
		out.Kind = KindForStatus(sub.Status, sub.CancelAtPeriodEnd)
		if out.Kind == domain.KindRenewed {
			out.Kind = domain.KindInitialPurchase
		}
	default:
		out.Kind = KindForStatus(sub.Status, sub.CancelAtPeriodEnd)
		if _, toggled := previous["cancel_at_period_end"]; toggled && isLive(sub.Status) {
			out.Kind = domain.KindRenewalStatusChanged
		}
	}
	return &out, nil
}

func fromInvoice(base domain.LifecycleEvent, eventType string, inv invoice) (*domain.LifecycleEvent, error) {
	subID := inv.subscriptionID()
	if subID == "" {
		return nil, fmt.Errorf("%w: invoice %s has no subscription", domain.ErrMissingLineage, inv.ID)
	}

	out := base
	out.OriginalTransactionRef = subID
	out.TransactionRef = strings.TrimSpace(inv.ID)
	if out.TransactionRef == "" {
		out.TransactionRef = subID
	}
	out.ProductRef = inv.priceID()
	out.Email = strings.TrimSpace(inv.CustomerEmail)
	out.UserRef = strings.TrimSpace(inv.metadata()["user_id"])

	if eventType == EventInvoiceFailed {
		out.Kind = domain.KindPaymentFailed
	} else {
		out.Kind = domain.KindRenewed
		out.ExpiresAt = inv.periodEnd()
	}
	return &out, nil
}

func isLive(status string) bool {
	return status == "active" || status == "trialing"
}

func unixOrNow(sec int64) time.Time {
	if sec <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}
