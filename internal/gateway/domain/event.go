package domain

import (
	"context"
	"net/http"
	"strings"
	"time"
)

type Gateway string

const (
	GatewayApple  Gateway = "APPLE"
	GatewayGoogle Gateway = "GOOGLE"
	GatewayStripe Gateway = "STRIPE"
)

// ParseGateway accepts any casing ("apple", "Apple").
func ParseGateway(raw string) (Gateway, error) {
	switch Gateway(strings.ToUpper(strings.TrimSpace(raw))) {
	case GatewayApple:
		return GatewayApple, nil
	case GatewayGoogle:
		return GatewayGoogle, nil
	case GatewayStripe:
		return GatewayStripe, nil
	default:
		return "", ErrUnsupportedGateway
	}
}

type EventKind string

const (
	KindInitialPurchase      EventKind = "INITIAL_PURCHASE"
	KindRenewed              EventKind = "RENEWED"
	KindExpired              EventKind = "EXPIRED"
	KindCancelled            EventKind = "CANCELLED"
	KindRefunded             EventKind = "REFUNDED"
	KindRevoked              EventKind = "REVOKED"
	KindGracePeriod          EventKind = "GRACE_PERIOD"
	KindOnHold               EventKind = "ON_HOLD"
	KindPaused               EventKind = "PAUSED"
	KindRenewalStatusChanged EventKind = "RENEWAL_STATUS_CHANGED"
	KindRecovered            EventKind = "RECOVERED"
	KindRestarted            EventKind = "RESTARTED"
	KindPaymentFailed        EventKind = "PAYMENT_FAILED"
	KindUnknown              EventKind = "UNKNOWN"
)

// LifecycleEvent is the provider-agnostic form of one provider notification.
// Gateway and OriginalTransactionRef together identify a subscription lineage.
type LifecycleEvent struct {
	Gateway                Gateway    `json:"gateway"`
	Kind                   EventKind  `json:"kind"`
	OriginalTransactionRef string     `json:"original_transaction_ref"`
	TransactionRef         string     `json:"transaction_ref"`
	ProductRef             string     `json:"product_ref,omitempty"`
	ExpiresAt              *time.Time `json:"expires_at,omitempty"`
	AutoRenewing           *bool      `json:"auto_renewing,omitempty"`
	RawPayload             string     `json:"-"`

	NotificationType string     `json:"notification_type,omitempty"`
	Subtype          string     `json:"subtype,omitempty"`
	OccurredAt       time.Time  `json:"occurred_at"`
	IsTrial          bool       `json:"is_trial,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`

	// Identity hints used when no mapping exists yet.
	Email   string `json:"email,omitempty"`
	UserRef string `json:"user_ref,omitempty"`

	// Degraded marks an idempotency key derived without a transport message id.
	Degraded bool `json:"degraded,omitempty"`
}

// Adapter turns one raw provider delivery into a lifecycle event and its
// idempotency key.
type Adapter interface {
	Gateway() Gateway
	Normalize(ctx context.Context, payload []byte, headers http.Header) (*LifecycleEvent, string, error)
}

// PurchaseVerifier enriches an event with state fetched from the provider API.
// Implementations perform network I/O and must only run off the request path.
type PurchaseVerifier interface {
	Enrich(ctx context.Context, event *LifecycleEvent) error
}

func BoolPtr(v bool) *bool { return &v }

func TimePtr(t time.Time) *time.Time {
	t = t.UTC()
	return &t
}

// MillisToTime converts provider epoch millis; zero means absent.
func MillisToTime(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	return TimePtr(time.UnixMilli(ms))
}
