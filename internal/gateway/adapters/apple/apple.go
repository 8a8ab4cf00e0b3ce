package apple

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/subsync/internal/gateway/domain"
	"go.uber.org/zap"
)

// notificationKinds is the fixed App Store notification type table.
var notificationKinds = map[string]domain.EventKind{
	"INITIAL_BUY":               domain.KindInitialPurchase,
	"SUBSCRIBED":                domain.KindInitialPurchase,
	"DID_RENEW":                 domain.KindRenewed,
	"RENEWAL_EXTENDED":          domain.KindRenewed,
	"DID_RECOVER":               domain.KindRecovered,
	"INTERACTIVE_RENEWAL":       domain.KindRestarted,
	"EXPIRED":                   domain.KindExpired,
	"GRACE_PERIOD_EXPIRED":      domain.KindExpired,
	"CANCEL":                    domain.KindCancelled,
	"DID_FAIL_TO_RENEW":         domain.KindGracePeriod,
	"DID_CHANGE_RENEWAL_STATUS": domain.KindRenewalStatusChanged,
	"REFUND":                    domain.KindRefunded,
	"REVOKE":                    domain.KindRevoked,
}

// KindFor resolves a notification type and subtype to an event kind.
func KindFor(notificationType, subtype string) domain.EventKind {
	notificationType = strings.ToUpper(strings.TrimSpace(notificationType))
	subtype = strings.ToUpper(strings.TrimSpace(subtype))

	kind, ok := notificationKinds[notificationType]
	if !ok {
		return domain.KindUnknown
	}
	switch {
	case notificationType == "SUBSCRIBED" && subtype == "RESUBSCRIBE":
		return domain.KindRestarted
	}
	return kind
}

type Config struct {
	// BundleID, when set, rejects notifications for other apps.
	BundleID string
}

type Adapter struct {
	bundleID string
	parser   *jwt.Parser
	log      *zap.Logger
}

func New(cfg Config, log *zap.Logger) *Adapter {
	return &Adapter{
		bundleID: strings.TrimSpace(cfg.BundleID),
		parser:   jwt.NewParser(),
		log:      log.Named("gateway.apple"),
	}
}

func (a *Adapter) Gateway() domain.Gateway {
	return domain.GatewayApple
}

// Normalize decodes an App Store Server Notification v2. Embedded JWS values
// are decoded without signature verification.
func (a *Adapter) Normalize(ctx context.Context, payload []byte, _ http.Header) (*domain.LifecycleEvent, string, error) {
	var envelope struct {
		SignedPayload string `json:"signedPayload"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}

	var notification notificationPayload
	if signed := strings.TrimSpace(envelope.SignedPayload); signed != "" {
		if err := a.decodeJWS(signed, &notification); err != nil {
			return nil, "", err
		}
	} else if err := json.Unmarshal(payload, &notification); err != nil {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}

	key := strings.TrimSpace(notification.NotificationUUID)
	if key == "" {
		return nil, "", domain.ErrMissingIdempotency
	}
	if a.bundleID != "" && notification.Data.BundleID != "" && notification.Data.BundleID != a.bundleID {
		return nil, "", fmt.Errorf("%w: bundle %q", domain.ErrMalformedPayload, notification.Data.BundleID)
	}

	var txn transactionInfo
	if signed := strings.TrimSpace(notification.Data.SignedTransactionInfo); signed != "" {
		if err := a.decodeJWS(signed, &txn); err != nil {
			return nil, "", err
		}
	}
	var renewal renewalInfo
	if signed := strings.TrimSpace(notification.Data.SignedRenewalInfo); signed != "" {
		if err := a.decodeJWS(signed, &renewal); err != nil {
			return nil, "", err
		}
	}

	lineage := strings.TrimSpace(txn.OriginalTransactionID)
	if lineage == "" {
		lineage = strings.TrimSpace(renewal.OriginalTransactionID)
	}
	if lineage == "" {
		return nil, "", domain.ErrMissingLineage
	}
	transactionRef := strings.TrimSpace(txn.TransactionID)
	if transactionRef == "" {
		transactionRef = lineage
	}

	kind := KindFor(notification.NotificationType, notification.Subtype)
	if kind == domain.KindUnknown {
		a.log.Info("unmapped notification type",
			zap.String("notification_type", notification.NotificationType),
			zap.String("subtype", notification.Subtype),
			zap.String("notification_uuid", key),
		)
	}

	event := &domain.LifecycleEvent{
		Gateway:                domain.GatewayApple,
		Kind:                   kind,
		OriginalTransactionRef: lineage,
		TransactionRef:         transactionRef,
		ProductRef:             strings.TrimSpace(txn.ProductID),
		ExpiresAt:              domain.MillisToTime(txn.ExpiresDate),
		RawPayload:             string(payload),
		NotificationType:       notification.NotificationType,
		Subtype:                notification.Subtype,
		OccurredAt:             occurredAt(notification.SignedDate),
		IsTrial:                txn.IsTrialPeriod.Bool() || txn.OfferType == 1,
		CancelledAt:            firstTime(txn.RevocationDate, txn.CancellationDate),
		UserRef:                strings.TrimSpace(txn.AppAccountToken),
	}
	event.AutoRenewing = autoRenewing(notification.Subtype, notification.Data.SignedRenewalInfo != "", renewal)
	return event, key, nil
}

func (a *Adapter) decodeJWS(token string, out jwt.Claims) error {
	if _, _, err := a.parser.ParseUnverified(token, out); err != nil {
		return fmt.Errorf("%w: jws: %v", domain.ErrMalformedPayload, err)
	}
	return nil
}

func autoRenewing(subtype string, hasRenewal bool, renewal renewalInfo) *bool {
	switch strings.ToUpper(strings.TrimSpace(subtype)) {
	case "AUTO_RENEW_ENABLED":
		return domain.BoolPtr(true)
	case "AUTO_RENEW_DISABLED":
		return domain.BoolPtr(false)
	}
	if !hasRenewal {
		return nil
	}
	return domain.BoolPtr(renewal.AutoRenewStatus == 1)
}

func occurredAt(signedDate int64) time.Time {
	if t := domain.MillisToTime(signedDate); t != nil {
		return *t
	}
	return time.Now().UTC()
}

func firstTime(values ...int64) *time.Time {
	for _, v := range values {
		if t := domain.MillisToTime(v); t != nil {
			return t
		}
	}
	return nil
}
