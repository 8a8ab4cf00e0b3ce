package google

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/subsync/internal/gateway/domain"
	"go.uber.org/zap"
)

// notificationKinds is the fixed Real-Time Developer Notification table.
var notificationKinds = map[int]domain.EventKind{
	1:  domain.KindRecovered,
	2:  domain.KindRenewed,
	3:  domain.KindCancelled,
	4:  domain.KindInitialPurchase,
	5:  domain.KindOnHold,
	6:  domain.KindGracePeriod,
	7:  domain.KindRestarted,
	8:  domain.KindUnknown, // price change confirmed
	9:  domain.KindUnknown, // deferred
	10: domain.KindPaused,
	11: domain.KindUnknown, // pause schedule changed
	12: domain.KindRevoked,
	13: domain.KindExpired,
}

func KindFor(notificationType int) domain.EventKind {
	if kind, ok := notificationKinds[notificationType]; ok {
		return kind
	}
	return domain.KindUnknown
}

type Config struct {
	// PackageName, when set, rejects notifications for other apps.
	PackageName string
}

type Adapter struct {
	packageName string
	log         *zap.Logger
	nonce       func() string
}

func New(cfg Config, log *zap.Logger) *Adapter {
	return &Adapter{
		packageName: strings.TrimSpace(cfg.PackageName),
		log:         log.Named("gateway.google"),
		nonce:       uuid.NewString,
	}
}

func (a *Adapter) Gateway() domain.Gateway {
	return domain.GatewayGoogle
}

// Normalize accepts a Pub/Sub push envelope or a bare developer notification.
func (a *Adapter) Normalize(ctx context.Context, payload []byte, _ http.Header) (*domain.LifecycleEvent, string, error) {
	var push pushEnvelope
	if err := json.Unmarshal(payload, &push); err != nil {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}

	var messageID string
	body := payload
	if push.Message != nil {
		messageID = strings.TrimSpace(push.Message.MessageID)
		if messageID == "" {
			messageID = strings.TrimSpace(push.Message.MessageIDAlt)
		}
		decoded, err := decodeData(push.Message.Data)
		if err != nil {
			return nil, "", fmt.Errorf("%w: message data: %v", domain.ErrMalformedPayload, err)
		}
		body = decoded
	}

	var notification developerNotification
	if err := json.Unmarshal(body, &notification); err != nil {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	if a.packageName != "" && notification.PackageName != "" && notification.PackageName != a.packageName {
		return nil, "", fmt.Errorf("%w: package %q", domain.ErrMalformedPayload, notification.PackageName)
	}

	occurred := time.Now().UTC()
	eventMillis, _ := notification.EventTimeMillis.Int64()
	if t := domain.MillisToTime(eventMillis); t != nil {
		occurred = *t
	}

	sub := notification.SubscriptionNotification
	if sub == nil {
		if notification.TestNotification == nil {
			return nil, "", fmt.Errorf("%w: no subscriptionNotification", domain.ErrMalformedPayload)
		}
		if messageID == "" {
			return nil, "", domain.ErrMissingIdempotency
		}
		return &domain.LifecycleEvent{
			Gateway:                domain.GatewayGoogle,
			Kind:                   domain.KindUnknown,
			OriginalTransactionRef: "test:" + messageID,
			TransactionRef:         "test:" + messageID,
			RawPayload:             string(payload),
			NotificationType:       "TEST",
			OccurredAt:             occurred,
		}, messageID, nil
	}

	token := strings.TrimSpace(sub.PurchaseToken)
	if token == "" {
		return nil, "", domain.ErrMissingLineage
	}

	kind := KindFor(sub.NotificationType)
	if kind == domain.KindUnknown {
		a.log.Info("unmapped notification type",
			zap.Int("notification_type", sub.NotificationType),
			zap.String("message_id", messageID),
		)
	}

	event := &domain.LifecycleEvent{
		Gateway:                domain.GatewayGoogle,
		Kind:                   kind,
		OriginalTransactionRef: token,
		TransactionRef:         token,
		ProductRef:             strings.TrimSpace(sub.SubscriptionID),
		RawPayload:             string(payload),
		NotificationType:       strconv.Itoa(sub.NotificationType),
		OccurredAt:             occurred,
	}

	key := messageID
	if key == "" {
		// Without a transport id the key is only approximately unique.
		suffix := notification.EventTimeMillis.String()
		if suffix == "" {
			suffix = a.nonce()
		}
		key = fmt.Sprintf("%s:%d:%s", token, sub.NotificationType, suffix)
		event.Degraded = true
		a.log.Warn("degraded idempotency key", zap.String("key", key))
	}
	return event, key, nil
}

func decodeData(data string) ([]byte, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, fmt.Errorf("empty data")
	}
	if decoded, err := base64.StdEncoding.DecodeString(data); err == nil {
		return decoded, nil
	}
	return base64.URLEncoding.DecodeString(data)
}

type pushEnvelope struct {
	Message      *pushMessage `json:"message"`
	Subscription string       `json:"subscription"`
}

type pushMessage struct {
	Data         string            `json:"data"`
	MessageID    string            `json:"messageId"`
	MessageIDAlt string            `json:"message_id"`
	PublishTime  string            `json:"publishTime"`
	Attributes   map[string]string `json:"attributes"`
}

type developerNotification struct {
	Version                  string                    `json:"version"`
	PackageName              string                    `json:"packageName"`
	EventTimeMillis          json.Number               `json:"eventTimeMillis"`
	SubscriptionNotification *subscriptionNotification `json:"subscriptionNotification"`
	TestNotification         *struct {
		Version string `json:"version"`
	} `json:"testNotification"`
}

type subscriptionNotification struct {
	Version          string `json:"version"`
	NotificationType int    `json:"notificationType"`
	PurchaseToken    string `json:"purchaseToken"`
	SubscriptionID   string `json:"subscriptionId"`
}
