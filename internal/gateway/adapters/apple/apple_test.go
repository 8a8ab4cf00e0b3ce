package apple

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/subsync/internal/gateway/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testKey = []byte("apple-test-key")

func sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testKey)
	require.NoError(t, err)
	return token
}

func buildPayload(t *testing.T, notificationType, subtype, uuid string, txn, renewal jwt.MapClaims) []byte {
	t.Helper()
	data := jwt.MapClaims{"bundleId": "com.example.vpn"}
	if txn != nil {
		data["signedTransactionInfo"] = sign(t, txn)
	}
	if renewal != nil {
		data["signedRenewalInfo"] = sign(t, renewal)
	}
	outer := sign(t, jwt.MapClaims{
		"notificationType": notificationType,
		"subtype":          subtype,
		"notificationUUID": uuid,
		"signedDate":       time.Now().UnixMilli(),
		"data":             data,
	})
	body, err := json.Marshal(map[string]string{"signedPayload": outer})
	require.NoError(t, err)
	return body
}

func TestKindForTable(t *testing.T) {
	cases := []struct {
		notificationType string
		subtype          string
		want             domain.EventKind
	}{
		{"INITIAL_BUY", "", domain.KindInitialPurchase},
		{"SUBSCRIBED", "INITIAL_BUY", domain.KindInitialPurchase},
		{"SUBSCRIBED", "RESUBSCRIBE", domain.KindRestarted},
		{"DID_RENEW", "", domain.KindRenewed},
		{"DID_RENEW", "BILLING_RECOVERY", domain.KindRenewed},
		{"DID_RECOVER", "", domain.KindRecovered},
		{"EXPIRED", "VOLUNTARY", domain.KindExpired},
		{"GRACE_PERIOD_EXPIRED", "", domain.KindExpired},
		{"CANCEL", "", domain.KindCancelled},
		{"DID_FAIL_TO_RENEW", "", domain.KindGracePeriod},
		{"DID_FAIL_TO_RENEW", "GRACE_PERIOD", domain.KindGracePeriod},
		{"DID_CHANGE_RENEWAL_STATUS", "AUTO_RENEW_DISABLED", domain.KindRenewalStatusChanged},
		{"REFUND", "", domain.KindRefunded},
		{"REVOKE", "", domain.KindRevoked},
		{"PRICE_INCREASE", "PENDING", domain.KindUnknown},
		{"TEST", "", domain.KindUnknown},
		{"did_renew", "", domain.KindRenewed},
	}

	for _, tc := range cases {
		t.Run(tc.notificationType+"/"+tc.subtype, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				assert.Equal(t, tc.want, KindFor(tc.notificationType, tc.subtype))
			}
		})
	}
}

func TestNormalizeDidRenew(t *testing.T) {
	adapter := New(Config{BundleID: "com.example.vpn"}, zap.NewNop())
	expires := time.Now().Add(30 * 24 * time.Hour).UnixMilli()

	body := buildPayload(t, "DID_RENEW", "", "uuid-1",
		jwt.MapClaims{
			"originalTransactionId": "1000",
			"transactionId":         "1001",
			"productId":             "vpn.monthly",
			"expiresDate":           expires,
			"appAccountToken":       "user-42",
		},
		jwt.MapClaims{"originalTransactionId": "1000", "autoRenewStatus": 1},
	)

	event, key, err := adapter.Normalize(context.Background(), body, nil)
	require.NoError(t, err)
	assert.Equal(t, "uuid-1", key)
	assert.Equal(t, domain.GatewayApple, event.Gateway)
	assert.Equal(t, domain.KindRenewed, event.Kind)
	assert.Equal(t, "1000", event.OriginalTransactionRef)
	assert.Equal(t, "1001", event.TransactionRef)
	assert.Equal(t, "vpn.monthly", event.ProductRef)
	assert.Equal(t, "user-42", event.UserRef)
	require.NotNil(t, event.ExpiresAt)
	assert.Equal(t, expires, event.ExpiresAt.UnixMilli())
	require.NotNil(t, event.AutoRenewing)
	assert.True(t, *event.AutoRenewing)
	assert.Equal(t, string(body), event.RawPayload)
}

func TestNormalizeRenewalStatusFromSubtype(t *testing.T) {
	adapter := New(Config{}, zap.NewNop())
	body := buildPayload(t, "DID_CHANGE_RENEWAL_STATUS", "AUTO_RENEW_DISABLED", "uuid-2",
		jwt.MapClaims{"originalTransactionId": "2000", "transactionId": "2000"}, nil)

	event, _, err := adapter.Normalize(context.Background(), body, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.KindRenewalStatusChanged, event.Kind)
	require.NotNil(t, event.AutoRenewing)
	assert.False(t, *event.AutoRenewing)
}

func TestNormalizeTrialAndRevocation(t *testing.T) {
	adapter := New(Config{}, zap.NewNop())
	revoked := time.Now().Add(-time.Hour).UnixMilli()
	body := buildPayload(t, "REFUND", "", "uuid-3",
		jwt.MapClaims{
			"originalTransactionId": "3000",
			"isTrialPeriod":         "true",
			"revocationDate":        revoked,
		}, nil)

	event, _, err := adapter.Normalize(context.Background(), body, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.KindRefunded, event.Kind)
	assert.True(t, event.IsTrial)
	require.NotNil(t, event.CancelledAt)
	assert.Equal(t, revoked, event.CancelledAt.UnixMilli())
	assert.Equal(t, "3000", event.TransactionRef)
	assert.Nil(t, event.AutoRenewing)
}

func TestNormalizeErrors(t *testing.T) {
	adapter := New(Config{BundleID: "com.example.vpn"}, zap.NewNop())

	_, _, err := adapter.Normalize(context.Background(), []byte(`not json`), nil)
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)

	_, _, err = adapter.Normalize(context.Background(), []byte(`{"signedPayload":"a.b"}`), nil)
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)

	body := buildPayload(t, "DID_RENEW", "", "", jwt.MapClaims{"originalTransactionId": "1"}, nil)
	_, _, err = adapter.Normalize(context.Background(), body, nil)
	assert.ErrorIs(t, err, domain.ErrMissingIdempotency)

	body = buildPayload(t, "DID_RENEW", "", "uuid-4", jwt.MapClaims{"transactionId": "1"}, nil)
	_, _, err = adapter.Normalize(context.Background(), body, nil)
	assert.ErrorIs(t, err, domain.ErrMissingLineage)

	other := New(Config{BundleID: "com.other.app"}, zap.NewNop())
	body = buildPayload(t, "DID_RENEW", "", "uuid-5", jwt.MapClaims{"originalTransactionId": "1"}, nil)
	_, _, err = other.Normalize(context.Background(), body, nil)
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)
}

func TestNormalizeDecodedBody(t *testing.T) {
	adapter := New(Config{}, zap.NewNop())
	txn := sign(t, jwt.MapClaims{"originalTransactionId": "5000", "transactionId": "5001"})
	body, err := json.Marshal(map[string]any{
		"notificationType": "EXPIRED",
		"notificationUUID": "uuid-6",
		"data":             map[string]any{"signedTransactionInfo": txn},
	})
	require.NoError(t, err)

	event, key, err := adapter.Normalize(context.Background(), body, nil)
	require.NoError(t, err)
	assert.Equal(t, "uuid-6", key)
	assert.Equal(t, domain.KindExpired, event.Kind)
	assert.Equal(t, "5000", event.OriginalTransactionRef)
}
