package stripe

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/smallbiznis/subsync/internal/gateway/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

const testSecret = "whsec_test"

func eventBody(t *testing.T, id, typ string, object map[string]any, previous map[string]any) []byte {
	t.Helper()
	data := map[string]any{"object": object}
	if previous != nil {
		data["previous_attributes"] = previous
	}
	body, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        typ,
		"created":     1700000000,
		"api_version": stripelib.APIVersion,
		"data":        data,
	})
	require.NoError(t, err)
	return body
}

func subscriptionObject(status string, cancelAtPeriodEnd bool, periodEnd int64) map[string]any {
	return map[string]any{
		"id":                   "sub_123",
		"object":               "subscription",
		"customer":             "cus_1",
		"status":               status,
		"cancel_at_period_end": cancelAtPeriodEnd,
		"metadata":             map[string]any{"user_id": "42", "email": "a@example.com"},
		"items": map[string]any{
			"data": []any{
				map[string]any{
					"current_period_end": periodEnd,
					"price":              map[string]any{"id": "price_monthly"},
				},
			},
		},
	}
}

func signedHeaders(t *testing.T, body []byte) http.Header {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    testSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	headers := http.Header{}
	headers.Set("Stripe-Signature", signed.Header)
	return headers
}

func TestKindForStatus(t *testing.T) {
	cases := []struct {
		status string
		cancel bool
		want   domain.EventKind
	}{
		{"active", false, domain.KindRenewed},
		{"trialing", false, domain.KindRenewed},
		{"active", true, domain.KindCancelled},
		{"past_due", false, domain.KindGracePeriod},
		{"unpaid", false, domain.KindOnHold},
		{"paused", false, domain.KindPaused},
		{"canceled", false, domain.KindExpired},
		{"incomplete_expired", false, domain.KindExpired},
		{"incomplete", false, domain.KindUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, KindForStatus(tc.status, tc.cancel), tc.status)
	}
}

func TestNormalizeSignedSubscriptionCreated(t *testing.T) {
	adapter := New(Config{WebhookSecret: testSecret}, zap.NewNop())
	periodEnd := time.Now().Add(30 * 24 * time.Hour).Unix()
	body := eventBody(t, "evt_1", EventSubscriptionCreated, subscriptionObject("active", false, periodEnd), nil)

	event, key, err := adapter.Normalize(context.Background(), body, signedHeaders(t, body))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", key)
	assert.Equal(t, domain.KindInitialPurchase, event.Kind)
	assert.Equal(t, "sub_123", event.OriginalTransactionRef)
	assert.Equal(t, "price_monthly", event.ProductRef)
	assert.Equal(t, "42", event.UserRef)
	assert.Equal(t, "a@example.com", event.Email)
	require.NotNil(t, event.ExpiresAt)
	assert.Equal(t, periodEnd, event.ExpiresAt.Unix())
	require.NotNil(t, event.AutoRenewing)
	assert.True(t, *event.AutoRenewing)
	assert.Equal(t, int64(1700000000), event.OccurredAt.Unix())
}

func TestNormalizeRejectsBadSignature(t *testing.T) {
	adapter := New(Config{WebhookSecret: testSecret}, zap.NewNop())
	body := eventBody(t, "evt_2", EventSubscriptionDeleted, subscriptionObject("canceled", false, 0), nil)

	_, _, err := adapter.Normalize(context.Background(), body, http.Header{})
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	headers := http.Header{}
	headers.Set("Stripe-Signature", "t=1,v1=deadbeef")
	_, _, err = adapter.Normalize(context.Background(), body, headers)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestNormalizeSubscriptionUpdates(t *testing.T) {
	adapter := New(Config{}, zap.NewNop())

	body := eventBody(t, "evt_3", EventSubscriptionUpdated, subscriptionObject("active", true, 1800000000),
		map[string]any{"cancel_at_period_end": false})
	event, _, err := adapter.Normalize(context.Background(), body, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.KindRenewalStatusChanged, event.Kind)
	require.NotNil(t, event.AutoRenewing)
	assert.False(t, *event.AutoRenewing)

	body = eventBody(t, "evt_4", EventSubscriptionUpdated, subscriptionObject("past_due", false, 1800000000), nil)
	event, _, err = adapter.Normalize(context.Background(), body, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.KindGracePeriod, event.Kind)

	body = eventBody(t, "evt_5", EventSubscriptionDeleted, subscriptionObject("canceled", false, 0), nil)
	event, _, err = adapter.Normalize(context.Background(), body, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.KindExpired, event.Kind)
	assert.Nil(t, event.ExpiresAt)
}

func TestNormalizeInvoicePaymentFailed(t *testing.T) {
	adapter := New(Config{}, zap.NewNop())
	body := eventBody(t, "evt_6", EventInvoiceFailed, map[string]any{
		"id":             "in_1",
		"object":         "invoice",
		"customer_email": "b@example.com",
		"parent": map[string]any{
			"subscription_details": map[string]any{
				"subscription": "sub_999",
				"metadata":     map[string]any{"user_id": "7"},
			},
		},
	}, nil)

	event, key, err := adapter.Normalize(context.Background(), body, nil)
	require.NoError(t, err)
	assert.Equal(t, "evt_6", key)
	assert.Equal(t, domain.KindPaymentFailed, event.Kind)
	assert.Equal(t, "sub_999", event.OriginalTransactionRef)
	assert.Equal(t, "in_1", event.TransactionRef)
	assert.Equal(t, "b@example.com", event.Email)
	assert.Equal(t, "7", event.UserRef)
}

func TestNormalizeInvoicePaidUsesLinePeriod(t *testing.T) {
	adapter := New(Config{}, zap.NewNop())
	body := eventBody(t, "evt_7", EventInvoicePaid, map[string]any{
		"id":           "in_2",
		"object":       "invoice",
		"subscription": "sub_123",
		"lines": map[string]any{
			"data": []any{
				map[string]any{"period": map[string]any{"end": 1800000000}, "price": map[string]any{"id": "price_yearly"}},
			},
		},
	}, nil)

	event, _, err := adapter.Normalize(context.Background(), body, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.KindRenewed, event.Kind)
	assert.Equal(t, "price_yearly", event.ProductRef)
	require.NotNil(t, event.ExpiresAt)
	assert.Equal(t, int64(1800000000), event.ExpiresAt.Unix())
}

func TestNormalizeUnknownAndErrors(t *testing.T) {
	adapter := New(Config{}, zap.NewNop())

	body := eventBody(t, "evt_8", "customer.created", map[string]any{"id": "cus_1", "object": "customer"}, nil)
	event, key, err := adapter.Normalize(context.Background(), body, nil)
	require.NoError(t, err)
	assert.Equal(t, "evt_8", key)
	assert.Equal(t, domain.KindUnknown, event.Kind)
	assert.Equal(t, "event:evt_8", event.OriginalTransactionRef)

	_, _, err = adapter.Normalize(context.Background(), []byte(`{`), nil)
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)

	body = eventBody(t, "", EventInvoicePaid, map[string]any{"id": "in_3"}, nil)
	_, _, err = adapter.Normalize(context.Background(), body, nil)
	assert.ErrorIs(t, err, domain.ErrMissingIdempotency)

	body = eventBody(t, "evt_9", EventInvoicePaid, map[string]any{"id": "in_3", "object": "invoice"}, nil)
	_, _, err = adapter.Normalize(context.Background(), body, nil)
	assert.ErrorIs(t, err, domain.ErrMissingLineage)
}
