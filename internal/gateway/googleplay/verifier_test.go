package googleplay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/smallbiznis/subsync/internal/gateway/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

func TestEnrichFillsExpiryAndRenewal(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"subscriptionState": "SUBSCRIPTION_STATE_ACTIVE",
			"latestOrderId": "GPA.1234",
			"lineItems": [
				{"productId": "vpn.monthly", "expiryTime": "2030-01-02T03:04:05Z", "autoRenewingPlan": {"autoRenewEnabled": true}}
			]
		}`))
	}))
	defer srv.Close()

	v, err := New(context.Background(), Config{PackageName: "com.example.vpn"}, zap.NewNop(),
		option.WithEndpoint(srv.URL), option.WithoutAuthentication())
	require.NoError(t, err)

	event := &domain.LifecycleEvent{Gateway: domain.GatewayGoogle, OriginalTransactionRef: "token-1"}
	require.NoError(t, v.Enrich(context.Background(), event))

	require.True(t, strings.Contains(gotPath, "com.example.vpn"))
	require.True(t, strings.Contains(gotPath, "token-1"))
	require.NotNil(t, event.ExpiresAt)
	require.True(t, event.ExpiresAt.Equal(time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)))
	require.NotNil(t, event.AutoRenewing)
	require.True(t, *event.AutoRenewing)
	require.Equal(t, "vpn.monthly", event.ProductRef)
	require.Equal(t, "GPA.1234", event.TransactionRef)
}

func TestEnrichWrapsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":404,"message":"not found"}}`, http.StatusNotFound)
	}))
	defer srv.Close()

	v, err := New(context.Background(), Config{PackageName: "com.example.vpn"}, zap.NewNop(),
		option.WithEndpoint(srv.URL), option.WithoutAuthentication())
	require.NoError(t, err)

	err = v.Enrich(context.Background(), &domain.LifecycleEvent{Gateway: domain.GatewayGoogle, OriginalTransactionRef: "missing"})
	require.ErrorIs(t, err, domain.ErrVerifierFailed)
}

func TestEnrichIgnoresOtherGateways(t *testing.T) {
	var v *Verifier
	require.NoError(t, v.Enrich(context.Background(), &domain.LifecycleEvent{Gateway: domain.GatewayApple}))
}
