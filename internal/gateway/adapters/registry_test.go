package adapters

import (
	"context"
	"net/http"
	"testing"

	"github.com/smallbiznis/subsync/internal/gateway/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	gateway domain.Gateway
	calls   int
}

func (s *stubAdapter) Gateway() domain.Gateway { return s.gateway }

func (s *stubAdapter) Normalize(ctx context.Context, payload []byte, headers http.Header) (*domain.LifecycleEvent, string, error) {
	s.calls++
	return &domain.LifecycleEvent{Gateway: s.gateway, Kind: domain.KindRenewed}, "key", nil
}

func TestRegistryDispatchesByGateway(t *testing.T) {
	apple := &stubAdapter{gateway: domain.GatewayApple}
	stripe := &stubAdapter{gateway: domain.GatewayStripe}
	registry := NewRegistry(apple, stripe, nil)

	assert.True(t, registry.Supports(domain.GatewayApple))
	assert.False(t, registry.Supports(domain.GatewayGoogle))

	event, key, err := registry.Normalize(context.Background(), domain.GatewayStripe, []byte(`{}`), nil)
	require.NoError(t, err)
	assert.Equal(t, "key", key)
	assert.Equal(t, domain.GatewayStripe, event.Gateway)
	assert.Equal(t, 0, apple.calls)
	assert.Equal(t, 1, stripe.calls)

	_, _, err = registry.Normalize(context.Background(), domain.GatewayGoogle, nil, nil)
	assert.ErrorIs(t, err, domain.ErrUnsupportedGateway)

	var nilRegistry *Registry
	_, err = nilRegistry.Adapter(domain.GatewayApple)
	assert.ErrorIs(t, err, domain.ErrUnsupportedGateway)
}
