package adapters

import (
	"context"
	"net/http"

	"github.com/smallbiznis/subsync/internal/gateway/domain"
)

// Registry dispatches raw deliveries to the adapter registered for a gateway.
type Registry struct {
	adapters map[domain.Gateway]domain.Adapter
}

func NewRegistry(adapters ...domain.Adapter) *Registry {
	registry := &Registry{adapters: map[domain.Gateway]domain.Adapter{}}
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		registry.adapters[adapter.Gateway()] = adapter
	}
	return registry
}

func (r *Registry) Supports(gateway domain.Gateway) bool {
	if r == nil {
		return false
	}
	_, ok := r.adapters[gateway]
	return ok
}

func (r *Registry) Adapter(gateway domain.Gateway) (domain.Adapter, error) {
	if r == nil {
		return nil, domain.ErrUnsupportedGateway
	}
	adapter, ok := r.adapters[gateway]
	if !ok {
		return nil, domain.ErrUnsupportedGateway
	}
	return adapter, nil
}

func (r *Registry) Normalize(ctx context.Context, gateway domain.Gateway, payload []byte, headers http.Header) (*domain.LifecycleEvent, string, error) {
	adapter, err := r.Adapter(gateway)
	if err != nil {
		return nil, "", err
	}
	return adapter.Normalize(ctx, payload, headers)
}
