package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subsync/internal/events"
)

type CreateConfigurationRequest struct {
	Name                  string   `json:"name" validate:"required,max=120"`
	Endpoint              string   `json:"endpoint" validate:"required,url,startswith=http"`
	Secret                string   `json:"secret" validate:"required,min=16"`
	ProviderType          string   `json:"provider_type" validate:"required,oneof=SLACK CRM GENERIC"`
	SubscribedEventTypes  []string `json:"subscribed_event_types" validate:"required,min=1,dive,required"`
	MaxRetries            int      `json:"max_retries" validate:"gte=0,lte=20"`
	RetryDelayBaseSeconds int      `json:"retry_delay_base_seconds" validate:"gte=0,lte=3600"`
}

// Result of a single delivery pass.
type Result struct {
	Attempted bool
	Status    DeliveryStatus
}

type Service interface {
	CreateConfiguration(ctx context.Context, req CreateConfigurationRequest) (*Configuration, error)
	ListConfigurations(ctx context.Context) ([]Configuration, error)

	// ProcessWebhook fans one committed domain event out to every active
	// configuration subscribed to its type.
	ProcessWebhook(ctx context.Context, rec events.Record) (int, error)
	// Deliver makes one attempt if the delivery is due and unleased.
	Deliver(ctx context.Context, id snowflake.ID) (Result, error)
	SweepDue(ctx context.Context) (int, error)

	ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]Delivery, error)
	ListAttempts(ctx context.Context, deliveryID snowflake.ID) ([]Attempt, error)
	RetryDelivery(ctx context.Context, id snowflake.ID) (*Delivery, error)
}

var (
	ErrInvalidConfiguration  = errors.New("invalid_webhook_configuration")
	ErrUnknownEventType      = errors.New("unknown_event_type")
	ErrConfigurationNotFound = errors.New("webhook_configuration_not_found")
	ErrDeliveryNotFound      = errors.New("webhook_delivery_not_found")
	ErrDeliveryNotRetryable  = errors.New("webhook_delivery_not_retryable")
	ErrDeliveryFailure       = errors.New("webhook_delivery_failure")
	ErrUnsupportedProvider   = errors.New("unsupported_webhook_provider")
	// ErrLeaseLost means the delivery lease expired before the outcome was
	// stored and another worker may own the row.
	ErrLeaseLost             = errors.New("webhook_delivery_lease_lost")
)
