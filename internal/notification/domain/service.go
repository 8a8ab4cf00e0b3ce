package domain

import (
	"context"
	"errors"

	gatewaydomain "github.com/smallbiznis/subsync/internal/gateway/domain"
	"gorm.io/gorm"
)

// Admission is the dedup gate result. A delivery that finds any existing row,
// PROCESSING included, is not admitted.
type Admission struct {
	Admitted bool
	Status   Status
}

type BeginInput struct {
	Gateway gatewaydomain.Gateway
	Key     string
	Event   *gatewaydomain.LifecycleEvent
}

type Ledger interface {
	BeginProcessing(ctx context.Context, in BeginInput) (Admission, error)
	// Claim must be the first statement of the apply transaction.
	Claim(ctx context.Context, tx *gorm.DB, gateway gatewaydomain.Gateway, key string) error
	MarkSuccess(ctx context.Context, tx *gorm.DB, gateway gatewaydomain.Gateway, key string) error
	MarkFailed(ctx context.Context, tx *gorm.DB, gateway gatewaydomain.Gateway, key string, cause error) error
	MarkSkipped(ctx context.Context, tx *gorm.DB, gateway gatewaydomain.Gateway, key string, reason string) error
	Get(ctx context.Context, gateway gatewaydomain.Gateway, key string) (*ProcessedNotification, error)
	List(ctx context.Context, filter ListFilter) ([]ProcessedNotification, error)
	// Requeue returns PROCESSING rows untouched for the stale window and
	// fails those that ran out of requeue budget.
	Requeue(ctx context.Context, limit int) ([]ProcessedNotification, error)
	Replay(ctx context.Context, gateway gatewaydomain.Gateway, key string) (*ProcessedNotification, error)
}

var (
	ErrNotProcessing  = errors.New("notification_not_processing")
	ErrNotFound       = errors.New("notification_not_found")
	ErrNotReplayable  = errors.New("notification_not_replayable")
	ErrEventMissing   = errors.New("notification_event_missing")
	ErrInvalidKey     = errors.New("invalid_idempotency_key")
	ErrDuplicateEvent = errors.New("duplicate_delivery")
)
