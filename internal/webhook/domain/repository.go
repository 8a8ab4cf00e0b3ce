package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type DeliveryFilter struct {
	ConfigID snowflake.ID
	Status   DeliveryStatus
	Limit    int
}

type Repository interface {
	InsertConfiguration(ctx context.Context, db *gorm.DB, cfg *Configuration) error
	FindConfiguration(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Configuration, error)
	ListConfigurations(ctx context.Context, db *gorm.DB, activeOnly bool) ([]Configuration, error)

	// InsertDelivery is a no-op when the (config, event) pair already exists.
	InsertDelivery(ctx context.Context, db *gorm.DB, delivery *Delivery) (bool, error)
	FindDelivery(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Delivery, error)
	ListDeliveries(ctx context.Context, db *gorm.DB, filter DeliveryFilter) ([]Delivery, error)
	ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]snowflake.ID, error)
	// Lease claims a due, unleased delivery until the given time.
	Lease(ctx context.Context, db *gorm.DB, id snowflake.ID, now, until time.Time) (bool, error)
	// Complete stores the attempt outcome and releases the lease. It reports
	// false when the row no longer holds the lease taken until leasedUntil.
	Complete(ctx context.Context, db *gorm.DB, delivery *Delivery, leasedUntil time.Time) (bool, error)
	Rearm(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)

	InsertAttempt(ctx context.Context, db *gorm.DB, attempt *Attempt) error
	ListAttempts(ctx context.Context, db *gorm.DB, deliveryID snowflake.ID) ([]Attempt, error)
}
