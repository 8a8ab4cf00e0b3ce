package domain

import (
	"context"
	"time"

	gatewaydomain "github.com/smallbiznis/subsync/internal/gateway/domain"
	"gorm.io/gorm"
)

type Repository interface {
	// InsertIfAbsent reports false when a row for (gateway, key) already exists.
	InsertIfAbsent(ctx context.Context, db *gorm.DB, row *ProcessedNotification) (bool, error)
	Find(ctx context.Context, db *gorm.DB, gateway gatewaydomain.Gateway, key string) (*ProcessedNotification, error)
	// Transition moves a row out of `from`; false means another writer won.
	Transition(ctx context.Context, db *gorm.DB, gateway gatewaydomain.Gateway, key string, from, to Status, errMsg *string, at time.Time) (bool, error)
	Touch(ctx context.Context, db *gorm.DB, gateway gatewaydomain.Gateway, key string, at time.Time) (bool, error)
	ListStale(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]ProcessedNotification, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]ProcessedNotification, error)
}

type ListFilter struct {
	Gateway gatewaydomain.Gateway
	Status  Status
	Limit   int
}
