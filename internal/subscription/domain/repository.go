package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	gatewaydomain "github.com/smallbiznis/subsync/internal/gateway/domain"
	"gorm.io/gorm"
)

// Repository methods take the caller's handle so they compose inside a
// transaction. forUpdate adds a row lock where the dialect has one.
type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*Subscription, error)
	FindByLineage(ctx context.Context, db *gorm.DB, gateway gatewaydomain.Gateway, lineage string, forUpdate bool) (*Subscription, error)
	FindByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, forUpdate bool) (*Subscription, error)
	Insert(ctx context.Context, db *gorm.DB, sub *Subscription) error
	// Update writes sub when the stored version still equals sub.Version and
	// bumps it. It reports false when another writer got there first.
	Update(ctx context.Context, db *gorm.DB, sub *Subscription) (bool, error)
	DeleteByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) (int64, error)
	ListOverdue(ctx context.Context, db *gorm.DB, statuses []Status, before time.Time, limit int) ([]Subscription, error)
}
