package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	gatewaydomain "github.com/smallbiznis/subsync/internal/gateway/domain"
	"gorm.io/gorm"
)

type Repository interface {
	FindByTransaction(ctx context.Context, db *gorm.DB, gateway gatewaydomain.Gateway, transactionID string) (*Mapping, error)
	FindByEmail(ctx context.Context, db *gorm.DB, gateway gatewaydomain.Gateway, email string) (*Mapping, error)
	Insert(ctx context.Context, db *gorm.DB, mapping *Mapping) error
	UpdateTransaction(ctx context.Context, db *gorm.DB, mapping *Mapping) error
	ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]Mapping, error)
}
