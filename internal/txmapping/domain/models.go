package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	gatewaydomain "github.com/smallbiznis/subsync/internal/gateway/domain"
)

// Mapping binds a provider transaction or purchase token to a user. There is
// at most one row per (transaction_id, gateway) and per (email, gateway).
type Mapping struct {
	ID            snowflake.ID          `gorm:"primaryKey" json:"id"`
	TransactionID string                `gorm:"not null" json:"transaction_id"`
	Gateway       gatewaydomain.Gateway `gorm:"type:text;not null" json:"gateway"`
	Email         string                `gorm:"not null" json:"email"`
	UserID        snowflake.ID          `gorm:"not null" json:"user_id"`
	CreatedAt     time.Time             `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time             `gorm:"not null" json:"updated_at"`
}

func (Mapping) TableName() string { return "transaction_user_mappings" }
