// Package domain holds the subscription model and its lifecycle transitions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	gatewaydomain "github.com/smallbiznis/subsync/internal/gateway/domain"
)

type Status string

const (
	StatusActive              Status = "ACTIVE"
	StatusExpired             Status = "EXPIRED"
	StatusCancelled           Status = "CANCELLED"
	StatusPending             Status = "PENDING"
	StatusTrial               Status = "TRIAL"
	StatusGracePeriod         Status = "GRACE_PERIOD"
	StatusPaused              Status = "PAUSED"
	StatusRevoked             Status = "REVOKED"
	StatusOnHold              Status = "ON_HOLD"
	StatusVoided              Status = "VOIDED"
	StatusRefunded            Status = "REFUNDED"
	StatusPaymentFailed       Status = "PAYMENT_FAILED"
	StatusVerificationFailed  Status = "VERIFICATION_FAILED"
	StatusPendingVerification Status = "PENDING_VERIFICATION"
)

// OverdueStatuses are swept to EXPIRED once past expiry plus the grace window.
var OverdueStatuses = []Status{
	StatusActive,
	StatusTrial,
	StatusGracePeriod,
	StatusOnHold,
	StatusPaymentFailed,
}

// Subscription is the current subscription of one user. The gateway pair is
// nil for operator-created rows.
type Subscription struct {
	ID                     snowflake.ID           `gorm:"primaryKey" json:"id"`
	UserID                 snowflake.ID           `gorm:"not null;uniqueIndex" json:"user_id"`
	PlanRef                string                 `gorm:"not null" json:"plan_ref"`
	Status                 Status                 `gorm:"type:text;not null" json:"status"`
	ExpiresAt              *time.Time             `json:"expires_at,omitempty"`
	AutoRenew              bool                   `gorm:"not null" json:"auto_renew"`
	Canceled               bool                   `gorm:"not null" json:"canceled"`
	Gateway                *gatewaydomain.Gateway `gorm:"type:text" json:"gateway,omitempty"`
	OriginalTransactionRef *string                `json:"original_transaction_ref,omitempty"`
	PurchaseToken          *string                `json:"purchase_token,omitempty"`
	GoogleSubscriptionID   *string                `json:"google_subscription_id,omitempty"`
	StripeSubscriptionID   *string                `json:"stripe_subscription_id,omitempty"`
	DurationDays           int                    `gorm:"not null" json:"duration_days"`
	MultiLoginCount        int                    `gorm:"not null" json:"multi_login_count"`
	PriceAmount            int64                  `gorm:"not null" json:"price_amount"`
	PriceCurrency          *string                `json:"price_currency,omitempty"`
	Version                int64                  `gorm:"not null" json:"version"`
	LastEventAt            *time.Time             `json:"last_event_at,omitempty"`
	CreatedAt              time.Time              `gorm:"not null" json:"created_at"`
	UpdatedAt              time.Time              `gorm:"not null" json:"updated_at"`
}

func (Subscription) TableName() string { return "subscriptions" }

// Entitled reports whether the row grants access at now.
func (s Subscription) Entitled(now time.Time) bool {
	switch s.Status {
	case StatusActive, StatusTrial, StatusGracePeriod:
	default:
		return false
	}
	return s.ExpiresAt == nil || s.ExpiresAt.After(now)
}

// Bind points the row at a provider lineage and fills the gateway specific
// reference columns.
func (s *Subscription) Bind(gateway gatewaydomain.Gateway, lineage, productRef string) {
	previousProduct := s.GoogleSubscriptionID
	sameLineage := s.GatewayName() == string(gateway) && s.Lineage() == lineage

	s.Gateway = &gateway
	s.OriginalTransactionRef = &lineage
	s.PurchaseToken = nil
	s.GoogleSubscriptionID = nil
	s.StripeSubscriptionID = nil
	switch gateway {
	case gatewaydomain.GatewayGoogle:
		token := lineage
		s.PurchaseToken = &token
		if productRef != "" {
			product := productRef
			s.GoogleSubscriptionID = &product
		} else if sameLineage {
			s.GoogleSubscriptionID = previousProduct
		}
	case gatewaydomain.GatewayStripe:
		id := lineage
		s.StripeSubscriptionID = &id
	}
}

// Unbind clears the provider lineage.
func (s *Subscription) Unbind() {
	s.Gateway = nil
	s.OriginalTransactionRef = nil
	s.PurchaseToken = nil
	s.GoogleSubscriptionID = nil
	s.StripeSubscriptionID = nil
}

func (s Subscription) GatewayName() string {
	if s.Gateway == nil {
		return ""
	}
	return string(*s.Gateway)
}

func (s Subscription) Lineage() string {
	if s.OriginalTransactionRef == nil {
		return ""
	}
	return *s.OriginalTransactionRef
}
