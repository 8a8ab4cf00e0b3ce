package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type ActorType string

const (
	ActorTypeOperator ActorType = "operator"
	ActorTypeSystem   ActorType = "system"
)

// Actions recorded for operator interventions.
const (
	ActionUserCreate           = "user.create"
	ActionSubscriptionReset    = "subscription.reset"
	ActionSubscriptionRenew    = "subscription.renew"
	ActionSubscriptionLink     = "subscription.link"
	ActionNotificationReplay   = "notification.replay"
	ActionWebhookConfigCreate  = "webhook_configuration.create"
	ActionWebhookDeliveryRetry = "webhook_delivery.retry"
)

const (
	TargetUser            = "user"
	TargetSubscription    = "subscription"
	TargetNotification    = "notification"
	TargetWebhookConfig   = "webhook_configuration"
	TargetWebhookDelivery = "webhook_delivery"
)

type AuditLog struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id"`
	ActorType  string            `json:"actor_type"`
	ActorID    *string           `json:"actor_id,omitempty"`
	Action     string            `json:"action"`
	TargetType string            `json:"target_type"`
	TargetID   *string           `json:"target_id,omitempty"`
	Metadata   datatypes.JSONMap `json:"metadata,omitempty"`
	RequestID  *string           `json:"request_id,omitempty"`
	IPAddress  *string           `json:"ip_address,omitempty"`
	UserAgent  *string           `json:"user_agent,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }

type AuditCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}
