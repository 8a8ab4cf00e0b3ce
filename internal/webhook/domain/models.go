// Package domain defines outbound webhook configurations and their delivery log.
package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subsync/internal/events"
	"gorm.io/datatypes"
)

type ProviderType string

const (
	ProviderSlack   ProviderType = "SLACK"
	ProviderCRM     ProviderType = "CRM"
	ProviderGeneric ProviderType = "GENERIC"
)

type DeliveryStatus string

const (
	DeliveryPending      DeliveryStatus = "PENDING"
	DeliverySuccess      DeliveryStatus = "SUCCESS"
	DeliveryPendingRetry DeliveryStatus = "PENDING_RETRY"
	DeliveryFailed       DeliveryStatus = "FAILED"
)

func (s DeliveryStatus) Terminal() bool {
	return s == DeliverySuccess || s == DeliveryFailed
}

// Configuration is one third-party receiver. Secret holds the sealed value.
type Configuration struct {
	ID                    snowflake.ID   `gorm:"primaryKey" json:"id"`
	Name                  string         `gorm:"not null" json:"name"`
	Endpoint              string         `gorm:"not null" json:"endpoint"`
	Secret                string         `gorm:"not null" json:"-"`
	ProviderType          ProviderType   `gorm:"type:text;not null" json:"provider_type"`
	SubscribedEventTypes  datatypes.JSON `gorm:"type:jsonb;not null" json:"subscribed_event_types"`
	MaxRetries            int            `gorm:"not null" json:"max_retries"`
	RetryDelayBaseSeconds int            `gorm:"not null" json:"retry_delay_base_seconds"`
	IsActive              bool           `gorm:"not null" json:"is_active"`
	CreatedAt             time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt             time.Time      `gorm:"not null" json:"updated_at"`
}

func (Configuration) TableName() string { return "webhook_configurations" }

func (c Configuration) EventTypes() []events.EventType {
	var out []events.EventType
	if len(c.SubscribedEventTypes) == 0 {
		return out
	}
	_ = json.Unmarshal(c.SubscribedEventTypes, &out)
	return out
}

func (c Configuration) Subscribes(eventType events.EventType) bool {
	for _, t := range c.EventTypes() {
		if t == eventType {
			return true
		}
	}
	return false
}

// Delivery is one formatted event bound for one configuration.
type Delivery struct {
	ID             snowflake.ID     `gorm:"primaryKey" json:"id"`
	ConfigID       snowflake.ID     `gorm:"not null" json:"config_id"`
	EventID        string           `gorm:"not null" json:"event_id"`
	EventType      events.EventType `gorm:"type:text;not null" json:"event_type"`
	Payload        string           `gorm:"not null" json:"payload"`
	Status         DeliveryStatus   `gorm:"type:text;not null" json:"status"`
	RetryCount     int              `gorm:"not null" json:"retry_count"`
	NextAttemptAt  *time.Time       `json:"next_attempt_at,omitempty"`
	LastAttemptAt  *time.Time       `json:"last_attempt_at,omitempty"`
	ResponseStatus *int             `json:"response_status,omitempty"`
	ResponseData   *string          `json:"response_data,omitempty"`
	ErrorMessage   *string          `json:"error_message,omitempty"`
	LockedUntil    *time.Time       `json:"-"`
	CreatedAt      time.Time        `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time        `gorm:"not null" json:"updated_at"`
}

func (Delivery) TableName() string { return "webhook_deliveries" }

// Attempt audits a single HTTP call.
type Attempt struct {
	ID           snowflake.ID `gorm:"primaryKey" json:"id"`
	DeliveryID   snowflake.ID `gorm:"not null" json:"delivery_id"`
	Attempt      int          `gorm:"not null" json:"attempt"`
	StatusCode   *int         `json:"status_code,omitempty"`
	ResponseBody *string      `json:"response_body,omitempty"`
	DurationMS   int64        `gorm:"column:duration_ms;not null" json:"duration_ms"`
	Error        *string      `json:"error,omitempty"`
	CreatedAt    time.Time    `gorm:"not null" json:"created_at"`
}

func (Attempt) TableName() string { return "webhook_delivery_attempts" }
