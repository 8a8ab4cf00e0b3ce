package events

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type EventType string

const (
	EventSubscriptionCreated              EventType = "SUBSCRIPTION_CREATED"
	EventSubscriptionRenewed              EventType = "SUBSCRIPTION_RENEWED"
	EventSubscriptionRecovered            EventType = "SUBSCRIPTION_RECOVERED"
	EventSubscriptionRestarted            EventType = "SUBSCRIPTION_RESTARTED"
	EventSubscriptionExpired              EventType = "SUBSCRIPTION_EXPIRED"
	EventSubscriptionCancelled            EventType = "SUBSCRIPTION_CANCELLED"
	EventSubscriptionGracePeriod          EventType = "SUBSCRIPTION_GRACE_PERIOD"
	EventSubscriptionOnHold               EventType = "SUBSCRIPTION_ON_HOLD"
	EventSubscriptionPaused               EventType = "SUBSCRIPTION_PAUSED"
	EventSubscriptionRenewalStatusChanged EventType = "SUBSCRIPTION_RENEWAL_STATUS_CHANGED"
	EventSubscriptionRefunded             EventType = "SUBSCRIPTION_REFUNDED"
	EventSubscriptionRevoked              EventType = "SUBSCRIPTION_REVOKED"
	EventPaymentFailed                    EventType = "PAYMENT_FAILED"
	EventSubscriptionReset                EventType = "SUBSCRIPTION_RESET"
	EventSubscriptionLinked               EventType = "SUBSCRIPTION_LINKED"
)

// KnownEventTypes lists every type a webhook configuration may subscribe to.
var KnownEventTypes = []EventType{
	EventSubscriptionCreated,
	EventSubscriptionRenewed,
	EventSubscriptionRecovered,
	EventSubscriptionRestarted,
	EventSubscriptionExpired,
	EventSubscriptionCancelled,
	EventSubscriptionGracePeriod,
	EventSubscriptionOnHold,
	EventSubscriptionPaused,
	EventSubscriptionRenewalStatusChanged,
	EventSubscriptionRefunded,
	EventSubscriptionRevoked,
	EventPaymentFailed,
	EventSubscriptionReset,
	EventSubscriptionLinked,
}

func IsKnownEventType(t EventType) bool {
	for _, known := range KnownEventTypes {
		if known == t {
			return true
		}
	}
	return false
}

// Event is what a mutation hands to the outbox.
type Event struct {
	Type           EventType
	UserID         snowflake.ID
	SubscriptionID snowflake.ID
	Payload        map[string]any
	DedupeKey      string
}

// Record is a persisted outbox row.
type Record struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	EventType      EventType         `gorm:"type:text;not null" json:"event_type"`
	UserID         *snowflake.ID     `json:"user_id,omitempty"`
	SubscriptionID *snowflake.ID     `json:"subscription_id,omitempty"`
	Payload        datatypes.JSONMap `gorm:"type:jsonb;not null" json:"payload"`
	DedupeKey      *string           `gorm:"type:text;uniqueIndex" json:"-"`
	Attempts       int               `gorm:"not null;default:0" json:"attempts"`
	LastError      *string           `json:"last_error,omitempty"`
	LockedUntil    *time.Time        `json:"-"`
	CreatedAt      time.Time         `gorm:"not null" json:"created_at"`
	PublishedAt    *time.Time        `json:"published_at,omitempty"`
}

func (Record) TableName() string { return "domain_events" }

// EventID is the stable identifier exposed to receivers.
func (r Record) EventID() string {
	return "evt_" + r.ID.String()
}

// Decode unmarshals the payload into out.
func (r Record) Decode(out any) error {
	raw, err := json.Marshal(r.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
