package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	gatewaydomain "github.com/smallbiznis/subsync/internal/gateway/domain"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusProcessing Status = "PROCESSING"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
	StatusSkipped    Status = "SKIPPED"
)

func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusSkipped
}

// MaxErrorLength bounds error_message in runes.
const MaxErrorLength = 1000

// ProcessedNotification is one ledger row per provider delivery key.
type ProcessedNotification struct {
	ID                     snowflake.ID          `gorm:"primaryKey" json:"id"`
	Gateway                gatewaydomain.Gateway `gorm:"type:text;not null" json:"gateway"`
	IdempotencyKey         string                `gorm:"not null" json:"idempotency_key"`
	Status                 Status                `gorm:"type:text;not null" json:"status"`
	EventKind              string                `json:"event_kind,omitempty"`
	OriginalTransactionRef string                `json:"original_transaction_ref,omitempty"`
	Event                  datatypes.JSON        `json:"event,omitempty"`
	RawPayload             string                `json:"-"`
	ErrorMessage           *string               `json:"error_message,omitempty"`
	Attempts               int                   `gorm:"not null;default:0" json:"attempts"`
	Degraded               bool                  `gorm:"not null;default:false" json:"degraded"`
	ReceivedAt             time.Time             `gorm:"not null" json:"received_at"`
	ProcessedAt            *time.Time            `json:"processed_at,omitempty"`
	UpdatedAt              time.Time             `gorm:"not null" json:"updated_at"`
}

func (ProcessedNotification) TableName() string { return "processed_notifications" }

// LifecycleEvent decodes the normalized event captured at admission.
func (n *ProcessedNotification) LifecycleEvent() (*gatewaydomain.LifecycleEvent, error) {
	if n == nil || len(n.Event) == 0 {
		return nil, ErrEventMissing
	}
	var event gatewaydomain.LifecycleEvent
	if err := json.Unmarshal(n.Event, &event); err != nil {
		return nil, fmt.Errorf("decode ledger event: %w", err)
	}
	event.RawPayload = n.RawPayload
	return &event, nil
}
