package events

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subsync/internal/clock"
	dbpkg "github.com/smallbiznis/subsync/pkg/db"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrInvalidEvent = errors.New("invalid_domain_event")

// Outbox stores domain events in the caller's transaction. Nothing is
// dispatched until that transaction commits and the router picks the row up.
type Outbox struct {
	genID  *snowflake.Node
	clock  clock.Clock
	wakeup chan struct{}
}

func NewOutbox(genID *snowflake.Node, clk clock.Clock) *Outbox {
	return &Outbox{
		genID:  genID,
		clock:  clk,
		wakeup: make(chan struct{}, 1),
	}
}

// PublishTx inserts the event; a repeated dedupe key is a no-op.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, ev Event) error {
	if tx == nil || ev.Type == "" {
		return ErrInvalidEvent
	}

	var userID, subscriptionID *snowflake.ID
	if ev.UserID != 0 {
		userID = &ev.UserID
	}
	if ev.SubscriptionID != 0 {
		subscriptionID = &ev.SubscriptionID
	}
	var dedupe *string
	if key := strings.TrimSpace(ev.DedupeKey); key != "" {
		dedupe = &key
	}
	payload := datatypes.JSONMap(ev.Payload)
	if payload == nil {
		payload = datatypes.JSONMap{}
	}

	return tx.WithContext(ctx).Exec(
		dbpkg.InsertIgnore(tx)+` domain_events (id, event_type, user_id, subscription_id, payload, dedupe_key, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`+dbpkg.OnConflictDoNothing(tx, "dedupe_key"),
		o.genID.Generate(),
		ev.Type,
		userID,
		subscriptionID,
		payload,
		dedupe,
		o.clock.Now(),
	).Error
}

// Notify wakes the router after a commit. It never blocks.
func (o *Outbox) Notify() {
	if o == nil {
		return
	}
	select {
	case o.wakeup <- struct{}{}:
	default:
	}
}

func (o *Outbox) Wakeup() <-chan struct{} {
	return o.wakeup
}
