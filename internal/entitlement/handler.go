package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subsync/internal/clock"
	"github.com/smallbiznis/subsync/internal/events"
	subscriptiondomain "github.com/smallbiznis/subsync/internal/subscription/domain"
	"go.uber.org/fx"
)

// entitledStatuses keep network access.
var entitledStatuses = map[string]struct{}{
	"ACTIVE":       {},
	"TRIAL":        {},
	"GRACE_PERIOD": {},
}

// SubscriptionReader loads the current subscription of a user.
type SubscriptionReader interface {
	GetByUser(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error)
}

type HandlerParams struct {
	fx.In

	Syncer        Syncer
	Subscriptions subscriptiondomain.Service
	Clock         clock.Clock
}

// EventHandler pushes the user's current subscription, not the event
// snapshot, so a redelivered older event cannot roll a grant back.
type EventHandler struct {
	syncer        Syncer
	subscriptions SubscriptionReader
	clock         clock.Clock
}

func NewEventHandler(p HandlerParams) *EventHandler {
	return newEventHandler(p.Syncer, p.Subscriptions, p.Clock)
}

func newEventHandler(syncer Syncer, subscriptions SubscriptionReader, clk clock.Clock) *EventHandler {
	return &EventHandler{syncer: syncer, subscriptions: subscriptions, clock: clk}
}

func (h *EventHandler) Name() string { return "entitlement" }

func (h *EventHandler) Handle(ctx context.Context, rec events.Record) error {
	var ref struct {
		UserID         string `json:"user_id"`
		SubscriptionID string `json:"subscription_id"`
	}
	if err := rec.Decode(&ref); err != nil {
		return err
	}
	if ref.UserID == "" {
		return nil
	}
	userID, err := snowflake.ParseString(ref.UserID)
	if err != nil {
		return fmt.Errorf("entitlement: user id %q: %w", ref.UserID, err)
	}

	sub, err := h.subscriptions.GetByUser(ctx, userID)
	if err != nil && !errors.Is(err, subscriptiondomain.ErrNotFound) {
		return err
	}
	if sub == nil {
		return h.syncer.ApplyEntitlement(ctx, Grant{
			UserID:         ref.UserID,
			SubscriptionID: ref.SubscriptionID,
		})
	}

	status := string(sub.Status)
	return h.syncer.ApplyEntitlement(ctx, Grant{
		UserID:          sub.UserID.String(),
		SubscriptionID:  sub.ID.String(),
		Status:          status,
		PlanRef:         sub.PlanRef,
		ExpiresAt:       sub.ExpiresAt,
		MultiLoginCount: sub.MultiLoginCount,
		Version:         sub.Version,
		Active:          IsEntitled(status, sub.ExpiresAt, h.clock.Now()),
	})
}

// IsEntitled reports whether a status and expiry grant access at now.
func IsEntitled(status string, expiresAt *time.Time, now time.Time) bool {
	if _, ok := entitledStatuses[status]; !ok {
		return false
	}
	return expiresAt == nil || expiresAt.After(now)
}
