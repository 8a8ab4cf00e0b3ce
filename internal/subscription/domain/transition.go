package domain

import (
	"time"

	"github.com/smallbiznis/subsync/internal/events"
	gatewaydomain "github.com/smallbiznis/subsync/internal/gateway/domain"
)

var eventTypes = map[gatewaydomain.EventKind]events.EventType{
	gatewaydomain.KindInitialPurchase:      events.EventSubscriptionRenewed,
	gatewaydomain.KindRenewed:              events.EventSubscriptionRenewed,
	gatewaydomain.KindRecovered:            events.EventSubscriptionRecovered,
	gatewaydomain.KindRestarted:            events.EventSubscriptionRestarted,
	gatewaydomain.KindExpired:              events.EventSubscriptionExpired,
	gatewaydomain.KindCancelled:            events.EventSubscriptionCancelled,
	gatewaydomain.KindGracePeriod:          events.EventSubscriptionGracePeriod,
	gatewaydomain.KindOnHold:               events.EventSubscriptionOnHold,
	gatewaydomain.KindPaused:               events.EventSubscriptionPaused,
	gatewaydomain.KindRenewalStatusChanged: events.EventSubscriptionRenewalStatusChanged,
	gatewaydomain.KindRefunded:             events.EventSubscriptionRefunded,
	gatewaydomain.KindRevoked:              events.EventSubscriptionRevoked,
	gatewaydomain.KindPaymentFailed:        events.EventPaymentFailed,
}

// Transition applies one lifecycle event to sub and returns the new row and
// the domain event it raises. ok is false for kinds that carry no state.
func Transition(sub Subscription, ev gatewaydomain.LifecycleEvent, now time.Time) (next Subscription, eventType events.EventType, ok bool) {
	eventType, ok = eventTypes[ev.Kind]
	if !ok {
		return sub, "", false
	}
	next = sub

	expiry := func() {
		if ev.ExpiresAt != nil {
			t := ev.ExpiresAt.UTC()
			next.ExpiresAt = &t
		}
	}
	endNow := func() {
		t := now.UTC()
		next.ExpiresAt = &t
	}

	switch ev.Kind {
	case gatewaydomain.KindInitialPurchase:
		next.Status = StatusActive
		expiry()
		next.Canceled = false
		next.AutoRenew = true
	case gatewaydomain.KindRenewed, gatewaydomain.KindRecovered, gatewaydomain.KindRestarted:
		next.Status = StatusActive
		expiry()
		next.Canceled = false
	case gatewaydomain.KindExpired:
		next.Status = StatusExpired
		endNow()
	case gatewaydomain.KindCancelled:
		next.Canceled = true
		next.AutoRenew = false
	case gatewaydomain.KindGracePeriod:
		next.Status = StatusGracePeriod
	case gatewaydomain.KindOnHold:
		next.Status = StatusOnHold
	case gatewaydomain.KindPaused:
		next.Status = StatusPaused
	case gatewaydomain.KindPaymentFailed:
		next.Status = StatusPaymentFailed
	case gatewaydomain.KindRenewalStatusChanged:
		if ev.AutoRenewing != nil {
			next.AutoRenew = *ev.AutoRenewing
			if next.AutoRenew {
				next.Canceled = false
			}
		}
	case gatewaydomain.KindRefunded:
		next.Status = StatusRefunded
		endNow()
		next.Canceled = true
		next.AutoRenew = false
	case gatewaydomain.KindRevoked:
		next.Status = StatusRevoked
		endNow()
		next.Canceled = true
		next.AutoRenew = false
	}

	if !ev.OccurredAt.IsZero() {
		t := ev.OccurredAt.UTC()
		next.LastEventAt = &t
	}
	next.UpdatedAt = now
	return next, eventType, true
}
