package domain

import (
	"testing"
	"time"

	"github.com/smallbiznis/subsync/internal/events"
	"github.com/smallbiznis/subsync/internal/gateway/adapters/apple"
	gatewaydomain "github.com/smallbiznis/subsync/internal/gateway/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	now := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)
	current := now.Add(48 * time.Hour)
	eventExpiry := now.Add(30 * 24 * time.Hour)

	base := Subscription{
		Status:    StatusActive,
		ExpiresAt: &current,
		AutoRenew: true,
	}

	tests := []struct {
		kind       gatewaydomain.EventKind
		autoRenew  *bool
		status     Status
		expires    time.Time
		canceled   bool
		renews     bool
		event      events.EventType
	}{
		{gatewaydomain.KindInitialPurchase, nil, StatusActive, eventExpiry, false, true, events.EventSubscriptionRenewed},
		{gatewaydomain.KindRenewed, nil, StatusActive, eventExpiry, false, true, events.EventSubscriptionRenewed},
		{gatewaydomain.KindRecovered, nil, StatusActive, eventExpiry, false, true, events.EventSubscriptionRecovered},
		{gatewaydomain.KindRestarted, nil, StatusActive, eventExpiry, false, true, events.EventSubscriptionRestarted},
		{gatewaydomain.KindExpired, nil, StatusExpired, now, false, true, events.EventSubscriptionExpired},
		{gatewaydomain.KindCancelled, nil, StatusActive, current, true, false, events.EventSubscriptionCancelled},
		{gatewaydomain.KindGracePeriod, nil, StatusGracePeriod, current, false, true, events.EventSubscriptionGracePeriod},
		{gatewaydomain.KindOnHold, nil, StatusOnHold, current, false, true, events.EventSubscriptionOnHold},
		{gatewaydomain.KindPaused, nil, StatusPaused, current, false, true, events.EventSubscriptionPaused},
		{gatewaydomain.KindPaymentFailed, nil, StatusPaymentFailed, current, false, true, events.EventPaymentFailed},
		{gatewaydomain.KindRenewalStatusChanged, gatewaydomain.BoolPtr(false), StatusActive, current, false, false, events.EventSubscriptionRenewalStatusChanged},
		{gatewaydomain.KindRefunded, nil, StatusRefunded, now, true, false, events.EventSubscriptionRefunded},
		{gatewaydomain.KindRevoked, nil, StatusRevoked, now, true, false, events.EventSubscriptionRevoked},
	}

	for _, tc := range tests {
		t.Run(string(tc.kind), func(t *testing.T) {
			ev := gatewaydomain.LifecycleEvent{Kind: tc.kind, AutoRenewing: tc.autoRenew}
			switch tc.kind {
			case gatewaydomain.KindInitialPurchase, gatewaydomain.KindRenewed, gatewaydomain.KindRecovered, gatewaydomain.KindRestarted:
				ev.ExpiresAt = &eventExpiry
			}

			next, eventType, ok := Transition(base, ev, now)
			require.True(t, ok)
			assert.Equal(t, tc.status, next.Status)
			require.NotNil(t, next.ExpiresAt)
			assert.True(t, tc.expires.Equal(*next.ExpiresAt), "expires %s", next.ExpiresAt)
			assert.Equal(t, tc.canceled, next.Canceled)
			assert.Equal(t, tc.renews, next.AutoRenew)
			assert.Equal(t, tc.event, eventType)
		})
	}
}

func TestTransitionAppleRenewalFailureEntersGracePeriod(t *testing.T) {
	now := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)
	current := now.Add(time.Hour)
	sub := Subscription{Status: StatusActive, ExpiresAt: &current, AutoRenew: true}

	for _, subtype := range []string{"", "GRACE_PERIOD"} {
		ev := gatewaydomain.LifecycleEvent{Kind: apple.KindFor("DID_FAIL_TO_RENEW", subtype)}
		next, eventType, ok := Transition(sub, ev, now)
		require.True(t, ok)
		assert.Equal(t, StatusGracePeriod, next.Status, "subtype %q", subtype)
		assert.Equal(t, events.EventSubscriptionGracePeriod, eventType)
		assert.True(t, next.Entitled(now))
	}
}

func TestTransitionNilExpiryKeepsCurrent(t *testing.T) {
	now := time.Now().UTC()
	current := now.Add(time.Hour)
	next, _, ok := Transition(Subscription{Status: StatusGracePeriod, ExpiresAt: &current}, gatewaydomain.LifecycleEvent{Kind: gatewaydomain.KindRenewed}, now)
	require.True(t, ok)
	assert.Equal(t, StatusActive, next.Status)
	assert.Equal(t, current, *next.ExpiresAt)
}

func TestTransitionRenewalResumeClearsCancel(t *testing.T) {
	next, _, ok := Transition(
		Subscription{Status: StatusActive, Canceled: true},
		gatewaydomain.LifecycleEvent{Kind: gatewaydomain.KindRenewalStatusChanged, AutoRenewing: gatewaydomain.BoolPtr(true)},
		time.Now(),
	)
	require.True(t, ok)
	assert.True(t, next.AutoRenew)
	assert.False(t, next.Canceled)
}

func TestTransitionUnknownIsNoop(t *testing.T) {
	sub := Subscription{Status: StatusActive}
	next, eventType, ok := Transition(sub, gatewaydomain.LifecycleEvent{Kind: gatewaydomain.KindUnknown}, time.Now())
	assert.False(t, ok)
	assert.Empty(t, eventType)
	assert.Equal(t, sub, next)
}

func TestTransitionRecordsOccurredAt(t *testing.T) {
	occurred := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	next, _, _ := Transition(Subscription{}, gatewaydomain.LifecycleEvent{Kind: gatewaydomain.KindOnHold, OccurredAt: occurred}, time.Now())
	require.NotNil(t, next.LastEventAt)
	assert.Equal(t, occurred, *next.LastEventAt)
}

func TestEntitled(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)
	assert.True(t, Subscription{Status: StatusActive, ExpiresAt: &future}.Entitled(now))
	assert.False(t, Subscription{Status: StatusActive, ExpiresAt: &past}.Entitled(now))
	assert.False(t, Subscription{Status: StatusPendingVerification}.Entitled(now))
}

func TestUnbindClearsLineage(t *testing.T) {
	var sub Subscription
	sub.Bind(gatewaydomain.GatewayStripe, "sub_123", "")
	require.Equal(t, "sub_123", sub.Lineage())

	sub.Unbind()
	assert.Nil(t, sub.Gateway)
	assert.Empty(t, sub.Lineage())
	assert.Nil(t, sub.StripeSubscriptionID)
}
