package entitlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subsync/internal/clock"
	"github.com/smallbiznis/subsync/internal/config"
	"github.com/smallbiznis/subsync/internal/events"
	subscriptiondomain "github.com/smallbiznis/subsync/internal/subscription/domain"
	"github.com/smallbiznis/subsync/internal/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type captureSyncer struct {
	mu     sync.Mutex
	grants []Grant
	// failures is the number of leading calls that fail.
	failures int
}

func (c *captureSyncer) ApplyEntitlement(ctx context.Context, grant Grant) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return errors.New("redis unavailable")
	}
	c.grants = append(c.grants, grant)
	return nil
}

func (c *captureSyncer) last() Grant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.grants[len(c.grants)-1]
}

type stubSubscriptions struct {
	byUser map[snowflake.ID]*subscriptiondomain.Subscription
}

func (s *stubSubscriptions) GetByUser(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	sub, ok := s.byUser[userID]
	if !ok {
		return nil, subscriptiondomain.ErrNotFound
	}
	return sub, nil
}

func TestHandlerPushesCurrentSubscription(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	expires := now.Add(24 * time.Hour)
	subs := &stubSubscriptions{byUser: map[snowflake.ID]*subscriptiondomain.Subscription{
		7: {ID: 9, UserID: 7, Status: subscriptiondomain.StatusActive, PlanRef: "monthly", ExpiresAt: &expires, MultiLoginCount: 5, Version: 3},
	}}
	syncer := &captureSyncer{}
	h := newEventHandler(syncer, subs, clock.NewFakeClock(now))

	err := h.Handle(context.Background(), events.Record{
		EventType: events.EventSubscriptionRenewed,
		Payload:   map[string]any{"user_id": "7", "subscription_id": "9", "status": "EXPIRED"},
	})
	require.NoError(t, err)
	require.Len(t, syncer.grants, 1)
	grant := syncer.grants[0]
	assert.Equal(t, "ACTIVE", grant.Status)
	assert.True(t, grant.Active)
	assert.Equal(t, 5, grant.MultiLoginCount)
	assert.Equal(t, int64(3), grant.Version)

	require.NoError(t, h.Handle(context.Background(), events.Record{Payload: map[string]any{}}))
	assert.Len(t, syncer.grants, 1)
}

func TestHandlerRevokesWhenSubscriptionIsGone(t *testing.T) {
	syncer := &captureSyncer{}
	h := newEventHandler(syncer, &stubSubscriptions{}, clock.NewFakeClock(time.Now()))

	err := h.Handle(context.Background(), events.Record{Payload: map[string]any{"user_id": "7", "subscription_id": "9"}})
	require.NoError(t, err)
	require.Len(t, syncer.grants, 1)
	assert.False(t, syncer.grants[0].Active)
	assert.Equal(t, "7", syncer.grants[0].UserID)
}

func TestHandlerEntitlementFollowsClock(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	expires := now.Add(time.Hour)
	subs := &stubSubscriptions{byUser: map[snowflake.ID]*subscriptiondomain.Subscription{
		7: {ID: 9, UserID: 7, Status: subscriptiondomain.StatusGracePeriod, ExpiresAt: &expires},
	}}
	clk := clock.NewFakeClock(now)
	syncer := &captureSyncer{}
	h := newEventHandler(syncer, subs, clk)
	rec := events.Record{Payload: map[string]any{"user_id": "7"}}

	require.NoError(t, h.Handle(context.Background(), rec))
	assert.True(t, syncer.last().Active)

	clk.Advance(2 * time.Hour)
	require.NoError(t, h.Handle(context.Background(), rec))
	assert.False(t, syncer.last().Active)
}

func TestRetriedOlderEventDoesNotRestoreAccess(t *testing.T) {
	db := testsupport.OpenDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	outbox := events.NewOutbox(testsupport.Node(t), clk)
	ctx := context.Background()

	expires := clk.Now().Add(30 * 24 * time.Hour)
	subs := &stubSubscriptions{byUser: map[snowflake.ID]*subscriptiondomain.Subscription{
		7: {ID: 9, UserID: 7, Status: subscriptiondomain.StatusRevoked, ExpiresAt: &expires, Version: 2},
	}}
	syncer := &captureSyncer{failures: 1}
	router := events.NewRouter(events.RouterParams{
		DB:       db,
		Log:      zap.NewNop(),
		Clock:    clk,
		Outbox:   outbox,
		Config:   config.NewStaticReconcileConfigHolder(config.DefaultReconcileConfig()),
		Handlers: []events.Handler{newEventHandler(syncer, subs, clk)},
	})

	require.NoError(t, outbox.PublishTx(ctx, db, events.Event{
		Type: events.EventSubscriptionRenewed, UserID: 7, SubscriptionID: 9,
		Payload: map[string]any{"user_id": "7", "subscription_id": "9", "status": "ACTIVE"},
	}))
	require.NoError(t, outbox.PublishTx(ctx, db, events.Event{
		Type: events.EventSubscriptionRevoked, UserID: 7, SubscriptionID: 9,
		Payload: map[string]any{"user_id": "7", "subscription_id": "9", "status": "REVOKED"},
	}))

	n, err := router.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = router.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, syncer.grants, 2)
	last := syncer.last()
	assert.Equal(t, "REVOKED", last.Status)
	assert.False(t, last.Active)
}

func TestIsEntitled(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.True(t, IsEntitled("ACTIVE", &future, now))
	assert.True(t, IsEntitled("GRACE_PERIOD", nil, now))
	assert.False(t, IsEntitled("ACTIVE", &past, now))
	assert.False(t, IsEntitled("REVOKED", &future, now))
}

func TestNewSyncerWithoutRedisLogs(t *testing.T) {
	s := NewSyncer(nil, zap.NewNop())
	_, ok := s.(*LogSyncer)
	require.True(t, ok)
	require.NoError(t, s.ApplyEntitlement(context.Background(), Grant{UserID: "1"}))
}
