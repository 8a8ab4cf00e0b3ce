package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/subsync/internal/account/domain"
	accountrepo "github.com/smallbiznis/subsync/internal/account/repository"
	"github.com/smallbiznis/subsync/internal/clock"
	"github.com/smallbiznis/subsync/internal/config"
	"github.com/smallbiznis/subsync/internal/events"
	"github.com/smallbiznis/subsync/internal/gateway/adapters/google"
	"github.com/smallbiznis/subsync/internal/gateway/adapters/stripe"
	gatewaydomain "github.com/smallbiznis/subsync/internal/gateway/domain"
	notificationdomain "github.com/smallbiznis/subsync/internal/notification/domain"
	notificationrepo "github.com/smallbiznis/subsync/internal/notification/repository"
	notificationsvc "github.com/smallbiznis/subsync/internal/notification/service"
	"github.com/smallbiznis/subsync/internal/plan"
	subscriptiondomain "github.com/smallbiznis/subsync/internal/subscription/domain"
	"github.com/smallbiznis/subsync/internal/subscription/repository"
	"github.com/smallbiznis/subsync/internal/testsupport"
	txmappingrepo "github.com/smallbiznis/subsync/internal/txmapping/repository"
	txmappingsvc "github.com/smallbiznis/subsync/internal/txmapping/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db     *gorm.DB
	svc    *Service
	ledger notificationdomain.Ledger
	users  accountdomain.Repository
	repo   subscriptiondomain.Repository
	node   *snowflake.Node
	clk    *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testsupport.OpenDB(t)
	node := testsupport.Node(t)
	clk := clock.NewFakeClock(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))
	cfg := config.DefaultReconcileConfig()
	cfg.Plans = []config.PlanEntry{
		{Ref: "monthly", DurationDays: 30, MultiLoginCount: 5, ProductRefs: []string{"vpn.monthly", "price_monthly"}, Default: true},
		{Ref: "yearly", DurationDays: 365, MultiLoginCount: 10, ProductRefs: []string{"vpn.yearly"}},
	}
	holder := config.NewStaticReconcileConfigHolder(cfg)
	log := zap.NewNop()

	users := accountrepo.Provide()
	directory := accountrepo.ProvideDirectory(users)
	ledger := notificationsvc.New(notificationsvc.Params{
		DB:     db,
		Log:    log,
		GenID:  node,
		Clock:  clk,
		Repo:   notificationrepo.Provide(),
		Config: holder,
	})
	resolver := txmappingsvc.New(txmappingsvc.Params{
		DB:        db,
		Log:       log,
		GenID:     node,
		Clock:     clk,
		Repo:      txmappingrepo.Provide(),
		Directory: directory,
	})
	repo := repository.Provide()

	svc := New(Params{
		DB:        db,
		Log:       log,
		GenID:     node,
		Clock:     clk,
		Config:    holder,
		Repo:      repo,
		Ledger:    ledger,
		Resolver:  resolver,
		Directory: directory,
		Catalog:   plan.NewConfigCatalog(holder),
		Outbox:    events.NewOutbox(node, clk),
	}).(*Service)

	return &fixture{db: db, svc: svc, ledger: ledger, users: users, repo: repo, node: node, clk: clk}
}

func (f *fixture) user(t *testing.T, email string) *accountdomain.User {
	t.Helper()
	now := f.clk.Now()
	u := &accountdomain.User{ID: f.node.Generate(), Email: email, Status: accountdomain.UserStatusActive, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, f.users.Insert(context.Background(), f.db, u))
	return u
}

func (f *fixture) boundSubscription(t *testing.T, user *accountdomain.User, gw gatewaydomain.Gateway, lineage string, expires time.Time) *subscriptiondomain.Subscription {
	t.Helper()
	now := f.clk.Now()
	sub := &subscriptiondomain.Subscription{
		ID:              f.node.Generate(),
		UserID:          user.ID,
		PlanRef:         "monthly",
		Status:          subscriptiondomain.StatusActive,
		ExpiresAt:       &expires,
		AutoRenew:       true,
		DurationDays:    30,
		MultiLoginCount: 5,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	sub.Bind(gw, lineage, "")
	require.NoError(t, f.repo.Insert(context.Background(), f.db, sub))
	return sub
}

func (f *fixture) admit(t *testing.T, ev *gatewaydomain.LifecycleEvent, key string) {
	t.Helper()
	adm, err := f.ledger.BeginProcessing(context.Background(), notificationdomain.BeginInput{Gateway: ev.Gateway, Key: key, Event: ev})
	require.NoError(t, err)
	require.True(t, adm.Admitted)
}

func (f *fixture) domainEvents(t *testing.T) []string {
	t.Helper()
	var types []string
	require.NoError(t, f.db.Raw(`SELECT event_type FROM domain_events ORDER BY id`).Scan(&types).Error)
	return types
}

func (f *fixture) ledgerStatus(t *testing.T, gw gatewaydomain.Gateway, key string) notificationdomain.Status {
	t.Helper()
	row, err := f.ledger.Get(context.Background(), gw, key)
	require.NoError(t, err)
	return row.Status
}

func (f *fixture) countSubscriptions(t *testing.T, userID snowflake.ID) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM subscriptions WHERE user_id = ?`, userID).Scan(&n).Error)
	return n
}

func TestApplyAppleRenewal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "renew@example.com")
	f.boundSubscription(t, u, gatewaydomain.GatewayApple, "2000000111", f.clk.Now().Add(2*time.Hour))

	newExpiry := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	ev := &gatewaydomain.LifecycleEvent{
		Gateway:                gatewaydomain.GatewayApple,
		Kind:                   gatewaydomain.KindRenewed,
		OriginalTransactionRef: "2000000111",
		TransactionRef:         "2000000222",
		ExpiresAt:              &newExpiry,
		NotificationType:       "DID_RENEW",
		OccurredAt:             f.clk.Now(),
	}
	f.admit(t, ev, "uuid-renew-1")

	res, err := f.svc.Apply(ctx, ev, "uuid-renew-1")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.OutcomeApplied, res.Outcome)
	assert.Equal(t, events.EventSubscriptionRenewed, res.EventType)

	sub, err := f.svc.GetByUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)
	require.NotNil(t, sub.ExpiresAt)
	assert.True(t, newExpiry.Equal(*sub.ExpiresAt))
	assert.Equal(t, int64(2), sub.Version)

	assert.Equal(t, notificationdomain.StatusSuccess, f.ledgerStatus(t, gatewaydomain.GatewayApple, "uuid-renew-1"))
	assert.Equal(t, []string{string(events.EventSubscriptionRenewed)}, f.domainEvents(t))
}

func TestApplyDuplicateDeliveryIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "dup@example.com")
	f.boundSubscription(t, u, gatewaydomain.GatewayApple, "2000000333", f.clk.Now().Add(time.Hour))

	expiry := f.clk.Now().Add(30 * 24 * time.Hour)
	ev := &gatewaydomain.LifecycleEvent{
		Gateway:                gatewaydomain.GatewayApple,
		Kind:                   gatewaydomain.KindRenewed,
		OriginalTransactionRef: "2000000333",
		ExpiresAt:              &expiry,
	}
	f.admit(t, ev, "uuid-dup")

	_, err := f.svc.Apply(ctx, ev, "uuid-dup")
	require.NoError(t, err)
	before, err := f.svc.GetByUser(ctx, u.ID)
	require.NoError(t, err)

	adm, err := f.ledger.BeginProcessing(ctx, notificationdomain.BeginInput{Gateway: ev.Gateway, Key: "uuid-dup", Event: ev})
	require.NoError(t, err)
	assert.False(t, adm.Admitted)
	assert.Equal(t, notificationdomain.StatusSuccess, adm.Status)

	res, err := f.svc.Apply(ctx, ev, "uuid-dup")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.OutcomeDuplicate, res.Outcome)

	after, err := f.svc.GetByUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Len(t, f.domainEvents(t), 1)
}

func TestApplyGooglePurchaseWithExistingMapping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "gp@example.com")

	_, err := f.svc.resolver.EnsureMapping(ctx, f.db, u, "tok-abc", gatewaydomain.GatewayGoogle)
	require.NoError(t, err)

	inner, err := json.Marshal(map[string]any{
		"version":         "1.0",
		"packageName":     "com.example.vpn",
		"eventTimeMillis": "1780308000000",
		"subscriptionNotification": map[string]any{
			"version":          "1.0",
			"notificationType": 4,
			"purchaseToken":    "tok-abc",
			"subscriptionId":   "vpn.yearly",
		},
	})
	require.NoError(t, err)
	body, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"data":      base64.StdEncoding.EncodeToString(inner),
			"messageId": "msg-4",
		},
	})
	require.NoError(t, err)

	ev, key, err := google.New(google.Config{}, zap.NewNop()).Normalize(ctx, body, nil)
	require.NoError(t, err)
	require.Equal(t, "msg-4", key)
	f.admit(t, ev, key)

	res, err := f.svc.Apply(ctx, ev, key)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.OutcomeCreated, res.Outcome)
	assert.Equal(t, events.EventSubscriptionCreated, res.EventType)

	sub, err := f.svc.GetByUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)
	assert.Equal(t, "yearly", sub.PlanRef)
	assert.Equal(t, 10, sub.MultiLoginCount)
	assert.True(t, sub.AutoRenew)
	require.NotNil(t, sub.PurchaseToken)
	assert.Equal(t, "tok-abc", *sub.PurchaseToken)
	require.NotNil(t, sub.GoogleSubscriptionID)
	assert.Equal(t, "vpn.yearly", *sub.GoogleSubscriptionID)

	assert.Equal(t, []string{string(events.EventSubscriptionCreated)}, f.domainEvents(t))
	assert.Equal(t, notificationdomain.StatusSuccess, f.ledgerStatus(t, gatewaydomain.GatewayGoogle, key))
}

func TestApplyStripePaymentFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "stripe@example.com")
	f.boundSubscription(t, u, gatewaydomain.GatewayStripe, "sub_123", f.clk.Now().Add(24*time.Hour))

	body := []byte(`{
		"id": "evt_pf_1",
		"object": "event",
		"type": "invoice.payment_failed",
		"created": 1780308000,
		"data": {"object": {
			"id": "in_1",
			"object": "invoice",
			"customer": "cus_1",
			"subscription": "sub_123",
			"lines": {"data": [{"period": {"end": 1782900000}}]}
		}}
	}`)
	ev, key, err := stripe.New(stripe.Config{}, zap.NewNop()).Normalize(ctx, body, nil)
	require.NoError(t, err)
	require.Equal(t, gatewaydomain.KindPaymentFailed, ev.Kind)
	f.admit(t, ev, key)

	res, err := f.svc.Apply(ctx, ev, key)
	require.NoError(t, err)
	assert.Equal(t, events.EventPaymentFailed, res.EventType)

	sub, err := f.svc.GetByUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusPaymentFailed, sub.Status)
	assert.Equal(t, []string{string(events.EventPaymentFailed)}, f.domainEvents(t))
}

func TestApplyUnresolvedUserFailsNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := &gatewaydomain.LifecycleEvent{
		Gateway:                gatewaydomain.GatewayApple,
		Kind:                   gatewaydomain.KindInitialPurchase,
		OriginalTransactionRef: "nobody-1",
		TransactionRef:         "nobody-1",
	}
	f.admit(t, ev, "uuid-nobody")

	res, err := f.svc.Apply(ctx, ev, "uuid-nobody")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.OutcomeUnresolved, res.Outcome)

	row, err := f.ledger.Get(ctx, gatewaydomain.GatewayApple, "uuid-nobody")
	require.NoError(t, err)
	assert.Equal(t, notificationdomain.StatusFailed, row.Status)
	require.NotNil(t, row.ErrorMessage)
	assert.Contains(t, *row.ErrorMessage, subscriptiondomain.ErrUnresolvedUser.Error())
	assert.Empty(t, f.domainEvents(t))
}

func TestApplyUnknownIsSkipped(t *testing.T) {
	f := newFixture(t)
	ev := &gatewaydomain.LifecycleEvent{
		Gateway:                gatewaydomain.GatewayGoogle,
		Kind:                   gatewaydomain.KindUnknown,
		OriginalTransactionRef: "tok-x",
		NotificationType:       "8",
	}
	f.admit(t, ev, "msg-8")

	res, err := f.svc.Apply(context.Background(), ev, "msg-8")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.OutcomeSkipped, res.Outcome)
	assert.Equal(t, notificationdomain.StatusSkipped, f.ledgerStatus(t, gatewaydomain.GatewayGoogle, "msg-8"))
	assert.Empty(t, f.domainEvents(t))
}

func TestApplyStaleEventSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "stale@example.com")
	sub := f.boundSubscription(t, u, gatewaydomain.GatewayApple, "2000000999", f.clk.Now().Add(time.Hour))
	last := f.clk.Now()
	sub.LastEventAt = &last
	ok, err := f.repo.Update(ctx, f.db, sub)
	require.NoError(t, err)
	require.True(t, ok)

	ev := &gatewaydomain.LifecycleEvent{
		Gateway:                gatewaydomain.GatewayApple,
		Kind:                   gatewaydomain.KindExpired,
		OriginalTransactionRef: "2000000999",
		OccurredAt:             last.Add(-time.Hour),
	}
	f.admit(t, ev, "uuid-old")

	res, err := f.svc.Apply(ctx, ev, "uuid-old")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.OutcomeStale, res.Outcome)

	current, err := f.svc.GetByUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusActive, current.Status)
}

func TestResetConcurrentLeavesOneRow(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "reset@example.com")
	f.boundSubscription(t, u, gatewaydomain.GatewayApple, "2000000444", f.clk.Now().Add(-time.Hour))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Reset(context.Background(), subscriptiondomain.ResetRequest{UserID: u.ID, PlanRef: "monthly"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int64(1), f.countSubscriptions(t, u.ID))
	sub, err := f.svc.GetByUser(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)
	assert.Nil(t, sub.Gateway)
	assert.Empty(t, sub.Lineage())
	assert.True(t, f.clk.Now().AddDate(0, 0, 30).Equal(*sub.ExpiresAt))
}

func TestRenewByOperatorExtendsFromExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "renewop@example.com")
	expires := f.clk.Now().Add(10 * 24 * time.Hour)
	f.boundSubscription(t, u, gatewaydomain.GatewayStripe, "sub_keep", expires)

	sub, err := f.svc.RenewByOperator(ctx, subscriptiondomain.RenewRequest{UserID: u.ID})
	require.NoError(t, err)
	assert.True(t, expires.AddDate(0, 0, 30).Equal(*sub.ExpiresAt))
	assert.Equal(t, "sub_keep", sub.Lineage())
	require.NotNil(t, sub.StripeSubscriptionID)
	assert.Equal(t, int64(1), f.countSubscriptions(t, u.ID))
	assert.Equal(t, []string{string(events.EventSubscriptionRenewed)}, f.domainEvents(t))

	_, err = f.svc.RenewByOperator(ctx, subscriptiondomain.RenewRequest{UserID: f.node.Generate()})
	assert.ErrorIs(t, err, subscriptiondomain.ErrUserNotFound)
}

func TestLinkPurchaseThenNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "link@example.com")

	sub, err := f.svc.LinkPurchase(ctx, subscriptiondomain.LinkPurchaseRequest{
		UserID:                 u.ID,
		Gateway:                gatewaydomain.GatewayApple,
		OriginalTransactionRef: "2000000555",
		ProductRef:             "vpn.monthly",
	})
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusPendingVerification, sub.Status)

	other := f.user(t, "thief@example.com")
	_, err = f.svc.LinkPurchase(ctx, subscriptiondomain.LinkPurchaseRequest{
		UserID:                 other.ID,
		Gateway:                gatewaydomain.GatewayApple,
		OriginalTransactionRef: "2000000555",
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrLineageOwned)

	expiry := f.clk.Now().AddDate(0, 1, 0)
	ev := &gatewaydomain.LifecycleEvent{
		Gateway:                gatewaydomain.GatewayApple,
		Kind:                   gatewaydomain.KindInitialPurchase,
		OriginalTransactionRef: "2000000555",
		TransactionRef:         "2000000555",
		ExpiresAt:              &expiry,
	}
	f.admit(t, ev, "uuid-link")
	res, err := f.svc.Apply(ctx, ev, "uuid-link")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.OutcomeApplied, res.Outcome)
	assert.Equal(t, subscriptiondomain.StatusActive, res.Subscription.Status)
	assert.Equal(t, []string{string(events.EventSubscriptionLinked), string(events.EventSubscriptionRenewed)}, f.domainEvents(t))
}

func TestExpireOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	overdue := f.user(t, "late@example.com")
	fresh := f.user(t, "fresh@example.com")
	f.boundSubscription(t, overdue, gatewaydomain.GatewayApple, "2000000666", f.clk.Now().Add(-96*time.Hour))
	f.boundSubscription(t, fresh, gatewaydomain.GatewayApple, "2000000777", f.clk.Now().Add(-time.Hour))

	n, err := f.svc.ExpireOverdue(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sub, err := f.svc.GetByUser(ctx, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusExpired, sub.Status)

	sub, err = f.svc.GetByUser(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)

	n, err = f.svc.ExpireOverdue(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []string{string(events.EventSubscriptionExpired)}, f.domainEvents(t))
}
