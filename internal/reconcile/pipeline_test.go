package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/subsync/internal/clock"
	"github.com/smallbiznis/subsync/internal/config"
	"github.com/smallbiznis/subsync/internal/gateway/adapters"
	"github.com/smallbiznis/subsync/internal/gateway/adapters/stripe"
	gatewaydomain "github.com/smallbiznis/subsync/internal/gateway/domain"
	notificationdomain "github.com/smallbiznis/subsync/internal/notification/domain"
	notificationrepo "github.com/smallbiznis/subsync/internal/notification/repository"
	notificationsvc "github.com/smallbiznis/subsync/internal/notification/service"
	subscriptiondomain "github.com/smallbiznis/subsync/internal/subscription/domain"
	"github.com/smallbiznis/subsync/internal/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSubscriptions struct {
	subscriptiondomain.Service

	mu      sync.Mutex
	applied []string
	err     error
}

func (f *fakeSubscriptions) Apply(_ context.Context, ev *gatewaydomain.LifecycleEvent, key string) (subscriptiondomain.ApplyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, key)
	if f.err != nil {
		return subscriptiondomain.ApplyResult{}, f.err
	}
	return subscriptiondomain.ApplyResult{Outcome: subscriptiondomain.OutcomeApplied}, nil
}

type fakeVerifier struct {
	expires time.Time
	calls   int
}

func (v *fakeVerifier) Enrich(_ context.Context, ev *gatewaydomain.LifecycleEvent) error {
	v.calls++
	ev.ExpiresAt = &v.expires
	return nil
}

type fixture struct {
	pipeline *Pipeline
	ledger   notificationdomain.Ledger
	subs     *fakeSubscriptions
}

func newFixture(t *testing.T, queueSize int, verifier gatewaydomain.PurchaseVerifier) *fixture {
	t.Helper()
	db := testsupport.OpenDB(t)
	node := testsupport.Node(t)
	clk := clock.NewFakeClock(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))
	holder := config.NewStaticReconcileConfigHolder(config.DefaultReconcileConfig())
	log := zap.NewNop()

	ledger := notificationsvc.New(notificationsvc.Params{
		DB:     db,
		Log:    log,
		GenID:  node,
		Clock:  clk,
		Repo:   notificationrepo.Provide(),
		Config: holder,
	})
	subs := &fakeSubscriptions{}

	cfg := config.Config{}
	cfg.Workers.ReconcileQueueSize = queueSize
	p := New(Params{
		DB:            db,
		Log:           log,
		Config:        cfg,
		Registry:      adapters.NewRegistry(stripe.New(stripe.Config{}, log)),
		Ledger:        ledger,
		Subscriptions: subs,
		Verifier:      verifier,
	})
	return &fixture{pipeline: p, ledger: ledger, subs: subs}
}

func stripeBody(id string) []byte {
	return []byte(`{
		"id": "` + id + `",
		"object": "event",
		"type": "customer.subscription.deleted",
		"created": 1780308000,
		"data": {"object": {
			"id": "sub_9",
			"object": "subscription",
			"customer": "cus_9",
			"status": "canceled"
		}}
	}`)
}

func TestReceiveAdmitsOnce(t *testing.T) {
	f := newFixture(t, 8, nil)
	ctx := context.Background()

	first, err := f.pipeline.Receive(ctx, gatewaydomain.GatewayStripe, stripeBody("evt_1"), nil)
	require.NoError(t, err)
	assert.True(t, first.Admitted)
	assert.True(t, first.Queued)
	assert.Equal(t, "evt_1", first.Key)

	again, err := f.pipeline.Receive(ctx, gatewaydomain.GatewayStripe, stripeBody("evt_1"), nil)
	require.NoError(t, err)
	assert.False(t, again.Admitted)
	assert.Len(t, f.pipeline.queue, 1)

	row, err := f.ledger.Get(ctx, gatewaydomain.GatewayStripe, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, notificationdomain.StatusProcessing, row.Status)
}

func TestReceiveRejectsMalformed(t *testing.T) {
	f := newFixture(t, 8, nil)
	_, err := f.pipeline.Receive(context.Background(), gatewaydomain.GatewayStripe, []byte(`{not json`), nil)
	assert.ErrorIs(t, err, gatewaydomain.ErrMalformedPayload)

	_, err = f.pipeline.Receive(context.Background(), gatewaydomain.Gateway("PAYPAL"), []byte(`{}`), nil)
	assert.ErrorIs(t, err, gatewaydomain.ErrUnsupportedGateway)
}

func TestReceiveWithFullQueueStillAdmits(t *testing.T) {
	f := newFixture(t, 1, nil)
	ctx := context.Background()

	_, err := f.pipeline.Receive(ctx, gatewaydomain.GatewayStripe, stripeBody("evt_a"), nil)
	require.NoError(t, err)
	second, err := f.pipeline.Receive(ctx, gatewaydomain.GatewayStripe, stripeBody("evt_b"), nil)
	require.NoError(t, err)
	assert.True(t, second.Admitted)
	assert.False(t, second.Queued)
}

func TestProcessEnrichesAndApplies(t *testing.T) {
	verifier := &fakeVerifier{expires: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)}
	f := newFixture(t, 8, verifier)
	ctx := context.Background()

	_, err := f.pipeline.Receive(ctx, gatewaydomain.GatewayStripe, stripeBody("evt_2"), nil)
	require.NoError(t, err)

	res, err := f.pipeline.Process(ctx, Job{Gateway: gatewaydomain.GatewayStripe, Key: "evt_2"})
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.OutcomeApplied, res.Outcome)
	assert.Equal(t, 1, verifier.calls)
	assert.Equal(t, []string{"evt_2"}, f.subs.applied)
}

func TestProcessFailureMarksLedgerAndReplays(t *testing.T) {
	f := newFixture(t, 8, nil)
	ctx := context.Background()
	f.subs.err = errors.New("database unavailable")

	_, err := f.pipeline.Receive(ctx, gatewaydomain.GatewayStripe, stripeBody("evt_3"), nil)
	require.NoError(t, err)
	<-f.pipeline.queue

	_, err = f.pipeline.Process(ctx, Job{Gateway: gatewaydomain.GatewayStripe, Key: "evt_3"})
	require.Error(t, err)

	row, err := f.ledger.Get(ctx, gatewaydomain.GatewayStripe, "evt_3")
	require.NoError(t, err)
	assert.Equal(t, notificationdomain.StatusFailed, row.Status)
	require.NotNil(t, row.ErrorMessage)
	assert.Contains(t, *row.ErrorMessage, "database unavailable")

	// terminal rows are not applied again
	res, err := f.pipeline.Process(ctx, Job{Gateway: gatewaydomain.GatewayStripe, Key: "evt_3"})
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.OutcomeDuplicate, res.Outcome)

	f.subs.err = nil
	replayed, err := f.pipeline.Replay(ctx, gatewaydomain.GatewayStripe, "evt_3")
	require.NoError(t, err)
	assert.Equal(t, notificationdomain.StatusProcessing, replayed.Status)
	job := <-f.pipeline.queue
	assert.Equal(t, "evt_3", job.Key)
}
