package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/subsync/internal/clock"
	"github.com/smallbiznis/subsync/internal/config"
	gatewaydomain "github.com/smallbiznis/subsync/internal/gateway/domain"
	notificationdomain "github.com/smallbiznis/subsync/internal/notification/domain"
	"github.com/smallbiznis/subsync/internal/notification/repository"
	"github.com/smallbiznis/subsync/internal/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newLedger(t *testing.T) (*Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()
	db := testsupport.OpenDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ledger := New(Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  testsupport.Node(t),
		Clock:  clk,
		Repo:   repository.Provide(),
		Config: config.NewStaticReconcileConfigHolder(config.DefaultReconcileConfig()),
	}).(*Service)
	return ledger, db, clk
}

func sampleEvent() *gatewaydomain.LifecycleEvent {
	return &gatewaydomain.LifecycleEvent{
		Gateway:                gatewaydomain.GatewayApple,
		Kind:                   gatewaydomain.KindRenewed,
		OriginalTransactionRef: "1000",
		TransactionRef:         "1001",
		RawPayload:             `{"signedPayload":"x"}`,
		ExpiresAt:              gatewaydomain.TimePtr(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)),
	}
}

func TestBeginProcessingAdmitsOnce(t *testing.T) {
	ledger, _, _ := newLedger(t)
	ctx := context.Background()
	in := notificationdomain.BeginInput{Gateway: gatewaydomain.GatewayApple, Key: "uuid-1", Event: sampleEvent()}

	first, err := ledger.BeginProcessing(ctx, in)
	require.NoError(t, err)
	assert.True(t, first.Admitted)

	second, err := ledger.BeginProcessing(ctx, in)
	require.NoError(t, err)
	assert.False(t, second.Admitted)
	assert.Equal(t, notificationdomain.StatusProcessing, second.Status)

	// Keys are scoped per gateway.
	in.Gateway = gatewaydomain.GatewayGoogle
	third, err := ledger.BeginProcessing(ctx, in)
	require.NoError(t, err)
	assert.True(t, third.Admitted)

	row, err := ledger.Get(ctx, gatewaydomain.GatewayApple, "uuid-1")
	require.NoError(t, err)
	event, err := row.LifecycleEvent()
	require.NoError(t, err)
	assert.Equal(t, "1000", event.OriginalTransactionRef)
	assert.Equal(t, `{"signedPayload":"x"}`, event.RawPayload)
	require.NotNil(t, event.ExpiresAt)
}

func TestBeginProcessingConcurrentDeliveries(t *testing.T) {
	ledger, _, _ := newLedger(t)
	in := notificationdomain.BeginInput{Gateway: gatewaydomain.GatewayStripe, Key: "evt_1", Event: sampleEvent()}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adm, err := ledger.BeginProcessing(context.Background(), in)
			if err != nil {
				t.Error(err)
				return
			}
			if adm.Admitted {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, admitted)
}

func TestTerminalTransitionHappensOnce(t *testing.T) {
	ledger, db, _ := newLedger(t)
	ctx := context.Background()
	_, err := ledger.BeginProcessing(ctx, notificationdomain.BeginInput{Gateway: gatewaydomain.GatewayApple, Key: "k"})
	require.NoError(t, err)

	require.NoError(t, ledger.Claim(ctx, db, gatewaydomain.GatewayApple, "k"))
	require.NoError(t, ledger.MarkSuccess(ctx, db, gatewaydomain.GatewayApple, "k"))

	assert.ErrorIs(t, ledger.Claim(ctx, db, gatewaydomain.GatewayApple, "k"), notificationdomain.ErrNotProcessing)
	assert.ErrorIs(t, ledger.MarkFailed(ctx, db, gatewaydomain.GatewayApple, "k", errors.New("late")), notificationdomain.ErrNotProcessing)

	row, err := ledger.Get(ctx, gatewaydomain.GatewayApple, "k")
	require.NoError(t, err)
	assert.Equal(t, notificationdomain.StatusSuccess, row.Status)
	assert.NotNil(t, row.ProcessedAt)

	adm, err := ledger.BeginProcessing(ctx, notificationdomain.BeginInput{Gateway: gatewaydomain.GatewayApple, Key: "k"})
	require.NoError(t, err)
	assert.False(t, adm.Admitted)
	assert.Equal(t, notificationdomain.StatusSuccess, adm.Status)
}

func TestMarkFailedTruncatesError(t *testing.T) {
	ledger, db, _ := newLedger(t)
	ctx := context.Background()
	_, err := ledger.BeginProcessing(ctx, notificationdomain.BeginInput{Gateway: gatewaydomain.GatewayGoogle, Key: "m"})
	require.NoError(t, err)

	long := strings.Repeat("é", notificationdomain.MaxErrorLength+250)
	require.NoError(t, ledger.MarkFailed(ctx, db, gatewaydomain.GatewayGoogle, "m", errors.New(long)))

	row, err := ledger.Get(ctx, gatewaydomain.GatewayGoogle, "m")
	require.NoError(t, err)
	require.NotNil(t, row.ErrorMessage)
	assert.Equal(t, notificationdomain.MaxErrorLength, len([]rune(*row.ErrorMessage)))
	assert.Equal(t, notificationdomain.StatusFailed, row.Status)
}

func TestReplayOnlyFromFailed(t *testing.T) {
	ledger, db, _ := newLedger(t)
	ctx := context.Background()
	_, err := ledger.BeginProcessing(ctx, notificationdomain.BeginInput{Gateway: gatewaydomain.GatewayApple, Key: "r"})
	require.NoError(t, err)

	_, err = ledger.Replay(ctx, gatewaydomain.GatewayApple, "r")
	assert.ErrorIs(t, err, notificationdomain.ErrNotReplayable)

	_, err = ledger.Replay(ctx, gatewaydomain.GatewayApple, "missing")
	assert.ErrorIs(t, err, notificationdomain.ErrNotFound)

	require.NoError(t, ledger.MarkFailed(ctx, db, gatewaydomain.GatewayApple, "r", errors.New("unresolved")))
	row, err := ledger.Replay(ctx, gatewaydomain.GatewayApple, "r")
	require.NoError(t, err)
	assert.Equal(t, notificationdomain.StatusProcessing, row.Status)
	assert.Nil(t, row.ErrorMessage)
	assert.Nil(t, row.ProcessedAt)
}

func TestRequeueStaleRows(t *testing.T) {
	ledger, _, clk := newLedger(t)
	ctx := context.Background()
	tuning := ledger.cfg.Get().Ledger

	_, err := ledger.BeginProcessing(ctx, notificationdomain.BeginInput{Gateway: gatewaydomain.GatewayApple, Key: "stale"})
	require.NoError(t, err)

	rows, err := ledger.Requeue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)

	for i := 0; i < tuning.MaxRequeues; i++ {
		clk.Advance(tuning.StaleAfter + time.Second)
		rows, err = ledger.Requeue(ctx, 10)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, i+1, rows[0].Attempts)
	}

	clk.Advance(tuning.StaleAfter + time.Second)
	rows, err = ledger.Requeue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)

	row, err := ledger.Get(ctx, gatewaydomain.GatewayApple, "stale")
	require.NoError(t, err)
	assert.Equal(t, notificationdomain.StatusFailed, row.Status)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "abc", Truncate("abc", 0))
}
