// Package reconcile moves provider deliveries from the inbound edge through
// the ledger into the subscription state machine.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/smallbiznis/subsync/internal/config"
	"github.com/smallbiznis/subsync/internal/gateway/adapters"
	gatewaydomain "github.com/smallbiznis/subsync/internal/gateway/domain"
	notificationdomain "github.com/smallbiznis/subsync/internal/notification/domain"
	"github.com/smallbiznis/subsync/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/subsync/internal/subscription/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("subsync/reconcile")

const requeueBatch = 200

// Job identifies one admitted ledger row.
type Job struct {
	Gateway gatewaydomain.Gateway
	Key     string
}

// Receipt describes what the inbound edge did with one delivery.
type Receipt struct {
	Gateway  gatewaydomain.Gateway
	Key      string
	Kind     gatewaydomain.EventKind
	Admitted bool
	Queued   bool
}

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Config        config.Config
	Registry      *adapters.Registry
	Ledger        notificationdomain.Ledger
	Subscriptions subscriptiondomain.Service
	Verifier      gatewaydomain.PurchaseVerifier `optional:"true"`
	Metrics       *metrics.Metrics               `optional:"true"`
}

type Pipeline struct {
	db            *gorm.DB
	log           *zap.Logger
	registry      *adapters.Registry
	ledger        notificationdomain.Ledger
	subscriptions subscriptiondomain.Service
	verifier      gatewaydomain.PurchaseVerifier
	metrics       *metrics.Metrics

	queue   chan Job
	workers int
}

func New(p Params) *Pipeline {
	size := p.Config.Workers.ReconcileQueueSize
	if size <= 0 {
		size = 1024
	}
	return &Pipeline{
		db:            p.DB,
		log:           p.Log.Named("reconcile.pipeline"),
		registry:      p.Registry,
		ledger:        p.Ledger,
		subscriptions: p.Subscriptions,
		verifier:      p.Verifier,
		metrics:       p.Metrics,
		queue:         make(chan Job, size),
		workers:       p.Config.Workers.ReconcileWorkers,
	}
}

// Receive normalizes a raw delivery and records it in the ledger. Processing
// happens on the worker pool; a full queue leaves the row to the stale sweep.
func (p *Pipeline) Receive(ctx context.Context, gw gatewaydomain.Gateway, payload []byte, headers http.Header) (Receipt, error) {
	receipt := Receipt{Gateway: gw}
	event, key, err := p.registry.Normalize(ctx, gw, payload, headers)
	if err != nil {
		p.metrics.IncNotificationReceived(string(gw), "rejected")
		return receipt, err
	}
	receipt.Key = key
	receipt.Kind = event.Kind

	adm, err := p.ledger.BeginProcessing(ctx, notificationdomain.BeginInput{Gateway: gw, Key: key, Event: event})
	if err != nil {
		return receipt, fmt.Errorf("ledger admission: %w", err)
	}
	if !adm.Admitted {
		p.log.Debug("duplicate delivery ignored",
			zap.String("gateway", string(gw)),
			zap.String("idempotency_key", key),
			zap.String("ledger_status", string(adm.Status)),
		)
		return receipt, nil
	}
	receipt.Admitted = true
	receipt.Queued = p.Submit(Job{Gateway: gw, Key: key})
	if !receipt.Queued {
		p.log.Warn("reconcile queue full, leaving notification for sweep",
			zap.String("gateway", string(gw)),
			zap.String("idempotency_key", key),
		)
	}
	return receipt, nil
}

// Submit never blocks.
func (p *Pipeline) Submit(job Job) bool {
	select {
	case p.queue <- job:
		return true
	default:
		return false
	}
}

// Process runs one ledger row through verification and the state machine.
func (p *Pipeline) Process(ctx context.Context, job Job) (subscriptiondomain.ApplyResult, error) {
	ctx, span := tracer.Start(ctx, "reconcile.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("gateway", string(job.Gateway)),
		attribute.String("idempotency_key", job.Key),
	)

	row, err := p.ledger.Get(ctx, job.Gateway, job.Key)
	if err != nil {
		return subscriptiondomain.ApplyResult{}, err
	}
	if row.Status != notificationdomain.StatusProcessing {
		return subscriptiondomain.ApplyResult{Outcome: subscriptiondomain.OutcomeDuplicate}, nil
	}

	event, err := row.LifecycleEvent()
	if err != nil {
		return subscriptiondomain.ApplyResult{}, p.fail(ctx, job, err)
	}

	if p.verifier != nil {
		if err := p.verifier.Enrich(ctx, event); err != nil {
			p.log.Warn("purchase verification failed, applying notification as received",
				zap.String("gateway", string(job.Gateway)),
				zap.String("idempotency_key", job.Key),
				zap.Error(err),
			)
		}
	}

	result, err := p.subscriptions.Apply(ctx, event, job.Key)
	if err != nil {
		return result, p.fail(ctx, job, err)
	}

	fields := []zap.Field{
		zap.String("gateway", string(job.Gateway)),
		zap.String("idempotency_key", job.Key),
		zap.String("kind", string(event.Kind)),
		zap.String("outcome", string(result.Outcome)),
	}
	if result.Subscription != nil {
		fields = append(fields, zap.String("subscription_id", result.Subscription.ID.String()))
	}
	p.log.Info("notification reconciled", fields...)
	return result, nil
}

func (p *Pipeline) fail(ctx context.Context, job Job, cause error) error {
	if err := p.ledger.MarkFailed(ctx, p.db, job.Gateway, job.Key, cause); err != nil && !errors.Is(err, notificationdomain.ErrNotProcessing) {
		return fmt.Errorf("%w (mark failed: %v)", cause, err)
	}
	p.log.Error("notification failed",
		zap.String("gateway", string(job.Gateway)),
		zap.String("idempotency_key", job.Key),
		zap.Error(cause),
	)
	return cause
}

// RequeueStale resubmits PROCESSING rows nobody finished.
func (p *Pipeline) RequeueStale(ctx context.Context) (int, error) {
	rows, err := p.ledger.Requeue(ctx, requeueBatch)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, row := range rows {
		if p.Submit(Job{Gateway: row.Gateway, Key: row.IdempotencyKey}) {
			queued++
		}
	}
	return queued, nil
}

// Replay re-admits a FAILED notification.
func (p *Pipeline) Replay(ctx context.Context, gw gatewaydomain.Gateway, key string) (*notificationdomain.ProcessedNotification, error) {
	row, err := p.ledger.Replay(ctx, gw, key)
	if err != nil {
		return nil, err
	}
	p.Submit(Job{Gateway: gw, Key: row.IdempotencyKey})
	return row, nil
}

func (p *Pipeline) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-p.queue:
			// failures are recorded on the ledger row
			_, _ = p.Process(ctx, job)
		}
	}
}
