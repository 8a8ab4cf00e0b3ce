package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subsync/internal/cache"
	"github.com/smallbiznis/subsync/internal/config"
	"github.com/smallbiznis/subsync/internal/events"
	obsmetrics "github.com/smallbiznis/subsync/internal/observability/metrics"
	"github.com/smallbiznis/subsync/internal/reconcile"
	subscriptiondomain "github.com/smallbiznis/subsync/internal/subscription/domain"
	webhookdomain "github.com/smallbiznis/subsync/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobWebhookSweep       = "webhook_sweep"
	JobOutboxDispatch     = "outbox_dispatch"
	JobLedgerRequeue      = "ledger_requeue"
	JobSubscriptionExpiry = "subscription_expiry"

	jobLockPrefix = "subsync:lock:job:"
)

type (
	webhookSweeper interface {
		SweepDue(ctx context.Context) (int, error)
	}
	outboxDispatcher interface {
		DispatchOnce(ctx context.Context) (int, error)
	}
	ledgerRequeuer interface {
		RequeueStale(ctx context.Context) (int, error)
	}
	subscriptionExpirer interface {
		ExpireOverdue(ctx context.Context, limit int) (int, error)
	}
)

type Params struct {
	fx.In

	Log           *zap.Logger
	GenID         *snowflake.Node
	Config        Config
	Tuning        *config.ReconcileConfigHolder
	Webhooks      webhookdomain.Service
	Router        *events.Router
	Pipeline      *reconcile.Pipeline
	Subscriptions subscriptiondomain.Service
	Locker        *cache.Locker       `optional:"true"`
	Metrics       *obsmetrics.Metrics `optional:"true"`
}

type Scheduler struct {
	log     *zap.Logger
	cfg     Config
	genID   *snowflake.Node
	tuning  *config.ReconcileConfigHolder
	locker  *cache.Locker
	metrics *obsmetrics.Metrics

	webhooks      webhookSweeper
	outbox        outboxDispatcher
	ledger        ledgerRequeuer
	subscriptions subscriptionExpirer
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Tuning == nil ||
		p.Webhooks == nil || p.Router == nil || p.Pipeline == nil || p.Subscriptions == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:           p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:           p.Config.withDefaults(),
		genID:         p.GenID,
		tuning:        p.Tuning,
		locker:        p.Locker,
		metrics:       p.Metrics,
		webhooks:      p.Webhooks,
		outbox:        p.Router,
		ledger:        p.Pipeline,
		subscriptions: p.Subscriptions,
	}, nil
}

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) (int, error),
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	run := s.startJobRun(name)
	log := s.log.With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	s.metrics.IncJobRun(name)

	ran, err := s.locker.WithLock(ctx, jobLockPrefix+name, timeout, func(ctx context.Context) error {
		processed, err := fn(ctx)
		run.AddProcessed(processed)
		return err
	})
	s.metrics.ObserveJobDuration(name, time.Since(start))
	s.metrics.AddBatchProcessed(name, run.processedCount)
	if !ran && err == nil {
		log.Debug("job skipped, held by another instance")
		return nil
	}
	if err != nil {
		run.IncError()
	}
	s.logJobFinish(run)
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	s.metrics.IncJobError(name, err)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) (int, error)
	}{
		{JobOutboxDispatch, s.outbox.DispatchOnce},
		{JobWebhookSweep, s.webhooks.SweepDue},
		{JobLedgerRequeue, s.ledger.RequeueStale},
		{JobSubscriptionExpiry, s.expireSubscriptions},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.JobTimeout, job.Run))
	}
	return err
}

func (s *Scheduler) expireSubscriptions(ctx context.Context) (int, error) {
	return s.subscriptions.ExpireOverdue(ctx, s.tuning.Get().Expiry.BatchSize)
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}
