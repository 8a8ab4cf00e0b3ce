package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smallbiznis/subsync/internal/clock"
	"github.com/smallbiznis/subsync/internal/config"
	"github.com/smallbiznis/subsync/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Handler reacts to a committed domain event. Handlers must be idempotent: a
// row is redelivered to every handler until all of them succeed.
type Handler interface {
	Name() string
	Handle(ctx context.Context, rec Record) error
}

type RouterParams struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Outbox   *Outbox
	Config   *config.ReconcileConfigHolder
	Metrics  *metrics.Metrics `optional:"true"`
	Handlers []Handler        `group:"event_handlers"`
}

type Router struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	outbox   *Outbox
	cfg      *config.ReconcileConfigHolder
	metrics  *metrics.Metrics
	handlers []Handler
	repo     repository

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRouter(p RouterParams) *Router {
	handlers := make([]Handler, 0, len(p.Handlers))
	for _, h := range p.Handlers {
		if h != nil {
			handlers = append(handlers, h)
		}
	}
	return &Router{
		db:       p.DB,
		log:      p.Log.Named("events.router"),
		clock:    p.Clock,
		outbox:   p.Outbox,
		cfg:      p.Config,
		metrics:  p.Metrics,
		handlers: handlers,
	}
}

// DispatchOnce delivers one batch of unpublished events and returns how many
// were published.
func (r *Router) DispatchOnce(ctx context.Context) (int, error) {
	tuning := r.cfg.Get().Router
	now := r.clock.Now()
	leaseUntil := now.Add(leaseWindow(tuning.PollInterval))

	pending, err := r.repo.listPending(ctx, r.db, now, tuning.MaxAttempts, tuning.BatchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, rec := range pending {
		if ctx.Err() != nil {
			return published, ctx.Err()
		}
		ok, err := r.repo.lease(ctx, r.db, rec.ID, now, leaseUntil)
		if err != nil {
			return published, err
		}
		if !ok {
			continue
		}

		if err := r.dispatch(ctx, rec); err != nil {
			r.metrics.IncRouterDispatched(string(rec.EventType), "error")
			r.log.Warn("event dispatch failed",
				zap.String("event_id", rec.EventID()),
				zap.String("event_type", string(rec.EventType)),
				zap.Int("attempt", rec.Attempts+1),
				zap.Error(err),
			)
			if markErr := r.repo.markFailed(ctx, r.db, rec.ID, err.Error()); markErr != nil {
				return published, markErr
			}
			continue
		}

		if err := r.repo.markPublished(ctx, r.db, rec.ID, r.clock.Now()); err != nil {
			return published, err
		}
		r.metrics.IncRouterDispatched(string(rec.EventType), "ok")
		r.metrics.ObserveRouterLag(r.clock.Now().Sub(rec.CreatedAt))
		published++
	}
	return published, nil
}

func (r *Router) dispatch(ctx context.Context, rec Record) error {
	for _, h := range r.handlers {
		if err := h.Handle(ctx, rec); err != nil {
			return fmt.Errorf("%s: %w", h.Name(), err)
		}
	}
	return nil
}

// Run dispatches on every outbox wakeup and on the poll interval until ctx ends.
func (r *Router) Run(ctx context.Context) {
	interval := r.cfg.Get().Router.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for {
			n, err := r.DispatchOnce(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.log.Error("dispatch batch failed", zap.Error(err))
				}
				break
			}
			if n < r.cfg.Get().Router.BatchSize {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-r.outbox.Wakeup():
		case <-ticker.C:
		}
	}
}

func (r *Router) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Run(ctx)
	}()
}

func (r *Router) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func leaseWindow(poll time.Duration) time.Duration {
	if poll < time.Second {
		poll = time.Second
	}
	return 30 * poll
}
