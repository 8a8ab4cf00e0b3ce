package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subsync/internal/config"
	webhookdomain "github.com/smallbiznis/subsync/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Queue hands delivery ids to the worker pool. A full queue drops the id; the
// sweep picks the row up from the database.
type Queue struct {
	ch chan snowflake.ID
}

func NewQueue(cfg config.Config) *Queue {
	size := cfg.Workers.WebhookQueueSize
	if size <= 0 {
		size = 256
	}
	return &Queue{ch: make(chan snowflake.ID, size)}
}

func (q *Queue) Enqueue(id snowflake.ID) bool {
	if q == nil {
		return false
	}
	select {
	case q.ch <- id:
		return true
	default:
		return false
	}
}

type WorkerPoolParams struct {
	fx.In

	Queue   *Queue
	Service webhookdomain.Service
	Config  config.Config
	Log     *zap.Logger
}

type WorkerPool struct {
	queue   *Queue
	svc     webhookdomain.Service
	workers int
	log     *zap.Logger

	cancel context.CancelFunc
	done   chan error
}

func NewWorkerPool(p WorkerPoolParams) *WorkerPool {
	workers := p.Config.Workers.WebhookWorkers
	if workers <= 0 {
		workers = 4
	}
	return &WorkerPool{
		queue:   p.Queue,
		svc:     p.Service,
		workers: workers,
		log:     p.Log.Named("webhook.workers"),
	}
}

func (w *WorkerPool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan error, 1)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case id := <-w.queue.ch:
					if _, err := w.svc.Deliver(gctx, id); err != nil && !errors.Is(err, context.Canceled) {
						w.log.Warn("delivery pass failed", zap.String("delivery_id", id.String()), zap.Error(err))
					}
				}
			}
		})
	}
	go func() { w.done <- g.Wait() }()
	w.log.Info("webhook workers started", zap.Int("workers", w.workers))
}

func (w *WorkerPool) Stop(ctx context.Context) error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
