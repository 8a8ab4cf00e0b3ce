package reconcile

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type pool struct {
	pipeline *Pipeline
	workers  int
	cancel   context.CancelFunc
	done     chan error
}

func (p *pool) start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error { return p.pipeline.run(gctx) })
	}
	go func() { p.done <- g.Wait() }()
}

func (p *pool) stop(ctx context.Context) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func registerPool(lc fx.Lifecycle, pipeline *Pipeline) {
	workers := pipeline.workers
	if workers <= 0 {
		workers = 8
	}
	wp := &pool{pipeline: pipeline, workers: workers}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			wp.start()
			pipeline.log.Info("reconcile workers started", zap.Int("workers", workers))
			return nil
		},
		OnStop: wp.stop,
	})
}
