package webhook

import (
	"context"

	"github.com/smallbiznis/subsync/internal/config"
	"github.com/smallbiznis/subsync/internal/events"
	"github.com/smallbiznis/subsync/internal/webhook/repository"
	"github.com/smallbiznis/subsync/internal/webhook/service"
	"github.com/smallbiznis/subsync/pkg/secretbox"
	"go.uber.org/fx"
)

var Module = fx.Module("webhook",
	fx.Provide(newSecretBox),
	fx.Provide(repository.Provide),
	fx.Provide(service.NewQueue),
	fx.Provide(service.New),
	fx.Provide(service.NewWorkerPool),
	fx.Provide(events.AsHandler(service.NewEventHandler)),
	fx.Invoke(registerWorkers),
)

func newSecretBox(cfg config.Config) *secretbox.Box {
	return secretbox.New(cfg.SecretKey)
}

func registerWorkers(lc fx.Lifecycle, pool *service.WorkerPool) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			pool.Start()
			return nil
		},
		OnStop: pool.Stop,
	})
}
