package events

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("events",
	fx.Provide(NewOutbox),
	fx.Provide(NewRouter),
	fx.Invoke(registerRouter),
)

// AsHandler registers a constructor's result in the router's handler group.
func AsHandler(constructor any) any {
	return fx.Annotate(
		constructor,
		fx.As(new(Handler)),
		fx.ResultTags(`group:"event_handlers"`),
	)
}

func registerRouter(lc fx.Lifecycle, r *Router) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			r.Start()
			return nil
		},
		OnStop: r.Stop,
	})
}
