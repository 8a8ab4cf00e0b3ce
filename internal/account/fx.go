package account

import (
	"github.com/smallbiznis/subsync/internal/account/repository"
	"github.com/smallbiznis/subsync/internal/account/service"
	"go.uber.org/fx"
)

var Module = fx.Module("account.service",
	fx.Provide(repository.Provide),
	fx.Provide(repository.ProvideDirectory),
	fx.Provide(service.New),
)
