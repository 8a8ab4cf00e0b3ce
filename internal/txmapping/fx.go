package txmapping

import (
	"github.com/smallbiznis/subsync/internal/txmapping/repository"
	"github.com/smallbiznis/subsync/internal/txmapping/service"
	"go.uber.org/fx"
)

var Module = fx.Module("txmapping.resolver",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
