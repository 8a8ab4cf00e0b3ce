package notification

import (
	"github.com/smallbiznis/subsync/internal/notification/repository"
	"github.com/smallbiznis/subsync/internal/notification/service"
	"go.uber.org/fx"
)

var Module = fx.Module("notification.ledger",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
