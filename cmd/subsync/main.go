package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subsync/internal/account"
	"github.com/smallbiznis/subsync/internal/audit"
	"github.com/smallbiznis/subsync/internal/cache"
	"github.com/smallbiznis/subsync/internal/clock"
	"github.com/smallbiznis/subsync/internal/config"
	"github.com/smallbiznis/subsync/internal/entitlement"
	"github.com/smallbiznis/subsync/internal/events"
	"github.com/smallbiznis/subsync/internal/gateway"
	"github.com/smallbiznis/subsync/internal/migration"
	"github.com/smallbiznis/subsync/internal/notification"
	"github.com/smallbiznis/subsync/internal/observability"
	"github.com/smallbiznis/subsync/internal/plan"
	"github.com/smallbiznis/subsync/internal/reconcile"
	"github.com/smallbiznis/subsync/internal/scheduler"
	"github.com/smallbiznis/subsync/internal/server"
	"github.com/smallbiznis/subsync/internal/subscription"
	"github.com/smallbiznis/subsync/internal/txmapping"
	"github.com/smallbiznis/subsync/internal/webhook"
	"github.com/smallbiznis/subsync/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		cache.Module,

		// Reconciliation
		gateway.Module,
		account.Module,
		notification.Module,
		txmapping.Module,
		plan.Module,
		subscription.Module,
		reconcile.Module,

		// Operator audit trail
		audit.Module,

		// Post-commit side effects
		events.Module,
		entitlement.Module,
		webhook.Module,

		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
