package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subsync/internal/account"
	"github.com/smallbiznis/subsync/internal/cache"
	"github.com/smallbiznis/subsync/internal/clock"
	"github.com/smallbiznis/subsync/internal/config"
	"github.com/smallbiznis/subsync/internal/events"
	"github.com/smallbiznis/subsync/internal/gateway"
	"github.com/smallbiznis/subsync/internal/notification"
	"github.com/smallbiznis/subsync/internal/observability"
	"github.com/smallbiznis/subsync/internal/plan"
	"github.com/smallbiznis/subsync/internal/reconcile"
	"github.com/smallbiznis/subsync/internal/subscription"
	"github.com/smallbiznis/subsync/internal/txmapping"
	"github.com/smallbiznis/subsync/internal/webhook"
	"github.com/smallbiznis/subsync/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var Version = "dev"

var commandTimeout time.Duration

func main() {
	rootCmd := &cobra.Command{
		Use:           "subsyncctl",
		Short:         "Operator tooling for subscription reconciliation",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().DurationVar(&commandTimeout, "timeout", 30*time.Second, "deadline for the command")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(usersCmd())
	rootCmd.AddCommand(subscriptionCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(deliveriesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withServices builds the service graph without starting workers, the
// scheduler or the HTTP listener, then runs fn against it.
func withServices(cmd *cobra.Command, fn any) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()

	app := fx.New(
		fx.NopLogger,
		config.Module,
		observability.Module,
		fx.Provide(func(cfg config.Config) (*snowflake.Node, error) {
			return snowflake.NewNode(cfg.SnowflakeNode)
		}),
		db.Module,
		clock.Module,
		cache.Module,
		gateway.Module,
		account.Module,
		notification.Module,
		txmapping.Module,
		plan.Module,
		subscription.Module,
		reconcile.Module,
		events.Module,
		webhook.Module,
		fx.Provide(func() context.Context { return ctx }),
		fx.Invoke(fn),
	)
	return app.Err()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
