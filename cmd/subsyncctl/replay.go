package main

import (
	"context"
	"fmt"

	gatewaydomain "github.com/smallbiznis/subsync/internal/gateway/domain"
	"github.com/smallbiznis/subsync/internal/reconcile"
	"github.com/spf13/cobra"
)

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay [gateway] [idempotency-key]",
		Short: "Re-admit a FAILED notification and process it inline",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			gw, err := gatewaydomain.ParseGateway(args[0])
			if err != nil {
				return err
			}
			return withServices(cmd, func(ctx context.Context, pipeline *reconcile.Pipeline) error {
				row, err := pipeline.Replay(ctx, gw, args[1])
				if err != nil {
					return err
				}
				result, err := pipeline.Process(ctx, reconcile.Job{Gateway: gw, Key: row.IdempotencyKey})
				if err != nil {
					return fmt.Errorf("replay %s/%s: %w", gw, row.IdempotencyKey, err)
				}
				return printJSON(result)
			})
		},
	}
}
