package main

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	webhookdomain "github.com/smallbiznis/subsync/internal/webhook/domain"
	"github.com/spf13/cobra"
)

func deliveriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deliveries",
		Short: "Inspect and retry outbound webhook deliveries",
	}
	cmd.AddCommand(deliveriesListCmd())
	cmd.AddCommand(deliveriesAttemptsCmd())
	cmd.AddCommand(deliveriesRetryCmd())
	return cmd
}

func deliveriesListCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deliveries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := webhookdomain.DeliveryFilter{
				Status: webhookdomain.DeliveryStatus(strings.ToUpper(strings.TrimSpace(status))),
				Limit:  limit,
			}
			return withServices(cmd, func(ctx context.Context, svc webhookdomain.Service) error {
				items, err := svc.ListDeliveries(ctx, filter)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "PENDING, PENDING_RETRY, SUCCESS or FAILED")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum results")
	return cmd
}

func deliveriesAttemptsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attempts [delivery-id]",
		Short: "Show the attempt history of a delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := snowflake.ParseString(args[0])
			if err != nil {
				return err
			}
			return withServices(cmd, func(ctx context.Context, svc webhookdomain.Service) error {
				items, err := svc.ListAttempts(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
}

func deliveriesRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry [delivery-id]",
		Short: "Re-arm a FAILED delivery and attempt it once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := snowflake.ParseString(args[0])
			if err != nil {
				return err
			}
			return withServices(cmd, func(ctx context.Context, svc webhookdomain.Service) error {
				if _, err := svc.RetryDelivery(ctx, id); err != nil {
					return err
				}
				result, err := svc.Deliver(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
}
