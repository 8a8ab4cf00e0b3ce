package main

import (
	"context"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/subsync/internal/subscription/domain"
	"github.com/spf13/cobra"
)

func subscriptionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscription",
		Short: "Inspect and repair a user's subscription",
	}
	cmd.AddCommand(subscriptionGetCmd())
	cmd.AddCommand(subscriptionResetCmd())
	cmd.AddCommand(subscriptionRenewCmd())
	return cmd
}

func subscriptionGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [user-id]",
		Short: "Show the subscription bound to a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := snowflake.ParseString(args[0])
			if err != nil {
				return err
			}
			return withServices(cmd, func(ctx context.Context, svc subscriptiondomain.Service) error {
				sub, err := svc.GetByUser(ctx, userID)
				if err != nil {
					return err
				}
				return printJSON(sub)
			})
		},
	}
}

func subscriptionResetCmd() *cobra.Command {
	var planRef string
	cmd := &cobra.Command{
		Use:   "reset [user-id]",
		Short: "Reset a user to a fresh plan and clear its provider binding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := snowflake.ParseString(args[0])
			if err != nil {
				return err
			}
			return withServices(cmd, func(ctx context.Context, svc subscriptiondomain.Service) error {
				sub, err := svc.Reset(ctx, subscriptiondomain.ResetRequest{UserID: userID, PlanRef: planRef})
				if err != nil {
					return err
				}
				return printJSON(sub)
			})
		},
	}
	cmd.Flags().StringVar(&planRef, "plan", "", "plan reference (defaults to the catalog default)")
	return cmd
}

func subscriptionRenewCmd() *cobra.Command {
	var planRef string
	cmd := &cobra.Command{
		Use:   "renew [user-id]",
		Short: "Extend a user's subscription by one plan period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := snowflake.ParseString(args[0])
			if err != nil {
				return err
			}
			return withServices(cmd, func(ctx context.Context, svc subscriptiondomain.Service) error {
				sub, err := svc.RenewByOperator(ctx, subscriptiondomain.RenewRequest{UserID: userID, PlanRef: planRef})
				if err != nil {
					return err
				}
				return printJSON(sub)
			})
		},
	}
	cmd.Flags().StringVar(&planRef, "plan", "", "plan reference (defaults to the current plan)")
	return cmd
}
