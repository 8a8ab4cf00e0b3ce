package main

import (
	"context"

	accountdomain "github.com/smallbiznis/subsync/internal/account/domain"
	txmappingdomain "github.com/smallbiznis/subsync/internal/txmapping/domain"
	"github.com/spf13/cobra"
)

func usersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage user accounts",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create [email]",
		Short: "Create a user so purchases can be linked to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, svc accountdomain.Service) error {
				user, err := svc.Create(ctx, accountdomain.CreateUserRequest{Email: args[0]})
				if err != nil {
					return err
				}
				return printJSON(user)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get [email]",
		Short: "Look up a user and its transaction mappings by email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, func(ctx context.Context, svc accountdomain.Service, resolver txmappingdomain.Resolver) error {
				user, err := svc.GetByEmail(ctx, args[0])
				if err != nil {
					return err
				}
				mappings, err := resolver.ListByUser(ctx, user.ID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"user":                 user,
					"transaction_mappings": mappings,
				})
			})
		},
	})
	return cmd
}
