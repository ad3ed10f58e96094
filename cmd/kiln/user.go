package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/kiln/api/v1alpha1"
)

var userAddAdmin bool

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage kiln users",
}

func init() {
	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userListCmd)

	userAddCmd.Flags().BoolVar(&userAddAdmin, "admin", false, "grant the admin role")
	addOutputFlags(userListCmd)
}

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Register a user",
	Long: `Register a kiln user. Roles cannot be changed later.

The first user may be added by anyone and should be an admin; after that
only admins may add users.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role := v1alpha1.RoleUser
		if userAddAdmin {
			role = v1alpha1.RoleAdmin
		}

		ctx := cmd.Context()
		return withApp(ctx, func(a *app) error {
			if err := requireAdminUnlessEmpty(ctx, a); err != nil {
				return err
			}
			u, err := a.store.CreateUser(ctx, args[0], role)
			if err != nil {
				return fmt.Errorf("failed to add user: %w", err)
			}
			fmt.Printf("✓ User %s added (id %d, role %s)\n", u.Username, u.ID, u.Role)
			return nil
		})
	},
}

func requireAdminUnlessEmpty(ctx context.Context, a *app) error {
	users, err := a.store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}
	if len(users) == 0 {
		return nil
	}
	caller, err := a.caller(ctx)
	if err != nil {
		return err
	}
	if !caller.IsAdmin() {
		return fmt.Errorf("%w: only admins may add users", v1alpha1.ErrForbidden)
	}
	return nil
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users (admin only)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		formatter, err := newFormatter()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		return withCaller(ctx, func(a *app, caller v1alpha1.Caller) error {
			if !caller.IsAdmin() {
				return fmt.Errorf("%w: only admins may list users", v1alpha1.ErrForbidden)
			}
			users, err := a.store.ListUsers(ctx)
			if err != nil {
				return fmt.Errorf("failed to list users: %w", err)
			}
			out, err := formatter.FormatUserList(users)
			if err != nil {
				return fmt.Errorf("failed to format output: %w", err)
			}
			fmt.Print(out)
			return nil
		})
	},
}
