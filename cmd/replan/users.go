package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haricheung/replan/internal/calendar"
	"github.com/haricheung/replan/internal/store"
	"github.com/haricheung/replan/internal/types"
)

func usersCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage users and their entitlement",
	}
	var entitled bool
	add := &cobra.Command{
		Use:   "add <id>",
		Short: "Register a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, false, func(ctx context.Context, a *app) error {
				return setEntitlement(ctx, a.store, args[0], entitled, false)
			})
		},
	}
	add.Flags().BoolVar(&entitled, "entitled", false, "grant assistant access immediately")

	grant := &cobra.Command{
		Use:   "grant <id>",
		Short: "Allow a user to use the assistant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, false, func(ctx context.Context, a *app) error {
				return setEntitlement(ctx, a.store, args[0], true, true)
			})
		},
	}
	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Withdraw a user's assistant access",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, false, func(ctx context.Context, a *app) error {
				return setEntitlement(ctx, a.store, args[0], false, true)
			})
		},
	}
	cmd.AddCommand(add, grant, revoke)
	return cmd
}

// userStore is the user half of *store.Store.
type userStore interface {
	GetUser(ctx context.Context, id string) (types.User, error)
	PutUser(ctx context.Context, u types.User) error
}

// setEntitlement creates or updates a user record.
//
// Expectations:
//   - Creates the user when it does not exist
//   - With mustExist, an unknown user is an error
//   - Keeps CreatedAt of an existing user
func setEntitlement(ctx context.Context, users userStore, id string, entitled, mustExist bool) error {
	id = strings.TrimSpace(id)
	u, err := users.GetUser(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if mustExist {
			return fmt.Errorf("user %q not found (use `replan users add`)", id)
		}
		u = types.User{ID: id}
	case err != nil:
		return err
	}
	u.Entitled = entitled
	if err := users.PutUser(ctx, u); err != nil {
		return err
	}
	fmt.Printf("%s: entitled=%t\n", id, entitled)
	return nil
}

func calendarCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calendar",
		Short: "Google Calendar integration",
	}
	auth := &cobra.Command{
		Use:   "auth",
		Short: "Authorize replan to write to your Google Calendar",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, false, func(ctx context.Context, a *app) error {
				oc, err := calendar.OAuthConfig(a.cfg.Calendar)
				if err != nil {
					return err
				}
				fmt.Printf("Open this URL in your browser and paste the code shown:\n%s\n\ncode: ", calendar.AuthURL(oc))
				code, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil {
					return fmt.Errorf("read code: %w", err)
				}
				if err := calendar.Exchange(ctx, oc, strings.TrimSpace(code), a.cfg.Calendar.TokenFile); err != nil {
					return err
				}
				fmt.Printf("Token saved to %s\n", a.cfg.Calendar.TokenFile)
				return nil
			})
		},
	}
	cmd.AddCommand(auth)
	return cmd
}
