package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haricheung/replan/internal/ui"
	"github.com/haricheung/replan/internal/web"
)

// errReported marks a failure already rendered to the user.
var errReported = errors.New("")

// withApp loads the app, optionally starts the engine, and runs fn with a
// context cancelled on SIGINT/SIGTERM.
func withApp(cmd *cobra.Command, opts *globalOpts, engine bool, fn func(ctx context.Context, a *app) error) error {
	a, err := loadApp(opts)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer a.close(cancel)
	if engine {
		if err := a.startEngine(ctx); err != nil {
			return err
		}
	}
	return fn(ctx, a)
}

func requireUser(opts *globalOpts) error {
	if strings.TrimSpace(opts.user) == "" {
		return errors.New("no user: pass --user or set REPLAN_USER")
	}
	return nil
}

func serveCmd(opts *globalOpts) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the replan HTTP API.

Requests must carry an X-User-ID header set by the authenticating proxy.

Examples:
  replan serve
  replan serve --addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, true, func(ctx context.Context, a *app) error {
				if addr == "" {
					addr = a.cfg.HTTP.Addr
				}
				return web.NewServer(a.store, a.engine).Run(ctx, addr)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func reconcileCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [instruction...]",
		Short: "Ask the assistant to reschedule your tasks",
		Long: `Send your tasks and an optional instruction to the assistant and apply
the suggested schedule.

Examples:
  replan reconcile
  replan reconcile "I'm travelling until Wednesday, push everything after that"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(opts); err != nil {
				return err
			}
			return withApp(cmd, opts, true, func(ctx context.Context, a *app) error {
				return runReconcile(ctx, a, opts.user, strings.Join(args, " "))
			})
		},
	}
}

func runReconcile(ctx context.Context, a *app, user, instruction string) error {
	d := a.startDisplay(ctx, os.Stdout)
	out, err := a.engine.Reconcile(ctx, user, instruction)
	d.Settle(time.Second)
	if err != nil {
		ui.RenderError(os.Stdout, err)
		return errReported
	}
	ui.RenderOutcome(os.Stdout, out, a.loc)
	return nil
}

func askCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <question...>",
		Short: "Ask the assistant a free-text question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(opts); err != nil {
				return err
			}
			return withApp(cmd, opts, true, func(ctx context.Context, a *app) error {
				return runAsk(ctx, a, opts.user, strings.Join(args, " "))
			})
		},
	}
}

func runAsk(ctx context.Context, a *app, user, prompt string) error {
	answer, err := a.engine.Ask(ctx, user, prompt)
	if err != nil {
		ui.RenderError(os.Stdout, err)
		return errReported
	}
	fmt.Println(answer)
	return nil
}

func replCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Interactive session: list, reconcile and ask",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(opts); err != nil {
				return err
			}
			return withApp(cmd, opts, true, func(ctx context.Context, a *app) error {
				return runREPL(ctx, a, opts.user)
			})
		},
	}
}
