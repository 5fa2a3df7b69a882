package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/haricheung/replan/internal/store"
	"github.com/haricheung/replan/internal/suggest"
	"github.com/haricheung/replan/internal/types"
	"github.com/haricheung/replan/internal/ui"
)

var dateLayouts = []string{
	suggest.DateLayout,
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02",
}

// parseWhen reads a date typed on the command line in loc.
//
// Expectations:
//   - Accepts YYYY-MM-DDTHH:mm:ss, "YYYY-MM-DD HH:mm", YYYY-MM-DDTHH:mm and YYYY-MM-DD
//   - Accepts RFC 3339 with an explicit offset
//   - Date-only input is midnight in loc
//   - Anything else is an error listing the accepted forms
func parseWhen(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse date %q (use YYYY-MM-DD or YYYY-MM-DD HH:MM)", s)
}

// findOwned resolves an id or unique id prefix among the owner's tasks.
//
// Expectations:
//   - An exact id match wins even when it is also a prefix of another id
//   - A unique prefix resolves to its task
//   - An ambiguous prefix is an error
//   - No match returns store.ErrNotFound
func findOwned(tasks []types.Task, ref string) (types.Task, error) {
	var matches []types.Task
	for _, t := range tasks {
		if t.ID == ref {
			return t, nil
		}
		if strings.HasPrefix(t.ID, ref) {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 0:
		return types.Task{}, fmt.Errorf("%w: %s", store.ErrNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		return types.Task{}, fmt.Errorf("task reference %q is ambiguous (%d matches)", ref, len(matches))
	}
}

func tasksCmd(opts *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List and edit your tasks",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return requireUser(opts)
		},
	}
	cmd.AddCommand(tasksListCmd(opts), tasksAddCmd(opts), tasksDoneCmd(opts), tasksRmCmd(opts))
	return cmd
}

func tasksListCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show your tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, false, func(ctx context.Context, a *app) error {
				tasks, err := a.store.ListByOwner(ctx, opts.user)
				if err != nil {
					return err
				}
				ui.RenderTasks(os.Stdout, tasks, a.loc)
				return nil
			})
		},
	}
}

func tasksAddCmd(opts *globalOpts) *cobra.Command {
	var (
		deadline, at, description, priority, difficulty string
		duration                                         int
	)
	cmd := &cobra.Command{
		Use:   "add <title...>",
		Short: "Create a task",
		Long: `Create a task.

Examples:
  replan tasks add "Write report" --deadline 2025-01-10
  replan tasks add Gym --deadline "2025-01-04 20:00" --at "2025-01-04 18:00" --duration 60 --priority low`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, false, func(ctx context.Context, a *app) error {
				t := types.Task{
					ID:              uuid.New().String(),
					Title:           strings.Join(args, " "),
					Description:     description,
					DurationMinutes: duration,
					OwnerID:         opts.user,
				}
				var err error
				if t.Deadline, err = parseWhen(deadline, a.loc); err != nil {
					return err
				}
				if at != "" {
					sched, err := parseWhen(at, a.loc)
					if err != nil {
						return err
					}
					t.ScheduledAt = &sched
				}
				if priority != "" {
					if t.Priority, err = types.ParsePriority(priority); err != nil {
						return err
					}
				}
				if difficulty != "" {
					if t.Difficulty, err = types.ParseDifficulty(difficulty); err != nil {
						return err
					}
				}
				saved, err := a.store.Upsert(ctx, t)
				if err != nil {
					return err
				}
				ui.RenderTasks(os.Stdout, []types.Task{saved}, a.loc)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&deadline, "deadline", "", "deadline (required)")
	f.StringVar(&at, "at", "", "scheduled start")
	f.StringVar(&description, "description", "", "free-text description")
	f.IntVar(&duration, "duration", 0, "duration in minutes (default 30)")
	f.StringVar(&priority, "priority", "", "low|medium|high|urgent or 1-4")
	f.StringVar(&difficulty, "difficulty", "", "easy|medium|hard|expert or 1-4")
	_ = cmd.MarkFlagRequired("deadline")
	return cmd
}

func tasksDoneCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "done <id>",
		Short: "Mark a task completed (id or unique prefix)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, false, func(ctx context.Context, a *app) error {
				tasks, err := a.store.ListByOwner(ctx, opts.user)
				if err != nil {
					return err
				}
				t, err := findOwned(tasks, args[0])
				if err != nil {
					return err
				}
				t.Completed = true
				saved, err := a.store.Upsert(ctx, t)
				if err != nil {
					return err
				}
				ui.RenderTasks(os.Stdout, []types.Task{saved}, a.loc)
				return nil
			})
		},
	}
}

func tasksRmCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a task (id or unique prefix)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, false, func(ctx context.Context, a *app) error {
				tasks, err := a.store.ListByOwner(ctx, opts.user)
				if err != nil {
					return err
				}
				t, err := findOwned(tasks, args[0])
				if err != nil {
					return err
				}
				if err := a.store.Delete(ctx, t.ID); err != nil {
					return err
				}
				fmt.Printf("Deleted %q.\n", t.Title)
				return nil
			})
		},
	}
}
