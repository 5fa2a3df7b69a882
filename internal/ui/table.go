package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/haricheung/replan/internal/reconcile"
	"github.com/haricheung/replan/internal/types"
)

const (
	idWidth    = 8
	titleWidth = 36
	dateLayout = "2006-01-02 15:04"
)

type column struct {
	header string
	width  int
}

var taskColumns = []column{
	{"ID", idWidth},
	{"TITLE", titleWidth},
	{"SCHEDULED", len(dateLayout)},
	{"DEADLINE", len(dateLayout)},
	{"MIN", 4},
	{"PRIORITY", 8},
	{"", 4},
}

// RenderTasks writes tasks as an aligned table with times shown in loc.
// Wide characters in titles are measured in terminal cells.
//
// Expectations:
//   - Prints "No tasks." for an empty list
//   - Columns line up regardless of title script
//   - Long titles are clipped with "…"
//   - Tasks scheduled after their deadline are flagged "late"; completed ones "done"
//   - Unscheduled tasks show "-" in the SCHEDULED column
func RenderTasks(w io.Writer, tasks []types.Task, loc *time.Location) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks.")
		return
	}
	headers := make([]string, len(taskColumns))
	for i, c := range taskColumns {
		headers[i] = c.header
	}
	fmt.Fprintln(w, ansiBold+formatRow(headers)+ansiReset)
	for _, t := range tasks {
		fmt.Fprintln(w, formatRow(taskCells(t, loc)))
	}
}

func taskCells(t types.Task, loc *time.Location) []string {
	sched := "-"
	if t.ScheduledAt != nil {
		sched = t.ScheduledAt.In(loc).Format(dateLayout)
	}
	flag := ""
	switch {
	case t.Completed:
		flag = "done"
	case t.PastDeadline():
		flag = "late"
	}
	return []string{
		shortID(t.ID),
		t.Title,
		sched,
		t.Deadline.In(loc).Format(dateLayout),
		fmt.Sprint(t.DurationMinutes),
		t.Priority.String(),
		flag,
	}
}

func formatRow(cells []string) string {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		width := taskColumns[i].width
		parts[i] = runewidth.FillRight(clip(cell, width), width)
	}
	return strings.TrimRight(strings.Join(parts, "  "), " ")
}

func shortID(id string) string {
	if len(id) <= idWidth {
		return id
	}
	return id[:idWidth]
}

// RenderOutcome writes the one-line summary of a successful reconciliation
// followed by the rescheduled tasks.
//
// Expectations:
//   - The summary line is green, or yellow when a task exceeded its deadline
//   - Applied outcomes list the persisted tasks
func RenderOutcome(w io.Writer, out reconcile.Outcome, loc *time.Location) {
	color := ansiGreen
	if out.ExceededDeadline > 0 {
		color = ansiYellow
	}
	fmt.Fprintf(w, "%s%s%s\n", color, out.Summary(), ansiReset)
	if out.Status == reconcile.StatusApplied && len(out.Tasks) > 0 {
		RenderTasks(w, out.Tasks, loc)
	}
}

// RenderError writes the user-facing message of err. Failures show their
// safe message; any other error is printed as is.
func RenderError(w io.Writer, err error) {
	msg := err.Error()
	if f, ok := reconcile.AsFailure(err); ok {
		msg = f.Message
	}
	fmt.Fprintf(w, "%s✗ %s%s\n", ansiRed, msg, ansiReset)
}
