package reconcile

import (
	"fmt"

	"github.com/haricheung/replan/internal/types"
)

// Status is the non-error result of a reconciliation.
type Status string

const (
	StatusApplied       Status = "applied"
	StatusNoTasks       Status = "no_tasks"
	StatusNoSuggestions Status = "no_suggestions"
	StatusNoChanges     Status = "no_changes"
)

// Outcome reports a reconciliation that did not fail.
type Outcome struct {
	RunID            string       `json:"run_id"`
	Status           Status       `json:"status"`
	Candidates       int          `json:"candidates"`
	Changed          int          `json:"changed"`
	ExceededDeadline int          `json:"exceeded_deadline"`
	Dropped          int          `json:"dropped"`
	Tokens           int          `json:"tokens"` // prompt + completion tokens spent by the reasoner
	Tasks            []types.Task `json:"tasks,omitempty"` // persisted copies, StatusApplied only
}

// Summary renders the single message shown to the user.
//
// Expectations:
//   - Applied reports the changed count and, when non-zero, the deadline warning
//   - NoTasks and NoSuggestions read differently
//   - NoChanges says the data already matches
func (o Outcome) Summary() string {
	switch o.Status {
	case StatusNoTasks:
		return "You have no tasks to reorganize."
	case StatusNoSuggestions:
		return "The assistant suggested no changes."
	case StatusNoChanges:
		return "Your tasks already match the suggested plan; nothing was changed."
	case StatusApplied:
		s := fmt.Sprintf("Rescheduled %d %s.", o.Changed, plural(o.Changed, "task", "tasks"))
		if o.ExceededDeadline > 0 {
			s += fmt.Sprintf(" Warning: %d %s scheduled after %s deadline.",
				o.ExceededDeadline,
				plural(o.ExceededDeadline, "task is", "tasks are"),
				plural(o.ExceededDeadline, "its", "their"))
		}
		return s
	default:
		return string(o.Status)
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
