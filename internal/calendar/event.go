package calendar

import (
	"fmt"
	"time"

	gcal "google.golang.org/api/calendar/v3"

	"github.com/haricheung/replan/internal/types"
)

// taskIDProperty is the private extended property linking an event to its task.
const taskIDProperty = "replan_task_id"

// wantsEvent reports whether task should have a calendar event at all.
func wantsEvent(task types.Task) bool {
	return task.ScheduledAt != nil && !task.Completed
}

// toEvent renders a scheduled task as a calendar event in loc.
//
// Expectations:
//   - Start is ScheduledAt and End is ScheduledAt plus the duration
//   - Tasks scheduled after their deadline get a "!" summary prefix
//   - The task id is stored in a private extended property
func toEvent(task types.Task, loc *time.Location) *gcal.Event {
	start := task.ScheduledAt.In(loc)
	end := start.Add(time.Duration(task.DurationMinutes) * time.Minute)

	summary := task.Title
	if task.PastDeadline() {
		summary = "! " + summary
	}
	desc := fmt.Sprintf("Deadline: %s\nPriority: %s", task.Deadline.In(loc).Format("2006-01-02 15:04"), task.Priority)
	if task.Description != "" {
		desc = task.Description + "\n\n" + desc
	}

	return &gcal.Event{
		Summary:     summary,
		Description: desc,
		Start:       &gcal.EventDateTime{DateTime: start.Format(time.RFC3339), TimeZone: loc.String()},
		End:         &gcal.EventDateTime{DateTime: end.Format(time.RFC3339), TimeZone: loc.String()},
		ExtendedProperties: &gcal.EventExtendedProperties{
			Private: map[string]string{taskIDProperty: task.ID},
		},
	}
}

// eventPatch returns the fields of target that differ from existing, or nil
// when the event is already up to date.
//
// Expectations:
//   - Returns nil for an identical event
//   - Start and End are compared as instants, not strings
//   - An unparsable existing time is treated as different
func eventPatch(existing, target *gcal.Event) *gcal.Event {
	patch := &gcal.Event{}
	needed := false
	if existing.Summary != target.Summary {
		patch.Summary = target.Summary
		needed = true
	}
	if existing.Description != target.Description {
		patch.Description = target.Description
		needed = true
	}
	if !sameDateTime(existing.Start, target.Start) || !sameDateTime(existing.End, target.End) {
		patch.Start = target.Start
		patch.End = target.End
		needed = true
	}
	if !needed {
		return nil
	}
	return patch
}

func sameDateTime(a, b *gcal.EventDateTime) bool {
	if a == nil || b == nil {
		return a == b
	}
	ta, err := time.Parse(time.RFC3339, a.DateTime)
	if err != nil {
		return false
	}
	tb, err := time.Parse(time.RFC3339, b.DateTime)
	if err != nil {
		return false
	}
	return ta.Equal(tb)
}
