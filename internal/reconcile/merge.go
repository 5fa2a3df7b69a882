package reconcile

import (
	"time"

	"github.com/haricheung/replan/internal/suggest"
	"github.com/haricheung/replan/internal/types"
)

// Drop reasons recorded for candidates the merge refused.
const (
	ReasonMissingID     = "missing_id"
	ReasonUnknownID     = "unknown_id"
	ReasonOwnerMismatch = "owner_mismatch"
)

// Mergeable field names, as they appear in the reasoner's projection.
const (
	FieldScheduledAt     = "scheduledAt"
	FieldDurationMinutes = "durationMinutes"
	FieldCompleted       = "completed"
	FieldPriority        = "priority"
)

// Change names the fields a merge assigned on one task.
type Change struct {
	TaskID string   `json:"task_id"`
	Fields []string `json:"fields"`
}

// Drop is one candidate the merge refused.
type Drop struct {
	Row    int    `json:"row"`
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

// MergeResult is the outcome of applying candidates to an owner's tasks.
type MergeResult struct {
	Dirty            []types.Task // tasks to persist, first-touch order
	Changes          []Change     // parallel to Dirty
	Changed          int
	ExceededDeadline int
	Dropped          []Drop
}

// Merge applies candidates to copies of owned. It never mutates owned.
//
// Only scheduledAt, durationMinutes, completed and priority may change; a nil
// candidate field means no opinion. Candidates are applied in order to the same
// working copies, so a later candidate for a task sees earlier assignments.
//
// Expectations:
//   - Drops candidates with a blank id (missing_id), an id not in owned (unknown_id),
//     or a task whose owner is not ownerID (owner_mismatch)
//   - Assigns a field only when the candidate value differs by exact equality
//     (instants compared with time.Equal)
//   - Never alters title, description, deadline, difficulty, owner or id
//   - Ignores non-positive durations and out-of-range priorities
//   - Reports a task dirty once, only if its final state differs from the stored one
//   - Counts every candidate that schedules its task strictly after the task deadline
//   - Re-applying the same candidates to the merged tasks yields Changed == 0
func Merge(owned []types.Task, candidates []suggest.Candidate, ownerID string) MergeResult {
	work := make([]types.Task, len(owned))
	index := make(map[string]int, len(owned))
	for i, t := range owned {
		work[i] = t
		if t.ScheduledAt != nil {
			s := *t.ScheduledAt
			work[i].ScheduledAt = &s
		}
		index[t.ID] = i
	}

	var res MergeResult
	var touched []int
	seen := make(map[int]bool)

	for _, c := range candidates {
		if c.ID == "" {
			res.Dropped = append(res.Dropped, Drop{Row: c.Row, Reason: ReasonMissingID})
			continue
		}
		i, ok := index[c.ID]
		if !ok {
			res.Dropped = append(res.Dropped, Drop{Row: c.Row, TaskID: c.ID, Reason: ReasonUnknownID})
			continue
		}
		t := &work[i]
		if t.OwnerID != ownerID {
			res.Dropped = append(res.Dropped, Drop{Row: c.Row, TaskID: c.ID, Reason: ReasonOwnerMismatch})
			continue
		}

		if c.ScheduledAt != nil {
			if !sameInstant(t.ScheduledAt, c.ScheduledAt) {
				s := c.ScheduledAt.Truncate(time.Second)
				t.ScheduledAt = &s
			}
			if c.ScheduledAt.After(t.Deadline) {
				res.ExceededDeadline++
			}
		}
		if c.DurationMinutes != nil && *c.DurationMinutes > 0 && *c.DurationMinutes != t.DurationMinutes {
			t.DurationMinutes = *c.DurationMinutes
		}
		if c.Completed != nil && *c.Completed != t.Completed {
			t.Completed = *c.Completed
		}
		if c.Priority != nil && c.Priority.Valid() && *c.Priority != t.Priority {
			t.Priority = *c.Priority
		}
		if !seen[i] {
			seen[i] = true
			touched = append(touched, i)
		}
	}

	for _, i := range touched {
		fields := diffFields(&owned[i], &work[i])
		if len(fields) == 0 {
			continue
		}
		res.Dirty = append(res.Dirty, work[i])
		res.Changes = append(res.Changes, Change{TaskID: work[i].ID, Fields: fields})
	}
	res.Changed = len(res.Dirty)
	return res
}

// diffFields lists the mergeable fields that differ between before and after.
func diffFields(before, after *types.Task) []string {
	var fields []string
	if !sameInstant(before.ScheduledAt, after.ScheduledAt) {
		fields = append(fields, FieldScheduledAt)
	}
	if before.DurationMinutes != after.DurationMinutes {
		fields = append(fields, FieldDurationMinutes)
	}
	if before.Completed != after.Completed {
		fields = append(fields, FieldCompleted)
	}
	if before.Priority != after.Priority {
		fields = append(fields, FieldPriority)
	}
	return fields
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
