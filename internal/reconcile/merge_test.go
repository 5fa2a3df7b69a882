package reconcile

import (
	"testing"
	"time"

	"github.com/haricheung/replan/internal/suggest"
	"github.com/haricheung/replan/internal/types"
)

func at(s string) *time.Time {
	t, err := time.ParseInLocation(suggest.DateLayout, s, time.UTC)
	if err != nil {
		panic(err)
	}
	return &t
}

func ptr[T any](v T) *T { return &v }

// taskA is the canonical example: deadline 2025-01-10, unscheduled, priority Medium.
func taskA() types.Task {
	return types.Task{
		ID:              "A",
		Title:           "Write report",
		Description:     "quarterly",
		Deadline:        *at("2025-01-10T00:00:00"),
		DurationMinutes: 30,
		Priority:        types.PriorityMedium,
		Difficulty:      types.DifficultyHard,
		OwnerID:         "alice",
		Version:         1,
	}
}

func TestMerge_SetsDifferingFields(t *testing.T) {
	// Assigns a field only when the candidate value differs by exact equality
	owned := []types.Task{taskA()}
	c := suggest.Candidate{ID: "A", ScheduledAt: at("2025-01-05T09:00:00"), Priority: ptr(types.PriorityHigh)}
	res := Merge(owned, []suggest.Candidate{c}, "alice")

	if res.Changed != 1 || res.ExceededDeadline != 0 {
		t.Fatalf("changed=%d exceeded=%d, want 1/0", res.Changed, res.ExceededDeadline)
	}
	got := res.Dirty[0]
	if !got.ScheduledAt.Equal(*at("2025-01-05T09:00:00")) || got.Priority != types.PriorityHigh {
		t.Errorf("merged task = %+v", got)
	}
	if want := []string{FieldScheduledAt, FieldPriority}; !equalStrings(res.Changes[0].Fields, want) {
		t.Errorf("fields = %v, want %v", res.Changes[0].Fields, want)
	}
}

func TestMerge_ExceededDeadlineCounted(t *testing.T) {
	// Counts every candidate that schedules its task strictly after the task deadline
	owned := []types.Task{taskA()}
	c := suggest.Candidate{ID: "A", ScheduledAt: at("2025-01-12T00:00:00")}
	res := Merge(owned, []suggest.Candidate{c, c}, "alice")
	if res.Changed != 1 {
		t.Errorf("changed = %d, want 1", res.Changed)
	}
	if res.ExceededDeadline != 1 {
		t.Errorf("exceeded = %d, want 1", res.ExceededDeadline)
	}
	if !res.Dirty[0].ScheduledAt.Equal(*at("2025-01-12T00:00:00")) {
		t.Error("late schedule must still be applied")
	}
}

func TestMerge_ExceededDeadlineCountedPerCandidate(t *testing.T) {
	// Counts every candidate that schedules its task strictly after the task deadline
	cands := []suggest.Candidate{
		{ID: "A", ScheduledAt: at("2025-01-12T00:00:00")},
		{ID: "A", ScheduledAt: at("2025-01-13T00:00:00")},
	}
	res := Merge([]types.Task{taskA()}, cands, "alice")
	if res.Changed != 1 || res.ExceededDeadline != 2 {
		t.Errorf("changed=%d exceeded=%d, want 1/2", res.Changed, res.ExceededDeadline)
	}
}

func TestMerge_ScheduledAtDeadlineIsNotExceeded(t *testing.T) {
	res := Merge([]types.Task{taskA()}, []suggest.Candidate{{ID: "A", ScheduledAt: at("2025-01-10T00:00:00")}}, "alice")
	if res.ExceededDeadline != 0 {
		t.Errorf("exceeded = %d, want 0 for scheduling exactly at the deadline", res.ExceededDeadline)
	}
}

func TestMerge_NeverAltersOtherFields(t *testing.T) {
	// Never alters title, description, deadline, difficulty, owner or id
	owned := []types.Task{taskA()}
	c := suggest.Candidate{
		ID:              "A",
		ScheduledAt:     at("2025-01-05T09:00:00"),
		Deadline:        at("2030-01-01T00:00:00"),
		DurationMinutes: ptr(90),
		Completed:       ptr(true),
		Priority:        ptr(types.PriorityUrgent),
	}
	res := Merge(owned, []suggest.Candidate{c}, "alice")
	got, orig := res.Dirty[0], owned[0]
	if got.Title != orig.Title || got.Description != orig.Description || !got.Deadline.Equal(orig.Deadline) ||
		got.Difficulty != orig.Difficulty || got.OwnerID != orig.OwnerID || got.ID != orig.ID || got.Version != orig.Version {
		t.Errorf("non-mergeable field changed: %+v", got)
	}
	if got.DurationMinutes != 90 || !got.Completed || got.Priority != types.PriorityUrgent {
		t.Errorf("mergeable fields not applied: %+v", got)
	}
}

func TestMerge_DoesNotMutateInput(t *testing.T) {
	sched := *at("2025-01-03T10:00:00")
	a := taskA()
	a.ScheduledAt = &sched
	owned := []types.Task{a}
	Merge(owned, []suggest.Candidate{{ID: "A", ScheduledAt: at("2025-01-05T09:00:00"), Completed: ptr(true)}}, "alice")
	if !owned[0].ScheduledAt.Equal(*at("2025-01-03T10:00:00")) || owned[0].Completed {
		t.Errorf("input mutated: %+v", owned[0])
	}
}

func TestMerge_DropsInvalidCandidates(t *testing.T) {
	// Drops candidates with a blank id (missing_id), an id not in owned (unknown_id),
	// or a task whose owner is not ownerID (owner_mismatch)
	foreign := taskA()
	foreign.ID = "B"
	foreign.OwnerID = "bob"
	owned := []types.Task{taskA(), foreign}
	cands := []suggest.Candidate{
		{Row: 0, ScheduledAt: at("2025-01-05T09:00:00")},
		{Row: 1, ID: "ghost", Completed: ptr(true)},
		{Row: 2, ID: "B", Completed: ptr(true)},
		{Row: 3, ID: "A", Completed: ptr(true)},
	}
	res := Merge(owned, cands, "alice")
	if res.Changed != 1 || res.Dirty[0].ID != "A" {
		t.Errorf("expected only A to change, got %+v", res.Dirty)
	}
	want := []Drop{
		{Row: 0, Reason: ReasonMissingID},
		{Row: 1, TaskID: "ghost", Reason: ReasonUnknownID},
		{Row: 2, TaskID: "B", Reason: ReasonOwnerMismatch},
	}
	if len(res.Dropped) != len(want) {
		t.Fatalf("dropped = %+v", res.Dropped)
	}
	for i := range want {
		if res.Dropped[i] != want[i] {
			t.Errorf("drop[%d] = %+v, want %+v", i, res.Dropped[i], want[i])
		}
	}
}

func TestMerge_Idempotent(t *testing.T) {
	// Re-applying the same candidates to the merged tasks yields Changed == 0
	owned := []types.Task{taskA()}
	cands := []suggest.Candidate{{ID: "A", ScheduledAt: at("2025-01-05T09:00:00"), DurationMinutes: ptr(60), Priority: ptr(types.PriorityHigh)}}
	first := Merge(owned, cands, "alice")
	second := Merge(first.Dirty, cands, "alice")
	if second.Changed != 0 || len(second.Dirty) != 0 {
		t.Errorf("second merge changed %d tasks", second.Changed)
	}
}

func TestMerge_EqualInstantInOtherZoneIsNoChange(t *testing.T) {
	sched := time.Date(2025, 1, 5, 9, 0, 0, 0, time.UTC)
	a := taskA()
	a.ScheduledAt = &sched
	sameInstant := sched.In(time.FixedZone("UTC+3", 3*3600))
	res := Merge([]types.Task{a}, []suggest.Candidate{{ID: "A", ScheduledAt: &sameInstant}}, "alice")
	if res.Changed != 0 {
		t.Errorf("equal instant counted as change")
	}
}

func TestMerge_DirtyOnceInFirstTouchOrder(t *testing.T) {
	// Reports a task dirty once, only if its final state differs from the stored one
	b := taskA()
	b.ID = "B"
	owned := []types.Task{taskA(), b}
	cands := []suggest.Candidate{
		{ID: "B", Completed: ptr(true)},
		{ID: "A", DurationMinutes: ptr(45)},
		{ID: "B", DurationMinutes: ptr(15)},
	}
	res := Merge(owned, cands, "alice")
	if res.Changed != 2 || res.Dirty[0].ID != "B" || res.Dirty[1].ID != "A" {
		t.Fatalf("dirty order = %+v", res.Dirty)
	}
	if !res.Dirty[0].Completed || res.Dirty[0].DurationMinutes != 15 {
		t.Errorf("later candidate must see earlier assignment: %+v", res.Dirty[0])
	}
}

func TestMerge_RevertedChangeIsNotDirty(t *testing.T) {
	cands := []suggest.Candidate{
		{ID: "A", Priority: ptr(types.PriorityUrgent)},
		{ID: "A", Priority: ptr(types.PriorityMedium)},
	}
	res := Merge([]types.Task{taskA()}, cands, "alice")
	if res.Changed != 0 {
		t.Errorf("changed = %d, want 0 when later candidate restores the stored value", res.Changed)
	}
}

func TestMerge_IgnoresInvalidValues(t *testing.T) {
	// Ignores non-positive durations and out-of-range priorities
	cands := []suggest.Candidate{{ID: "A", DurationMinutes: ptr(0), Priority: ptr(types.Priority(9))}}
	res := Merge([]types.Task{taskA()}, cands, "alice")
	if res.Changed != 0 {
		t.Errorf("invalid values applied: %+v", res.Dirty)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
