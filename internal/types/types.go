package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Role identifiers for bus traffic
type Role string

const (
	RoleUser     Role = "User"
	RoleGate     Role = "Gate"
	RoleEngine   Role = "Engine"
	RoleStore    Role = "Store"
	RoleAuditor  Role = "Auditor"
	RoleCalendar Role = "Calendar"
)

// MessageType identifies the payload type of a bus message
type MessageType string

const (
	MsgReconcileStarted  MessageType = "ReconcileStarted"
	MsgCandidateDropped  MessageType = "CandidateDropped"
	MsgTasksRescheduled  MessageType = "TasksRescheduled"
	MsgReconcileFinished MessageType = "ReconcileFinished"
)

// Message is the envelope for all in-process events on the bus
type Message struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	From      Role        `json:"from"`
	To        Role        `json:"to"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
}

// Priority is the ordered urgency of a task: Low < Medium < High < Urgent.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityUrgent
)

var priorityNames = map[Priority]string{
	PriorityLow:    "low",
	PriorityMedium: "medium",
	PriorityHigh:   "high",
	PriorityUrgent: "urgent",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return "priority(" + strconv.Itoa(int(p)) + ")"
}

// Valid reports whether p is one of the four defined levels.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority accepts a level number ("1".."4") or a case-insensitive name.
//
// Expectations:
//   - Accepts "low", "Medium", "HIGH", "urgent" regardless of case
//   - Accepts the numeric forms "1" through "4"
//   - Returns an error for any other input, including "0" and "5"
func ParsePriority(s string) (Priority, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		p := Priority(n)
		if !p.Valid() {
			return 0, fmt.Errorf("priority %d out of range 1..4", n)
		}
		return p, nil
	}
	for p, name := range priorityNames {
		if strings.EqualFold(name, s) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// UnmarshalJSON accepts either the integer level or the level name.
func (p *Priority) UnmarshalJSON(data []byte) error {
	v, err := unmarshalLevel(data, func(s string) (int, error) {
		lvl, err := ParsePriority(s)
		return int(lvl), err
	})
	if err != nil {
		return err
	}
	*p = Priority(v)
	return nil
}

// Difficulty is the ordered effort of a task: Easy < Medium < Hard < Expert.
type Difficulty int

const (
	DifficultyEasy Difficulty = iota + 1
	DifficultyMedium
	DifficultyHard
	DifficultyExpert
)

var difficultyNames = map[Difficulty]string{
	DifficultyEasy:   "easy",
	DifficultyMedium: "medium",
	DifficultyHard:   "hard",
	DifficultyExpert: "expert",
}

func (d Difficulty) String() string {
	if s, ok := difficultyNames[d]; ok {
		return s
	}
	return "difficulty(" + strconv.Itoa(int(d)) + ")"
}

// Valid reports whether d is one of the four defined levels.
func (d Difficulty) Valid() bool {
	_, ok := difficultyNames[d]
	return ok
}

// ParseDifficulty accepts a level number ("1".."4") or a case-insensitive name.
func ParseDifficulty(s string) (Difficulty, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		d := Difficulty(n)
		if !d.Valid() {
			return 0, fmt.Errorf("difficulty %d out of range 1..4", n)
		}
		return d, nil
	}
	for d, name := range difficultyNames {
		if strings.EqualFold(name, s) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown difficulty %q", s)
}

// UnmarshalJSON accepts either the integer level or the level name.
func (d *Difficulty) UnmarshalJSON(data []byte) error {
	v, err := unmarshalLevel(data, func(s string) (int, error) {
		lvl, err := ParseDifficulty(s)
		return int(lvl), err
	})
	if err != nil {
		return err
	}
	*d = Difficulty(v)
	return nil
}

func unmarshalLevel(data []byte, byName func(string) (int, error)) (int, error) {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		if n < 1 || n > 4 {
			return 0, fmt.Errorf("level %d out of range 1..4", n)
		}
		return n, nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return 0, fmt.Errorf("level must be an integer or a name: %s", string(data))
	}
	return byName(s)
}

// DefaultDurationMinutes is applied when a task is created without a duration.
const DefaultDurationMinutes = 30

// Task is a schedulable unit of work owned by a user.
type Task struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Deadline        time.Time  `json:"deadline"`
	ScheduledAt     *time.Time `json:"scheduled_at,omitempty"`
	DurationMinutes int        `json:"duration_minutes"`
	Priority        Priority   `json:"priority"`
	Difficulty      Difficulty `json:"difficulty"`
	Completed       bool       `json:"completed"`
	OwnerID         string     `json:"owner_id,omitempty"`
	Version         int64      `json:"version"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ErrInvalidTask is wrapped by every Validate failure.
var ErrInvalidTask = errors.New("invalid task")

// ApplyDefaults fills duration, priority and difficulty when unset and
// truncates the time fields to whole seconds.
//
// Expectations:
//   - Sets DurationMinutes to 30 when it is zero
//   - Sets Priority and Difficulty to Medium when zero
//   - Truncates Deadline and ScheduledAt to the second
//   - Leaves explicitly set values unchanged
func (t *Task) ApplyDefaults() {
	if t.DurationMinutes == 0 {
		t.DurationMinutes = DefaultDurationMinutes
	}
	if t.Priority == 0 {
		t.Priority = PriorityMedium
	}
	if t.Difficulty == 0 {
		t.Difficulty = DifficultyMedium
	}
	t.Title = strings.TrimSpace(t.Title)
	t.Deadline = t.Deadline.Truncate(time.Second)
	if t.ScheduledAt != nil {
		s := t.ScheduledAt.Truncate(time.Second)
		t.ScheduledAt = &s
	}
}

// Validate checks the record-level invariants of a task.
//
// Expectations:
//   - Rejects an empty or whitespace-only title
//   - Rejects a zero deadline
//   - Rejects a non-positive duration
//   - Rejects priority or difficulty outside 1..4
//   - Every returned error wraps ErrInvalidTask
func (t *Task) Validate() error {
	var problems []string
	if strings.TrimSpace(t.Title) == "" {
		problems = append(problems, "title is required")
	}
	if t.Deadline.IsZero() {
		problems = append(problems, "deadline is required")
	}
	if t.DurationMinutes <= 0 {
		problems = append(problems, "duration must be a positive number of minutes")
	}
	if !t.Priority.Valid() {
		problems = append(problems, fmt.Sprintf("priority %d out of range", t.Priority))
	}
	if !t.Difficulty.Valid() {
		problems = append(problems, fmt.Sprintf("difficulty %d out of range", t.Difficulty))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTask, strings.Join(problems, "; "))
	}
	return nil
}

// PastDeadline reports whether the task is scheduled strictly after its deadline.
func (t *Task) PastDeadline() bool {
	return t.ScheduledAt != nil && t.ScheduledAt.After(t.Deadline)
}

// User is the slice of an identity this module cares about.
type User struct {
	ID        string    `json:"id"`
	Entitled  bool      `json:"entitled"`
	CreatedAt time.Time `json:"created_at"`
}

// ReconcileStarted is published by the Engine once the owner's tasks are loaded.
type ReconcileStarted struct {
	RunID     string `json:"run_id"`
	OwnerID   string `json:"owner_id"`
	TaskCount int    `json:"task_count"`
}

// CandidateDropped is published for every suggestion the Engine refused to merge.
type CandidateDropped struct {
	RunID   string `json:"run_id"`
	OwnerID string `json:"owner_id"`
	TaskID  string `json:"task_id"`
	Reason  string `json:"reason"` // "unknown_id" | "owner_mismatch" | "missing_id"
}

// TasksRescheduled carries the tasks persisted by one reconciliation pass.
type TasksRescheduled struct {
	RunID   string `json:"run_id"`
	OwnerID string `json:"owner_id"`
	Tasks   []Task `json:"tasks"`
}

// ReconcileFinished closes a pass with its counters.
type ReconcileFinished struct {
	RunID            string `json:"run_id"`
	OwnerID          string `json:"owner_id"`
	Status           string `json:"status"`
	Changed          int    `json:"changed"`
	ExceededDeadline int    `json:"exceeded_deadline"`
	Dropped          int    `json:"dropped"`
	Candidates       int    `json:"candidates"`
}

// AuditEvent is written to the audit log by the Auditor
type AuditEvent struct {
	EventID     string  `json:"event_id"`
	Timestamp   string  `json:"timestamp"`
	FromRole    Role    `json:"from_role"`
	ToRole      Role    `json:"to_role"`
	MessageType string  `json:"message_type"`
	OwnerID     string  `json:"owner_id,omitempty"`
	Anomaly     string  `json:"anomaly"` // "boundary_violation" | "invalid_ids" | "none"
	Detail      *string `json:"detail"`
}
