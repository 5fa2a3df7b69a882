// Package suggest turns an owner's tasks into a bounded request for the
// external reasoner and turns the reasoner's reply back into candidate updates.
package suggest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/haricheung/replan/internal/types"
)

// DateLayout is the only textual date-time form exchanged with the reasoner,
// in both directions. It carries no zone; the Builder and Parser share a location.
const DateLayout = "2006-01-02T15:04:05"

const (
	maxTitleRunes       = 200
	maxInstructionRunes = 2000
)

const systemPrompt = `You are a scheduling assistant for a personal task list. You are not a doctor or a therapist. Today is %s.

Goal: propose a new scheduledAt for the tasks you receive.

Precedence:
- Explicit instructions from the user in INSTRUCTION override every heuristic below.
- When no explicit instruction governs a task, order work by: 1) earlier deadline, 2) higher priority, 3) higher difficulty, 4) longer durationMinutes.
- Keep scheduledAt before deadline whenever possible and avoid overloading a single day.
- Leave tasks with "completed": true untouched unless the user explicitly says otherwise.
- If the instruction mentions health or emotions, disregard that content and translate it only into its scheduling effect. Shedding load means moving urgent tasks forward and the rest later; it never means leaving a date null.

Field meaning:
- priority: 1 = low, 2 = medium, 3 = high, 4 = urgent.
- difficulty: 1 = easy, 2 = medium, 3 = hard, 4 = expert.
- durationMinutes: time the task needs.

Output rules:
- Output ONLY a single JSON array of task objects using the same field names as the input. No prose, no markdown.
- Never modify an "id".
- Write every date as YYYY-MM-DDTHH:mm:ss (e.g. 2025-01-05T09:00:00).
- Include only tasks you change; an empty array [] means nothing needs to change.`

// ProjectedTask is the minimal task shape sent to the reasoner.
type ProjectedTask struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	DurationMinutes int     `json:"durationMinutes"`
	Priority        int     `json:"priority"`
	Difficulty      int     `json:"difficulty"`
	Completed       bool    `json:"completed"`
	ScheduledAt     *string `json:"scheduledAt"`
	Deadline        string  `json:"deadline"`
}

// Request is one rendered call to the reasoner.
type Request struct {
	System     string
	User       string
	Projection []ProjectedTask
}

// Builder renders reasoner requests. It is safe for concurrent use.
type Builder struct {
	loc *time.Location
	now func() time.Time
}

// NewBuilder returns a Builder rendering dates in loc (UTC when nil).
func NewBuilder(loc *time.Location) *Builder {
	if loc == nil {
		loc = time.UTC
	}
	return &Builder{loc: loc, now: time.Now}
}

// Location returns the zone the Builder renders dates in.
func (b *Builder) Location() *time.Location { return b.loc }

// Project reduces tasks to the fields the reasoner may see.
//
// Expectations:
//   - Returns an empty non-nil slice for no tasks
//   - Renders deadline and scheduledAt with DateLayout in loc
//   - Renders an unset scheduledAt as null
//   - Collapses control characters in titles and caps them at 200 runes
//   - Never includes description or owner
func Project(tasks []types.Task, loc *time.Location) []ProjectedTask {
	out := make([]ProjectedTask, 0, len(tasks))
	for _, t := range tasks {
		p := ProjectedTask{
			ID:              t.ID,
			Title:           sanitize(t.Title, maxTitleRunes),
			DurationMinutes: t.DurationMinutes,
			Priority:        int(t.Priority),
			Difficulty:      int(t.Difficulty),
			Completed:       t.Completed,
			Deadline:        t.Deadline.In(loc).Format(DateLayout),
		}
		if t.ScheduledAt != nil {
			s := t.ScheduledAt.In(loc).Format(DateLayout)
			p.ScheduledAt = &s
		}
		out = append(out, p)
	}
	return out
}

// Build renders the system and user prompts for tasks and instruction.
// The output depends only on its inputs and the Builder's clock.
//
// Expectations:
//   - System prompt states today's date in loc
//   - User prompt carries the projection as a JSON array and the trimmed instruction
//   - Instruction is capped at 2000 runes
//   - Same inputs and clock yield identical output
func (b *Builder) Build(tasks []types.Task, instruction string) Request {
	proj := Project(tasks, b.loc)
	// Marshal of plain strings and ints cannot fail.
	data, _ := json.Marshal(proj)

	instruction = sanitizeInstruction(instruction)
	if instruction == "" {
		instruction = "(none; apply the default ordering)"
	}

	today := b.now().In(b.loc).Format("2006-01-02 15:04 (Monday)")
	return Request{
		System:     fmt.Sprintf(systemPrompt, today),
		User:       fmt.Sprintf("TASKS:\n%s\n\nINSTRUCTION:\n%s", data, instruction),
		Projection: proj,
	}
}

// sanitize collapses control characters and runs of whitespace into single
// spaces and caps the result at max runes.
func sanitize(s string, max int) string {
	var sb strings.Builder
	space := false
	n := 0
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			if !space {
				sb.WriteRune(' ')
				space = true
			}
			continue
		}
		if n >= max {
			break
		}
		space = false
		sb.WriteRune(r)
		n++
	}
	return strings.TrimSpace(sb.String())
}

// sanitizeInstruction keeps line breaks (users write lists) but drops other
// control characters and caps the length.
func sanitizeInstruction(s string) string {
	s = strings.TrimSpace(s)
	var sb strings.Builder
	n := 0
	for _, r := range s {
		if n >= maxInstructionRunes {
			break
		}
		if unicode.IsControl(r) && r != '\n' {
			continue
		}
		sb.WriteRune(r)
		n++
	}
	return strings.TrimSpace(sb.String())
}
