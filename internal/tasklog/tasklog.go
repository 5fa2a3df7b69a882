// Package tasklog provides per-run structured logging for the reconciliation engine.
//
// Each reconciliation run gets one JSONL file in a configurable directory. Events
// capture every key stage: the reasoner call (with full prompts and the raw reply),
// parse failures, dropped candidates, field-level changes, and the run outcome.
// Raw reasoner text is recorded here and in debug logs only; it never reaches users.
//
// Design constraints:
//   - All RunLog methods are nil-safe (no-op on nil receiver) so the engine doesn't
//     need nil checks before every log call.
//   - Registry is the sole owner of JSONL persistence; the engine never opens files.
//   - A nil *Registry disables run logging entirely.
package tasklog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventKind labels a single structured event in the run log.
type EventKind string

const (
	KindRunBegin         EventKind = "run_begin"
	KindRunEnd           EventKind = "run_end"
	KindTasksLoaded      EventKind = "tasks_loaded"
	KindLLMCall          EventKind = "llm_call"
	KindParseError       EventKind = "parse_error"
	KindCandidateDropped EventKind = "candidate_dropped"
	KindTaskChanged      EventKind = "task_changed"
)

// Event is one JSONL line in the run log.
// Fields are omitempty so each event only serialises relevant data.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp string    `json:"ts"`

	// run_begin / run_end / tasks_loaded
	RunID       string     `json:"run_id,omitempty"`
	OwnerID     string     `json:"owner_id,omitempty"`
	Instruction string     `json:"instruction,omitempty"`
	TaskCount   int        `json:"task_count,omitempty"`
	Status      string     `json:"status,omitempty"`
	ElapsedMs   int64      `json:"elapsed_ms,omitempty"`
	TotalTokens int        `json:"total_tokens,omitempty"`
	RoleStats   []RoleStat `json:"role_stats,omitempty"` // run_end only
	Counts      *Counts    `json:"counts,omitempty"`     // run_end only

	// llm_call
	Role             string `json:"role,omitempty"` // "reconcile" | "ask"
	SystemPrompt     string `json:"system_prompt,omitempty"`
	UserPrompt       string `json:"user_prompt,omitempty"`
	Response         string `json:"response,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	Error            string `json:"error,omitempty"` // also parse_error

	// candidate_dropped / task_changed
	TaskID string   `json:"task_id,omitempty"`
	Row    *int     `json:"row,omitempty"` // pointer: row 0 must be serialised
	Reason string   `json:"reason,omitempty"`
	Fields []string `json:"fields,omitempty"`
}

// Counts is the numeric outcome of a run.
type Counts struct {
	Candidates       int `json:"candidates"`
	Changed          int `json:"changed"`
	ExceededDeadline int `json:"exceeded_deadline"`
	Dropped          int `json:"dropped"`
}

// RoleStat summarises LLM usage for one call role across a run.
type RoleStat struct {
	Role             string `json:"role"`
	Calls            int    `json:"calls"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	ElapsedMs        int64  `json:"elapsed_ms"`
}

// roleStat is the unexported per-role accumulator stored inside a RunLog.
type roleStat struct {
	calls            int
	promptTokens     int
	completionTokens int
	elapsedMs        int64
}

// canonicalRoleOrder defines the display order for RoleStats().
var canonicalRoleOrder = []string{"reconcile", "ask"}

// RunLog is a handle for writing structured events for one run.
//
// Expectations:
//   - All methods are nil-safe (no-op when called on nil *RunLog)
//   - Concurrent writes are safe (mutex-protected)
//   - TotalTokens returns the running sum of prompt+completion tokens across all LLMCall events
type RunLog struct {
	runID            string
	started          time.Time
	mu               sync.Mutex
	f                *os.File
	promptTokens     int
	completionTokens int
	roleStats        map[string]*roleStat
}

// Registry maps run IDs to open RunLogs.
// It is the sole authority for creating and closing run log files.
//
// Expectations:
//   - Open creates the log directory if absent
//   - Open writes a run_begin event as the first JSONL line
//   - Open returns the existing log without re-opening when called twice for the same runID
//   - Close writes run_end with status, counts, elapsed_ms, total_tokens before flushing
//   - Close removes the runID from the registry so a later Open starts a fresh log
//   - Close no-ops gracefully when runID is not registered or the registry is nil
type Registry struct {
	dir  string
	mu   sync.Mutex
	logs map[string]*RunLog
}

// NewRegistry creates a Registry that writes one JSONL file per run under dir.
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:  dir,
		logs: make(map[string]*RunLog),
	}
}

// Open creates a new RunLog for runID, writes a run_begin event, and registers it.
// Returns nil (a valid no-op log) on a nil Registry or when the file cannot be opened.
func (r *Registry) Open(runID, ownerID, instruction string) *RunLog {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if rl, ok := r.logs[runID]; ok {
		return rl
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		slog.Error("[RUNLOG] could not create dir", "dir", r.dir, "error", err)
		return nil
	}
	path := filepath.Join(r.dir, runID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("[RUNLOG] could not open log file", "path", path, "error", err)
		return nil
	}

	rl := &RunLog{runID: runID, started: time.Now(), f: f, roleStats: make(map[string]*roleStat)}
	r.logs[runID] = rl
	rl.write(Event{
		Kind:        KindRunBegin,
		RunID:       runID,
		OwnerID:     ownerID,
		Instruction: instruction,
	})
	return rl
}

// Close writes a run_end event, flushes and closes the file, and removes the
// entry from the registry. Safe to call on a nil *Registry or unknown runID.
func (r *Registry) Close(runID, status string, counts Counts) {
	if r == nil {
		return
	}
	r.mu.Lock()
	rl, ok := r.logs[runID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.logs, runID)
	r.mu.Unlock()

	roles := rl.RoleStats()
	rl.mu.Lock()
	elapsed := time.Since(rl.started).Milliseconds()
	total := rl.promptTokens + rl.completionTokens
	rl.mu.Unlock()

	rl.write(Event{
		Kind:        KindRunEnd,
		RunID:       runID,
		Status:      status,
		ElapsedMs:   elapsed,
		TotalTokens: total,
		RoleStats:   roles,
		Counts:      &counts,
	})

	rl.mu.Lock()
	if rl.f != nil {
		_ = rl.f.Close()
		rl.f = nil
	}
	rl.mu.Unlock()
}

// Loaded records how many owned tasks the run works on.
func (rl *RunLog) Loaded(taskCount int) {
	if rl == nil {
		return
	}
	rl.write(Event{Kind: KindTasksLoaded, TaskCount: taskCount})
}

// LLMCall writes an llm_call event with full prompts, response, token counts and
// elapsed time. errText is empty on success.
func (rl *RunLog) LLMCall(role, systemPrompt, userPrompt, response string, promptToks, completionToks int, elapsedMs int64, errText string) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	rl.promptTokens += promptToks
	rl.completionTokens += completionToks
	rs := rl.roleStats[role]
	if rs == nil {
		rs = &roleStat{}
		rl.roleStats[role] = rs
	}
	rs.calls++
	rs.promptTokens += promptToks
	rs.completionTokens += completionToks
	rs.elapsedMs += elapsedMs
	rl.mu.Unlock()
	rl.write(Event{
		Kind:             KindLLMCall,
		Role:             role,
		SystemPrompt:     systemPrompt,
		UserPrompt:       userPrompt,
		Response:         response,
		PromptTokens:     promptToks,
		CompletionTokens: completionToks,
		ElapsedMs:        elapsedMs,
		Error:            errText,
	})
}

// ParseError writes a parse_error event with the parser's diagnostic.
func (rl *RunLog) ParseError(diagnostic string) {
	if rl == nil {
		return
	}
	rl.write(Event{Kind: KindParseError, Error: diagnostic})
}

// CandidateDropped writes a candidate_dropped event.
func (rl *RunLog) CandidateDropped(row int, taskID, reason string) {
	if rl == nil {
		return
	}
	r := row
	rl.write(Event{Kind: KindCandidateDropped, Row: &r, TaskID: taskID, Reason: reason})
}

// TaskChanged writes a task_changed event naming the fields that were assigned.
func (rl *RunLog) TaskChanged(taskID string, fields []string) {
	if rl == nil {
		return
	}
	rl.write(Event{Kind: KindTaskChanged, TaskID: taskID, Fields: fields})
}

// RoleStats returns a snapshot of per-role LLM usage sorted by canonical order.
// Roles that made no LLM calls are omitted.
//
// Expectations:
//   - Returns one entry per role that called LLMCall
//   - Calls count matches number of LLMCall invocations per role
//   - PromptTokens and CompletionTokens match the sum across calls for that role
//   - ElapsedMs matches the sum of all elapsedMs values for that role
func (rl *RunLog) RoleStats() []RoleStat {
	if rl == nil {
		return nil
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	var out []RoleStat
	for _, role := range canonicalRoleOrder {
		rs, ok := rl.roleStats[role]
		if !ok {
			continue
		}
		out = append(out, RoleStat{
			Role:             role,
			Calls:            rs.calls,
			PromptTokens:     rs.promptTokens,
			CompletionTokens: rs.completionTokens,
			ElapsedMs:        rs.elapsedMs,
		})
	}
	return out
}

// TotalTokens returns the total token count accumulated so far.
//
// Expectations:
//   - Returns 0 on nil receiver
//   - Returns sum of prompt and completion tokens from all LLMCall events
func (rl *RunLog) TotalTokens() int {
	if rl == nil {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.promptTokens + rl.completionTokens
}

// write appends one JSON line to the run log file. Adds timestamp, mutex-protected.
func (rl *RunLog) write(e Event) {
	e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("[RUNLOG] marshal event", "error", err)
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.f == nil {
		return
	}
	if _, err = fmt.Fprintf(rl.f, "%s\n", data); err != nil {
		slog.Error("[RUNLOG] write event", "error", err)
	}
}
