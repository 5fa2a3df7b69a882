package tasklog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// readEvents parses all JSONL lines from a file into a slice of Events.
func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("readEvents: %v", err)
	}
	var events []Event
	for _, line := range splitLines(string(data)) {
		if line == "" {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("readEvents: unmarshal %q: %v", line, err)
		}
		events = append(events, e)
	}
	return events
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

// --- Registry.Open ---

func TestRegistry_Open_WritesRunBegin(t *testing.T) {
	// Open creates the log directory and writes a run_begin event as the first JSONL line
	dir := t.TempDir()
	r := NewRegistry(filepath.Join(dir, "runs"))
	rl := r.Open("run1", "alice", "busy monday")
	if rl == nil {
		t.Fatal("expected non-nil RunLog")
	}
	r.Close("run1", "applied", Counts{})

	events := readEvents(t, filepath.Join(dir, "runs", "run1.jsonl"))
	if len(events) == 0 {
		t.Fatal("expected at least one event")
	}
	first := events[0]
	if first.Kind != KindRunBegin {
		t.Errorf("first event kind = %q, want %q", first.Kind, KindRunBegin)
	}
	if first.RunID != "run1" || first.OwnerID != "alice" || first.Instruction != "busy monday" {
		t.Errorf("unexpected run_begin %+v", first)
	}
}

func TestRegistry_Open_ReturnsExistingOnDuplicate(t *testing.T) {
	// Open returns the existing log without re-opening when called twice for the same runID
	dir := t.TempDir()
	r := NewRegistry(filepath.Join(dir, "runs"))
	rl1 := r.Open("run1", "alice", "A")
	rl2 := r.Open("run1", "alice", "B")
	if rl1 != rl2 {
		t.Errorf("expected same *RunLog pointer on second Open, got different pointers")
	}
	r.Close("run1", "applied", Counts{})

	events := readEvents(t, filepath.Join(dir, "runs", "run1.jsonl"))
	beginCount := 0
	for _, e := range events {
		if e.Kind == KindRunBegin {
			beginCount++
		}
	}
	if beginCount != 1 {
		t.Errorf("expected 1 run_begin, got %d", beginCount)
	}
}

func TestRegistry_NilIsNoop(t *testing.T) {
	var r *Registry
	rl := r.Open("run1", "alice", "x")
	if rl != nil {
		t.Errorf("expected nil RunLog from nil Registry")
	}
	rl.LLMCall("reconcile", "s", "u", "r", 1, 1, 1, "")
	r.Close("run1", "applied", Counts{})
}

// --- Registry.Close ---

func TestRegistry_Close_WritesRunEnd(t *testing.T) {
	// Close writes run_end with status, counts, elapsed_ms, total_tokens before flushing
	dir := t.TempDir()
	r := NewRegistry(filepath.Join(dir, "runs"))
	rl := r.Open("run1", "alice", "x")
	rl.LLMCall("reconcile", "sys", "user", "resp", 10, 5, 120, "")
	r.Close("run1", "applied", Counts{Candidates: 3, Changed: 2, ExceededDeadline: 1, Dropped: 1})

	events := readEvents(t, filepath.Join(dir, "runs", "run1.jsonl"))
	last := events[len(events)-1]
	if last.Kind != KindRunEnd {
		t.Fatalf("last event kind = %q, want %q", last.Kind, KindRunEnd)
	}
	if last.Status != "applied" {
		t.Errorf("status = %q, want applied", last.Status)
	}
	if last.TotalTokens != 15 {
		t.Errorf("total_tokens = %d, want 15", last.TotalTokens)
	}
	if last.Counts == nil || last.Counts.Changed != 2 || last.Counts.Dropped != 1 || last.Counts.ExceededDeadline != 1 {
		t.Errorf("counts = %+v", last.Counts)
	}
	if len(last.RoleStats) != 1 || last.RoleStats[0].Role != "reconcile" || last.RoleStats[0].ElapsedMs != 120 {
		t.Errorf("role_stats = %+v", last.RoleStats)
	}
}

func TestRegistry_Close_RemovesRun(t *testing.T) {
	// Close removes the runID from the registry so a later Open starts a fresh log
	dir := t.TempDir()
	r := NewRegistry(dir)
	first := r.Open("run1", "alice", "x")
	r.Close("run1", "applied", Counts{})
	second := r.Open("run1", "alice", "y")
	if second == nil || second == first {
		t.Fatalf("expected a fresh RunLog after Close, got %p (first %p)", second, first)
	}
	r.Close("run1", "applied", Counts{})

	begins := 0
	for _, e := range readEvents(t, filepath.Join(dir, "run1.jsonl")) {
		if e.Kind == KindRunBegin {
			begins++
		}
	}
	if begins != 2 {
		t.Errorf("expected 2 run_begin events, got %d", begins)
	}
}

func TestRegistry_Close_NoopsForUnknown(t *testing.T) {
	// Close no-ops gracefully when runID is not registered or the registry is nil
	r := NewRegistry(t.TempDir())
	r.Close("nonexistent", "applied", Counts{})
}

// --- nil RunLog safety ---

func TestRunLog_NilReceiverNoops(t *testing.T) {
	// All methods are nil-safe (no-op when called on nil *RunLog)
	var rl *RunLog
	rl.Loaded(3)
	rl.LLMCall("reconcile", "sys", "user", "resp", 100, 50, 1, "")
	rl.ParseError("row 0 priority: bad")
	rl.CandidateDropped(0, "t1", "unknown_id")
	rl.TaskChanged("t1", []string{"scheduledAt"})
	if rl.RoleStats() != nil {
		t.Error("expected nil RoleStats on nil receiver")
	}
}

// --- TotalTokens ---

func TestRunLog_TotalTokens_ZeroOnNil(t *testing.T) {
	// Returns 0 on nil receiver
	var rl *RunLog
	if got := rl.TotalTokens(); got != 0 {
		t.Errorf("TotalTokens on nil = %d, want 0", got)
	}
}

func TestRunLog_TotalTokens_AccumulatesAcrossLLMCalls(t *testing.T) {
	// Returns sum of prompt and completion tokens from all LLMCall events
	r := NewRegistry(t.TempDir())
	rl := r.Open("run1", "alice", "x")
	rl.LLMCall("reconcile", "sys", "user", "resp", 100, 50, 0, "")
	rl.LLMCall("ask", "sys", "user", "resp", 200, 80, 0, "")
	if got := rl.TotalTokens(); got != 430 {
		t.Errorf("TotalTokens = %d, want 430 (100+50+200+80)", got)
	}
	stats := rl.RoleStats()
	if len(stats) != 2 || stats[0].Role != "reconcile" || stats[1].Role != "ask" {
		t.Errorf("RoleStats not in canonical order: %+v", stats)
	}
	r.Close("run1", "applied", Counts{})
}

// --- candidate_dropped: row 0 must be serialised ---

func TestRunLog_CandidateDropped_RowZeroIsSerialised(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)
	rl := r.Open("run1", "alice", "x")
	rl.CandidateDropped(0, "ghost", "unknown_id")
	r.Close("run1", "no_changes", Counts{Dropped: 1})

	for _, e := range readEvents(t, filepath.Join(dir, "run1.jsonl")) {
		if e.Kind != KindCandidateDropped {
			continue
		}
		if e.Row == nil || *e.Row != 0 {
			t.Fatalf("row = %v, want 0", e.Row)
		}
		if e.TaskID != "ghost" || e.Reason != "unknown_id" {
			t.Errorf("unexpected event %+v", e)
		}
		return
	}
	t.Fatal("no candidate_dropped event found")
}
