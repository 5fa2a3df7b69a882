// Package auditor taps the message bus read-only and keeps the audit trail of
// reconciliation runs: one JSONL AuditEvent per bus message, plus per-owner
// counters of suggestions that referenced tasks the owner does not hold.
package auditor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/replan/internal/types"
)

const (
	anomalyNone     = "none"
	anomalyBoundary = "boundary_violation"
	anomalyInvalid  = "invalid_ids"
)

// Auditor taps the message bus read-only and writes structured AuditEvents to a JSONL file.
// It detects boundary violations and suggestions carrying invalid task ids.
type Auditor struct {
	tap     <-chan types.Message
	logPath string
	mu      sync.Mutex
	out     io.Writer

	dropped   map[string]int            // ownerID -> candidates dropped, lifetime of the process
	byReason  map[string]map[string]int // ownerID -> reason -> count
	anomalies int
}

// New creates an Auditor.
func New(tap <-chan types.Message, logPath string) *Auditor {
	return &Auditor{
		tap:      tap,
		logPath:  logPath,
		dropped:  make(map[string]int),
		byReason: make(map[string]map[string]int),
	}
}

// Run starts the auditor loop. It blocks until ctx is cancelled.
func (a *Auditor) Run(ctx context.Context) {
	if err := os.MkdirAll(filepath.Dir(a.logPath), 0o755); err != nil {
		slog.Error("[AUDIT] create log dir", "error", err)
		return
	}

	f, err := os.OpenFile(a.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("[AUDIT] open log file", "error", err)
		return
	}
	a.mu.Lock()
	a.out = f
	a.mu.Unlock()
	defer f.Close()

	slog.Info("[AUDIT] started", "path", a.logPath)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-a.tap:
			if !ok {
				return
			}
			a.process(msg)
		}
	}
}

// allowed sender→receiver pairs per message type
var allowedPaths = map[types.MessageType]struct {
	from types.Role
	to   types.Role
}{
	types.MsgReconcileStarted:  {types.RoleEngine, types.RoleAuditor},
	types.MsgCandidateDropped:  {types.RoleEngine, types.RoleAuditor},
	types.MsgTasksRescheduled:  {types.RoleEngine, types.RoleCalendar},
	types.MsgReconcileFinished: {types.RoleEngine, types.RoleUser},
}

// process audits one message.
//
// Expectations:
//   - Flags boundary_violation when sender or receiver differs from allowedPaths
//   - Flags invalid_ids for every CandidateDropped and counts it against the owner
//   - Writes exactly one AuditEvent per message
//   - Reports anomalies on the process logger (slog), tagged [AUDIT]
func (a *Auditor) process(msg types.Message) {
	anomaly := anomalyNone
	var detail *string
	var owner string

	if allowed, ok := allowedPaths[msg.Type]; ok {
		if msg.From != allowed.from || msg.To != allowed.to {
			anomaly = anomalyBoundary
			d := fmt.Sprintf("expected %s→%s for %s, got %s→%s",
				allowed.from, allowed.to, msg.Type, msg.From, msg.To)
			detail = &d
			slog.Warn("[AUDIT] boundary violation", "detail", d)
		}
	}

	switch msg.Type {
	case types.MsgCandidateDropped:
		cd, err := decode[types.CandidateDropped](msg.Payload)
		if err != nil {
			slog.Error("[AUDIT] decode payload", "type", msg.Type, "error", err)
			break
		}
		owner = cd.OwnerID
		n := a.recordDrop(cd.OwnerID, cd.Reason)
		if anomaly == anomalyNone {
			anomaly = anomalyInvalid
			d := fmt.Sprintf("run %s: task %q dropped (%s); owner total=%d", cd.RunID, cd.TaskID, cd.Reason, n)
			detail = &d
		}
		slog.Warn("[AUDIT] invalid id", "owner", cd.OwnerID, "task", cd.TaskID, "reason", cd.Reason)
	case types.MsgReconcileStarted:
		if rs, err := decode[types.ReconcileStarted](msg.Payload); err == nil {
			owner = rs.OwnerID
		}
	case types.MsgTasksRescheduled:
		if tr, err := decode[types.TasksRescheduled](msg.Payload); err == nil {
			owner = tr.OwnerID
		}
	case types.MsgReconcileFinished:
		if rf, err := decode[types.ReconcileFinished](msg.Payload); err == nil {
			owner = rf.OwnerID
		}
	}

	if anomaly != anomalyNone {
		a.mu.Lock()
		a.anomalies++
		a.mu.Unlock()
	}

	a.writeEvent(types.AuditEvent{
		EventID:     uuid.New().String(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		FromRole:    msg.From,
		ToRole:      msg.To,
		MessageType: string(msg.Type),
		OwnerID:     owner,
		Anomaly:     anomaly,
		Detail:      detail,
	})
}

func (a *Auditor) recordDrop(owner, reason string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dropped[owner]++
	if a.byReason[owner] == nil {
		a.byReason[owner] = make(map[string]int)
	}
	a.byReason[owner][reason]++
	return a.dropped[owner]
}

// OwnerCount is the audit counter for one owner.
type OwnerCount struct {
	OwnerID  string         `json:"owner_id"`
	Dropped  int            `json:"dropped"`
	ByReason map[string]int `json:"by_reason"`
}

// Dropped returns how many candidates were dropped for ownerID so far.
func (a *Auditor) Dropped(ownerID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped[ownerID]
}

// Anomalies returns the number of anomalous messages seen so far.
func (a *Auditor) Anomalies() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.anomalies
}

// Snapshot returns all per-owner counters sorted by owner id.
func (a *Auditor) Snapshot() []OwnerCount {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]OwnerCount, 0, len(a.dropped))
	for owner, n := range a.dropped {
		reasons := make(map[string]int, len(a.byReason[owner]))
		for r, c := range a.byReason[owner] {
			reasons[r] = c
		}
		out = append(out, OwnerCount{OwnerID: owner, Dropped: n, ByReason: reasons})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OwnerID < out[j].OwnerID })
	return out
}

func (a *Auditor) writeEvent(e types.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.out == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("[AUDIT] marshal event", "error", err)
		return
	}
	if _, err := fmt.Fprintf(a.out, "%s\n", data); err != nil {
		slog.Error("[AUDIT] write event", "error", err)
	}
}

// decode accepts either the typed payload or any JSON-compatible shape of it.
func decode[T any](payload any) (T, error) {
	if v, ok := payload.(T); ok {
		return v, nil
	}
	var v T
	b, err := json.Marshal(payload)
	if err != nil {
		return v, err
	}
	return v, json.Unmarshal(b, &v)
}
