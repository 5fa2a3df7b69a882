// Package reconcile is the reconciliation engine: it hands an owner's tasks and
// instruction to an external reasoner, validates the reply and writes back only
// the fields that actually changed.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/replan/internal/bus"
	"github.com/haricheung/replan/internal/llm"
	"github.com/haricheung/replan/internal/suggest"
	"github.com/haricheung/replan/internal/tasklog"
	"github.com/haricheung/replan/internal/types"
)

// TaskStore is the slice of the record store the engine uses.
type TaskStore interface {
	ListByOwner(ctx context.Context, ownerID string) ([]types.Task, error)
	UpsertMany(ctx context.Context, tasks []types.Task) ([]types.Task, error)
}

// Authorizer decides whether a user may invoke the engine. *access.Gate satisfies it.
type Authorizer interface {
	Authorize(ctx context.Context, userID string) (types.User, error)
}

// Reasoner is the external suggestion engine. *llm.Client satisfies it.
type Reasoner interface {
	Chat(ctx context.Context, system, user string) (string, llm.Usage, error)
}

// Engine runs reconciliations. It is safe for concurrent use; runs for the
// same owner are serialized.
type Engine struct {
	tasks    TaskStore
	gate     Authorizer
	reasoner Reasoner
	asker    Reasoner
	builder  *suggest.Builder
	parser   *suggest.Parser
	b        *bus.Bus
	logs     *tasklog.Registry
	locks    *ownerLocks
}

// New creates an Engine. b and logs may be nil. Dates exchanged with the
// reasoner are rendered and read in loc.
func New(tasks TaskStore, gate Authorizer, reasoner Reasoner, b *bus.Bus, logs *tasklog.Registry, loc *time.Location) *Engine {
	return &Engine{
		tasks:    tasks,
		gate:     gate,
		reasoner: reasoner,
		asker:    reasoner,
		builder:  suggest.NewBuilder(loc),
		parser:   suggest.NewParser(loc),
		b:        b,
		logs:     logs,
		locks:    newOwnerLocks(),
	}
}

// WithAsker routes free-text questions (Ask) to r instead of the rescheduling reasoner.
func (e *Engine) WithAsker(r Reasoner) *Engine {
	e.asker = r
	return e
}

// Reconcile asks the reasoner to reschedule ownerID's tasks according to
// instruction and persists the fields that changed.
//
// The returned error is always a *Failure. A non-nil error means nothing was written.
//
// Expectations:
//   - Non-entitled users get KindEntitlement and the reasoner is never called
//   - An owner with no tasks gets StatusNoTasks and the reasoner is never called
//   - A policy refusal gets KindPolicyRefused with a neutral-wording hint
//   - A malformed reply gets KindResponseFormat and nothing is written
//   - An empty suggestion list gets StatusNoSuggestions and nothing is written
//   - Only tasks owned by ownerID reach the reasoner, whatever the store returns
//   - Candidates for unknown or foreign tasks are dropped without aborting the run
//   - Zero changed tasks gets StatusNoChanges and nothing is written
//   - All changed tasks are written in one batch; a version conflict gets KindConflict
//   - A context cancelled before persistence writes nothing
//   - Runs for the same owner never overlap
func (e *Engine) Reconcile(ctx context.Context, ownerID, instruction string) (Outcome, error) {
	if _, err := e.gate.Authorize(ctx, ownerID); err != nil {
		f := classify(err)
		slog.Info("[ENGINE] reconcile denied", "owner", ownerID, "kind", f.Kind)
		return Outcome{}, f
	}

	unlock, err := e.locks.lock(ctx, ownerID)
	if err != nil {
		return Outcome{}, classify(err)
	}
	defer unlock()

	runID := uuid.New().String()
	rl := e.logs.Open(runID, ownerID, instruction)
	out := Outcome{RunID: runID}
	status := "failed"
	defer func() {
		e.logs.Close(runID, status, tasklog.Counts{
			Candidates:       out.Candidates,
			Changed:          out.Changed,
			ExceededDeadline: out.ExceededDeadline,
			Dropped:          out.Dropped,
		})
		e.b.Emit(types.RoleEngine, types.RoleUser, types.MsgReconcileFinished, types.ReconcileFinished{
			RunID:            runID,
			OwnerID:          ownerID,
			Status:           status,
			Changed:          out.Changed,
			ExceededDeadline: out.ExceededDeadline,
			Dropped:          out.Dropped,
			Candidates:       out.Candidates,
		})
	}()

	fail := func(err error) (Outcome, error) {
		f := classify(err)
		status = "failed:" + string(f.Kind)
		slog.Warn("[ENGINE] reconcile failed", "run", runID, "owner", ownerID, "kind", f.Kind,
			"tokens", rl.TotalTokens(), "error", err)
		return Outcome{}, f
	}
	done := func(s Status) (Outcome, error) {
		out.Status = s
		out.Tokens = rl.TotalTokens()
		status = string(s)
		slog.Info("[ENGINE] reconcile finished", "run", runID, "owner", ownerID, "status", s,
			"changed", out.Changed, "exceeded", out.ExceededDeadline, "dropped", out.Dropped, "tokens", out.Tokens)
		return out, nil
	}

	loaded, err := e.tasks.ListByOwner(ctx, ownerID)
	if err != nil {
		return fail(err)
	}
	owned := ownedBy(loaded, ownerID)
	if n := len(loaded) - len(owned); n > 0 {
		slog.Warn("[ENGINE] store returned foreign tasks; ignored", "run", runID, "owner", ownerID, "count", n)
	}
	rl.Loaded(len(owned))
	if len(owned) == 0 {
		return done(StatusNoTasks)
	}
	e.b.Emit(types.RoleEngine, types.RoleAuditor, types.MsgReconcileStarted, types.ReconcileStarted{
		RunID: runID, OwnerID: ownerID, TaskCount: len(owned),
	})

	req := e.builder.Build(owned, instruction)
	raw, usage, err := e.reasoner.Chat(ctx, req.System, req.User)
	rl.LLMCall("reconcile", req.System, req.User, raw, usage.PromptTokens, usage.CompletionTokens, usage.ElapsedMs, errText(err))
	if err != nil {
		return fail(err)
	}

	candidates, err := e.parser.Parse(raw)
	if err != nil {
		rl.ParseError(err.Error())
		return fail(err)
	}
	out.Candidates = len(candidates)
	if len(candidates) == 0 {
		return done(StatusNoSuggestions)
	}

	res := Merge(owned, candidates, ownerID)
	out.Changed = res.Changed
	out.ExceededDeadline = res.ExceededDeadline
	out.Dropped = len(res.Dropped)
	for _, d := range res.Dropped {
		rl.CandidateDropped(d.Row, d.TaskID, d.Reason)
		e.b.Emit(types.RoleEngine, types.RoleAuditor, types.MsgCandidateDropped, types.CandidateDropped{
			RunID: runID, OwnerID: ownerID, TaskID: d.TaskID, Reason: d.Reason,
		})
	}
	if res.Changed == 0 {
		return done(StatusNoChanges)
	}

	if err := ctx.Err(); err != nil {
		out.Changed = 0
		return fail(err)
	}
	saved, err := e.tasks.UpsertMany(ctx, res.Dirty)
	if err != nil {
		out.Changed = 0
		return fail(err)
	}
	for _, c := range res.Changes {
		rl.TaskChanged(c.TaskID, c.Fields)
	}
	out.Tasks = saved
	e.b.Emit(types.RoleEngine, types.RoleCalendar, types.MsgTasksRescheduled, types.TasksRescheduled{
		RunID: runID, OwnerID: ownerID, Tasks: saved,
	})
	return done(StatusApplied)
}

// ownedBy keeps the tasks whose owner is ownerID, in order.
func ownedBy(tasks []types.Task, ownerID string) []types.Task {
	out := make([]types.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.OwnerID == ownerID {
			out = append(out, t)
		}
	}
	return out
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
