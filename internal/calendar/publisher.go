// Package calendar mirrors rescheduled tasks into an external calendar.
//
// The Publisher listens for TasksRescheduled messages on the bus and hands
// every task to a Sink. Sync failures are logged and counted; they never
// reach the user and never roll back a reconciliation.
package calendar

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haricheung/replan/internal/types"
)

const defaultSyncTimeout = 30 * time.Second

// Sink writes one task to a calendar. Implementations create, update or
// remove the task's event so that it reflects the task's current state.
type Sink interface {
	Sync(ctx context.Context, task types.Task) error
}

// Publisher forwards rescheduled tasks to a Sink.
type Publisher struct {
	sink    Sink
	in      <-chan types.Message
	timeout time.Duration

	mu     sync.Mutex
	synced int
	failed int
}

// NewPublisher creates a Publisher reading from in, normally
// bus.Subscribe(types.MsgTasksRescheduled).
func NewPublisher(sink Sink, in <-chan types.Message) *Publisher {
	return &Publisher{sink: sink, in: in, timeout: defaultSyncTimeout}
}

// Run consumes messages until ctx is cancelled or the channel closes.
//
// Expectations:
//   - Every task of a TasksRescheduled payload is passed to the sink
//   - A sink error for one task does not stop the remaining tasks
//   - Messages of other types are ignored
//   - Returns when ctx is cancelled
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-p.in:
			if !ok {
				return
			}
			p.handle(ctx, msg)
		}
	}
}

func (p *Publisher) handle(ctx context.Context, msg types.Message) {
	if msg.Type != types.MsgTasksRescheduled {
		return
	}
	payload, ok := msg.Payload.(types.TasksRescheduled)
	if !ok {
		slog.Warn("[CAL] unexpected payload", "type", msg.Type)
		return
	}
	for _, task := range payload.Tasks {
		sctx, cancel := context.WithTimeout(ctx, p.timeout)
		err := p.sink.Sync(sctx, task)
		cancel()

		p.mu.Lock()
		if err != nil {
			p.failed++
		} else {
			p.synced++
		}
		p.mu.Unlock()

		if err != nil {
			slog.Warn("[CAL] sync failed", "run", payload.RunID, "task", task.ID, "error", err)
			continue
		}
		slog.Debug("[CAL] synced", "run", payload.RunID, "task", task.ID)
	}
}

// Stats returns the number of successful and failed sync calls so far.
func (p *Publisher) Stats() (synced, failed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synced, p.failed
}
