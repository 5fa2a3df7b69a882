package calendar

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haricheung/replan/internal/bus"
	"github.com/haricheung/replan/internal/types"
)

type fakeSink struct {
	mu    sync.Mutex
	seen  []string
	fail  map[string]bool
	calls chan string
}

func newFakeSink(fail ...string) *fakeSink {
	f := &fakeSink{fail: map[string]bool{}, calls: make(chan string, 16)}
	for _, id := range fail {
		f.fail[id] = true
	}
	return f
}

func (f *fakeSink) Sync(_ context.Context, task types.Task) error {
	f.mu.Lock()
	f.seen = append(f.seen, task.ID)
	f.mu.Unlock()
	f.calls <- task.ID
	if f.fail[task.ID] {
		return errors.New("boom")
	}
	return nil
}

func waitCalls(t *testing.T, f *fakeSink, n int) []string {
	t.Helper()
	var got []string
	for len(got) < n {
		select {
		case id := <-f.calls:
			got = append(got, id)
		case <-time.After(time.Second):
			t.Fatalf("got %d sync calls, want %d", len(got), n)
		}
	}
	return got
}

func TestPublisher_SyncsEveryTask(t *testing.T) {
	// Every task of a TasksRescheduled payload is passed to the sink
	// A sink error for one task does not stop the remaining tasks
	b := bus.New()
	sink := newFakeSink("A")
	p := NewPublisher(sink, b.Subscribe(types.MsgTasksRescheduled))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	b.Emit(types.RoleEngine, types.RoleCalendar, types.MsgTasksRescheduled, types.TasksRescheduled{
		RunID: "r1", OwnerID: "alice", Tasks: []types.Task{{ID: "A"}, {ID: "B"}},
	})
	got := waitCalls(t, sink, 2)
	if got[0] != "A" || got[1] != "B" {
		t.Errorf("sync order = %v", got)
	}
	// Stats are updated after Sync returns; poll briefly.
	deadline := time.Now().Add(time.Second)
	for {
		synced, failed := p.Stats()
		if synced == 1 && failed == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stats = %d/%d, want 1/1", synced, failed)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPublisher_IgnoresOtherTypes(t *testing.T) {
	// Messages of other types are ignored
	in := make(chan types.Message, 2)
	sink := newFakeSink()
	p := NewPublisher(sink, in)
	in <- types.Message{Type: types.MsgReconcileFinished, Payload: types.ReconcileFinished{}}
	close(in)
	p.Run(context.Background())
	if len(sink.seen) != 0 {
		t.Errorf("sink called for %v", sink.seen)
	}
}

func TestPublisher_StopsOnCancel(t *testing.T) {
	// Returns when ctx is cancelled
	p := NewPublisher(newFakeSink(), make(chan types.Message))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
