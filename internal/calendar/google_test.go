package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/haricheung/replan/internal/types"
)

// fakeCalendarAPI serves the handful of Events endpoints GoogleSink uses.
type fakeCalendarAPI struct {
	mu       sync.Mutex
	existing []*gcal.Event
	calls    []string
}

func (f *fakeCalendarAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)
	existing := f.existing
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch r.Method {
	case http.MethodGet:
		json.NewEncoder(w).Encode(&gcal.Events{Items: existing})
	case http.MethodPost, http.MethodPatch:
		var ev gcal.Event
		json.NewDecoder(r.Body).Decode(&ev)
		ev.Id = "evt1"
		json.NewEncoder(w).Encode(&ev)
	case http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (f *fakeCalendarAPI) lastCall() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func newTestSink(t *testing.T, api *fakeCalendarAPI) *GoogleSink {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	svc, err := gcal.NewService(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return NewGoogleSinkWithService(svc, "primary", time.UTC)
}

func TestGoogleSink_InsertsNewEvent(t *testing.T) {
	// A scheduled open task without an event gets one inserted
	api := &fakeCalendarAPI{}
	sched := time.Date(2025, 1, 5, 9, 0, 0, 0, time.UTC)
	if err := newTestSink(t, api).Sync(context.Background(), scheduledTask(sched, sched)); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got := api.lastCall(); got != "POST /calendars/primary/events" {
		t.Errorf("last call = %q", got)
	}
}

func TestGoogleSink_PatchOnlyWhenDifferent(t *testing.T) {
	// An existing event is patched only when it differs
	sched := time.Date(2025, 1, 5, 9, 0, 0, 0, time.UTC)
	task := scheduledTask(sched, sched)
	current := toEvent(task, time.UTC)
	current.Id = "evt1"
	api := &fakeCalendarAPI{existing: []*gcal.Event{current}}
	sink := newTestSink(t, api)

	if err := sink.Sync(context.Background(), task); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got := api.lastCall(); got != "GET /calendars/primary/events" {
		t.Errorf("unchanged event touched: %q", got)
	}

	moved := sched.Add(24 * time.Hour)
	task.ScheduledAt = &moved
	if err := sink.Sync(context.Background(), task); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got := api.lastCall(); got != "PATCH /calendars/primary/events/evt1" {
		t.Errorf("last call = %q", got)
	}
}

func TestGoogleSink_DeletesCompleted(t *testing.T) {
	// The event is deleted once the task is completed or unscheduled
	existing := &gcal.Event{Id: "evt1"}
	api := &fakeCalendarAPI{existing: []*gcal.Event{existing}}
	sink := newTestSink(t, api)
	sched := time.Date(2025, 1, 5, 9, 0, 0, 0, time.UTC)
	task := scheduledTask(sched, sched)
	task.Completed = true
	if err := sink.Sync(context.Background(), task); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got := api.lastCall(); got != "DELETE /calendars/primary/events/evt1" {
		t.Errorf("last call = %q", got)
	}

	api2 := &fakeCalendarAPI{}
	if err := newTestSink(t, api2).Sync(context.Background(), types.Task{ID: "B"}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got := api2.lastCall(); got != "GET /calendars/primary/events" {
		t.Errorf("unscheduled task without event must only look up: %q", got)
	}
}

func TestLoadToken_Missing(t *testing.T) {
	_, err := loadToken(filepath.Join(t.TempDir(), "token.json"))
	if !errors.Is(err, ErrNoToken) {
		t.Errorf("err = %v, want ErrNoToken", err)
	}
}
