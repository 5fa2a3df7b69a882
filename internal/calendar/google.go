package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/haricheung/replan/internal/types"
)

// ErrNoToken is returned when no OAuth token has been saved yet. Run
// `replan calendar auth` to obtain one.
var ErrNoToken = errors.New("calendar: no saved oauth token")

// Config locates the Google credentials and the target calendar.
type Config struct {
	Enabled         bool   `toml:"enabled"`
	Name            string `toml:"name"` // calendar summary; "" or "primary" selects the primary calendar
	CredentialsFile string `toml:"credentials_file"`
	TokenFile       string `toml:"token_file"`
}

var scopes = []string{gcal.CalendarEventsScope, gcal.CalendarReadonlyScope}

// OAuthConfig reads the client secrets file downloaded from the Google console.
func OAuthConfig(cfg Config) (*oauth2.Config, error) {
	b, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("calendar: read credentials %s: %w", cfg.CredentialsFile, err)
	}
	oc, err := google.ConfigFromJSON(b, scopes...)
	if err != nil {
		return nil, fmt.Errorf("calendar: parse credentials: %w", err)
	}
	return oc, nil
}

// AuthURL returns the consent URL the user opens to authorize access.
func AuthURL(oc *oauth2.Config) string {
	return oc.AuthCodeURL("replan", oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
}

// Exchange trades an authorization code for a token and saves it to path.
func Exchange(ctx context.Context, oc *oauth2.Config, code, path string) error {
	tok, err := oc.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("calendar: exchange code: %w", err)
	}
	return saveToken(path, tok)
}

func loadToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("calendar: open token: %w", err)
	}
	defer f.Close()
	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("calendar: decode token %s: %w", path, err)
	}
	return tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("calendar: token dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("calendar: save token: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(tok)
}

// GoogleSink keeps one Google Calendar event per scheduled, open task.
type GoogleSink struct {
	srv        *gcal.Service
	calendarID string
	loc        *time.Location
}

// NewGoogleSink authenticates with the saved token and resolves the
// configured calendar by name.
func NewGoogleSink(ctx context.Context, cfg Config, loc *time.Location) (*GoogleSink, error) {
	oc, err := OAuthConfig(cfg)
	if err != nil {
		return nil, err
	}
	tok, err := loadToken(cfg.TokenFile)
	if err != nil {
		return nil, err
	}
	srv, err := gcal.NewService(ctx, option.WithHTTPClient(oc.Client(ctx, tok)))
	if err != nil {
		return nil, fmt.Errorf("calendar: new service: %w", err)
	}
	id, err := resolveCalendar(ctx, srv, cfg.Name)
	if err != nil {
		return nil, err
	}
	slog.Info("[CAL] google calendar ready", "calendar", id)
	return NewGoogleSinkWithService(srv, id, loc), nil
}

// NewGoogleSinkWithService wraps an existing service and calendar id.
func NewGoogleSinkWithService(srv *gcal.Service, calendarID string, loc *time.Location) *GoogleSink {
	if loc == nil {
		loc = time.UTC
	}
	return &GoogleSink{srv: srv, calendarID: calendarID, loc: loc}
}

func resolveCalendar(ctx context.Context, srv *gcal.Service, name string) (string, error) {
	if name == "" || name == "primary" {
		return "primary", nil
	}
	list, err := srv.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("calendar: list calendars: %w", err)
	}
	for _, item := range list.Items {
		if item.Summary == name {
			return item.Id, nil
		}
	}
	return "", fmt.Errorf("calendar: %q not found", name)
}

// Sync creates, patches or deletes the event for task.
//
// Expectations:
//   - A scheduled open task without an event gets one inserted
//   - An existing event is patched only when it differs
//   - The event is deleted once the task is completed or unscheduled
func (g *GoogleSink) Sync(ctx context.Context, task types.Task) error {
	existing, err := g.find(ctx, task.ID)
	if err != nil {
		return err
	}

	if !wantsEvent(task) {
		if existing == nil {
			return nil
		}
		if err := g.srv.Events.Delete(g.calendarID, existing.Id).Context(ctx).Do(); err != nil {
			return fmt.Errorf("calendar: delete event %s: %w", existing.Id, err)
		}
		return nil
	}

	target := toEvent(task, g.loc)
	if existing == nil {
		if _, err := g.srv.Events.Insert(g.calendarID, target).Context(ctx).Do(); err != nil {
			return fmt.Errorf("calendar: insert event for %s: %w", task.ID, err)
		}
		return nil
	}
	patch := eventPatch(existing, target)
	if patch == nil {
		return nil
	}
	if _, err := g.srv.Events.Patch(g.calendarID, existing.Id, patch).Context(ctx).Do(); err != nil {
		return fmt.Errorf("calendar: patch event %s: %w", existing.Id, err)
	}
	return nil
}

func (g *GoogleSink) find(ctx context.Context, taskID string) (*gcal.Event, error) {
	events, err := g.srv.Events.List(g.calendarID).
		PrivateExtendedProperty(fmt.Sprintf("%s=%s", taskIDProperty, taskID)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("calendar: find event for %s: %w", taskID, err)
	}
	if len(events.Items) == 0 {
		return nil, nil
	}
	return events.Items[0], nil
}
