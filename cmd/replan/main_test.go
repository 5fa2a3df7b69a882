package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haricheung/replan/internal/store"
	"github.com/haricheung/replan/internal/types"
)

var berlin = time.FixedZone("CET", 3600)

// --- parseWhen ---

func TestParseWhen_AcceptedLayouts(t *testing.T) {
	// Accepts YYYY-MM-DDTHH:mm:ss, "YYYY-MM-DD HH:mm", YYYY-MM-DDTHH:mm and YYYY-MM-DD
	want := time.Date(2025, 1, 4, 18, 0, 0, 0, berlin)
	for _, in := range []string{"2025-01-04T18:00:00", "2025-01-04 18:00", "2025-01-04T18:00"} {
		got, err := parseWhen(in, berlin)
		if err != nil {
			t.Fatalf("parseWhen(%q): %v", in, err)
		}
		if !got.Equal(want) {
			t.Errorf("parseWhen(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseWhen_RFC3339(t *testing.T) {
	// Accepts RFC 3339 with an explicit offset
	got, err := parseWhen("2025-01-04T18:00:00Z", berlin)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(time.Date(2025, 1, 4, 18, 0, 0, 0, time.UTC)) {
		t.Errorf("got %v", got)
	}
}

func TestParseWhen_DateOnlyIsMidnight(t *testing.T) {
	// Date-only input is midnight in loc
	got, err := parseWhen("2025-01-10", berlin)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(time.Date(2025, 1, 10, 0, 0, 0, 0, berlin)) {
		t.Errorf("got %v", got)
	}
}

func TestParseWhen_Rejects(t *testing.T) {
	// Anything else is an error listing the accepted forms
	_, err := parseWhen("next friday", berlin)
	if err == nil || !strings.Contains(err.Error(), "YYYY-MM-DD") {
		t.Errorf("expected error naming the accepted forms, got %v", err)
	}
}

// --- findOwned ---

func ownedTasks() []types.Task {
	return []types.Task{
		{ID: "abc", Title: "exact"},
		{ID: "abcdef", Title: "longer"},
		{ID: "f00d", Title: "food"},
	}
}

func TestFindOwned_ExactWins(t *testing.T) {
	// An exact id match wins even when it is also a prefix of another id
	got, err := findOwned(ownedTasks(), "abc")
	if err != nil || got.Title != "exact" {
		t.Errorf("got %+v, %v", got, err)
	}
}

func TestFindOwned_UniquePrefix(t *testing.T) {
	// A unique prefix resolves to its task
	got, err := findOwned(ownedTasks(), "f0")
	if err != nil || got.Title != "food" {
		t.Errorf("got %+v, %v", got, err)
	}
}

func TestFindOwned_Ambiguous(t *testing.T) {
	// An ambiguous prefix is an error
	_, err := findOwned(ownedTasks(), "ab")
	if err == nil || !strings.Contains(err.Error(), "ambiguous") {
		t.Errorf("expected ambiguity error, got %v", err)
	}
}

func TestFindOwned_NotFound(t *testing.T) {
	// No match returns store.ErrNotFound
	_, err := findOwned(ownedTasks(), "zzz")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// --- parseREPLLine ---

func TestParseREPLLine_Keywords(t *testing.T) {
	// "list", "help", "exit" and "quit" are recognised in any case
	cases := map[string]string{"LIST": "list", "Help": "help", "exit": "exit", "QUIT": "exit"}
	for in, want := range cases {
		if got := parseREPLLine(in).verb; got != want {
			t.Errorf("parseREPLLine(%q).verb = %q, want %q", in, got, want)
		}
	}
}

func TestParseREPLLine_Ask(t *testing.T) {
	// "ask <text>" carries the text as arg
	c := parseREPLLine("ask   what is due today? ")
	if c.verb != "ask" || c.arg != "what is due today?" {
		t.Errorf("got %+v", c)
	}
}

func TestParseREPLLine_Instruction(t *testing.T) {
	// Any other non-blank line is a reconcile instruction
	c := parseREPLLine("move the gym to Saturday")
	if c.verb != "reconcile" || c.arg != "move the gym to Saturday" {
		t.Errorf("got %+v", c)
	}
}

func TestParseREPLLine_Blank(t *testing.T) {
	// A blank line yields verb ""
	if c := parseREPLLine("   "); c.verb != "" {
		t.Errorf("got %+v", c)
	}
}

// --- setEntitlement ---

type memUsers map[string]types.User

func (m memUsers) GetUser(_ context.Context, id string) (types.User, error) {
	u, ok := m[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	return u, nil
}

func (m memUsers) PutUser(_ context.Context, u types.User) error {
	m[u.ID] = u
	return nil
}

func TestSetEntitlement_Creates(t *testing.T) {
	// Creates the user when it does not exist
	users := memUsers{}
	if err := setEntitlement(context.Background(), users, "alice", true, false); err != nil {
		t.Fatal(err)
	}
	if !users["alice"].Entitled {
		t.Errorf("expected alice entitled, got %+v", users["alice"])
	}
}

func TestSetEntitlement_MustExist(t *testing.T) {
	// With mustExist, an unknown user is an error
	users := memUsers{}
	if err := setEntitlement(context.Background(), users, "bob", true, true); err == nil {
		t.Error("expected error for unknown user")
	}
	if _, ok := users["bob"]; ok {
		t.Error("unknown user must not be created")
	}
}

func TestSetEntitlement_KeepsCreatedAt(t *testing.T) {
	// Keeps CreatedAt of an existing user
	created := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	users := memUsers{"carol": {ID: "carol", Entitled: true, CreatedAt: created}}
	if err := setEntitlement(context.Background(), users, "carol", false, true); err != nil {
		t.Fatal(err)
	}
	got := users["carol"]
	if got.Entitled || !got.CreatedAt.Equal(created) {
		t.Errorf("got %+v", got)
	}
}
