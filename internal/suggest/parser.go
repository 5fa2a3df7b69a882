package suggest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/haricheung/replan/internal/llm"
	"github.com/haricheung/replan/internal/types"
)

// Candidate is one untrusted, partial task update proposed by the reasoner.
// A nil field means the reasoner expressed no opinion about it.
type Candidate struct {
	Row             int
	ID              string
	ScheduledAt     *time.Time
	Deadline        *time.Time
	DurationMinutes *int
	Completed       *bool
	Priority        *types.Priority
}

// Issue is one violation of the reply contract.
// Row is the array index (-1 for the whole reply); Field is the canonical field name.
type Issue struct {
	Row     int    `json:"row"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	switch {
	case i.Row < 0:
		return i.Message
	case i.Field == "":
		return fmt.Sprintf("row %d: %s", i.Row, i.Message)
	default:
		return fmt.Sprintf("row %d %s: %s", i.Row, i.Field, i.Message)
	}
}

// FormatError reports that the reasoner's reply broke the output contract.
// It never wraps a transport error.
type FormatError struct {
	Issues []Issue
}

func (e *FormatError) Error() string {
	const maxShown = 5
	parts := make([]string, 0, maxShown)
	for i, is := range e.Issues {
		if i == maxShown {
			parts = append(parts, fmt.Sprintf("(+%d more)", len(e.Issues)-maxShown))
			break
		}
		parts = append(parts, is.String())
	}
	return "suggest: response format: " + strings.Join(parts, "; ")
}

// IsFormatError reports whether err carries a *FormatError.
func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}

func formatErr(row int, field, msg string) *FormatError {
	return &FormatError{Issues: []Issue{{Row: row, Field: field, Message: msg}}}
}

// canonicalFields lists the names the reasoner may use, in any letter case.
var canonicalFields = []string{
	"id", "title", "scheduledAt", "deadline", "durationMinutes", "completed", "priority", "difficulty",
}

// Parser decodes reasoner replies. It is safe for concurrent use.
type Parser struct {
	loc *time.Location
}

// NewParser returns a Parser reading dates in loc (UTC when nil).
// loc must match the Builder's location for dates to round-trip.
func NewParser(loc *time.Location) *Parser {
	if loc == nil {
		loc = time.UTC
	}
	return &Parser{loc: loc}
}

// Parse turns raw reply text into candidates.
//
// Expectations:
//   - Strips ``` fences, <think> blocks and surrounding whitespace before decoding
//   - Matches field names case-insensitively ("ScheduledAt", "SCHEDULEDAT")
//   - Returns *FormatError when one row spells the same field in two letter cases
//   - Returns an empty non-nil slice for "[]"
//   - Treats absent and null fields alike as nil
//   - Accepts priority as an integer 1..4 or a level name
//   - Returns *FormatError for malformed JSON, a non-array top level, non-object rows,
//     trailing data, out-of-range values or dates not in DateLayout
//   - Keeps rows with a missing or blank id; the merge drops them
func (p *Parser) Parse(raw string) ([]Candidate, error) {
	text := llm.StripFences(raw)
	if text == "" {
		return nil, formatErr(-1, "", "empty reply")
	}

	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, formatErr(-1, "", "invalid JSON: "+err.Error())
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, formatErr(-1, "", "unexpected data after the JSON array")
	}

	rows, ok := v.([]any)
	if !ok {
		return nil, formatErr(-1, "", fmt.Sprintf("expected a JSON array, got %s", jsonKind(v)))
	}
	var dupes []Issue
	for i, r := range rows {
		obj, ok := r.(map[string]any)
		if !ok {
			return nil, formatErr(i, "", fmt.Sprintf("expected an object, got %s", jsonKind(r)))
		}
		canon, rowIssues := canonicalize(i, obj)
		rows[i] = canon
		dupes = append(dupes, rowIssues...)
	}
	if len(dupes) > 0 {
		return nil, &FormatError{Issues: dupes}
	}

	if issues := validateShape(rows); len(issues) > 0 {
		return nil, &FormatError{Issues: issues}
	}

	out := make([]Candidate, 0, len(rows))
	var issues []Issue
	for i, r := range rows {
		c, rowIssues := p.candidate(i, r.(map[string]any))
		issues = append(issues, rowIssues...)
		out = append(out, c)
	}
	if len(issues) > 0 {
		return nil, &FormatError{Issues: issues}
	}
	return out, nil
}

// candidate extracts one schema-valid row.
func (p *Parser) candidate(row int, obj map[string]any) (Candidate, []Issue) {
	c := Candidate{Row: row}
	var issues []Issue
	bad := func(field, msg string) {
		issues = append(issues, Issue{Row: row, Field: field, Message: msg})
	}

	if s, ok := obj["id"].(string); ok {
		c.ID = strings.TrimSpace(s)
	}
	for _, field := range []string{"scheduledAt", "deadline"} {
		s, ok := obj[field].(string)
		if !ok {
			continue
		}
		t, err := time.ParseInLocation(DateLayout, s, p.loc)
		if err != nil {
			bad(field, fmt.Sprintf("%q is not a valid YYYY-MM-DDTHH:mm:ss date", s))
			continue
		}
		if field == "scheduledAt" {
			c.ScheduledAt = &t
		} else {
			c.Deadline = &t
		}
	}
	if n, ok := obj["durationMinutes"].(json.Number); ok {
		// The schema admits 90.0 as an integer.
		f, err := strconv.ParseFloat(n.String(), 64)
		if err != nil {
			bad("durationMinutes", err.Error())
		} else {
			d := int(f)
			c.DurationMinutes = &d
		}
	}
	if b, ok := obj["completed"].(bool); ok {
		c.Completed = &b
	}
	switch v := obj["priority"].(type) {
	case json.Number:
		if pr, err := types.ParsePriority(v.String()); err != nil {
			bad("priority", err.Error())
		} else {
			c.Priority = &pr
		}
	case string:
		if pr, err := types.ParsePriority(v); err != nil {
			bad("priority", err.Error())
		} else {
			c.Priority = &pr
		}
	}
	return c, issues
}

// canonicalize renames known keys to their canonical spelling.
// Unknown keys are kept as they are. A known field spelled more than one way
// in the same row is reported, since no spelling can be preferred.
func canonicalize(row int, obj map[string]any) (map[string]any, []Issue) {
	out := make(map[string]any, len(obj))
	seen := make(map[string]int, len(obj))
	for k, v := range obj {
		key := k
		for _, name := range canonicalFields {
			if strings.EqualFold(k, name) {
				key = name
				break
			}
		}
		seen[key]++
		out[key] = v
	}
	var issues []Issue
	for _, name := range canonicalFields {
		if seen[name] > 1 {
			issues = append(issues, Issue{Row: row, Field: name, Message: "field appears more than once with different letter case"})
		}
	}
	return out, issues
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "an object"
	case []any:
		return "an array"
	case string:
		return "a string"
	case bool:
		return "a boolean"
	case json.Number:
		return "a number"
	default:
		return fmt.Sprintf("%T", v)
	}
}
