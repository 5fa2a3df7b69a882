package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/haricheung/replan/internal/types"
)

// ANSI codes
const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiDim    = "\033[2m"
	ansiCyan   = "\033[36m"
	ansiYellow = "\033[33m"
	ansiGreen  = "\033[32m"
	ansiRed    = "\033[31m"
)

var roleEmoji = map[types.Role]string{
	types.RoleUser:     "👤",
	types.RoleGate:     "🔐",
	types.RoleEngine:   "⚙️ ",
	types.RoleStore:    "💾",
	types.RoleAuditor:  "📡",
	types.RoleCalendar: "📅",
}

var msgColor = map[types.MessageType]string{
	types.MsgReconcileStarted:  ansiCyan,
	types.MsgCandidateDropped:  ansiRed,
	types.MsgTasksRescheduled:  ansiYellow,
	types.MsgReconcileFinished: ansiGreen,
}

var msgStatus = map[types.MessageType]string{
	types.MsgReconcileStarted: "⚙️  asking the assistant...",
	types.MsgCandidateDropped: "⚙️  checking suggestions...",
	types.MsgTasksRescheduled: "📅 updating calendar...",
}

// DisplayTypes are the bus message types a Display renders.
var DisplayTypes = []types.MessageType{
	types.MsgReconcileStarted,
	types.MsgCandidateDropped,
	types.MsgTasksRescheduled,
	types.MsgReconcileFinished,
}

// dynamicStatus returns a spinner label for msg, enriched with payload detail
// where the static label alone is not informative enough.
func dynamicStatus(msg types.Message) string {
	if msg.Type == types.MsgReconcileStarted {
		var s types.ReconcileStarted
		if remarshal(msg.Payload, &s) == nil && s.TaskCount > 0 {
			return fmt.Sprintf("⚙️  asking the assistant about %s...", plural(s.TaskCount, "task"))
		}
	}
	return msgStatus[msg.Type]
}

var spinRunes = []rune("⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏")

// Display renders the reconciliation flow of one terminal session. It reads
// from a bus subscription to DisplayTypes and animates a spinner between events.
type Display struct {
	in      <-chan types.Message
	out     io.Writer
	mu      sync.Mutex
	status  string
	started time.Time
	inRun   bool
	spinIdx int
}

// New creates a Display reading from in and writing to out.
func New(in <-chan types.Message, out io.Writer) *Display {
	return &Display{in: in, out: out}
}

// Run is the main goroutine. All terminal writes happen here.
func (d *Display) Run(ctx context.Context) {
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprint(d.out, "\r\033[K")
			return

		case msg, ok := <-d.in:
			if !ok {
				return
			}
			d.handle(msg)

		case <-ticker.C:
			d.mu.Lock()
			in, status := d.inRun, d.status
			d.mu.Unlock()
			if !in {
				continue
			}
			frame := spinRunes[d.spinIdx%len(spinRunes)]
			d.spinIdx++
			fmt.Fprintf(d.out, "\r%s%s%s %s", ansiCyan, string(frame), ansiReset, status)
		}
	}
}

// handle renders one message. A run box opens on ReconcileStarted and closes
// on ReconcileFinished; messages outside a box are not drawn.
func (d *Display) handle(msg types.Message) {
	if msg.Type == types.MsgReconcileStarted {
		d.startRun()
	}
	d.mu.Lock()
	in := d.inRun
	d.mu.Unlock()
	if !in {
		return
	}
	fmt.Fprint(d.out, "\r\033[K")
	d.printFlow(msg)
	d.setStatus(dynamicStatus(msg))
	if msg.Type == types.MsgReconcileFinished {
		var f types.ReconcileFinished
		_ = remarshal(msg.Payload, &f)
		d.endRun(!strings.HasPrefix(f.Status, "failed"))
	}
}

// Settle waits up to timeout for queued events to render and an open run box
// to close, so the caller's summary is printed below it.
func (d *Display) Settle(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		busy := d.inRun || len(d.in) > 0
		d.mu.Unlock()
		if !busy {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (d *Display) startRun() {
	d.mu.Lock()
	d.started = time.Now()
	d.inRun = true
	d.mu.Unlock()
	d.setStatus("loading tasks...")
	fmt.Fprintf(d.out, "\n%s┌─── 🗓  replan %s%s\n", ansiDim, strings.Repeat("─", 40), ansiReset)
}

func (d *Display) endRun(success bool) {
	d.mu.Lock()
	d.inRun = false
	elapsed := time.Since(d.started).Round(time.Millisecond)
	d.mu.Unlock()
	icon := "✅"
	if !success {
		icon = "❌"
	}
	fmt.Fprintf(d.out, "\r\033[K%s└─── %s  %v %s%s\n", ansiDim, icon, elapsed, strings.Repeat("─", 35), ansiReset)
}

func (d *Display) setStatus(s string) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}

func (d *Display) printFlow(msg types.Message) {
	from := roleLabel(msg.From)
	to := roleLabel(msg.To)

	label := string(msg.Type)
	if det := msgDetail(msg); det != "" {
		label += ": " + det
	}
	color := msgColor[msg.Type]
	if color == "" {
		color = ansiDim
	}
	fmt.Fprintf(d.out, "  %s ──[%s%s%s]──► %s\n", from, color, label, ansiReset, to)
}

func roleLabel(r types.Role) string {
	emoji, ok := roleEmoji[r]
	if !ok {
		emoji = "•"
	}
	return emoji + " " + string(r)
}

// msgDetail summarizes a payload for the flow line.
//
// Expectations:
//   - ReconcileStarted: "N tasks"
//   - CandidateDropped: "<task id>: <reason>", or the reason alone without an id
//   - TasksRescheduled: "N tasks"
//   - ReconcileFinished: status plus changed count, and the late count when non-zero
//   - Unknown payloads yield ""
func msgDetail(msg types.Message) string {
	switch msg.Type {
	case types.MsgReconcileStarted:
		var s types.ReconcileStarted
		if remarshal(msg.Payload, &s) == nil {
			return plural(s.TaskCount, "task")
		}
	case types.MsgCandidateDropped:
		var c types.CandidateDropped
		if remarshal(msg.Payload, &c) == nil && c.Reason != "" {
			if c.TaskID == "" {
				return c.Reason
			}
			return clip(c.TaskID, 12) + ": " + c.Reason
		}
	case types.MsgTasksRescheduled:
		var r types.TasksRescheduled
		if remarshal(msg.Payload, &r) == nil {
			return plural(len(r.Tasks), "task")
		}
	case types.MsgReconcileFinished:
		var f types.ReconcileFinished
		if remarshal(msg.Payload, &f) == nil && f.Status != "" {
			s := fmt.Sprintf("%s, %d changed", f.Status, f.Changed)
			if f.ExceededDeadline > 0 {
				s += fmt.Sprintf(", %d late", f.ExceededDeadline)
			}
			return s
		}
	}
	return ""
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

// clip truncates s to at most n terminal cells, appending "…" if trimmed.
func clip(s string, n int) string {
	return runewidth.Truncate(s, n, "…")
}

func remarshal(src, dst any) error {
	b, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
