package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/haricheung/replan/internal/access"
	"github.com/haricheung/replan/internal/auditor"
	"github.com/haricheung/replan/internal/bus"
	"github.com/haricheung/replan/internal/calendar"
	"github.com/haricheung/replan/internal/config"
	"github.com/haricheung/replan/internal/llm"
	"github.com/haricheung/replan/internal/logging"
	"github.com/haricheung/replan/internal/reconcile"
	"github.com/haricheung/replan/internal/store"
	"github.com/haricheung/replan/internal/tasklog"
	"github.com/haricheung/replan/internal/types"
	"github.com/haricheung/replan/internal/ui"
)

// app holds the wired components for one command invocation.
type app struct {
	cfg    *config.Config
	loc    *time.Location
	store  *store.Store
	bus    *bus.Bus
	engine *reconcile.Engine
	disp   *ui.Display

	debugLog io.Closer
}

// loadApp reads configuration, installs the logger and opens the store.
func loadApp(opts *globalOpts) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.dataDir != "" {
		cfg.DataDir = opts.dataDir
	}
	if opts.testMode {
		cfg.LLM.TestMode = true
	}
	if err := logging.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}

	// Prompt and response dumps from the llm client go to a file, not the terminal.
	debug, err := os.OpenFile(cfg.LLMDebugPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("llm debug log: %w", err)
	}
	log.SetOutput(debug)

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		debug.Close()
		return nil, err
	}
	return &app{cfg: cfg, loc: loc, store: st, debugLog: debug}, nil
}

// startEngine wires the reasoner, bus, run logs, auditor and calendar
// publisher. Background consumers stop when ctx is cancelled.
func (a *app) startEngine(ctx context.Context) error {
	reasoner := llm.New(a.cfg.LLM)
	if err := reasoner.Validate(); err != nil {
		return err
	}
	askCfg := a.cfg.LLM
	askCfg.Label = "ASK"
	askCfg.Simulated = llm.SimulatedAnswer
	asker := llm.New(askCfg)
	if reasoner.TestMode() {
		slog.Info("[APP] test mode: assistant replies are simulated")
	}

	a.bus = bus.New()
	logs := tasklog.NewRegistry(a.cfg.RunLogDir())
	aud := auditor.New(a.bus.Tap(), a.cfg.AuditPath())
	go aud.Run(ctx)

	if a.cfg.Calendar.Enabled {
		sink, err := calendar.NewGoogleSink(ctx, a.cfg.Calendar, a.loc)
		if err != nil {
			slog.Warn("[APP] calendar sync disabled", "error", err)
		} else {
			pub := calendar.NewPublisher(sink, a.bus.Subscribe(types.MsgTasksRescheduled))
			go pub.Run(ctx)
		}
	}

	a.engine = reconcile.New(a.store, access.New(a.store), reasoner, a.bus, logs, a.loc).WithAsker(asker)
	return nil
}

// startDisplay renders reconciliation progress to w until ctx is cancelled.
// Later calls return the display already running.
func (a *app) startDisplay(ctx context.Context, w io.Writer) *ui.Display {
	if a.disp != nil {
		return a.disp
	}
	a.disp = ui.New(a.bus.Subscribe(ui.DisplayTypes...), w)
	go a.disp.Run(ctx)
	return a.disp
}

// close lets background consumers drain, stops them via cancel and closes the store.
func (a *app) close(cancel context.CancelFunc) {
	if a.bus != nil {
		time.Sleep(200 * time.Millisecond)
	}
	cancel()
	if err := a.store.Close(); err != nil {
		slog.Warn("[APP] close store", "error", err)
	}
	a.debugLog.Close()
}
