package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"github.com/haricheung/replan/internal/ui"
)

const replHelp = `commands:
  list              show your tasks
  ask <question>    free-text question to the assistant
  help              this message
  exit | quit       leave
anything else is sent as a rescheduling instruction`

// replCommand is one parsed REPL line.
type replCommand struct {
	verb string // list | ask | help | exit | reconcile
	arg  string
}

// parseREPLLine classifies a line typed at the prompt.
//
// Expectations:
//   - "list", "help", "exit" and "quit" are recognised in any case
//   - "ask <text>" carries the text as arg
//   - Any other non-blank line is a reconcile instruction
//   - A blank line yields verb ""
func parseREPLLine(line string) replCommand {
	line = strings.TrimSpace(line)
	if line == "" {
		return replCommand{}
	}
	head, rest, _ := strings.Cut(line, " ")
	switch strings.ToLower(head) {
	case "list", "ls":
		return replCommand{verb: "list"}
	case "help", "?":
		return replCommand{verb: "help"}
	case "exit", "quit":
		return replCommand{verb: "exit"}
	case "ask":
		return replCommand{verb: "ask", arg: strings.TrimSpace(rest)}
	}
	return replCommand{verb: "reconcile", arg: line}
}

func runREPL(ctx context.Context, a *app, user string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "replan> ",
		HistoryFile:     filepath.Join(a.cfg.DataDir, "repl_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	fmt.Printf("replan %s as %s (type 'help' for commands)\n", Version, user)

	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		c := parseREPLLine(line)
		switch c.verb {
		case "":
			continue
		case "exit":
			return nil
		case "help":
			fmt.Println(replHelp)
		case "list":
			tasks, err := a.store.ListByOwner(ctx, user)
			if err != nil {
				ui.RenderError(os.Stdout, err)
				continue
			}
			ui.RenderTasks(os.Stdout, tasks, a.loc)
		case "ask":
			if err := runAsk(ctx, a, user, c.arg); err != nil && !errors.Is(err, errReported) {
				return err
			}
		case "reconcile":
			if err := runReconcile(ctx, a, user, c.arg); err != nil && !errors.Is(err, errReported) {
				return err
			}
		}
	}
}
