package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/haricheung/replan/internal/llm"
	"github.com/haricheung/replan/internal/tasklog"
)

const askSystemPrompt = "You are a helpful personal assistant for someone organizing their tasks. Answer briefly and practically."

const maxAskRunes = 2000

// Ask forwards a free-text question to the assistant and returns its answer.
// It is gated like Reconcile and touches no tasks.
//
// Expectations:
//   - Non-entitled users get KindEntitlement and the assistant is never called
//   - A blank prompt gets KindInvalidInput and the assistant is never called
//   - Reasoning blocks are stripped from the answer
//   - Errors map onto the same taxonomy as Reconcile
func (e *Engine) Ask(ctx context.Context, userID, prompt string) (string, error) {
	if _, err := e.gate.Authorize(ctx, userID); err != nil {
		return "", classify(err)
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", &Failure{Kind: KindInvalidInput, Message: msgBlankPrompt, Err: errors.New("reconcile: blank prompt")}
	}
	if r := []rune(prompt); len(r) > maxAskRunes {
		prompt = string(r[:maxAskRunes])
	}

	runID := uuid.New().String()
	rl := e.logs.Open(runID, userID, prompt)
	status := "answered"
	defer func() { e.logs.Close(runID, status, tasklog.Counts{}) }()

	raw, usage, err := e.asker.Chat(ctx, askSystemPrompt, prompt)
	rl.LLMCall("ask", askSystemPrompt, prompt, raw, usage.PromptTokens, usage.CompletionTokens, usage.ElapsedMs, errText(err))
	if err != nil {
		f := classify(err)
		status = "failed:" + string(f.Kind)
		slog.Warn("[ENGINE] ask failed", "user", userID, "kind", f.Kind, "error", err)
		return "", f
	}
	answer := llm.StripThinkBlocks(raw)
	if answer == "" {
		status = "failed:" + string(KindTechnical)
		return "", classify(llm.ErrEmptyResponse)
	}
	return answer, nil
}
