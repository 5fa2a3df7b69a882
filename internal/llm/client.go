package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrPolicyRefused is returned when the provider's content filter rejected
	// the prompt or truncated the completion.
	ErrPolicyRefused = errors.New("llm: refused by content policy")
	// ErrEmptyResponse is returned when the provider answered without content.
	ErrEmptyResponse = errors.New("llm: empty response")
)

// SimulatedResponse is returned in test mode instead of calling the provider.
const SimulatedResponse = "```json\n[]\n```"

// SimulatedAnswer is the test-mode reply for free-text questions.
const SimulatedAnswer = "[test mode] simulated answer"

const (
	defaultTemperature = 0.1
	defaultMaxTokens   = 4000
	defaultTimeout     = 120 * time.Second
	simulatedDelay     = 500 * time.Millisecond
)

// Config holds the connection settings for one OpenAI-compatible endpoint.
type Config struct {
	BaseURL     string        `toml:"base_url"`
	APIKey      string        `toml:"api_key"`
	Model       string        `toml:"model"`
	Temperature float64       `toml:"temperature"`
	MaxTokens   int           `toml:"max_tokens"`
	Timeout     time.Duration `toml:"-"`
	TimeoutSecs int           `toml:"timeout_seconds"`
	TestMode    bool          `toml:"test_mode"`
	Simulated   string        `toml:"-"` // test-mode reply; SimulatedResponse when empty
	Label       string        `toml:"-"` // tag used in log lines (e.g. "LLM", "ASK")
}

// WithEnv overlays environment variables on c. For each key it first tries
// {prefix}_{KEY}; if unset it falls back to the shared OPENAI_{KEY}. Unset
// variables leave the existing value in place.
//
// Example: prefix "REPLAN" resolves credentials as:
//
//	REPLAN_API_KEY   → OPENAI_API_KEY
//	REPLAN_BASE_URL  → OPENAI_BASE_URL
//	REPLAN_MODEL     → OPENAI_MODEL
//	REPLAN_TEST_MODE (no fallback)
//
// Expectations:
//   - Uses {prefix}_API_KEY / _BASE_URL / _MODEL when set and non-empty
//   - Falls back to OPENAI_* vars for any unset prefixed var
//   - Keeps the existing value when neither variable is set
//   - Sets TestMode when {prefix}_TEST_MODE parses as true
//   - Empty prefix reads only OPENAI_*
func (c Config) WithEnv(prefix string) Config {
	get := func(suffix, fallback string) string {
		if prefix != "" {
			if v := os.Getenv(prefix + "_" + suffix); v != "" {
				return v
			}
		}
		return os.Getenv(fallback)
	}
	if v := get("API_KEY", "OPENAI_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := get("BASE_URL", "OPENAI_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := get("MODEL", "OPENAI_MODEL"); v != "" {
		c.Model = v
	}
	if prefix != "" {
		if b, err := strconv.ParseBool(os.Getenv(prefix + "_TEST_MODE")); err == nil {
			c.TestMode = b
		}
	}
	return c
}

// Client is an OpenAI-compatible LLM client.
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	label       string
	temperature float64
	maxTokens   int
	testMode    bool
	simulated   string
	simDelay    time.Duration
	httpClient  *http.Client
}

// normalizeBaseURL strips trailing slashes and the "/chat/completions" suffix
// from a raw base URL so the path is never doubled when the client appends
// "/chat/completions" itself.
//
// Expectations:
//   - Strips a trailing "/chat/completions" suffix
//   - Strips a trailing slash without "/chat/completions"
//   - Strips trailing slash AND "/chat/completions" when both are present
//   - Returns the URL unchanged when neither suffix is present
//   - Returns "" for empty input
func normalizeBaseURL(raw string) string {
	s := strings.TrimRight(raw, "/")
	return strings.TrimSuffix(s, "/chat/completions")
}

// New creates a Client from cfg, filling defaults for zero values.
//
// Expectations:
//   - Temperature defaults to 0.1 and MaxTokens to 4000 when zero
//   - Timeout falls back to TimeoutSecs, then to 120s
//   - Label defaults to "LLM"
func New(cfg Config) *Client {
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Timeout == 0 && cfg.TimeoutSecs > 0 {
		cfg.Timeout = time.Duration(cfg.TimeoutSecs) * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Label == "" {
		cfg.Label = "LLM"
	}
	if cfg.Simulated == "" {
		cfg.Simulated = SimulatedResponse
	}
	return &Client{
		baseURL:     normalizeBaseURL(cfg.BaseURL),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		label:       cfg.Label,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		testMode:    cfg.TestMode,
		simulated:   cfg.Simulated,
		simDelay:    simulatedDelay,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
	}
}

// Validate reports which connection settings are missing.
// Test-mode clients never touch the network and always validate.
//
// Expectations:
//   - Returns nil when all three fields (baseURL, apiKey, model) are non-empty
//   - Returns nil in test mode regardless of fields
//   - Returns error listing all missing fields comma-separated
//   - Error message includes the client label
func (c *Client) Validate() error {
	if c.testMode {
		return nil
	}
	var missing []string
	if c.baseURL == "" {
		missing = append(missing, "base URL")
	}
	if c.apiKey == "" {
		missing = append(missing, "API key")
	}
	if c.model == "" {
		missing = append(missing, "model")
	}
	if len(missing) > 0 {
		return fmt.Errorf("llm [%s]: missing %s", c.label, strings.Join(missing, ", "))
	}
	return nil
}

// TestMode reports whether the client returns a simulated reply instead of calling out.
func (c *Client) TestMode() bool { return c.testMode }

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []chatMsg `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token consumption for one LLM call.
type Usage struct {
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	TotalTokens      int   `json:"total_tokens"`
	ElapsedMs        int64 `json:"elapsed_ms"`
}

type apiError struct {
	Message    string `json:"message"`
	Code       string `json:"code"`
	InnerError *struct {
		Code string `json:"code"`
	} `json:"innererror,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage     `json:"usage"`
	Error *apiError `json:"error,omitempty"`
}

// isPolicyError reports whether an API error came from the content filter.
func isPolicyError(e *apiError) bool {
	if e == nil {
		return false
	}
	if strings.EqualFold(e.Code, "content_filter") {
		return true
	}
	return e.InnerError != nil && strings.EqualFold(e.InnerError.Code, "ResponsibleAIPolicyViolation")
}

// Chat sends a system + user prompt and returns the assistant's text response and token usage.
//
// Expectations:
//   - Sends model, both messages, temperature and max_tokens
//   - Returns ErrPolicyRefused for HTTP 400 with a content_filter error code
//   - Returns ErrPolicyRefused when finish_reason is "content_filter"
//   - Returns ErrEmptyResponse for no choices or blank content
//   - Returns a plain wrapped error for any other non-200 status
//   - In test mode returns the simulated reply after the delay without any request
//   - Honors ctx cancellation in both modes
func (c *Client) Chat(ctx context.Context, system, user string) (string, Usage, error) {
	start := time.Now()
	if c.testMode {
		slog.Info("["+c.label+"] test mode: returning simulated response", "delay", c.simDelay)
		select {
		case <-ctx.Done():
			return "", Usage{}, fmt.Errorf("llm: %w", ctx.Err())
		case <-time.After(c.simDelay):
		}
		return c.simulated, Usage{ElapsedMs: time.Since(start).Milliseconds()}, nil
	}

	log.Printf("[%s] ── SYSTEM PROMPT ──────────────────────────────\n%s\n── END SYSTEM ──────────────────────────────────", c.label, system)
	log.Printf("[%s] ── USER PROMPT ─────────────────────────────────\n%s\n── END USER ────────────────────────────────────", c.label, user)

	payload := chatRequest{
		Model: c.model,
		Messages: []chatMsg{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", Usage{}, fmt.Errorf("llm: marshal request: %w", err)
	}

	url := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", Usage{}, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", Usage{}, fmt.Errorf("llm: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Usage{}, fmt.Errorf("llm: read response: %w", err)
	}

	var chatResp chatResponse
	decodeErr := json.Unmarshal(respBody, &chatResp)

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusBadRequest && decodeErr == nil && isPolicyError(chatResp.Error) {
			return "", Usage{}, fmt.Errorf("%w: HTTP %d: %s", ErrPolicyRefused, resp.StatusCode, chatResp.Error.Message)
		}
		return "", Usage{}, fmt.Errorf("llm: HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	if decodeErr != nil {
		return "", Usage{}, fmt.Errorf("llm: unmarshal response: %w", decodeErr)
	}

	if chatResp.Error != nil {
		if isPolicyError(chatResp.Error) {
			return "", Usage{}, fmt.Errorf("%w: %s", ErrPolicyRefused, chatResp.Error.Message)
		}
		return "", Usage{}, fmt.Errorf("llm: API error: %s", chatResp.Error.Message)
	}

	if len(chatResp.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("%w: no choices in response", ErrEmptyResponse)
	}

	choice := chatResp.Choices[0]
	if choice.FinishReason == "content_filter" {
		return "", Usage{}, fmt.Errorf("%w: completion filtered", ErrPolicyRefused)
	}
	content := choice.Message.Content
	if strings.TrimSpace(content) == "" {
		return "", Usage{}, fmt.Errorf("%w: blank content", ErrEmptyResponse)
	}

	usage := chatResp.Usage
	usage.ElapsedMs = time.Since(start).Milliseconds()
	log.Printf("[%s] ── RESPONSE (tokens: prompt=%d completion=%d, %dms) ──\n%s\n── END RESPONSE ────────────────────────────────",
		c.label, usage.PromptTokens, usage.CompletionTokens, usage.ElapsedMs, content)
	return content, usage, nil
}

// StripThinkBlocks removes all <think>...</think> blocks from s.
// Reasoning models (e.g. deepseek-r1) emit these before or between JSON
// values. The blocks are not part of structured output and must be stripped
// before JSON parsing.
//
// Expectations:
//   - Removes a single <think>...</think> block
//   - Removes multiple <think>...</think> blocks
//   - Strips an unclosed <think> block from its start to end of string
//   - Returns s unchanged when no <think> tag is present
func StripThinkBlocks(s string) string {
	for {
		start := strings.Index(s, "<think>")
		if start == -1 {
			break
		}
		end := strings.Index(s[start:], "</think>")
		if end == -1 {
			// Unclosed block: strip from opening tag to end of string.
			s = s[:start]
			break
		}
		s = s[:start] + s[start+end+len("</think>"):]
	}
	return strings.TrimSpace(s)
}

// StripFences removes markdown code fences (```json ... ```) from LLM output,
// and also strips <think>...</think> reasoning blocks emitted by reasoning models.
//
// Expectations:
//   - Removes a ```json opening fence and the closing fence
//   - Removes a bare ``` fence
//   - Returns unfenced text trimmed but otherwise unchanged
func StripFences(s string) string {
	s = StripThinkBlocks(strings.TrimSpace(s))
	if strings.HasPrefix(s, "```") {
		// Remove opening fence line
		idx := strings.Index(s, "\n")
		if idx != -1 {
			s = s[idx+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
		// Remove closing fence
		if i := strings.LastIndex(s, "```"); i != -1 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}
