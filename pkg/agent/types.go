package agent

import (
	"encoding/json"
	"errors"
	"net"
	"strings"
	"time"
)

// Role values used in conversation messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// maxToolTurns bounds the tool loop for a single run.
const maxToolTurns = 10

// Message is a single entry in a conversation passed to a provider.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDef describes a callable tool advertised to the model.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// TokenUsage aggregates token counts across all provider calls in a run.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u *TokenUsage) add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// RunParams carries one request into the runner. Zero values fall back
// to the runner's configured defaults.
type RunParams struct {
	Prompt      string
	SessionKey  string
	Model       string
	Temperature float64
	MaxTokens   int
}

// Result is the outcome of a completed run.
type Result struct {
	Output    string
	TraceID   string
	TraceURL  string
	Model     string
	ToolCalls int
	Usage     TokenUsage
	Duration  time.Duration
}

// Text returns the response as shown to front ends, with the trace
// link on its own line above the model output.
func (r Result) Text() string {
	if r.TraceURL == "" {
		return r.Output
	}
	return "View trace: " + r.TraceURL + "\n\n" + r.Output
}

// Stream emits the rendered response in word-sized chunks, preserving
// a trailing space after each word so consumers can print them as they
// arrive. The channel is closed once the full text has been sent.
func (r Result) Stream() <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		if r.TraceURL != "" {
			out <- "View trace: " + r.TraceURL + "\n\n"
		}
		for _, word := range strings.Fields(r.Output) {
			out <- word + " "
		}
	}()
	return out
}

// ErrAborted is returned when a run is cancelled via Abort.
var ErrAborted = errors.New("agent: run aborted")

// IsRetryableError reports whether a provider failure is worth
// retrying on the same profile.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"429",
		"rate limit",
		"overloaded",
		"connection reset",
		"timeout",
		"temporarily unavailable",
		"500",
		"502",
		"503",
		"504",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
