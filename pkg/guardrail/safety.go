package guardrail

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// safetyPrompt asks the screening model for a JSON verdict.
const safetyPrompt = `You are a safety reviewer. Decide whether the user request below is safe to forward to an autonomous assistant. Respond with JSON only: {"is_safe": true|false, "reason": "<short explanation>"}.

Request:
%s`

// CheckFunc sends a screening prompt to a model and returns its raw
// text reply. It is injected so this package does not depend on any
// provider client.
type CheckFunc func(ctx context.Context, prompt string) (string, error)

// SafetyCheck asks a cheap screening model whether a prompt is safe
// before the real run starts.
type SafetyCheck struct {
	check CheckFunc
}

// NewSafetyCheck wraps a screening call.
func NewSafetyCheck(check CheckFunc) (*SafetyCheck, error) {
	if check == nil {
		return nil, fmt.Errorf("check function is required")
	}
	return &SafetyCheck{check: check}, nil
}

// Name returns the guardrail name.
func (g *SafetyCheck) Name() string {
	return "safety_check"
}

type safetyVerdict struct {
	IsSafe bool   `json:"is_safe"`
	Reason string `json:"reason"`
}

// Check asks the screening model for a verdict. Replies that are not
// valid JSON fall back to scanning the text for an unsafe marker, so a
// chatty screening model still produces a usable verdict.
func (g *SafetyCheck) Check(ctx context.Context, input string) (Verdict, error) {
	reply, err := g.check(ctx, fmt.Sprintf(safetyPrompt, input))
	if err != nil {
		return Verdict{}, err
	}

	if verdict, ok := parseVerdict(reply); ok {
		if verdict.IsSafe {
			return Verdict{}, nil
		}
		return Verdict{Tripped: true, Reason: verdict.Reason}, nil
	}

	lower := strings.ToLower(reply)
	if strings.Contains(lower, "unsafe") || strings.Contains(lower, "not safe") {
		return Verdict{Tripped: true, Reason: strings.TrimSpace(reply)}, nil
	}
	return Verdict{}, nil
}

// parseVerdict extracts a JSON verdict from the reply, tolerating
// surrounding prose or a markdown code fence.
func parseVerdict(reply string) (safetyVerdict, bool) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return safetyVerdict{}, false
	}
	var v safetyVerdict
	if err := json.Unmarshal([]byte(reply[start:end+1]), &v); err != nil {
		return safetyVerdict{}, false
	}
	return v, true
}
