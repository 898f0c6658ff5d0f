// Package guardrail screens prompts before they reach a model run.
package guardrail

import (
	"context"
	"fmt"
)

// Verdict is the outcome of one guardrail check.
type Verdict struct {
	Tripped bool
	Reason  string
}

// Guardrail inspects a prompt and reports whether it should be
// blocked.
type Guardrail interface {
	Name() string
	Check(ctx context.Context, input string) (Verdict, error)
}

// TrippedError is returned when a guardrail blocks a prompt.
type TrippedError struct {
	Guardrail string
	Reason    string
}

func (e *TrippedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("guardrail %q blocked the request", e.Guardrail)
	}
	return fmt.Sprintf("guardrail %q blocked the request: %s", e.Guardrail, e.Reason)
}

// CheckAll runs every guardrail in order and returns a TrippedError
// for the first one that trips. Guardrail errors are returned as-is so
// callers can distinguish a blocked prompt from a broken check.
func CheckAll(ctx context.Context, rails []Guardrail, input string) error {
	for _, g := range rails {
		verdict, err := g.Check(ctx, input)
		if err != nil {
			return fmt.Errorf("guardrail %q: %w", g.Name(), err)
		}
		if verdict.Tripped {
			return &TrippedError{Guardrail: g.Name(), Reason: verdict.Reason}
		}
	}
	return nil
}
