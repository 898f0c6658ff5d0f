package guardrail

import (
	"context"
	"fmt"
	"unicode/utf8"
)

// MaxLength trips on prompts longer than Limit runes.
type MaxLength struct {
	Limit int
}

// NewMaxLength returns a length guardrail. A non-positive limit
// disables it.
func NewMaxLength(limit int) *MaxLength {
	return &MaxLength{Limit: limit}
}

// Name returns the guardrail name.
func (g *MaxLength) Name() string {
	return "max_length"
}

// Check trips when the input exceeds the configured limit.
func (g *MaxLength) Check(_ context.Context, input string) (Verdict, error) {
	if g.Limit <= 0 {
		return Verdict{}, nil
	}
	if n := utf8.RuneCountInString(input); n > g.Limit {
		return Verdict{
			Tripped: true,
			Reason:  fmt.Sprintf("input is %d characters, limit is %d", n, g.Limit),
		}, nil
	}
	return Verdict{}, nil
}
