// Package handoff routes prompts to specialist agent profiles based on
// keyword triage.
package handoff

import (
	"fmt"
	"strings"
)

// Spec describes the agent settings a routed prompt should run with.
// Empty fields leave the caller's defaults untouched.
type Spec struct {
	Name         string
	Instructions string
	Model        string
}

// Rule matches prompts against keywords and maps them to a specialist.
type Rule struct {
	Spec     Spec
	Keywords []string
}

// Router picks a specialist for each prompt, falling back to a general
// profile when no rule matches.
type Router struct {
	rules    []Rule
	fallback Spec
}

// NewRouter validates the rule set. Every rule needs a name and at
// least one keyword.
func NewRouter(fallback Spec, rules ...Rule) (*Router, error) {
	if fallback.Name == "" {
		return nil, fmt.Errorf("fallback spec needs a name")
	}
	for i, rule := range rules {
		if rule.Spec.Name == "" {
			return nil, fmt.Errorf("rule %d has no name", i)
		}
		if len(rule.Keywords) == 0 {
			return nil, fmt.Errorf("rule %q has no keywords", rule.Spec.Name)
		}
	}
	return &Router{rules: rules, fallback: fallback}, nil
}

// Route returns the first rule whose keyword appears in the prompt,
// matched case-insensitively, or the fallback spec.
func (r *Router) Route(prompt string) Spec {
	lower := strings.ToLower(prompt)
	for _, rule := range r.rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				return rule.Spec
			}
		}
	}
	return r.fallback
}

// Fallback returns the general profile used when nothing matches.
func (r *Router) Fallback() Spec {
	return r.fallback
}
