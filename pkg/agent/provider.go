package agent

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Provider names accepted in auth profiles.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// LLMRequest is a single completion request to a backend.
type LLMRequest struct {
	Model        string
	Messages     []Message
	Tools        []ToolDef
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// LLMResponse is what a backend returned for one request.
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     TokenUsage
}

// LLMProvider is the minimal surface the runner needs from a backend.
type LLMProvider interface {
	Name() string
	Complete(ctx context.Context, req LLMRequest) (*LLMResponse, error)
}

// Profile is one set of provider credentials the runner can fail over
// across. Lower Priority values are preferred.
type Profile struct {
	ID       string
	Provider string
	APIKey   string
	Model    string
	Priority int
}

// ProviderFactory builds backend clients from profiles and caches them
// per profile ID.
type ProviderFactory struct {
	mu    sync.Mutex
	cache map[string]LLMProvider
}

// NewProviderFactory returns an empty factory.
func NewProviderFactory() *ProviderFactory {
	return &ProviderFactory{cache: make(map[string]LLMProvider)}
}

// Provider returns a client for the profile, constructing it on first
// use.
func (f *ProviderFactory) Provider(profile Profile) (LLMProvider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.cache[profile.ID]; ok {
		return p, nil
	}
	var (
		p   LLMProvider
		err error
	)
	switch profile.Provider {
	case ProviderOpenAI:
		p, err = NewOpenAIProvider(profile.APIKey)
	case ProviderAnthropic:
		p, err = NewAnthropicProvider(profile.APIKey)
	default:
		return nil, fmt.Errorf("unknown provider %q in profile %q", profile.Provider, profile.ID)
	}
	if err != nil {
		return nil, err
	}
	f.cache[profile.ID] = p
	return p, nil
}

// profileState tracks failover health for one profile.
type profileState struct {
	profile       Profile
	failures      int
	cooldownUntil time.Time
}

func (s *profileState) available(now time.Time) bool {
	return now.After(s.cooldownUntil)
}

func (s *profileState) recordFailure(now time.Time, cooldown time.Duration) {
	s.failures++
	s.cooldownUntil = now.Add(cooldown * time.Duration(s.failures))
}

func (s *profileState) recordSuccess() {
	s.failures = 0
	s.cooldownUntil = time.Time{}
}
