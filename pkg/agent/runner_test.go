package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/feihe/courier/pkg/commandqueue"
	"github.com/feihe/courier/pkg/guardrail"
	"github.com/feihe/courier/pkg/handoff"
	"github.com/feihe/courier/pkg/session"
	"github.com/feihe/courier/pkg/toolproxy"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider replays scripted responses in order.
type fakeProvider struct {
	name      string
	mu        sync.Mutex
	responses []*LLMResponse
	errs      []error
	requests  []LLMRequest
}

func (f *fakeProvider) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeProvider) Complete(_ context.Context, req LLMRequest) (*LLMResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)

	call := len(f.requests) - 1
	if call < len(f.errs) && f.errs[call] != nil {
		return nil, f.errs[call]
	}
	if call < len(f.responses) {
		return f.responses[call], nil
	}
	return &LLMResponse{Content: "done"}, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeProvider) request(i int) LLMRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

// fakeFactory hands out a fixed provider per profile ID.
type fakeFactory struct {
	providers map[string]LLMProvider
	errs      map[string]error
}

func (f *fakeFactory) Provider(profile Profile) (LLMProvider, error) {
	if err, ok := f.errs[profile.ID]; ok {
		return nil, err
	}
	p, ok := f.providers[profile.ID]
	if !ok {
		return nil, errors.New("no provider for profile " + profile.ID)
	}
	return p, nil
}

type runnerFixture struct {
	runner   *Runner
	sessions *session.Manager
	provider *fakeProvider
}

func newRunnerFixture(t *testing.T, mutate func(*Config)) *runnerFixture {
	t.Helper()

	logger := zerolog.New(io.Discard)
	sessions, err := session.NewManager(t.TempDir(), logger)
	require.NoError(t, err)

	queue := commandqueue.New(logger)
	t.Cleanup(func() { _ = queue.Close() })

	provider := &fakeProvider{}
	cfg := Config{
		Sessions: sessions,
		Queue:    queue,
		Logger:   logger,
		Profiles: []Profile{{ID: "primary", Provider: ProviderOpenAI, APIKey: "sk-test"}},
		Factory:  &fakeFactory{providers: map[string]LLMProvider{"primary": provider}},
		Defaults: Defaults{Model: "gpt-4.1-mini", Temperature: 0.1, MaxTokens: 1000},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	runner, err := NewRunner(cfg)
	require.NoError(t, err)

	return &runnerFixture{runner: runner, sessions: sessions, provider: provider}
}

func TestNewRunnerValidation(t *testing.T) {
	logger := zerolog.New(io.Discard)
	sessions, err := session.NewManager(t.TempDir(), logger)
	require.NoError(t, err)
	queue := commandqueue.New(logger)
	t.Cleanup(func() { _ = queue.Close() })

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing sessions", cfg: Config{Queue: queue, Profiles: []Profile{{ID: "p"}}, Defaults: Defaults{Model: "m"}}},
		{name: "missing queue", cfg: Config{Sessions: sessions, Profiles: []Profile{{ID: "p"}}, Defaults: Defaults{Model: "m"}}},
		{name: "no profiles", cfg: Config{Sessions: sessions, Queue: queue, Defaults: Defaults{Model: "m"}}},
		{name: "no default model", cfg: Config{Sessions: sessions, Queue: queue, Profiles: []Profile{{ID: "p"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRunner(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestRunReturnsResponseWithTrace(t *testing.T) {
	fx := newRunnerFixture(t, nil)
	fx.provider.responses = []*LLMResponse{
		{Content: "Hi there!", Usage: TokenUsage{InputTokens: 12, OutputTokens: 5}},
	}

	result, err := fx.runner.Run(context.Background(), RunParams{
		Prompt:     "hello",
		SessionKey: "cli",
	})
	require.NoError(t, err)

	assert.Equal(t, "Hi there!", result.Output)
	assert.NotEmpty(t, result.TraceID)
	assert.Contains(t, result.TraceURL, result.TraceID)
	assert.Contains(t, result.Text(), "View trace: ")
	assert.Equal(t, 12, result.Usage.InputTokens)
	assert.Equal(t, "gpt-4.1-mini", result.Model)
}

func TestRunPersistsConversation(t *testing.T) {
	fx := newRunnerFixture(t, nil)
	fx.provider.responses = []*LLMResponse{{Content: "answer"}}

	_, err := fx.runner.Run(context.Background(), RunParams{Prompt: "question", SessionKey: "tg-42"})
	require.NoError(t, err)

	history, err := fx.sessions.Load("tg-42")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "question", history[0].Content)
	assert.Equal(t, "assistant", history[1].Role)
	assert.Equal(t, "answer", history[1].Content)
	assert.Equal(t, "gpt-4.1-mini", history[1].Model)
	assert.Equal(t, history[0].TraceID, history[1].TraceID)
}

func TestRunSendsHistoryAndDefaults(t *testing.T) {
	fx := newRunnerFixture(t, nil)
	require.NoError(t, fx.sessions.Append("cli", session.Message{Role: "user", Content: "earlier question"}))
	require.NoError(t, fx.sessions.Append("cli", session.Message{Role: "assistant", Content: "earlier answer"}))
	fx.provider.responses = []*LLMResponse{{Content: "ok"}}

	_, err := fx.runner.Run(context.Background(), RunParams{Prompt: "follow-up", SessionKey: "cli"})
	require.NoError(t, err)

	req := fx.provider.request(0)
	assert.Equal(t, "gpt-4.1-mini", req.Model)
	assert.InDelta(t, 0.1, req.Temperature, 1e-9)
	assert.Equal(t, 1000, req.MaxTokens)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "earlier question", req.Messages[0].Content)
	assert.Equal(t, "earlier answer", req.Messages[1].Content)
	assert.Equal(t, "follow-up", req.Messages[2].Content)
}

func TestRunValidatesParams(t *testing.T) {
	fx := newRunnerFixture(t, nil)

	_, err := fx.runner.Run(context.Background(), RunParams{Prompt: "", SessionKey: "cli"})
	assert.ErrorContains(t, err, "prompt")

	_, err = fx.runner.Run(context.Background(), RunParams{Prompt: "x", SessionKey: "../etc"})
	assert.Error(t, err)

	_, err = fx.runner.Run(context.Background(), RunParams{Prompt: "x", SessionKey: "cli", Temperature: 1.5})
	assert.ErrorContains(t, err, "temperature")
}

func TestRunToolLoop(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`)
	var executed []string

	lister := listerFunc(func(_ context.Context) ([]toolproxy.Tool, error) {
		return []toolproxy.Tool{{
			Name:        "weather",
			Description: "Current weather for a city",
			InputSchema: schema,
			Handler: func(_ context.Context, input json.RawMessage) (string, error) {
				executed = append(executed, string(input))
				return "sunny, 21C", nil
			},
		}}, nil
	})

	logger := zerolog.New(io.Discard)
	catalog, err := toolproxy.NewCatalog(toolproxy.CatalogConfig{Source: lister, TTL: time.Minute, Logger: logger})
	require.NoError(t, err)
	executor, err := toolproxy.NewExecutor(toolproxy.ExecutorConfig{Catalog: catalog, Logger: logger})
	require.NoError(t, err)

	fx := newRunnerFixture(t, func(cfg *Config) {
		cfg.Catalog = catalog
		cfg.Executor = executor
	})
	fx.provider.responses = []*LLMResponse{
		{ToolCalls: []ToolCall{{ID: "call_1", Name: "weather", Arguments: json.RawMessage(`{"city":"Lisbon"}`)}}},
		{Content: "It is sunny in Lisbon."},
	}

	result, err := fx.runner.Run(context.Background(), RunParams{Prompt: "weather in lisbon?", SessionKey: "cli"})
	require.NoError(t, err)

	assert.Equal(t, "It is sunny in Lisbon.", result.Output)
	assert.Equal(t, 1, result.ToolCalls)
	require.Len(t, executed, 1)
	assert.JSONEq(t, `{"city":"Lisbon"}`, executed[0])

	// Second provider call carries the tool result back.
	req := fx.provider.request(1)
	last := req.Messages[len(req.Messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "call_1", last.ToolCallID)
	assert.Equal(t, "sunny, 21C", last.Content)

	// Tool definitions were advertised on the first call.
	require.Len(t, fx.provider.request(0).Tools, 1)
	assert.Equal(t, "weather", fx.provider.request(0).Tools[0].Name)
}

func TestRunStopsAfterMaxToolTurns(t *testing.T) {
	lister := listerFunc(func(_ context.Context) ([]toolproxy.Tool, error) {
		return []toolproxy.Tool{{
			Name: "loop",
			Handler: func(_ context.Context, _ json.RawMessage) (string, error) {
				return "again", nil
			},
		}}, nil
	})

	logger := zerolog.New(io.Discard)
	catalog, err := toolproxy.NewCatalog(toolproxy.CatalogConfig{Source: lister, TTL: time.Minute, Logger: logger})
	require.NoError(t, err)
	executor, err := toolproxy.NewExecutor(toolproxy.ExecutorConfig{Catalog: catalog, Logger: logger})
	require.NoError(t, err)

	fx := newRunnerFixture(t, func(cfg *Config) {
		cfg.Catalog = catalog
		cfg.Executor = executor
	})

	// The provider asks for the tool forever.
	for i := 0; i < 20; i++ {
		fx.provider.responses = append(fx.provider.responses, &LLMResponse{
			ToolCalls: []ToolCall{{ID: "c", Name: "loop", Arguments: json.RawMessage(`{}`)}},
		})
	}

	_, err = fx.runner.Run(context.Background(), RunParams{Prompt: "go", SessionKey: "cli"})
	assert.ErrorContains(t, err, "maximum tool execution turns")
	assert.Equal(t, maxToolTurns, fx.provider.callCount())
}

func TestRunRetriesRetryableErrors(t *testing.T) {
	fx := newRunnerFixture(t, nil)
	fx.provider.errs = []error{errors.New("429 rate limited")}
	fx.provider.responses = []*LLMResponse{nil, {Content: "recovered"}}

	start := time.Now()
	result, err := fx.runner.Run(context.Background(), RunParams{Prompt: "hi", SessionKey: "cli"})
	require.NoError(t, err)

	assert.Equal(t, "recovered", result.Output)
	assert.Equal(t, 2, fx.provider.callCount())
	assert.GreaterOrEqual(t, time.Since(start), time.Second, "first retry backs off one second")
}

func TestRunDoesNotRetryPermanentErrors(t *testing.T) {
	fx := newRunnerFixture(t, nil)
	fx.provider.errs = []error{errors.New("401 Unauthorized")}

	_, err := fx.runner.Run(context.Background(), RunParams{Prompt: "hi", SessionKey: "cli"})
	assert.ErrorContains(t, err, "401")
	assert.Equal(t, 1, fx.provider.callCount())
}

func TestRunFailsOverAcrossProfiles(t *testing.T) {
	backup := &fakeProvider{name: "anthropic"}
	backup.responses = []*LLMResponse{{Content: "from backup"}}
	primary := &fakeProvider{name: "openai"}
	primary.errs = []error{
		errors.New("503 Service Unavailable"),
		errors.New("503 Service Unavailable"),
		errors.New("503 Service Unavailable"),
	}

	fx := newRunnerFixture(t, func(cfg *Config) {
		cfg.Profiles = []Profile{
			{ID: "primary", Provider: ProviderOpenAI, APIKey: "sk-1", Priority: 0},
			{ID: "backup", Provider: ProviderAnthropic, APIKey: "sk-2", Priority: 1},
		}
		cfg.Factory = &fakeFactory{providers: map[string]LLMProvider{
			"primary": primary,
			"backup":  backup,
		}}
		cfg.Defaults.MaxRetries = 1
	})

	result, err := fx.runner.Run(context.Background(), RunParams{Prompt: "hi", SessionKey: "cli"})
	require.NoError(t, err)
	assert.Equal(t, "from backup", result.Output)
}

func TestRunGuardrailBlocksPrompt(t *testing.T) {
	fx := newRunnerFixture(t, func(cfg *Config) {
		cfg.Guardrails = []guardrail.Guardrail{guardrail.NewMaxLength(5)}
	})

	_, err := fx.runner.Run(context.Background(), RunParams{Prompt: "this prompt is too long", SessionKey: "cli"})

	var tripped *guardrail.TrippedError
	require.ErrorAs(t, err, &tripped)
	assert.Equal(t, "max_length", tripped.Guardrail)

	// Nothing reached the provider or the session store.
	assert.Equal(t, 0, fx.provider.callCount())
	history, err := fx.sessions.Load("cli")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRunRoutesToSpecialist(t *testing.T) {
	router, err := handoff.NewRouter(
		handoff.Spec{Name: "general", Instructions: "general instructions"},
		handoff.Rule{
			Spec:     handoff.Spec{Name: "coder", Instructions: "coder instructions", Model: "gpt-4.1"},
			Keywords: []string{"bug"},
		},
	)
	require.NoError(t, err)

	fx := newRunnerFixture(t, func(cfg *Config) {
		cfg.Router = router
	})
	fx.provider.responses = []*LLMResponse{{Content: "fixed"}, {Content: "chat"}}

	result, err := fx.runner.Run(context.Background(), RunParams{Prompt: "there is a bug", SessionKey: "cli"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4.1", result.Model)
	assert.Equal(t, "coder instructions", fx.provider.request(0).SystemPrompt)

	_, err = fx.runner.Run(context.Background(), RunParams{Prompt: "hello there", SessionKey: "cli"})
	require.NoError(t, err)
	assert.Equal(t, "general instructions", fx.provider.request(1).SystemPrompt)
}

func TestAbortCancelsActiveRun(t *testing.T) {
	started := make(chan struct{})
	blocker := &blockingProvider{started: started}

	fx := newRunnerFixture(t, func(cfg *Config) {
		cfg.Factory = &fakeFactory{providers: map[string]LLMProvider{"primary": blocker}}
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := fx.runner.Run(context.Background(), RunParams{Prompt: "hi", SessionKey: "cli"})
		errCh <- err
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("provider call never started")
	}
	assert.True(t, fx.runner.IsRunning("cli"))

	fx.runner.Abort("cli")

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("aborted run never returned")
	}
	assert.False(t, fx.runner.IsRunning("cli"))
}

func TestAbortWithoutActiveRunIsNoop(t *testing.T) {
	fx := newRunnerFixture(t, nil)
	fx.runner.Abort("nobody-home")
	assert.False(t, fx.runner.IsRunning("nobody-home"))
}

func TestAbortRejectsQueuedRun(t *testing.T) {
	started := make(chan struct{})
	blocker := &blockingProvider{started: started}

	var queue *commandqueue.Queue
	fx := newRunnerFixture(t, func(cfg *Config) {
		cfg.Factory = &fakeFactory{providers: map[string]LLMProvider{"primary": blocker}}
		queue = cfg.Queue
	})

	firstErr := make(chan error, 1)
	go func() {
		_, err := fx.runner.Run(context.Background(), RunParams{Prompt: "slow question", SessionKey: "cli"})
		firstErr <- err
	}()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first run never started")
	}

	queuedErr := make(chan error, 1)
	go func() {
		_, err := fx.runner.Run(context.Background(), RunParams{Prompt: "queued question", SessionKey: "cli"})
		queuedErr <- err
	}()
	require.Eventually(t, func() bool {
		return queue.QueueSize("session-cli") == 1
	}, 2*time.Second, 10*time.Millisecond)

	fx.runner.Abort("cli")

	select {
	case err := <-queuedErr:
		assert.ErrorContains(t, err, "lane cleared")
	case <-time.After(2 * time.Second):
		t.Fatal("queued run never returned")
	}
	require.Error(t, <-firstErr)

	// The queued prompt never ran, so it never touched the session.
	history, err := fx.sessions.Load("cli")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "slow question", history[0].Content)
}

// blockingProvider blocks until its context is cancelled.
type blockingProvider struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingProvider) Name() string { return "blocking" }

func (b *blockingProvider) Complete(ctx context.Context, _ LLMRequest) (*LLMResponse, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

// listerFunc adapts a function to toolproxy.ToolLister.
type listerFunc func(ctx context.Context) ([]toolproxy.Tool, error)

func (f listerFunc) ListTools(ctx context.Context) ([]toolproxy.Tool, error) {
	return f(ctx)
}
