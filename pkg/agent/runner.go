// Package agent runs prompts through an LLM with tool calling, session
// history, guardrails, and auth profile failover.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/feihe/courier/internal/metrics"
	"github.com/feihe/courier/internal/tracing"
	"github.com/feihe/courier/pkg/commandqueue"
	"github.com/feihe/courier/pkg/guardrail"
	"github.com/feihe/courier/pkg/handoff"
	"github.com/feihe/courier/pkg/session"
	"github.com/feihe/courier/pkg/toolproxy"
	"github.com/rs/zerolog"
)

// profileCooldownBase is the cooldown after the first failure; it
// grows linearly with consecutive failures.
const profileCooldownBase = time.Minute

// ProviderCreator builds LLM clients from auth profiles.
type ProviderCreator interface {
	Provider(profile Profile) (LLMProvider, error)
}

// Defaults fill in RunParams fields the caller left zero.
type Defaults struct {
	Model        string
	Temperature  float64
	MaxTokens    int
	MaxRetries   int
	Instructions string
}

// Config wires a Runner together.
type Config struct {
	Sessions   *session.Manager
	Executor   *toolproxy.Executor
	Catalog    *toolproxy.Catalog
	Queue      *commandqueue.Queue
	Recorder   *tracing.Recorder
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
	Profiles   []Profile
	Factory    ProviderCreator
	Guardrails []guardrail.Guardrail
	Router     *handoff.Router
	Defaults   Defaults
}

// Runner orchestrates agent execution.
type Runner struct {
	sessions   *session.Manager
	executor   *toolproxy.Executor
	catalog    *toolproxy.Catalog
	queue      *commandqueue.Queue
	recorder   *tracing.Recorder
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	factory    ProviderCreator
	guardrails []guardrail.Guardrail
	router     *handoff.Router
	defaults   Defaults

	profiles  []*profileState
	profileMu sync.Mutex

	activeRuns map[string]context.CancelFunc
	runsMu     sync.Mutex
}

// NewRunner validates the configuration and builds a runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("command queue is required")
	}
	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required")
	}
	if cfg.Defaults.Model == "" {
		return nil, fmt.Errorf("default model is required")
	}

	factory := cfg.Factory
	if factory == nil {
		factory = NewProviderFactory()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = tracing.NewRecorder("")
	}
	if cfg.Defaults.MaxRetries <= 0 {
		cfg.Defaults.MaxRetries = 3
	}

	profiles := make([]*profileState, len(cfg.Profiles))
	for i, p := range cfg.Profiles {
		profiles[i] = &profileState{profile: p}
	}
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].profile.Priority < profiles[j].profile.Priority
	})

	return &Runner{
		sessions:   cfg.Sessions,
		executor:   cfg.Executor,
		catalog:    cfg.Catalog,
		queue:      cfg.Queue,
		recorder:   cfg.Recorder,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		factory:    factory,
		guardrails: cfg.Guardrails,
		router:     cfg.Router,
		defaults:   cfg.Defaults,
		profiles:   profiles,
		activeRuns: make(map[string]context.CancelFunc),
	}, nil
}

// Run executes one prompt end to end. Requests for the same session
// key are serialized through the command queue.
func (r *Runner) Run(ctx context.Context, params RunParams) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := session.ValidateKey(params.SessionKey); err != nil {
		return Result{}, err
	}
	if params.Prompt == "" {
		return Result{}, fmt.Errorf("prompt cannot be empty")
	}

	params = r.applyDefaults(params)
	if err := validateParams(params); err != nil {
		return Result{}, err
	}

	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRunContext(ctx, params.SessionKey)
	}
	logger := r.logger.With().
		Str("session_key", params.SessionKey).
		Str("trace_id", tracing.GetTraceID(ctx)).
		Logger()

	if err := guardrail.CheckAll(ctx, r.guardrails, params.Prompt); err != nil {
		var tripped *guardrail.TrippedError
		if r.metrics != nil && errors.As(err, &tripped) {
			r.metrics.GuardrailTripsTotal.WithLabelValues(tripped.Guardrail).Inc()
		}
		logger.Warn().Err(err).Msg("Prompt blocked before run")
		return Result{}, err
	}

	lane := "session-" + params.SessionKey
	value, err := r.queue.Do(ctx, lane, func(taskCtx context.Context) (interface{}, error) {
		return r.execute(taskCtx, params, logger)
	}, nil)
	if err != nil {
		return Result{}, err
	}
	return value.(Result), nil
}

// Abort cancels the active run for a session and rejects any runs
// still queued on its lane, so nothing for the session executes after
// the abort.
func (r *Runner) Abort(sessionKey string) {
	if cleared := r.queue.ClearLane("session-" + sessionKey); cleared > 0 {
		r.logger.Info().Str("session_key", sessionKey).Int("cleared", cleared).Msg("Queued runs rejected")
	}

	r.runsMu.Lock()
	defer r.runsMu.Unlock()

	cancel, ok := r.activeRuns[sessionKey]
	if !ok {
		r.logger.Debug().Str("session_key", sessionKey).Msg("No active run to abort")
		return
	}
	r.logger.Info().Str("session_key", sessionKey).Msg("Aborting run")
	cancel()
	delete(r.activeRuns, sessionKey)
}

// IsRunning reports whether a session has an active run.
func (r *Runner) IsRunning(sessionKey string) bool {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	_, ok := r.activeRuns[sessionKey]
	return ok
}

func (r *Runner) applyDefaults(params RunParams) RunParams {
	if params.Model == "" {
		params.Model = r.defaults.Model
	}
	if params.Temperature == 0 {
		params.Temperature = r.defaults.Temperature
	}
	if params.MaxTokens == 0 {
		params.MaxTokens = r.defaults.MaxTokens
	}
	return params
}

func validateParams(params RunParams) error {
	if params.Temperature < 0 || params.Temperature > 1 {
		return fmt.Errorf("temperature must be between 0 and 1")
	}
	if params.MaxTokens < 0 {
		return fmt.Errorf("max tokens cannot be negative")
	}
	return nil
}

func (r *Runner) execute(ctx context.Context, params RunParams, logger zerolog.Logger) (Result, error) {
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.runsMu.Lock()
	r.activeRuns[params.SessionKey] = cancel
	r.runsMu.Unlock()
	defer func() {
		r.runsMu.Lock()
		delete(r.activeRuns, params.SessionKey)
		r.runsMu.Unlock()
	}()

	start := time.Now()
	traceID := tracing.GetTraceID(execCtx)

	instructions := r.defaults.Instructions
	if r.router != nil {
		spec := r.router.Route(params.Prompt)
		if spec.Instructions != "" {
			instructions = spec.Instructions
		}
		if spec.Model != "" && params.Model == r.defaults.Model {
			params.Model = spec.Model
		}
		logger = logger.With().Str("agent", spec.Name).Logger()
	}
	if instructions == "" {
		instructions = "You are a helpful assistant."
	}

	history, err := r.sessions.Load(params.SessionKey)
	if err != nil {
		return Result{}, fmt.Errorf("load session history: %w", err)
	}

	messages := buildMessages(history, params.Prompt)

	tools, err := r.listTools(execCtx)
	if err != nil {
		// A dead proxy should not take chat down with it.
		logger.Warn().Err(err).Msg("Tool listing failed, continuing without tools")
		tools = nil
	}

	if err := r.sessions.Append(params.SessionKey, session.Message{
		Role:    RoleUser,
		Content: params.Prompt,
		TraceID: traceID,
	}); err != nil {
		return Result{}, fmt.Errorf("persist user message: %w", err)
	}

	result, runErr := r.executeWithFailover(execCtx, messages, tools, instructions, params, logger)
	duration := time.Since(start)

	record := tracing.Record{
		TraceID:    traceID,
		RunID:      tracing.GetRunID(execCtx),
		SessionKey: params.SessionKey,
		Model:      params.Model,
		StartedAt:  start,
		DurationMs: duration.Milliseconds(),
		ToolCalls:  result.ToolCalls,
	}
	if runErr != nil {
		record.Error = runErr.Error()
	}
	if err := r.recorder.Append(record); err != nil {
		logger.Warn().Err(err).Msg("Failed to append trace record")
	}

	if runErr != nil {
		return Result{}, runErr
	}

	if err := r.sessions.Append(params.SessionKey, session.Message{
		Role:    RoleAssistant,
		Content: result.Output,
		Model:   params.Model,
		TraceID: traceID,
	}); err != nil {
		return Result{}, fmt.Errorf("persist assistant message: %w", err)
	}

	result.TraceID = traceID
	result.TraceURL = tracing.TraceURL(traceID)
	result.Model = params.Model
	result.Duration = duration

	logger.Info().
		Dur("duration", duration).
		Int("tool_calls", result.ToolCalls).
		Int("input_tokens", result.Usage.InputTokens).
		Int("output_tokens", result.Usage.OutputTokens).
		Msg("Run completed")

	return result, nil
}

// buildMessages assembles the conversation sent to the provider:
// persisted history first, current prompt last. Instructions travel in
// the request's SystemPrompt field.
func buildMessages(history []session.Message, prompt string) []Message {
	messages := make([]Message, 0, len(history)+1)
	for _, msg := range history {
		if msg.Role != RoleUser && msg.Role != RoleAssistant {
			continue
		}
		messages = append(messages, Message{Role: msg.Role, Content: msg.Content})
	}
	return append(messages, Message{Role: RoleUser, Content: prompt})
}

func (r *Runner) listTools(ctx context.Context) ([]ToolDef, error) {
	if r.catalog == nil {
		return nil, nil
	}
	proxied, err := r.catalog.Tools(ctx)
	if err != nil {
		return nil, err
	}
	tools := make([]ToolDef, 0, len(proxied))
	for _, t := range proxied {
		tools = append(tools, ToolDef{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return tools, nil
}

func (r *Runner) executeWithFailover(ctx context.Context, messages []Message, tools []ToolDef, instructions string, params RunParams, logger zerolog.Logger) (Result, error) {
	r.profileMu.Lock()
	states := make([]*profileState, len(r.profiles))
	copy(states, r.profiles)
	r.profileMu.Unlock()

	var lastErr error
	for _, state := range states {
		r.profileMu.Lock()
		available := state.available(time.Now())
		profile := state.profile
		r.profileMu.Unlock()

		if !available {
			logger.Debug().Str("profile_id", profile.ID).Msg("Skipping profile in cooldown")
			continue
		}

		provider, err := r.factory.Provider(profile)
		if err != nil {
			logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Failed to create provider")
			lastErr = err
			continue
		}

		profileStart := time.Now()
		result, err := r.runToolLoop(ctx, provider, messages, tools, instructions, params, logger)
		if r.metrics != nil {
			r.metrics.ObserveAgentRun(provider.Name(), time.Since(profileStart), err)
		}
		if err == nil {
			r.profileMu.Lock()
			state.recordSuccess()
			r.profileMu.Unlock()
			return result, nil
		}

		lastErr = err
		logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Auth profile failed")

		r.profileMu.Lock()
		state.recordFailure(time.Now(), profileCooldownBase)
		r.profileMu.Unlock()

		if ctx.Err() != nil || !IsRetryableError(err) {
			return Result{}, err
		}
	}

	if lastErr == nil {
		return Result{}, fmt.Errorf("no auth profile available")
	}
	return Result{}, fmt.Errorf("all auth profiles failed: %w", lastErr)
}

func (r *Runner) runToolLoop(ctx context.Context, provider LLMProvider, messages []Message, tools []ToolDef, instructions string, params RunParams, logger zerolog.Logger) (Result, error) {
	current := messages
	totalToolCalls := 0
	var usage TokenUsage

	for turn := 0; turn < maxToolTurns; turn++ {
		select {
		case <-ctx.Done():
			return Result{}, ErrAborted
		default:
		}

		response, err := r.callWithRetry(ctx, provider, LLMRequest{
			Model:        params.Model,
			Messages:     current,
			Tools:        tools,
			Temperature:  params.Temperature,
			MaxTokens:    params.MaxTokens,
			SystemPrompt: instructions,
		}, logger)
		if err != nil {
			return Result{}, err
		}
		usage.add(response.Usage)

		if len(response.ToolCalls) == 0 {
			return Result{
				Output:    response.Content,
				ToolCalls: totalToolCalls,
				Usage:     usage,
			}, nil
		}

		current = append(current, Message{
			Role:      RoleAssistant,
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		})

		for _, call := range response.ToolCalls {
			if r.executor == nil {
				current = append(current, Message{
					Role:       RoleTool,
					Content:    fmt.Sprintf("tool %q is not available", call.Name),
					ToolCallID: call.ID,
				})
				continue
			}

			logger.Debug().Str("tool", call.Name).Msg("Executing tool call")
			result := r.executor.Execute(ctx, call.Name, call.Arguments)
			content := result.Output
			if result.Err != "" {
				content = result.Err
			}
			current = append(current, Message{
				Role:       RoleTool,
				Content:    content,
				ToolCallID: call.ID,
			})
		}
		totalToolCalls += len(response.ToolCalls)
	}

	return Result{}, fmt.Errorf("maximum tool execution turns (%d) exceeded", maxToolTurns)
}

// callWithRetry retries retryable provider failures with exponential
// backoff: 1s, 2s, 4s.
func (r *Runner) callWithRetry(ctx context.Context, provider LLMProvider, req LLMRequest, logger zerolog.Logger) (*LLMResponse, error) {
	maxRetries := r.defaults.MaxRetries

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		response, err := provider.Complete(ctx, req)
		if err == nil {
			return response, nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			return nil, err
		}
		if attempt == maxRetries-1 {
			break
		}

		delay := time.Duration(1<<attempt) * time.Second
		logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying after provider error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", maxRetries, lastErr)
}
