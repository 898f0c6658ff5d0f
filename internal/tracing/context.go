package tracing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey is the context key for run ID
	RunIDKey ContextKey = "run_id"
	// SessionKeyKey is the context key for session key
	SessionKeyKey ContextKey = "session_key"
)

// traceURLBase is where hosted trace records can be inspected
const traceURLBase = "https://platform.openai.com/traces/trace?trace_id=%s"

// NewTraceID generates a new trace ID for one agent run
func NewTraceID() string {
	return "trace_" + uuid.New().String()
}

// NewRunID generates a short run ID
func NewRunID() string {
	id, err := gonanoid.New()
	if err != nil {
		return uuid.New().String()
	}
	return id
}

// TraceURL returns the hosted trace page for a trace ID
func TraceURL(traceID string) string {
	return fmt.Sprintf(traceURLBase, traceID)
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRunID adds a run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithSessionKey adds a session key to the context
func WithSessionKey(ctx context.Context, sessionKey string) context.Context {
	return context.WithValue(ctx, SessionKeyKey, sessionKey)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetRunID retrieves the run ID from the context
func GetRunID(ctx context.Context) string {
	if runID, ok := ctx.Value(RunIDKey).(string); ok {
		return runID
	}
	return ""
}

// GetSessionKey retrieves the session key from the context
func GetSessionKey(ctx context.Context) string {
	if sessionKey, ok := ctx.Value(SessionKeyKey).(string); ok {
		return sessionKey
	}
	return ""
}

// NewRunContext stamps a context with a fresh trace ID and run ID
func NewRunContext(ctx context.Context, sessionKey string) context.Context {
	ctx = WithTraceID(ctx, NewTraceID())
	ctx = WithRunID(ctx, NewRunID())
	if sessionKey != "" {
		ctx = WithSessionKey(ctx, sessionKey)
	}
	return ctx
}
