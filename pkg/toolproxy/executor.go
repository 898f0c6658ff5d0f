package toolproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/feihe/courier/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// Executor runs tool calls coming out of the model: it resolves the
// tool through the catalog, validates the model-produced arguments
// against the tool's input schema, and invokes the proxy. Validation
// failures become tool errors fed back to the model, never crashes.
type Executor struct {
	catalog *Catalog
	logger  zerolog.Logger
	metrics *metrics.Metrics
	timeout time.Duration
}

// ExecutorConfig configures an Executor
type ExecutorConfig struct {
	Catalog *Catalog
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Timeout time.Duration
}

// Result is the outcome of one tool call
type Result struct {
	Output string
	Err    string
}

// NewExecutor creates a tool executor
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("toolproxy: executor catalog is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Executor{
		catalog: cfg.Catalog,
		logger:  cfg.Logger.With().Str("component", "tool-executor").Logger(),
		metrics: cfg.Metrics,
		timeout: timeout,
	}, nil
}

// Execute runs a single named tool call. Errors are returned inside
// Result so the agent loop can hand them back to the model.
func (e *Executor) Execute(ctx context.Context, name string, args json.RawMessage) Result {
	start := time.Now()
	res := e.execute(ctx, name, args)

	var err error
	if res.Err != "" {
		err = fmt.Errorf("%s", res.Err)
	}
	if e.metrics != nil {
		e.metrics.ObserveToolCall(name, time.Since(start), err)
	}

	e.logger.Debug().
		Str("tool", name).
		Dur("duration", time.Since(start)).
		Bool("ok", res.Err == "").
		Msg("Tool call finished")

	return res
}

func (e *Executor) execute(ctx context.Context, name string, args json.RawMessage) Result {
	tool, err := e.catalog.Get(ctx, name)
	if err != nil {
		return Result{Err: fmt.Sprintf("failed to resolve tool %s: %v", name, err)}
	}
	if tool == nil {
		return Result{Err: fmt.Sprintf("unknown tool: %s", name)}
	}

	if err := ValidateArgs(*tool, args); err != nil {
		return Result{Err: fmt.Sprintf("invalid arguments for %s: %v", name, err)}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	output, err := tool.Handler(callCtx, args)
	if err != nil {
		return Result{Err: err.Error()}
	}

	return Result{Output: output}
}

// ValidateArgs checks model-produced arguments against the tool's JSON
// input schema. Tools without a schema accept anything.
func ValidateArgs(tool Tool, args json.RawMessage) error {
	if len(tool.InputSchema) == 0 || string(tool.InputSchema) == "null" {
		return nil
	}

	doc := args
	if len(doc) == 0 {
		doc = json.RawMessage(`{}`)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(tool.InputSchema),
		gojsonschema.NewBytesLoader(doc),
	)
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}

	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
