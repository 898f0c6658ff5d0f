// Package console implements the interactive terminal front end.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/feihe/courier/pkg/agent"
	"github.com/feihe/courier/pkg/usage"
	"github.com/rs/zerolog"
)

// cliSessionKey is the session used by all terminal conversations.
const cliSessionKey = "cli"

// AgentRunner is the part of the agent the console needs.
type AgentRunner interface {
	Run(ctx context.Context, params agent.RunParams) (agent.Result, error)
}

// Config wires a Console together.
type Config struct {
	Agent       AgentRunner
	Usage       *usage.Store
	In          io.Reader
	Out         io.Writer
	Logger      zerolog.Logger
	Model       string
	Temperature float64
	MaxTokens   int
	Streaming   bool
}

// Console reads prompts from a terminal and prints agent responses.
type Console struct {
	agent       AgentRunner
	usage       *usage.Store
	in          io.Reader
	out         io.Writer
	logger      zerolog.Logger
	model       string
	temperature float64
	maxTokens   int
	streaming   bool
}

// New validates the configuration and builds a console.
func New(cfg Config) (*Console, error) {
	if cfg.Agent == nil {
		return nil, fmt.Errorf("console: agent is required")
	}
	if cfg.In == nil || cfg.Out == nil {
		return nil, fmt.Errorf("console: input and output streams are required")
	}
	return &Console{
		agent:       cfg.Agent,
		usage:       cfg.Usage,
		in:          cfg.In,
		out:         cfg.Out,
		logger:      cfg.Logger.With().Str("component", "console").Logger(),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		streaming:   cfg.Streaming,
	}, nil
}

// Run drives the read-eval-print loop until the user exits, input
// ends, or the context is cancelled.
func (c *Console) Run(ctx context.Context) error {
	c.printBanner()

	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(c.out, "\nExiting...")
			return ctx.Err()
		default:
		}

		fmt.Fprint(c.out, "👤 You: ")
		if !scanner.Scan() {
			fmt.Fprintln(c.out)
			return scanner.Err()
		}

		prompt := strings.TrimSpace(scanner.Text())
		if prompt == "" {
			continue
		}
		if lower := strings.ToLower(prompt); lower == "exit" || lower == "quit" {
			fmt.Fprintln(c.out, "Exiting...")
			return nil
		}

		c.handlePrompt(ctx, prompt)
	}
}

func (c *Console) printBanner() {
	mode := "Non-streaming"
	if c.streaming {
		mode = "Streaming"
	}
	fmt.Fprintln(c.out, "Courier agent console")
	fmt.Fprintf(c.out, "Mode: %s\n", mode)
	fmt.Fprintf(c.out, "Model: %s\n", c.model)
	fmt.Fprintf(c.out, "Temperature: %g\n", c.temperature)
	fmt.Fprintf(c.out, "Max Tokens: %d\n", c.maxTokens)
	fmt.Fprintln(c.out, "Type 'exit' to quit")
	fmt.Fprintln(c.out)
}

func (c *Console) handlePrompt(ctx context.Context, prompt string) {
	fmt.Fprint(c.out, "🤖 Assistant: ")

	params := agent.RunParams{
		Prompt:      prompt,
		SessionKey:  cliSessionKey,
		Model:       c.model,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	var result agent.Result
	var err error
	if c.streaming {
		result, err = c.agent.Run(ctx, params)
	} else {
		spinner := NewSpinner(c.out)
		spinner.Start()
		result, err = c.agent.Run(ctx, params)
		spinner.Stop()
	}

	c.recordUsage(result, err)

	if err != nil {
		fmt.Fprintf(c.out, "\nError: %v\n", err)
		c.logger.Error().Err(err).Msg("Run failed")
		return
	}

	if c.streaming {
		for chunk := range result.Stream() {
			fmt.Fprint(c.out, chunk)
		}
		fmt.Fprintln(c.out)
	} else {
		fmt.Fprintln(c.out, result.Text())
	}
}

func (c *Console) recordUsage(result agent.Result, runErr error) {
	if c.usage == nil {
		return
	}
	err := c.usage.Record(cliSessionKey, usage.Sample{
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
		ToolCalls:    result.ToolCalls,
		Failed:       runErr != nil,
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to record usage")
	}
}
