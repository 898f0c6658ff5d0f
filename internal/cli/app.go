package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/feihe/courier/internal/config"
	"github.com/feihe/courier/internal/logger"
	"github.com/feihe/courier/internal/metrics"
	"github.com/feihe/courier/internal/tracing"
	"github.com/feihe/courier/pkg/agent"
	"github.com/feihe/courier/pkg/commandqueue"
	"github.com/feihe/courier/pkg/guardrail"
	"github.com/feihe/courier/pkg/handoff"
	"github.com/feihe/courier/pkg/session"
	"github.com/feihe/courier/pkg/toolproxy"
	"github.com/feihe/courier/pkg/usage"
)

// promptLengthLimit guards against pathological prompts before any
// provider call is made.
const promptLengthLimit = 100000

// App holds everything a front end needs, built once per process.
type App struct {
	Config   *config.Config
	Logger   *logger.Logger
	Metrics  *metrics.Metrics
	Recorder *tracing.Recorder
	Sessions *session.Manager
	Queue    *commandqueue.Queue
	Usage    *usage.Store
	Runner   *agent.Runner

	proxy *toolproxy.Client
}

// buildApp loads configuration and wires the full agent stack.
func buildApp(ctx context.Context) (*App, error) {
	cfg, err := config.NewLoader(cfgFile, "").Load()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	zl := log.GetZerolog()

	m := metrics.New()
	recorder := tracing.NewRecorder(cfg.TraceFile)

	sessions, err := session.NewManager(filepath.Join(cfg.DataDir, "sessions"), zl)
	if err != nil {
		log.Close()
		return nil, err
	}

	store, err := usage.Open(filepath.Join(cfg.DataDir, "usage.db"), zl)
	if err != nil {
		log.Close()
		return nil, err
	}

	app := &App{
		Config:   cfg,
		Logger:   log,
		Metrics:  m,
		Recorder: recorder,
		Sessions: sessions,
		Queue:    commandqueue.New(zl),
		Usage:    store,
	}

	var (
		catalog  *toolproxy.Catalog
		executor *toolproxy.Executor
	)
	if cfg.Proxy.Command != "" {
		client, err := toolproxy.Dial(ctx, cfg.Proxy.Command, cfg.Proxy.URL)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("start tool proxy: %w", err)
		}
		app.proxy = client

		catalog, err = toolproxy.NewCatalog(toolproxy.CatalogConfig{
			Source:  client,
			TTL:     time.Duration(cfg.Proxy.CacheTTLSecs) * time.Second,
			Logger:  zl,
			Metrics: m,
		})
		if err != nil {
			app.Close()
			return nil, err
		}
		executor, err = toolproxy.NewExecutor(toolproxy.ExecutorConfig{
			Catalog: catalog,
			Logger:  zl,
			Metrics: m,
		})
		if err != nil {
			app.Close()
			return nil, err
		}
	}

	router, err := handoff.NewRouter(
		handoff.Spec{
			Name:         "general",
			Instructions: "You are a helpful assistant.",
		},
		handoff.Rule{
			Spec: handoff.Spec{
				Name:         "coder",
				Instructions: "You are a senior software engineer. Answer with working code and short explanations.",
			},
			Keywords: []string{"code", "bug", "compile", "stack trace", "refactor"},
		},
		handoff.Rule{
			Spec: handoff.Spec{
				Name:         "researcher",
				Instructions: "You are a research assistant. Cite your sources and separate facts from speculation.",
			},
			Keywords: []string{"research", "summarize", "compare", "sources"},
		},
	)
	if err != nil {
		app.Close()
		return nil, err
	}

	runner, err := agent.NewRunner(agent.Config{
		Sessions:   sessions,
		Executor:   executor,
		Catalog:    catalog,
		Queue:      app.Queue,
		Recorder:   recorder,
		Metrics:    m,
		Logger:     zl,
		Profiles:   buildProfiles(cfg),
		Guardrails: []guardrail.Guardrail{guardrail.NewMaxLength(promptLengthLimit)},
		Router:     router,
		Defaults: agent.Defaults{
			Model:       cfg.OpenAI.DefaultModel,
			Temperature: cfg.OpenAI.Temperature,
			MaxTokens:   cfg.OpenAI.MaxTokens,
		},
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Runner = runner

	return app, nil
}

// buildProfiles returns auth profiles in failover order: OpenAI first,
// then Anthropic when a key is configured.
func buildProfiles(cfg *config.Config) []agent.Profile {
	profiles := []agent.Profile{{
		ID:       "openai-primary",
		Provider: agent.ProviderOpenAI,
		APIKey:   cfg.OpenAI.APIKey,
		Model:    cfg.OpenAI.DefaultModel,
		Priority: 0,
	}}
	if cfg.Anthropic.APIKey != "" {
		profiles = append(profiles, agent.Profile{
			ID:       "anthropic-fallback",
			Provider: agent.ProviderAnthropic,
			APIKey:   cfg.Anthropic.APIKey,
			Model:    cfg.Anthropic.Model,
			Priority: 1,
		})
	}
	return profiles
}

// Close tears the stack down in reverse order. Safe on a partially
// built App.
func (a *App) Close() {
	if a.Queue != nil {
		_ = a.Queue.Close()
	}
	if a.proxy != nil {
		_ = a.proxy.Close()
	}
	if a.Usage != nil {
		_ = a.Usage.Close()
	}
	if a.Logger != nil {
		_ = a.Logger.Close()
	}
}
