package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	registry *prometheus.Registry

	// Agent metrics
	AgentRunsTotal      *prometheus.CounterVec
	AgentRunDuration    *prometheus.HistogramVec
	AgentRunErrorsTotal *prometheus.CounterVec

	// Tool proxy metrics
	ToolCallsTotal       *prometheus.CounterVec
	ToolCallDuration     *prometheus.HistogramVec
	ToolCacheHitsTotal   prometheus.Counter
	ToolCacheMissesTotal prometheus.Counter

	// Guardrail metrics
	GuardrailTripsTotal *prometheus.CounterVec

	// Session metrics
	SessionsActive   prometheus.Gauge
	SessionsArchived prometheus.Counter

	// Telegram metrics
	TelegramMessagesReceivedTotal prometheus.Counter
	TelegramMessagesSentTotal     prometheus.Counter
	TelegramErrorsTotal           prometheus.Counter
}

// New creates and registers all metrics on a private registry
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		AgentRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_agent_runs_total",
				Help: "Total number of agent runs by provider and status",
			},
			[]string{"provider", "status"},
		),
		AgentRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "courier_agent_run_duration_seconds",
				Help:    "Duration of agent runs in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		AgentRunErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_agent_run_errors_total",
				Help: "Total number of agent run errors by provider",
			},
			[]string{"provider"},
		),

		ToolCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_tool_calls_total",
				Help: "Total number of tool proxy calls by tool and status",
			},
			[]string{"tool", "status"},
		),
		ToolCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "courier_tool_call_duration_seconds",
				Help:    "Duration of tool proxy calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		ToolCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_tool_cache_hits_total",
				Help: "Tool catalog cache hits",
			},
		),
		ToolCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_tool_cache_misses_total",
				Help: "Tool catalog cache misses",
			},
		),

		GuardrailTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_guardrail_trips_total",
				Help: "Total number of guardrail trips by guardrail name",
			},
			[]string{"guardrail"},
		),

		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_sessions_active",
				Help: "Number of sessions currently on disk",
			},
		),
		SessionsArchived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_sessions_archived_total",
				Help: "Total number of sessions archived by cleanup",
			},
		),

		TelegramMessagesReceivedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_telegram_messages_received_total",
				Help: "Total number of Telegram messages received",
			},
		),
		TelegramMessagesSentTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_telegram_messages_sent_total",
				Help: "Total number of Telegram messages sent",
			},
		),
		TelegramErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_telegram_errors_total",
				Help: "Total number of Telegram handler errors",
			},
		),
	}

	m.registerAll()
	return m
}

func (m *Metrics) registerAll() {
	m.registry.MustRegister(
		m.AgentRunsTotal,
		m.AgentRunDuration,
		m.AgentRunErrorsTotal,
		m.ToolCallsTotal,
		m.ToolCallDuration,
		m.ToolCacheHitsTotal,
		m.ToolCacheMissesTotal,
		m.GuardrailTripsTotal,
		m.SessionsActive,
		m.SessionsArchived,
		m.TelegramMessagesReceivedTotal,
		m.TelegramMessagesSentTotal,
		m.TelegramErrorsTotal,
	)
}

// ObserveAgentRun records the outcome of one agent run
func (m *Metrics) ObserveAgentRun(provider string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		m.AgentRunErrorsTotal.WithLabelValues(provider).Inc()
	}
	m.AgentRunsTotal.WithLabelValues(provider, status).Inc()
	m.AgentRunDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// ObserveToolCall records the outcome of one tool proxy call
func (m *Metrics) ObserveToolCall(tool string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ToolCallsTotal.WithLabelValues(tool, status).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
