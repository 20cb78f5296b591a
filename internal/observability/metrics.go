package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects runtime counters and histograms for the agent core.
//
// All metrics are registered with Prometheus's default registry and are
// served by the standard promhttp handler.
type Metrics struct {
	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// LoopIterations observes iterations consumed per loop run.
	LoopIterations prometheus.Histogram

	// ContextTrims counts history trims.
	// Labels: reason (proactive|overflow)
	ContextTrims *prometheus.CounterVec

	// Summarizations counts summarization attempts.
	// Labels: trigger (threshold|forced), status (success|error)
	Summarizations *prometheus.CounterVec

	// ActiveExecutions gauges currently running conversation executions.
	ActiveExecutions prometheus.Gauge
}

// NewMetrics creates and registers all metrics. Call once at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		LoopIterations: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "loom_loop_iterations",
				Help:    "Iterations consumed per agent loop run",
				Buckets: []float64{1, 2, 3, 5, 10, 25, 50, 100, 200},
			},
		),
		ContextTrims: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_context_trims_total",
				Help: "Total number of history trims by reason",
			},
			[]string{"reason"},
		),
		Summarizations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_summarizations_total",
				Help: "Total number of summarization attempts by trigger and status",
			},
			[]string{"trigger", "status"},
		),
		ActiveExecutions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "loom_active_executions",
				Help: "Currently running conversation executions",
			},
		),
	}
}

// NopMetrics returns a Metrics instance backed by unregistered collectors,
// for tests that must not touch the default registry.
func NopMetrics() *Metrics {
	return &Metrics{
		LLMRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "nop_llm_request_duration_seconds"},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "nop_llm_requests_total"},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "nop_llm_tokens_total"},
			[]string{"provider", "model", "type"},
		),
		ToolExecutionCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "nop_tool_executions_total"},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "nop_tool_execution_duration_seconds"},
			[]string{"tool_name"},
		),
		LoopIterations: prometheus.NewHistogram(
			prometheus.HistogramOpts{Name: "nop_loop_iterations"},
		),
		ContextTrims: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "nop_context_trims_total"},
			[]string{"reason"},
		),
		Summarizations: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "nop_summarizations_total"},
			[]string{"trigger", "status"},
		),
		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "nop_active_executions"},
		),
	}
}
