package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the Prometheus registry a PrometheusExporter publishes
// agent-loop telemetry through: tool-call counts and latency, LLM token
// consumption, and turn duration. It intentionally carries nothing the
// Processor doesn't itself derive from the event stream — see
// PrometheusExporter in processor.go for what drives each field.
type Metrics struct {
	// ToolExecutionCounter counts tool invocations by name and outcome.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption per model call.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// SessionDuration measures turn lifetime in seconds, keyed by the
	// producing component (currently always "agent" — the harness runs a
	// single in-process agent loop per session).
	SessionDuration *prometheus.HistogramVec
}

// NewMetrics registers and returns the harness's Prometheus collectors.
// Call once per process; a second call against the same registry panics,
// which is why cmd/harness only builds a Metrics when --metrics-addr is set.
func NewMetrics() *Metrics {
	return &Metrics{
		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harness_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harness_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harness_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		SessionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harness_turn_duration_seconds",
				Help:    "Duration of agent turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"component"},
		),
	}
}
