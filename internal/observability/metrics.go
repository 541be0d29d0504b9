package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tool call result label values for ToolCallTotal.
const (
	ResultSuccess     = "success"
	ResultError       = "error"
	ResultRateLimited = "rate_limited"
	ResultCircuitOpen = "circuit_open"
	ResultDuplicate   = "duplicate"
)

// Metrics collects the Prometheus metrics emitted by the core path.
type Metrics struct {
	// ToolCallTotal counts terminal tool call attempts.
	// Labels: tool, workspace, result, status_code
	ToolCallTotal *prometheus.CounterVec

	// ToolCallDuration measures tool call latency in seconds.
	// Labels: tool, workspace, result, status_code
	ToolCallDuration *prometheus.HistogramVec

	// OracleRequestTotal counts LLM oracle calls.
	// Labels: component (extractor|planner), status (success|error|fallback)
	OracleRequestTotal *prometheus.CounterVec

	// OracleRequestDuration measures oracle call latency in seconds.
	// Labels: component
	OracleRequestDuration *prometheus.HistogramVec

	// TurnDuration measures end-to-end Decide latency in seconds.
	TurnDuration prometheus.Histogram

	// PolicyDecisionTotal counts per-action policy outcomes.
	// Labels: decision (ALLOW|DENY|ASK_CLARIFICATION)
	PolicyDecisionTotal *prometheus.CounterVec
}

// NewMetrics registers all metrics on the default Prometheus registry.
// Call once at startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics on the given registerer. Tests
// pass a fresh registry to avoid duplicate registration panics.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ToolCallTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_call_total",
				Help: "Total number of terminal tool call attempts",
			},
			[]string{"tool", "workspace", "result", "status_code"},
		),

		ToolCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tool_call_duration_seconds",
				Help:    "Tool call latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"tool", "workspace", "result", "status_code"},
		),

		OracleRequestTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oracle_request_total",
				Help: "Total number of LLM oracle calls by component and status",
			},
			[]string{"component", "status"},
		),

		OracleRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oracle_request_duration_seconds",
				Help:    "LLM oracle call latency in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"component"},
		),

		TurnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "turn_duration_seconds",
				Help:    "End-to-end Decide latency in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),

		PolicyDecisionTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policy_decision_total",
				Help: "Per-action policy engine outcomes",
			},
			[]string{"decision"},
		),
	}
}

// ObserveToolCall records the counter and latency for one terminal
// tool call attempt.
func (m *Metrics) ObserveToolCall(tool, workspace, result string, statusCode int, elapsed time.Duration) {
	code := ""
	if statusCode > 0 {
		code = strconv.Itoa(statusCode)
	}
	m.ToolCallTotal.WithLabelValues(tool, workspace, result, code).Inc()
	m.ToolCallDuration.WithLabelValues(tool, workspace, result, code).Observe(elapsed.Seconds())
}
