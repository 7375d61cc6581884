package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects kernel-level Prometheus metrics: turn throughput, LLM
// latency and token usage, tool execution outcomes, and MCP fleet health.
type Metrics struct {
	// TurnCounter counts completed turns.
	// Labels: status (finished|error|cancelled)
	TurnCounter *prometheus.CounterVec

	// TurnIterations observes reasoning iterations consumed per turn.
	TurnIterations prometheus.Histogram

	// LLMRequestDuration measures LLM call latency in seconds.
	// Labels: model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRetryCounter counts retried LLM attempts by error category.
	// Labels: category
	LLMRetryCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, origin (local|external), status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ApprovalCounter counts approval outcomes.
	// Labels: mode (default|auto_edit|plan|yolo), outcome (approved|denied)
	ApprovalCounter *prometheus.CounterVec

	// MCPConnectedAgents gauges currently connected MCP transports.
	MCPConnectedAgents prometheus.Gauge

	// MCPRequestCounter counts outbound MCP requests.
	// Labels: agent_id, method, status (success|error)
	MCPRequestCounter *prometheus.CounterVec

	// ErrorCounter tracks errors by component and category.
	// Labels: component (turn|executor|mcp|llm|domain), category
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all kernel metrics with the given
// registerer. Pass prometheus.DefaultRegisterer in production; tests use a
// fresh registry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_turns_total",
				Help: "Total number of turns by terminal status",
			},
			[]string{"status"},
		),
		TurnIterations: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "loom_turn_iterations",
				Help:    "Reasoning iterations consumed per turn",
				Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16},
			},
		),
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"model"},
		),
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_llm_requests_total",
				Help: "Total number of LLM requests by model and status",
			},
			[]string{"model", "status"},
		),
		LLMRetryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_llm_retries_total",
				Help: "Total number of retried LLM attempts by error category",
			},
			[]string{"category"},
		),
		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_llm_tokens_total",
				Help: "Total number of tokens used by model and type",
			},
			[]string{"model", "type"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_tool_executions_total",
				Help: "Total number of tool executions by tool, origin, and status",
			},
			[]string{"tool_name", "origin", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		ApprovalCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_tool_approvals_total",
				Help: "Total number of approval decisions by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		MCPConnectedAgents: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "loom_mcp_connected_agents",
				Help: "Number of currently connected MCP transports",
			},
		),
		MCPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_mcp_requests_total",
				Help: "Total number of outbound MCP requests by agent, method, and status",
			},
			[]string{"agent_id", "method", "status"},
		),
		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_errors_total",
				Help: "Total number of errors by component and category",
			},
			[]string{"component", "category"},
		),
	}
}

// NopMetrics returns metrics bound to a throwaway registry, for tests and
// callers that do not scrape.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
