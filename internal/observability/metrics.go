package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Provider request performance, token consumption, and failover behavior
//   - Rate limit denials per credential and window
//   - Circuit breaker state transitions
//   - Tool execution patterns and latencies
//   - Agent run lifecycle and iteration counts
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	start := time.Now()
//	// ... provider call ...
//	metrics.RecordProviderRequest("openai", "gpt-4o", "success", time.Since(start).Seconds(), 100, 500)
type Metrics struct {
	// ProviderRequestDuration measures provider API call latency in seconds.
	// Labels: provider, model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	ProviderRequestDuration *prometheus.HistogramVec

	// ProviderRequestCounter counts provider requests.
	// Labels: provider, model, status (success|error)
	ProviderRequestCounter *prometheus.CounterVec

	// ProviderTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output)
	ProviderTokensUsed *prometheus.CounterVec

	// RateLimitDenials counts admissions refused by the rate limiter.
	// Labels: credential, window (rpm|rpd|tpm|tpd)
	RateLimitDenials *prometheus.CounterVec

	// BreakerTransitions counts circuit breaker state changes.
	// Labels: breaker, to (closed|open|half-open)
	BreakerTransitions *prometheus.CounterVec

	// BreakerRejections counts calls refused while a breaker was open.
	// Labels: breaker
	BreakerRejections *prometheus.CounterVec

	// FallbackDepth measures how many candidates were tried before a
	// request succeeded or exhausted the pool.
	// Labels: operation
	// Buckets: 1 through 8
	FallbackDepth *prometheus.HistogramVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by type and component.
	// Labels: component (engine|pool|tool|provider), error_type
	ErrorCounter *prometheus.CounterVec

	// ActiveRuns is a gauge tracking agent runs currently in flight.
	ActiveRuns prometheus.Gauge

	// AgentIterations measures iterations consumed per agent run.
	// Buckets: 1, 2, 3, 5, 8, 10, 15
	AgentIterations prometheus.Histogram

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics with the
// default registry. This should be called once at application startup;
// the metrics are then available at the /metrics endpoint.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates all metrics against a specific registerer.
// Tests use this with a fresh registry to avoid duplicate registration.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ProviderRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kestrel_provider_request_duration_seconds",
				Help:    "Duration of provider API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		ProviderRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_provider_requests_total",
				Help: "Total number of provider requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		ProviderTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_provider_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		RateLimitDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_ratelimit_denials_total",
				Help: "Total number of rate limiter denials by credential and window",
			},
			[]string{"credential", "window"},
		),

		BreakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_breaker_transitions_total",
				Help: "Total number of circuit breaker state transitions",
			},
			[]string{"breaker", "to"},
		),

		BreakerRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_breaker_rejections_total",
				Help: "Total number of calls rejected by an open circuit breaker",
			},
			[]string{"breaker"},
		),

		FallbackDepth: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kestrel_fallback_depth",
				Help:    "Number of candidates tried per request before resolution",
				Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8},
			},
			[]string{"operation"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kestrel_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		ActiveRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kestrel_active_runs",
				Help: "Current number of agent runs in flight",
			},
		),

		AgentIterations: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kestrel_agent_iterations",
				Help:    "Iterations consumed per agent run",
				Buckets: []float64{1, 2, 3, 5, 8, 10, 15},
			},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kestrel_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RecordProviderRequest records metrics for a provider API request.
func (m *Metrics) RecordProviderRequest(provider, model, status string, durationSeconds float64, inputTokens, outputTokens int) {
	m.ProviderRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.ProviderRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if inputTokens > 0 {
		m.ProviderTokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.ProviderTokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordRateLimitDenial increments the denial counter for a credential
// and the window that refused it.
func (m *Metrics) RecordRateLimitDenial(credential, window string) {
	m.RateLimitDenials.WithLabelValues(credential, window).Inc()
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(breaker, to string) {
	m.BreakerTransitions.WithLabelValues(breaker, to).Inc()
}

// RecordBreakerRejection counts a call refused by an open breaker.
func (m *Metrics) RecordBreakerRejection(breaker string) {
	m.BreakerRejections.WithLabelValues(breaker).Inc()
}

// RecordFallbackDepth records how many candidates a request consumed.
func (m *Metrics) RecordFallbackDepth(operation string, depth int) {
	m.FallbackDepth.WithLabelValues(operation).Observe(float64(depth))
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter for a component and error type.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RunStarted increments the active run gauge.
func (m *Metrics) RunStarted() {
	m.ActiveRuns.Inc()
}

// RunEnded decrements the active run gauge and records the iteration count.
func (m *Metrics) RunEnded(iterations int) {
	m.ActiveRuns.Dec()
	m.AgentIterations.Observe(float64(iterations))
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
