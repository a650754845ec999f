package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the runtime's Prometheus instrumentation. All record
// methods are safe on a nil receiver, so components take an optional
// *Metrics and skip the guard at every call site.
type Metrics struct {
	// TurnCounter counts finished turns.
	// Labels: status (completed|incomplete|failed|cancelled|in_progress)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures whole-turn latency in seconds.
	// Labels: status
	TurnDuration *prometheus.HistogramVec

	// TurnIterations tracks provider round-trips per turn.
	TurnIterations prometheus.Histogram

	// LLMRequestCounter counts provider calls.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures provider call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokens tracks token consumption.
	// Labels: provider, model, type (input|output)
	LLMTokens *prometheus.CounterVec

	// ToolCounter counts tool executions.
	// Labels: tool, status (success|error)
	ToolCounter *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// CompactionCounter counts compaction passes.
	// Labels: stage (proactive|soft_trim|hard_clear|summarize|overflow)
	CompactionCounter *prometheus.CounterVec

	// BeatCounter counts scheduler beats.
	BeatCounter prometheus.Counter

	// DispatchCounter counts tasks handed to the worker pool.
	DispatchCounter prometheus.Counter

	// PeriodicRunCounter counts finished headless runs.
	// Labels: status (completed|failed)
	PeriodicRunCounter *prometheus.CounterVec

	// ActiveSessions tracks sessions currently held in memory.
	ActiveSessions prometheus.Gauge

	// HTTPCounter counts API requests.
	// Labels: method, path, status_code
	HTTPCounter *prometheus.CounterVec

	// HTTPDuration measures API request latency in seconds.
	// Labels: method, path, status_code
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics registers the runtime metrics on the default registry.
// Call once at startup; promhttp's default handler serves the result.
func NewMetrics() *Metrics {
	return NewMetricsOn(prometheus.DefaultRegisterer)
}

// NewMetricsOn registers the runtime metrics on the given registerer.
// Tests pass an isolated registry.
func NewMetricsOn(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_turns_total",
				Help: "Total number of finished turns by terminal status",
			},
			[]string{"status"},
		),

		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_turn_duration_seconds",
				Help:    "Whole-turn latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),

		TurnIterations: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_turn_iterations",
				Help:    "Provider round-trips per turn",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 50},
			},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_llm_requests_total",
				Help: "Total number of provider calls by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_llm_request_duration_seconds",
				Help:    "Provider call latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_llm_tokens_total",
				Help: "Total number of tokens by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tool_executions_total",
				Help: "Total number of tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_tool_execution_duration_seconds",
				Help:    "Tool execution time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		CompactionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_compactions_total",
				Help: "Total number of compaction passes by stage",
			},
			[]string{"stage"},
		),

		BeatCounter: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_scheduler_beats_total",
				Help: "Total number of scheduler beats",
			},
		),

		DispatchCounter: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_scheduler_dispatches_total",
				Help: "Total number of tasks dispatched to the worker pool",
			},
		),

		PeriodicRunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_periodic_runs_total",
				Help: "Total number of finished headless runs by status",
			},
			[]string{"status"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_active_sessions",
				Help: "Sessions currently held in memory",
			},
		),

		HTTPCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RecordTurn records a finished turn.
func (m *Metrics) RecordTurn(status string, seconds float64, iterations int) {
	if m == nil {
		return
	}
	m.TurnCounter.WithLabelValues(status).Inc()
	m.TurnDuration.WithLabelValues(status).Observe(seconds)
	if iterations > 0 {
		m.TurnIterations.Observe(float64(iterations))
	}
}

// RecordLLMRequest records one provider call.
func (m *Metrics) RecordLLMRequest(provider, model, status string, seconds float64, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(seconds)
	if inputTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordToolExecution records one tool execution.
func (m *Metrics) RecordToolExecution(tool, status string, seconds float64) {
	if m == nil {
		return
	}
	m.ToolCounter.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(seconds)
}

// RecordCompaction records one compaction pass.
func (m *Metrics) RecordCompaction(stage string) {
	if m == nil {
		return
	}
	m.CompactionCounter.WithLabelValues(stage).Inc()
}

// RecordBeat records one scheduler beat and how many tasks it claimed.
func (m *Metrics) RecordBeat(dispatched int) {
	if m == nil {
		return
	}
	m.BeatCounter.Inc()
	if dispatched > 0 {
		m.DispatchCounter.Add(float64(dispatched))
	}
}

// RecordPeriodicRun records one finished headless run.
func (m *Metrics) RecordPeriodicRun(status string) {
	if m == nil {
		return
	}
	m.PeriodicRunCounter.WithLabelValues(status).Inc()
}

// SessionOpened bumps the live-session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionClosed drops the live-session gauge.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// RecordHTTPRequest records one API request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPDuration.WithLabelValues(method, path, statusCode).Observe(seconds)
}
