// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the care engine.
//
// # Description
//
// Metrics cover the three stages of a turn:
//   - Risk classification (verdicts by stage and level, classification latency)
//   - Generation (turn outcomes, tool-loop iterations, provider errors, tokens)
//   - Delivery (active streams, time to first token, disconnects, alerts)
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Domain packages record
// through DefaultMetrics; every method is a no-op on a nil receiver so
// packages work unchanged when metrics were never initialized.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

const (
	riskSubsystem      = "risk"
	engineSubsystem    = "engine"
	streamingSubsystem = "streaming"
)

// EngineMetrics holds all Prometheus metrics for the care engine.
type EngineMetrics struct {
	// VerdictsTotal counts classification verdicts.
	// Labels: stage (rule, model, degraded), level (LOW, MEDIUM, HIGH, CRITICAL)
	VerdictsTotal *prometheus.CounterVec

	// ClassifyDurationSeconds measures end-to-end classification latency.
	ClassifyDurationSeconds prometheus.Histogram

	// TurnsTotal counts completed turns.
	// Labels: kind (supportive, pre_visit), outcome (reply, crisis, fallback, subject_missing, iteration_cap)
	TurnsTotal *prometheus.CounterVec

	// ToolLoopIterations observes generate calls per turn.
	ToolLoopIterations prometheus.Histogram

	// ToolCallsTotal counts tool executions.
	// Labels: tool, status (ok, error)
	ToolCallsTotal *prometheus.CounterVec

	// ProviderErrorsTotal counts failed generation calls.
	// Labels: provider
	ProviderErrorsTotal *prometheus.CounterVec

	// TokensTotal counts tokens processed by direction and provider.
	TokensTotal *prometheus.CounterVec

	// AlertsTotal counts alerts handed to the alert sink.
	// Labels: level
	AlertsTotal *prometheus.CounterVec

	// ActiveStreams tracks currently active streaming connections.
	// Labels: endpoint (sse, websocket)
	ActiveStreams *prometheus.GaugeVec

	// TimeToFirstTokenSeconds measures latency to the first text_delta.
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// StreamErrorsTotal counts errors by type and endpoint.
	StreamErrorsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts keepalive pings sent.
	KeepAlivesTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts client disconnections during streaming.
	ClientDisconnectsTotal *prometheus.CounterVec

	// RateLimitedTotal counts requests rejected by the limiter.
	// Labels: route
	RateLimitedTotal *prometheus.CounterVec
}

// DefaultMetrics is the process-wide instance. Nil until InitMetrics runs.
var DefaultMetrics *EngineMetrics

var initOnce sync.Once

// InitMetrics registers the engine metrics with the default Prometheus
// registry and sets DefaultMetrics. Later calls return the same instance.
//
// # Examples
//
//	func main() {
//	    observability.InitMetrics()
//	    // ... start server ...
//	}
func InitMetrics() *EngineMetrics {
	initOnce.Do(func() {
		DefaultMetrics = NewEngineMetrics(prometheus.DefaultRegisterer)
	})
	return DefaultMetrics
}

// NewEngineMetrics creates and registers all metrics with reg.
//
// # Inputs
//
//   - reg: Registerer to use. Tests pass a fresh prometheus.NewRegistry().
//
// # Limitations
//
//   - Panics on duplicate registration against the same registry.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	factory := promauto.With(reg)
	return &EngineMetrics{
		VerdictsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: riskSubsystem,
				Name:      "verdicts_total",
				Help:      "Risk verdicts by classification stage and level",
			},
			[]string{"stage", "level"},
		),
		ClassifyDurationSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: riskSubsystem,
				Name:      "classify_duration_seconds",
				Help:      "Time spent classifying one message",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2.5, 5, 10},
			},
		),
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "turns_total",
				Help:      "Conversation turns by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		ToolLoopIterations: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "tool_loop_iterations",
				Help:      "Generate calls made per turn",
				Buckets:   []float64{1, 2, 3, 4, 5},
			},
		),
		ToolCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "tool_calls_total",
				Help:      "Context tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),
		ProviderErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "provider_errors_total",
				Help:      "Failed generation calls by provider",
			},
			[]string{"provider"},
		),
		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens processed by direction and provider",
			},
			[]string{"direction", "provider"},
		),
		AlertsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "alerts_total",
				Help:      "Risk alerts raised by level",
			},
			[]string{"level"},
		),
		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently active streaming connections",
			},
			[]string{"endpoint"},
		),
		TimeToFirstTokenSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from request to first text delta in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),
		StreamErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "errors_total",
				Help:      "Total streaming errors by type and endpoint",
			},
			[]string{"endpoint", "error_code"},
		),
		KeepAlivesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent",
			},
			[]string{"endpoint"},
		),
		ClientDisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),
		RateLimitedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter",
			},
			[]string{"route"},
		),
	}
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	ErrorCodeValidation       ErrorCode = "validation"
	ErrorCodeSubjectNotFound  ErrorCode = "subject_not_found"
	ErrorCodeTurnInProgress   ErrorCode = "turn_in_progress"
	ErrorCodeGeneration       ErrorCode = "generation"
	ErrorCodeInternal         ErrorCode = "internal"
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint represents a streaming transport for metrics labeling.
type Endpoint string

const (
	EndpointSSE       Endpoint = "sse"
	EndpointWebSocket Endpoint = "websocket"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordVerdict records a classification verdict produced by stage.
func (m *EngineMetrics) RecordVerdict(stage, level string) {
	if m == nil {
		return
	}
	m.VerdictsTotal.WithLabelValues(stage, level).Inc()
}

func (m *EngineMetrics) RecordClassifyDuration(seconds float64) {
	if m == nil {
		return
	}
	m.ClassifyDurationSeconds.Observe(seconds)
}

// RecordTurn records a finished turn and the generate calls it took.
func (m *EngineMetrics) RecordTurn(kind, outcome string, iterations int) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(kind, outcome).Inc()
	if iterations > 0 {
		m.ToolLoopIterations.Observe(float64(iterations))
	}
}

func (m *EngineMetrics) RecordToolCall(tool string, isError bool) {
	if m == nil {
		return
	}
	status := "ok"
	if isError {
		status = "error"
	}
	m.ToolCallsTotal.WithLabelValues(tool, status).Inc()
}

func (m *EngineMetrics) RecordProviderError(provider string) {
	if m == nil {
		return
	}
	m.ProviderErrorsTotal.WithLabelValues(provider).Inc()
}

// RecordTokens records token usage.
func (m *EngineMetrics) RecordTokens(inputTokens, outputTokens int, provider string) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues("input", provider).Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues("output", provider).Add(float64(outputTokens))
}

func (m *EngineMetrics) RecordAlert(level string) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(level).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *EngineMetrics) StreamStarted(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *EngineMetrics) StreamEnded(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

func (m *EngineMetrics) RecordTimeToFirstToken(endpoint Endpoint, seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstTokenSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordStreamError records a streaming error.
func (m *EngineMetrics) RecordStreamError(endpoint Endpoint, code ErrorCode) {
	if m == nil {
		return
	}
	m.StreamErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

func (m *EngineMetrics) RecordKeepAlive(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *EngineMetrics) RecordClientDisconnect(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

func (m *EngineMetrics) RecordRateLimited(route string) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.WithLabelValues(route).Inc()
}
