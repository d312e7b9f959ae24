// Package observe provides observability primitives for engagecore:
// OpenTelemetry metrics, tracing, trace-aware logging, and HTTP middleware for
// the ops server.
//
// Metrics are recorded through the OpenTelemetry Metrics API and bridged to
// Prometheus by [InitProvider]. [DefaultMetrics] returns a shared instance
// bound to the global meter provider; tests should use [NewMetrics] with their
// own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all engagecore metrics.
const meterName = "github.com/MrWong99/engagecore"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Generation ---

	// GenerationDuration tracks GenerationService latency. Attributes: model, status.
	GenerationDuration metric.Float64Histogram

	// GenerationCost accumulates USD cost. Attributes: model, status.
	GenerationCost metric.Float64Counter

	// GenerationTokens counts tokens. Attributes: model, direction (input|output).
	GenerationTokens metric.Int64Counter

	// ProviderRequests counts provider calls. Attributes: provider, kind, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Attributes: name, to.
	BreakerTransitions metric.Int64Counter

	// --- Orchestration ---

	// OrchestratorDuration tracks RouteMessage latency. Attribute: aggregation.
	OrchestratorDuration metric.Float64Histogram

	// AgentCalls counts agent invocations. Attributes: agent, status.
	AgentCalls metric.Int64Counter

	// AgentDuration tracks per-agent latency. Attribute: agent.
	AgentDuration metric.Float64Histogram

	// SelectionMethod counts agent selections. Attribute: method.
	SelectionMethod metric.Int64Counter

	// --- Event log ---

	// EventsDropped counts records dropped by a full async sink. Attribute: kind.
	EventsDropped metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks ops HTTP latency. Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram bucket boundaries in seconds, sized for LLM
// round trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	seconds := func(desc string) []metric.Float64HistogramOption {
		return []metric.Float64HistogramOption{
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		}
	}

	if met.GenerationDuration, err = m.Float64Histogram("engagecore.generation.duration",
		seconds("Latency of a generation call including retries and fallback.")...,
	); err != nil {
		return nil, err
	}
	if met.GenerationCost, err = m.Float64Counter("engagecore.generation.cost",
		metric.WithDescription("Accumulated generation cost by model and status."),
		metric.WithUnit("USD"),
	); err != nil {
		return nil, err
	}
	if met.GenerationTokens, err = m.Int64Counter("engagecore.generation.tokens",
		metric.WithDescription("Tokens consumed by model and direction."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("engagecore.provider.requests",
		metric.WithDescription("Provider calls by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("engagecore.provider.errors",
		metric.WithDescription("Provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("engagecore.circuit_breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}

	if met.OrchestratorDuration, err = m.Float64Histogram("engagecore.orchestrator.duration",
		seconds("End-to-end RouteMessage latency.")...,
	); err != nil {
		return nil, err
	}
	if met.AgentCalls, err = m.Int64Counter("engagecore.agent.calls",
		metric.WithDescription("Agent invocations by agent and status."),
	); err != nil {
		return nil, err
	}
	if met.AgentDuration, err = m.Float64Histogram("engagecore.agent.duration",
		seconds("Latency of a single agent invocation.")...,
	); err != nil {
		return nil, err
	}
	if met.SelectionMethod, err = m.Int64Counter("engagecore.selection.method",
		metric.WithDescription("Agent selections by method (cached, llm, fallback)."),
	); err != nil {
		return nil, err
	}

	if met.EventsDropped, err = m.Int64Counter("engagecore.eventlog.dropped",
		metric.WithDescription("Event log records dropped because the queue was full."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("engagecore.http.request.duration",
		metric.WithDescription("Ops HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], creating it on first
// call from [otel.GetMeterProvider]. Panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// Status values used as the "status" attribute.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// StatusOf returns [StatusError] for a non-nil err and [StatusOK] otherwise.
func StatusOf(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusOK
}

// RecordGeneration records one finished generation call.
func (m *Metrics) RecordGeneration(ctx context.Context, model, status string, d time.Duration, costUSD float64, inTokens, outTokens int) {
	attrs := metric.WithAttributes(Attr("model", model), Attr("status", status))
	m.GenerationDuration.Record(ctx, d.Seconds(), attrs)
	if costUSD > 0 {
		m.GenerationCost.Add(ctx, costUSD, attrs)
	}
	if inTokens > 0 {
		m.GenerationTokens.Add(ctx, int64(inTokens), metric.WithAttributes(Attr("model", model), Attr("direction", "input")))
	}
	if outTokens > 0 {
		m.GenerationTokens.Add(ctx, int64(outTokens), metric.WithAttributes(Attr("model", model), Attr("direction", "output")))
	}
}

// RecordProviderRequest increments the provider request counter.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(Attr("provider", provider), Attr("kind", kind), Attr("status", status)),
	)
}

// RecordProviderError increments the provider error counter.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(Attr("provider", provider), Attr("kind", kind)),
	)
}

// RecordBreakerTransition increments the circuit breaker transition counter.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(Attr("name", name), Attr("to", to)))
}

// RecordAgentCall records one agent invocation.
func (m *Metrics) RecordAgentCall(ctx context.Context, agent, status string, d time.Duration) {
	m.AgentCalls.Add(ctx, 1, metric.WithAttributes(Attr("agent", agent), Attr("status", status)))
	m.AgentDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("agent", agent)))
}

// RecordSelection increments the selection method counter.
func (m *Metrics) RecordSelection(ctx context.Context, method string) {
	m.SelectionMethod.Add(ctx, 1, metric.WithAttributes(Attr("method", method)))
}

// RecordOrchestration records one RouteMessage call.
func (m *Metrics) RecordOrchestration(ctx context.Context, aggregation string, d time.Duration) {
	m.OrchestratorDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("aggregation", aggregation)))
}

// RecordEventDropped increments the dropped event counter.
func (m *Metrics) RecordEventDropped(ctx context.Context, kind string) {
	m.EventsDropped.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}
