package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

// sumFor returns the value of the data point whose attribute key equals value.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"engagecore.generation.duration", m.GenerationDuration},
		{"engagecore.orchestrator.duration", m.OrchestratorDuration},
		{"engagecore.agent.duration", m.AgentDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 4.5)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			dp := hist.DataPoints[0]
			if dp.Count != 2 {
				t.Errorf("sample count = %d, want 2", dp.Count)
			}
			if len(dp.Bounds) != len(latencyBuckets) {
				t.Errorf("bucket count = %d, want %d", len(dp.Bounds), len(latencyBuckets))
			}
		})
	}
}

func TestRecordGeneration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordGeneration(ctx, "gpt-4o-mini", StatusOK, 1500*time.Millisecond, 0.00045, 1000, 500)
	m.RecordGeneration(ctx, "gpt-4o-mini", StatusError, time.Second, 0, 0, 0)

	rm := collect(t, reader)

	if got := sumFor(t, rm, "engagecore.generation.tokens", "direction", "input"); got != 1000 {
		t.Errorf("input tokens = %d, want 1000", got)
	}
	if got := sumFor(t, rm, "engagecore.generation.tokens", "direction", "output"); got != 500 {
		t.Errorf("output tokens = %d, want 500", got)
	}

	met := findMetric(rm, "engagecore.generation.cost")
	if met == nil {
		t.Fatal("cost metric not found")
	}
	cost, ok := met.Data.(metricdata.Sum[float64])
	if !ok {
		t.Fatal("cost metric is not a float64 sum")
	}
	if len(cost.DataPoints) != 1 {
		t.Fatalf("cost data points = %d, want 1 (zero cost is not recorded)", len(cost.DataPoints))
	}
	if v := cost.DataPoints[0].Value; v < 0.00044 || v > 0.00046 {
		t.Errorf("cost = %v, want 0.00045", v)
	}

	dur := findMetric(rm, "engagecore.generation.duration")
	hist := dur.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 2 {
		t.Errorf("duration data points = %d, want one per status", len(hist.DataPoints))
	}
}

func TestProviderCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "openai", "text", StatusOK)
	m.RecordProviderRequest(ctx, "openai", "text", StatusOK)
	m.RecordProviderRequest(ctx, "openai", "text", StatusError)
	m.RecordProviderError(ctx, "openai", "text")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "engagecore.provider.requests", "status", StatusOK); got != 2 {
		t.Errorf("ok requests = %d, want 2", got)
	}
	if got := sumFor(t, rm, "engagecore.provider.errors", "provider", "openai"); got != 1 {
		t.Errorf("errors = %d, want 1", got)
	}
}

func TestAgentAndSelectionCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordAgentCall(ctx, "ContentAgent", StatusOK, time.Second)
	m.RecordAgentCall(ctx, "ContentAgent", StatusOK, time.Second)
	m.RecordAgentCall(ctx, "SupportAgent", StatusError, time.Second)
	m.RecordSelection(ctx, "cached")
	m.RecordSelection(ctx, "llm")
	m.RecordSelection(ctx, "llm")
	m.RecordOrchestration(ctx, "orchestrated", 2*time.Second)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "engagecore.agent.calls", "agent", "ContentAgent"); got != 2 {
		t.Errorf("ContentAgent calls = %d, want 2", got)
	}
	if got := sumFor(t, rm, "engagecore.selection.method", "method", "llm"); got != 2 {
		t.Errorf("llm selections = %d, want 2", got)
	}
	if findMetric(rm, "engagecore.orchestrator.duration") == nil {
		t.Error("orchestrator duration not recorded")
	}
}

func TestBreakerAndEventCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBreakerTransition(ctx, "openai/gpt-4o-mini", "open")
	m.RecordEventDropped(ctx, "generation")
	m.RecordEventDropped(ctx, "generation")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "engagecore.circuit_breaker.transitions", "to", "open"); got != 1 {
		t.Errorf("transitions = %d, want 1", got)
	}
	if got := sumFor(t, rm, "engagecore.eventlog.dropped", "kind", "generation"); got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}
}

func TestStatusOf(t *testing.T) {
	if got := StatusOf(nil); got != StatusOK {
		t.Errorf("StatusOf(nil) = %q", got)
	}
	if got := StatusOf(context.Canceled); got != StatusError {
		t.Errorf("StatusOf(err) = %q", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
