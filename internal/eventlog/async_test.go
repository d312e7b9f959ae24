package eventlog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/engagecore/internal/observe"
)

// blockingSink blocks every write until release is closed.
type blockingSink struct {
	recordingSink
	started chan struct{}
	release chan struct{}
}

func (b *blockingSink) LogGeneration(ctx context.Context, rec GenerationRecord) error {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-b.release
	return b.recordingSink.LogGeneration(ctx, rec)
}

func testMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func droppedCount(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "engagecore.eventlog.dropped" {
				continue
			}
			var total int64
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestAsync_DeliversAndDrains(t *testing.T) {
	t.Parallel()
	m, _ := testMetrics(t)
	sink := &recordingSink{}
	a := NewAsync(sink, 8, WithMetrics(m))

	for range 3 {
		_ = a.LogGeneration(context.Background(), GenerationRecord{Model: "m"})
	}
	_ = a.LogOrchestration(context.Background(), OrchestrationEvent{RequestID: "r"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if g, o := sink.counts(); g != 3 || o != 1 {
		t.Errorf("delivered %d/%d, want 3/1", g, o)
	}
	if err := a.Close(ctx); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestAsync_DropsWhenFullWithoutBlocking(t *testing.T) {
	t.Parallel()
	m, reader := testMetrics(t)
	sink := &blockingSink{started: make(chan struct{}, 1), release: make(chan struct{})}
	a := NewAsync(sink, 1, WithMetrics(m))

	// First record occupies the worker, second fills the queue.
	_ = a.LogGeneration(context.Background(), GenerationRecord{})
	<-sink.started
	_ = a.LogGeneration(context.Background(), GenerationRecord{})

	done := make(chan struct{})
	go func() {
		for range 3 {
			_ = a.LogGeneration(context.Background(), GenerationRecord{})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("submission blocked on a full queue")
	}

	if got := droppedCount(t, reader); got != 3 {
		t.Errorf("dropped = %d, want 3", got)
	}

	close(sink.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Close(ctx)
	if g, _ := sink.counts(); g != 2 {
		t.Errorf("delivered %d, want 2", g)
	}
}

func TestAsync_SubmitAfterCloseIsDropped(t *testing.T) {
	t.Parallel()
	m, reader := testMetrics(t)
	sink := &recordingSink{}
	a := NewAsync(sink, 4, WithMetrics(m))
	_ = a.Close(context.Background())

	if err := a.LogOrchestration(context.Background(), OrchestrationEvent{}); err != nil {
		t.Errorf("err = %v, want nil", err)
	}
	if got := droppedCount(t, reader); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

func TestAsync_SinkErrorsAreSwallowed(t *testing.T) {
	t.Parallel()
	m, _ := testMetrics(t)
	sink := &recordingSink{err: errors.New("db down")}
	a := NewAsync(sink, 4, WithMetrics(m))

	if err := a.LogGeneration(context.Background(), GenerationRecord{}); err != nil {
		t.Errorf("err = %v, want nil", err)
	}
	_ = a.Close(context.Background())
	if g, _ := sink.counts(); g != 1 {
		t.Errorf("delivered %d, want 1", g)
	}
}

// panickingSink panics on the first generation record and counts the rest.
type panickingSink struct {
	mu        sync.Mutex
	calls     int
	delivered int
}

func (p *panickingSink) LogGeneration(context.Context, GenerationRecord) error {
	p.mu.Lock()
	p.calls++
	first := p.calls == 1
	if !first {
		p.delivered++
	}
	p.mu.Unlock()
	if first {
		panic("driver bug")
	}
	return nil
}

func (p *panickingSink) LogOrchestration(context.Context, OrchestrationEvent) error { return nil }

func TestAsync_SinkPanicDoesNotStopWorker(t *testing.T) {
	t.Parallel()
	m, _ := testMetrics(t)
	sink := &panickingSink{}
	a := NewAsync(sink, 4, WithMetrics(m))

	for range 3 {
		_ = a.LogGeneration(context.Background(), GenerationRecord{Model: "m"})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.calls != 3 || sink.delivered != 2 {
		t.Errorf("calls=%d delivered=%d, want 3 and 2", sink.calls, sink.delivered)
	}
}

func TestAsync_CloseHonoursContext(t *testing.T) {
	t.Parallel()
	m, _ := testMetrics(t)
	sink := &blockingSink{started: make(chan struct{}, 1), release: make(chan struct{})}
	a := NewAsync(sink, 1, WithMetrics(m))
	_ = a.LogGeneration(context.Background(), GenerationRecord{})
	<-sink.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := a.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
	close(sink.release)
}
