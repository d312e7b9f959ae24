package eventlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/engagecore/internal/observe"
)

// DefaultBuffer is the queue length used by [NewAsync] when buffer <= 0.
const DefaultBuffer = 256

// writeTimeout bounds each background write.
const writeTimeout = 5 * time.Second

type job struct {
	gen  *GenerationRecord
	orch *OrchestrationEvent
	ctx  context.Context
}

// Async wraps a [Sink] with a bounded queue drained by one background worker.
// Submission never blocks: when the queue is full the record is dropped with
// a warning and [observe.Metrics.EventsDropped] is incremented. Errors from
// the wrapped sink are logged at debug and otherwise ignored.
type Async struct {
	sink    Sink
	queue   chan job
	metrics *observe.Metrics

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

var _ Sink = (*Async)(nil)

// AsyncOption configures an [Async].
type AsyncOption func(*Async)

// WithMetrics sets the metrics used to count dropped records. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) AsyncOption {
	return func(a *Async) { a.metrics = m }
}

// NewAsync starts the background worker. Call [Async.Close] to drain it.
func NewAsync(sink Sink, buffer int, opts ...AsyncOption) *Async {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	a := &Async{
		sink:  sink,
		queue: make(chan job, buffer),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	go a.run()
	return a
}

// LogGeneration enqueues rec. It always returns nil.
func (a *Async) LogGeneration(ctx context.Context, rec GenerationRecord) error {
	a.submit(ctx, job{gen: &rec}, "generation")
	return nil
}

// LogOrchestration enqueues ev. It always returns nil.
func (a *Async) LogOrchestration(ctx context.Context, ev OrchestrationEvent) error {
	a.submit(ctx, job{orch: &ev}, "orchestration")
	return nil
}

func (a *Async) submit(ctx context.Context, j job, kind string) {
	// Keep trace values for logging but drop the caller's cancellation.
	j.ctx = context.WithoutCancel(ctx)

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.drop(ctx, kind, "closed")
		return
	}
	select {
	case a.queue <- j:
	default:
		a.drop(ctx, kind, "queue full")
	}
}

func (a *Async) drop(ctx context.Context, kind, reason string) {
	observe.Logger(ctx).Warn("eventlog: dropping record", "kind", kind, "reason", reason)
	a.metrics.RecordEventDropped(ctx, kind)
}

func (a *Async) run() {
	defer close(a.done)
	for j := range a.queue {
		if err := a.write(j); err != nil {
			observe.Logger(j.ctx).Debug("eventlog: write failed", "err", err)
		}
	}
}

// write hands one job to the sink. A panicking sink is reported as an error
// so the worker keeps draining the queue.
func (a *Async) write(j job) (err error) {
	ctx, cancel := context.WithTimeout(j.ctx, writeTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	switch {
	case j.gen != nil:
		return a.sink.LogGeneration(ctx, *j.gen)
	case j.orch != nil:
		return a.sink.LogOrchestration(ctx, *j.orch)
	}
	return nil
}

// Close stops accepting records and waits until the queue is drained or ctx
// is done. It is safe to call more than once.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
