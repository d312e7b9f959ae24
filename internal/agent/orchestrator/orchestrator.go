// Package orchestrator answers learner messages with a team of agents.
//
// [Orchestrator.RouteMessage] runs a fixed pipeline: build the agent context
// from the platform, let the selector choose agents, run them in parallel,
// merge their answers and log one [eventlog.OrchestrationEvent]. It always
// returns a non-empty reply and never panics to its caller.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/engagecore/internal/agent"
	"github.com/MrWong99/engagecore/internal/agent/selector"
	"github.com/MrWong99/engagecore/internal/eventlog"
	"github.com/MrWong99/engagecore/internal/generation"
	"github.com/MrWong99/engagecore/internal/observe"
)

// Canned replies.
const (
	NoAnswerMessage      = "Sorry, I couldn't prepare an answer this time. Please try rephrasing your question."
	CombineFailedMessage = "I received several responses but can't combine them right now. Please try again."
	CriticalMessage      = "Sorry, something went wrong on our side. Please try again later."
)

// Default per-stage timeouts.
const (
	DefaultAgentTimeout      = 25 * time.Second
	DefaultAggregatorTimeout = 30 * time.Second
)

// AgentSelector chooses agents for a message. Implementations never fail.
type AgentSelector interface {
	Select(ctx context.Context, requestID string, c agent.Context, force bool) selector.Selection
}

// Aggregator merges several agent answers into one.
type Aggregator interface {
	Aggregate(ctx context.Context, c agent.Context, responses []agent.Response, reasoning string) (string, error)
}

var _ AgentSelector = (*selector.Selector)(nil)

// Orchestrator routes learner messages. It is safe for concurrent use.
type Orchestrator struct {
	registry   *agent.Registry
	selector   AgentSelector
	aggregator Aggregator
	contexts   ContextProvider

	sink              eventlog.Sink
	metrics           *observe.Metrics
	agentTimeout      time.Duration
	aggregatorTimeout time.Duration
	apology           string
	now               func() time.Time
	newID             func() string
}

// Option configures an [Orchestrator] during construction.
type Option func(*Orchestrator)

// WithAgentTimeout bounds each agent call. The default is 25s.
func WithAgentTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.agentTimeout = d
		}
	}
}

// WithAggregatorTimeout bounds the aggregator call. The default is 30s.
func WithAggregatorTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.aggregatorTimeout = d
		}
	}
}

// WithSink sets where orchestration events are written.
func WithSink(s eventlog.Sink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithApology overrides the reply used when the request cannot be served.
func WithApology(msg string) Option {
	return func(o *Orchestrator) {
		if msg != "" {
			o.apology = msg
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDSource overrides the random suffix of request ids.
func WithIDSource(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// New creates an Orchestrator. All collaborators are required.
func New(registry *agent.Registry, sel AgentSelector, agg Aggregator, contexts ContextProvider, opts ...Option) (*Orchestrator, error) {
	switch {
	case registry == nil:
		return nil, errors.New("orchestrator: registry must not be nil")
	case sel == nil:
		return nil, errors.New("orchestrator: selector must not be nil")
	case agg == nil:
		return nil, errors.New("orchestrator: aggregator must not be nil")
	case contexts == nil:
		return nil, errors.New("orchestrator: context provider must not be nil")
	}
	o := &Orchestrator{
		registry:          registry,
		selector:          sel,
		aggregator:        agg,
		contexts:          contexts,
		sink:              eventlog.Discard{},
		agentTimeout:      DefaultAgentTimeout,
		aggregatorTimeout: DefaultAggregatorTimeout,
		apology:           generation.DefaultApology,
		now:               time.Now,
		newID:             func() string { return uuid.NewString()[:8] },
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o, nil
}

// RouteMessage answers userMessage from userID. The reply is never empty.
func (o *Orchestrator) RouteMessage(ctx context.Context, userMessage, userID string, mc MessageContext) (reply string) {
	start := o.now()
	requestID := fmt.Sprintf("orch_%s_%d_%s", userID, start.Unix(), o.newID())
	ctx = observe.WithRequestID(ctx, requestID)
	ctx, span := observe.StartSpan(ctx, "orchestrator.RouteMessage",
		trace.WithAttributes(
			attribute.String("user_id", userID),
			attribute.String("request_id", requestID),
		),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			observe.Logger(ctx).Error("orchestrator_critical",
				"user_id", userID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			span.RecordError(fmt.Errorf("panic: %v", r))
			reply = CriticalMessage
		}
	}()

	reply, err := o.route(ctx, requestID, userMessage, userID, mc, start)
	if err != nil {
		span.RecordError(err)
		var fatal *FatalError
		if errors.As(err, &fatal) {
			observe.Logger(ctx).Error("orchestrator: request aborted", "stage", fatal.Stage, "err", fatal.Err)
			return o.apology
		}
		observe.Logger(ctx).Error("orchestrator_critical", "user_id", userID, "err", err)
		return CriticalMessage
	}
	if reply == "" {
		return CriticalMessage
	}
	return reply
}

func (o *Orchestrator) route(ctx context.Context, requestID, userMessage, userID string, mc MessageContext, start time.Time) (string, error) {
	c, err := o.buildContext(ctx, userMessage, userID, mc)
	if err != nil {
		o.finish(ctx, eventlog.OrchestrationEvent{
			RequestID:   requestID,
			UserID:      userID,
			Aggregation: eventlog.AggregationNone,
			Source:      c.Source,
		}, start, o.apology)
		return "", err
	}

	sel := o.selector.Select(ctx, requestID, c, false)
	responses, outcomes := o.dispatch(ctx, c, sel.AgentNames)
	reply, strategy := o.aggregate(ctx, c, responses, sel.Reasoning)

	o.finish(ctx, eventlog.OrchestrationEvent{
		RequestID:       requestID,
		UserID:          userID,
		SelectedAgents:  sel.AgentNames,
		Reasoning:       sel.Reasoning,
		Confidence:      sel.Confidence,
		SelectionMethod: sel.Method,
		Outcomes:        outcomes,
		Aggregation:     strategy,
		Source:          c.Source,
	}, start, reply)
	return reply, nil
}

// finish stamps ev, records metrics and writes the event and summary log.
func (o *Orchestrator) finish(ctx context.Context, ev eventlog.OrchestrationEvent, start time.Time, reply string) {
	end := o.now()
	ev.Latency = end.Sub(start)
	ev.ResponseLength = len([]rune(reply))
	ev.CreatedAt = end

	o.metrics.RecordOrchestration(ctx, ev.Aggregation, ev.Latency)

	failed := 0
	for _, out := range ev.Outcomes {
		if !out.OK {
			failed++
		}
	}
	observe.Logger(ctx).Info("orchestration complete",
		"user_id", ev.UserID,
		"selected_agents", ev.SelectedAgents,
		"reasoning", ev.Reasoning,
		"confidence", ev.Confidence,
		"selection_method", ev.SelectionMethod,
		"aggregation", ev.Aggregation,
		"agent_count", len(ev.SelectedAgents),
		"failed_agents", failed,
		"processing_time_ms", ev.Latency.Milliseconds(),
	)
	if err := o.sink.LogOrchestration(ctx, ev); err != nil {
		observe.Logger(ctx).Warn("orchestrator: event log write failed", "err", err)
	}
}
