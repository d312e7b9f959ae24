package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/engagecore/internal/agent"
	"github.com/MrWong99/engagecore/internal/eventlog"
	"github.com/MrWong99/engagecore/internal/observe"
)

// errEmptyAnswer marks an agent that returned only whitespace.
var errEmptyAnswer = errors.New("empty answer")

// Naive join limits.
const (
	naiveJoinMax      = 3
	naiveJoinMinChars = 5
)

// dispatch runs every named agent concurrently, each under its own timeout.
// Successful responses are returned in the order of names. One outcome per
// name is always returned.
func (o *Orchestrator) dispatch(ctx context.Context, c agent.Context, names []string) ([]agent.Response, []eventlog.AgentOutcome) {
	type slot struct {
		resp agent.Response
		err  error
		took time.Duration
	}
	slots := make([]slot, len(names))

	// Agents never return an error to the group, so one failure does not
	// cancel the others.
	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			start := o.now()
			resp, err := o.runAgent(ctx, name, c)
			slots[i] = slot{resp: resp, err: err, took: o.now().Sub(start)}
			return nil
		})
	}
	_ = g.Wait()

	log := observe.Logger(ctx)
	responses := make([]agent.Response, 0, len(names))
	outcomes := make([]eventlog.AgentOutcome, 0, len(names))
	for i, s := range slots {
		name := names[i]
		o.metrics.RecordAgentCall(ctx, name, observe.StatusOf(s.err), s.took)
		out := eventlog.AgentOutcome{Name: name, OK: s.err == nil, Duration: s.took}
		if s.err != nil {
			out.Err = s.err.Error()
			log.Warn("orchestrator: agent failed", "agent", name, "err", s.err, "duration_ms", s.took.Milliseconds())
		} else {
			responses = append(responses, s.resp)
		}
		outcomes = append(outcomes, out)
	}
	return responses, outcomes
}

// runAgent resolves and calls one agent. Construction and Handle both run
// under the agent timeout; panics, timeouts and empty answers are reported as
// *agent.Error.
func (o *Orchestrator) runAgent(ctx context.Context, name string, c agent.Context) (agent.Response, error) {
	ctx, span := observe.StartSpan(ctx, "orchestrator.agent."+name)
	defer span.End()

	resp, err := bounded(ctx, o.agentTimeout, func(ctx context.Context) (agent.Response, error) {
		a, err := o.registry.Get(name)
		if err != nil {
			return agent.Response{}, err
		}
		return a.Handle(ctx, c)
	})
	if err != nil {
		span.RecordError(err)
		var ae *agent.Error
		if !errors.As(err, &ae) {
			err = &agent.Error{Agent: name, Err: err}
		}
		return agent.Response{}, err
	}
	if strings.TrimSpace(resp.Text) == "" {
		return agent.Response{}, &agent.Error{Agent: name, Err: errEmptyAnswer}
	}
	if resp.AgentName == "" {
		resp.AgentName = name
	}
	return resp, nil
}

// bounded runs fn under a timeout derived from ctx and returns as soon as the
// deadline passes, even if fn ignores its context. A panic in fn is returned
// as an error.
func bounded[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- result{v: zero, err: fmt.Errorf("panic: %v\n%s", r, debug.Stack())}
			}
		}()
		v, err := fn(ctx)
		done <- result{v: v, err: err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("timed out after %s: %w", timeout, ctx.Err())
	}
}

// aggregate turns the agent responses into one reply and reports the
// strategy used.
func (o *Orchestrator) aggregate(ctx context.Context, c agent.Context, responses []agent.Response, reasoning string) (string, string) {
	switch len(responses) {
	case 0:
		return NoAnswerMessage, eventlog.AggregationNone
	case 1:
		return responses[0].Text, eventlog.AggregationSingle
	}

	ctx, span := observe.StartSpan(ctx, "orchestrator.aggregate")
	defer span.End()

	text, err := bounded(ctx, o.aggregatorTimeout, func(ctx context.Context) (string, error) {
		return o.aggregator.Aggregate(ctx, c, responses, reasoning)
	})
	if err == nil && strings.TrimSpace(text) == "" {
		err = errEmptyAnswer
	}
	if err == nil {
		return text, eventlog.AggregationAggregator
	}

	aggErr := &AggregationError{Responses: len(responses), Err: err}
	span.RecordError(aggErr)
	observe.Logger(ctx).Warn("orchestrator: aggregation failed, joining answers", "err", aggErr)
	return naiveJoin(responses), eventlog.AggregationNaiveJoin
}

// naiveJoin concatenates the first few substantial answers in order.
func naiveJoin(responses []agent.Response) string {
	var parts []string
	for _, r := range responses {
		t := strings.TrimSpace(r.Text)
		if len([]rune(t)) <= naiveJoinMinChars {
			continue
		}
		parts = append(parts, t)
		if len(parts) == naiveJoinMax {
			break
		}
	}
	if len(parts) == 0 {
		return CombineFailedMessage
	}
	return strings.Join(parts, " ")
}
