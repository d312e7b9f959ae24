// Package mock provides in-memory mock implementations of [agent.Agent] and
// the aggregator contract for use in unit tests.
//
// All mocks are safe for concurrent use, record method calls, and expose exported
// fields for configuring return values.
//
// Example:
//
//	content := &mock.Agent{
//	    Desc:   agent.Descriptor{Name: "ContentAgent", Fallback: true},
//	    Result: agent.Response{Text: "Use 'has' with he, she and it."},
//	}
//	reg, _ := agent.NewRegistry(content.Factory())
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/engagecore/internal/agent"
)

// ─── Agent ────────────────────────────────────────────────────────────────────

// Agent is a mock implementation of [agent.Agent].
type Agent struct {
	mu sync.Mutex

	// Desc is returned by [Agent.Descriptor].
	Desc agent.Descriptor

	// HandleFunc, when set, computes the Handle result.
	HandleFunc func(ctx context.Context, c agent.Context) (agent.Response, error)

	// Result is returned by Handle when HandleFunc is nil. An empty AgentName
	// defaults to Desc.Name.
	Result agent.Response

	// Err is returned by Handle when HandleFunc is nil.
	Err error

	// Delay makes Handle wait before answering. A cancelled context ends the
	// wait with an *agent.Error wrapping ctx.Err().
	Delay time.Duration

	// PanicWith, when non-nil, makes Handle panic with this value.
	PanicWith any

	// Calls records every context passed to Handle.
	Calls []agent.Context
}

var _ agent.Agent = (*Agent)(nil)

// Descriptor implements [agent.Agent].
func (a *Agent) Descriptor() agent.Descriptor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Desc
}

// Handle implements [agent.Agent].
func (a *Agent) Handle(ctx context.Context, c agent.Context) (agent.Response, error) {
	a.mu.Lock()
	a.Calls = append(a.Calls, c)
	fn, res, err, delay, p := a.HandleFunc, a.Result, a.Err, a.Delay, a.PanicWith
	name := a.Desc.Name
	a.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return agent.Response{}, &agent.Error{Agent: name, Err: ctx.Err()}
		case <-t.C:
		}
	}
	if p != nil {
		panic(p)
	}
	if fn != nil {
		return fn(ctx, c)
	}
	if err != nil {
		return agent.Response{}, err
	}
	if res.AgentName == "" {
		res.AgentName = name
	}
	return res, nil
}

// CallCount returns the number of Handle calls so far.
func (a *Agent) CallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Calls)
}

// Factory returns a registry factory that always yields a.
func (a *Agent) Factory() agent.Factory {
	return agent.Factory{
		Descriptor: a.Descriptor(),
		New:        func() (agent.Agent, error) { return a, nil },
	}
}

// ─── Aggregator ───────────────────────────────────────────────────────────────

// AggregateCall records the arguments of a single Aggregate invocation.
type AggregateCall struct {
	Context   agent.Context
	Responses []agent.Response
	Reasoning string
}

// Aggregator is a mock aggregator.
type Aggregator struct {
	mu sync.Mutex

	// Result and Err are returned by Aggregate.
	Result string
	Err    error

	// Delay makes Aggregate wait before answering, honouring ctx.
	Delay time.Duration

	// Calls records all Aggregate invocations.
	Calls []AggregateCall
}

// Aggregate records the call and returns Result/Err.
func (m *Aggregator) Aggregate(ctx context.Context, c agent.Context, responses []agent.Response, reasoning string) (string, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, AggregateCall{Context: c, Responses: append([]agent.Response(nil), responses...), Reasoning: reasoning})
	res, err, delay := m.Result, m.Err, m.Delay
	m.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}
	return res, err
}

// CallCount returns the number of Aggregate calls so far.
func (m *Aggregator) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
