// Package eventlog records generation and orchestration events for offline
// analysis. A [Sink] receives [GenerationRecord] and [OrchestrationEvent]
// values; implementations log them with slog ([SlogSink]), persist them to
// PostgreSQL ([PostgresSink]), fan them out ([Fanout]) or queue them in the
// background ([Async]).
//
// Records are append-only. Callers treat sink failures as non-fatal.
package eventlog

import (
	"context"
	"time"

	"github.com/MrWong99/engagecore/pkg/provider/llm"
)

// Truncation limits, in characters, applied by [GenerationRecord.Truncated].
const (
	MaxPromptChars   = 10000
	MaxResponseChars = 5000
	MaxErrorChars    = 1000
)

// Generation status values.
const (
	StatusSuccess = "SUCCESS"
	StatusError   = "ERROR"
)

// Aggregation strategies reported in [OrchestrationEvent.Aggregation].
const (
	AggregationSingle     = "single"
	AggregationAggregator = "aggregator"
	AggregationNaiveJoin  = "naive_join"
	AggregationNone       = "none"
)

// GenerationRecord describes one call through the generation service.
type GenerationRecord struct {
	RequestID string            `json:"request_id,omitempty"`
	Model     string            `json:"model"`
	Prompt    string            `json:"prompt"`
	Response  string            `json:"response"`
	Error     string            `json:"error,omitempty"`
	Status    string            `json:"status"`
	Metrics   llm.Metrics       `json:"metrics"`
	Tags      map[string]string `json:"tags,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Truncated returns a copy of r with Prompt, Response and Error cut to their
// limits.
func (r GenerationRecord) Truncated() GenerationRecord {
	r.Prompt = truncate(r.Prompt, MaxPromptChars)
	r.Response = truncate(r.Response, MaxResponseChars)
	r.Error = truncate(r.Error, MaxErrorChars)
	return r
}

// AgentOutcome is the result of dispatching one agent.
type AgentOutcome struct {
	Name     string        `json:"name"`
	OK       bool          `json:"ok"`
	Err      string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// OrchestrationEvent summarises one RouteMessage call.
type OrchestrationEvent struct {
	RequestID       string         `json:"request_id"`
	UserID          string         `json:"user_id"`
	SelectedAgents  []string       `json:"selected_agents"`
	Reasoning       string         `json:"reasoning"`
	Confidence      float64        `json:"confidence"`
	SelectionMethod string         `json:"selection_method"`
	Outcomes        []AgentOutcome `json:"outcomes"`
	Aggregation     string         `json:"aggregation"`
	Latency         time.Duration  `json:"latency"`
	ResponseLength  int            `json:"response_length"`
	Source          string         `json:"source,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Sink receives event log records. Implementations must be safe for
// concurrent use.
type Sink interface {
	LogGeneration(ctx context.Context, rec GenerationRecord) error
	LogOrchestration(ctx context.Context, ev OrchestrationEvent) error
}

// Discard is a [Sink] that drops everything.
type Discard struct{}

var _ Sink = Discard{}

func (Discard) LogGeneration(context.Context, GenerationRecord) error     { return nil }
func (Discard) LogOrchestration(context.Context, OrchestrationEvent) error { return nil }

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
