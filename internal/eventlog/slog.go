package eventlog

import (
	"context"
	"log/slog"

	"github.com/MrWong99/engagecore/internal/observe"
)

// SlogSink writes records as structured log lines through [observe.Logger].
type SlogSink struct {
	// Level is the level used for successful records. Failed generations are
	// always logged at warn. Default: info.
	Level slog.Level
}

var _ Sink = (*SlogSink)(nil)

// LogGeneration implements [Sink].
func (s *SlogSink) LogGeneration(ctx context.Context, rec GenerationRecord) error {
	level := s.Level
	if rec.Status == StatusError {
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("model", rec.Model),
		slog.String("status", rec.Status),
		slog.Int("input_tokens", rec.Metrics.InputTokens),
		slog.Int("output_tokens", rec.Metrics.OutputTokens),
		slog.Float64("cost_usd", rec.Metrics.CostTotal),
		slog.Duration("generation_time", rec.Metrics.GenerationTime),
	}
	if rec.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", rec.RequestID))
	}
	if rec.Error != "" {
		attrs = append(attrs, slog.String("error", truncate(rec.Error, MaxErrorChars)))
	}
	for k, v := range rec.Tags {
		attrs = append(attrs, slog.String("tag."+k, v))
	}
	observe.Logger(ctx).LogAttrs(ctx, level, "llm generation", attrs...)
	return nil
}

// LogOrchestration implements [Sink].
func (s *SlogSink) LogOrchestration(ctx context.Context, ev OrchestrationEvent) error {
	failed := 0
	for _, o := range ev.Outcomes {
		if !o.OK {
			failed++
		}
	}
	observe.Logger(ctx).LogAttrs(ctx, s.Level, "orchestration",
		slog.String("request_id", ev.RequestID),
		slog.String("user_id", ev.UserID),
		slog.Any("selected_agents", ev.SelectedAgents),
		slog.String("reasoning", ev.Reasoning),
		slog.Float64("confidence", ev.Confidence),
		slog.String("selection_method", ev.SelectionMethod),
		slog.Int("agent_count", len(ev.SelectedAgents)),
		slog.Int("failed_agents", failed),
		slog.String("aggregation", ev.Aggregation),
		slog.Int64("processing_time_ms", ev.Latency.Milliseconds()),
		slog.Int("response_length", ev.ResponseLength),
	)
	return nil
}
