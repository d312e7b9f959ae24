package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the DDL for the event log tables. Apply it with
// [PostgresSink.Migrate] or during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS llm_generation_logs (
    id              BIGSERIAL PRIMARY KEY,
    request_id      TEXT NOT NULL DEFAULT '',
    model           TEXT NOT NULL,
    prompt          TEXT NOT NULL DEFAULT '',
    response        TEXT NOT NULL DEFAULT '',
    error           TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL,
    input_tokens    INTEGER NOT NULL DEFAULT 0,
    output_tokens   INTEGER NOT NULL DEFAULT 0,
    total_tokens    INTEGER NOT NULL DEFAULT 0,
    cost_in         DOUBLE PRECISION NOT NULL DEFAULT 0,
    cost_out        DOUBLE PRECISION NOT NULL DEFAULT 0,
    cost_total      DOUBLE PRECISION NOT NULL DEFAULT 0,
    generation_ms   BIGINT NOT NULL DEFAULT 0,
    tags            JSONB NOT NULL DEFAULT '{}',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_llm_generation_logs_created ON llm_generation_logs(created_at);
CREATE INDEX IF NOT EXISTS idx_llm_generation_logs_model ON llm_generation_logs(model);

CREATE TABLE IF NOT EXISTS orchestration_events (
    id               BIGSERIAL PRIMARY KEY,
    request_id       TEXT NOT NULL,
    user_id          TEXT NOT NULL DEFAULT '',
    selected_agents  JSONB NOT NULL DEFAULT '[]',
    reasoning        TEXT NOT NULL DEFAULT '',
    confidence       DOUBLE PRECISION NOT NULL DEFAULT 0,
    selection_method TEXT NOT NULL DEFAULT '',
    outcomes         JSONB NOT NULL DEFAULT '[]',
    aggregation      TEXT NOT NULL DEFAULT '',
    latency_ms       BIGINT NOT NULL DEFAULT 0,
    response_length  INTEGER NOT NULL DEFAULT 0,
    source           TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_orchestration_events_user ON orchestration_events(user_id);
CREATE INDEX IF NOT EXISTS idx_orchestration_events_created ON orchestration_events(created_at);
`

// DB is the database interface used by [PostgresSink]. *pgxpool.Pool and
// *pgx.Conn both satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink is a [Sink] that inserts records into PostgreSQL.
type PostgresSink struct {
	db  DB
	now func() time.Time
}

var _ Sink = (*PostgresSink)(nil)

// NewPostgresSink returns a sink writing through db. Call
// [PostgresSink.Migrate] before the first insert.
func NewPostgresSink(db DB) *PostgresSink {
	return &PostgresSink{db: db, now: time.Now}
}

// Migrate executes [Schema].
func (s *PostgresSink) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("eventlog: migrate: %w", err)
	}
	return nil
}

// LogGeneration inserts rec after truncation.
func (s *PostgresSink) LogGeneration(ctx context.Context, rec GenerationRecord) error {
	rec = rec.Truncated()
	tagsJSON, err := json.Marshal(emptyMap(rec.Tags))
	if err != nil {
		return fmt.Errorf("eventlog: marshal tags: %w", err)
	}
	m := rec.Metrics.Normalize()

	const query = `
		INSERT INTO llm_generation_logs (
			request_id, model, prompt, response, error, status,
			input_tokens, output_tokens, total_tokens,
			cost_in, cost_out, cost_total, generation_ms, tags, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`

	_, err = s.db.Exec(ctx, query,
		rec.RequestID, rec.Model, rec.Prompt, rec.Response, rec.Error, rec.Status,
		m.InputTokens, m.OutputTokens, m.TotalTokens,
		m.CostIn, m.CostOut, m.CostTotal, m.GenerationTime.Milliseconds(), tagsJSON,
		s.timestamp(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("eventlog: insert generation: %w", err)
	}
	return nil
}

// LogOrchestration inserts ev. Agent lists and outcomes are stored as JSONB.
func (s *PostgresSink) LogOrchestration(ctx context.Context, ev OrchestrationEvent) error {
	agentsJSON, err := json.Marshal(emptySlice(ev.SelectedAgents))
	if err != nil {
		return fmt.Errorf("eventlog: marshal selected_agents: %w", err)
	}
	outcomesJSON, err := json.Marshal(emptySlice(ev.Outcomes))
	if err != nil {
		return fmt.Errorf("eventlog: marshal outcomes: %w", err)
	}

	const query = `
		INSERT INTO orchestration_events (
			request_id, user_id, selected_agents, reasoning, confidence,
			selection_method, outcomes, aggregation, latency_ms,
			response_length, source, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`

	_, err = s.db.Exec(ctx, query,
		ev.RequestID, ev.UserID, agentsJSON, ev.Reasoning, ev.Confidence,
		ev.SelectionMethod, outcomesJSON, ev.Aggregation, ev.Latency.Milliseconds(),
		ev.ResponseLength, ev.Source, s.timestamp(ev.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("eventlog: insert orchestration %q: %w", ev.RequestID, err)
	}
	return nil
}

func (s *PostgresSink) timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return s.now().UTC()
	}
	return t.UTC()
}

func emptySlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func emptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
