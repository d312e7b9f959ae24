package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/engagecore/internal/agent"
	"github.com/MrWong99/engagecore/internal/agent/orchestrator"
)

// Schema is the SQL DDL for the learner_contexts table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS learner_contexts (
    kind        TEXT NOT NULL,
    id          TEXT NOT NULL,
    data        JSONB NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (kind, id)
);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db DB
}

var (
	_ Store                        = (*PostgresStore)(nil)
	_ orchestrator.ContextProvider = (*PostgresStore)(nil)
)

// NewPostgresStore creates a store using the given connection or pool. Call
// [PostgresStore.Migrate] before the first query.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes [Schema].
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("contextstore: migrate: %w", err)
	}
	return nil
}

// Get implements [Store].
func (s *PostgresStore) Get(ctx context.Context, kind Kind, id string) (*Record, error) {
	const query = `
		SELECT kind, id, data, created_at, updated_at
		FROM learner_contexts
		WHERE kind = $1 AND id = $2`

	var (
		rec     Record
		rawKind string
		data    []byte
	)
	err := s.db.QueryRow(ctx, query, string(kind), id).Scan(
		&rawKind, &rec.ID, &data, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("contextstore: get %s %q: %w", kind, id, err)
	}
	rec.Kind = Kind(rawKind)
	if err := json.Unmarshal(data, &rec.Data); err != nil {
		return nil, fmt.Errorf("contextstore: unmarshal %s %q: %w", kind, id, err)
	}
	return &rec, nil
}

// Upsert implements [Store]. CreatedAt and UpdatedAt are filled from the
// database.
func (s *PostgresStore) Upsert(ctx context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(emptyBlob(rec.Data))
	if err != nil {
		return fmt.Errorf("contextstore: marshal %s %q: %w", rec.Kind, rec.ID, err)
	}

	const query = `
		INSERT INTO learner_contexts (kind, id, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (kind, id) DO UPDATE SET
			data = EXCLUDED.data,
			updated_at = now()
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query, string(rec.Kind), rec.ID, data).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("contextstore: upsert %s %q: %w", rec.Kind, rec.ID, err)
	}
	return nil
}

// Delete implements [Store].
func (s *PostgresStore) Delete(ctx context.Context, kind Kind, id string) error {
	const query = `DELETE FROM learner_contexts WHERE kind = $1 AND id = $2`
	if _, err := s.db.Exec(ctx, query, string(kind), id); err != nil {
		return fmt.Errorf("contextstore: delete %s %q: %w", kind, id, err)
	}
	return nil
}

// List implements [Store].
func (s *PostgresStore) List(ctx context.Context, kind Kind) ([]Record, error) {
	const query = `
		SELECT kind, id, data, created_at, updated_at
		FROM learner_contexts
		WHERE kind = $1
		ORDER BY id`

	rows, err := s.db.Query(ctx, query, string(kind))
	if err != nil {
		return nil, fmt.Errorf("contextstore: list %s: %w", kind, err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var (
			rec     Record
			rawKind string
			data    []byte
		)
		if err := rows.Scan(&rawKind, &rec.ID, &data, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("contextstore: list scan: %w", err)
		}
		rec.Kind = Kind(rawKind)
		if err := json.Unmarshal(data, &rec.Data); err != nil {
			return nil, fmt.Errorf("contextstore: unmarshal %s %q: %w", rec.Kind, rec.ID, err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contextstore: list %s: %w", kind, err)
	}
	return recs, nil
}

// ── orchestrator.ContextProvider ─────────────────────────────────────────────

// UserContext returns the user's profile blob.
func (s *PostgresStore) UserContext(ctx context.Context, userID string) (agent.Blob, error) {
	return s.blob(ctx, KindUser, userID)
}

// LessonContext returns the lesson blob. Lessons are shared, so userID is
// not part of the key.
func (s *PostgresStore) LessonContext(ctx context.Context, _, lessonID string) (agent.Blob, error) {
	return s.blob(ctx, KindLesson, lessonID)
}

// TaskContext returns the task blob.
func (s *PostgresStore) TaskContext(ctx context.Context, _, taskID string) (agent.Blob, error) {
	return s.blob(ctx, KindTask, taskID)
}

func (s *PostgresStore) blob(ctx context.Context, kind Kind, id string) (agent.Blob, error) {
	rec, err := s.Get(ctx, kind, id)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.Data, nil
}

// emptyBlob returns b if non-nil, otherwise an empty blob, so JSON encodes
// "{}" instead of "null".
func emptyBlob(b agent.Blob) agent.Blob {
	if b == nil {
		return agent.Blob{}
	}
	return b
}
