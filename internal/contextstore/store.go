// Package contextstore persists learner and course context (user profiles,
// lessons, tasks) and serves it to the orchestrator.
//
// Records are schemaless JSON objects keyed by kind and id. The platform
// writes them; the orchestrator only reads. [PostgresStore] also implements
// the orchestrator's ContextProvider, so a missing record reads as an empty
// blob.
package contextstore

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/engagecore/internal/agent"
)

// Kind names a record type.
type Kind string

const (
	KindUser   Kind = "user"
	KindLesson Kind = "lesson"
	KindTask   Kind = "task"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindUser, KindLesson, KindTask:
		return true
	}
	return false
}

// Record is one stored context blob.
type Record struct {
	Kind      Kind
	ID        string
	Data      agent.Blob
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the fields required for persistence.
func (r *Record) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("contextstore: unknown kind %q", r.Kind)
	}
	if r.ID == "" {
		return fmt.Errorf("contextstore: %s id must not be empty", r.Kind)
	}
	return nil
}

// Store provides access to context records.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the record or (nil, nil) if it does not exist.
	Get(ctx context.Context, kind Kind, id string) (*Record, error)

	// Upsert creates or replaces a record.
	Upsert(ctx context.Context, rec *Record) error

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, kind Kind, id string) error

	// List returns all records of kind ordered by id.
	List(ctx context.Context, kind Kind) ([]Record, error)
}

// Import upserts every blob in data as a record of kind and returns how many
// were written. It stops at the first error.
func Import(ctx context.Context, s Store, kind Kind, data map[string]agent.Blob) (int, error) {
	n := 0
	for id, blob := range data {
		if err := s.Upsert(ctx, &Record{Kind: kind, ID: id, Data: blob}); err != nil {
			return n, fmt.Errorf("contextstore: import %s %q: %w", kind, id, err)
		}
		n++
	}
	return n, nil
}
