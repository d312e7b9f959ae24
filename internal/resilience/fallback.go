package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has
// an open circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the template for each entry's breaker. Name is
	// replaced by the entry name.
	CircuitBreaker CircuitBreakerConfig

	// ShouldFallback decides whether an entry's error moves on to the next
	// entry. An open breaker always falls through. A nil func falls through
	// on every error.
	ShouldFallback func(error) bool

	// FallbackContext derives the context passed to entries after the
	// primary. A nil func reuses the caller's context.
	FallbackContext func(context.Context) context.Context
}

// Attempt records one entry tried by a [FallbackGroup].
type Attempt struct {
	Entry string
	Err   error
}

// Report describes how a call was served.
type Report struct {
	// Entry is the name of the last entry tried: the one that succeeded or
	// produced the returned error.
	Entry string

	// Index is the position of Entry; 0 is the primary.
	Index int

	// Attempts lists every entry tried, in order.
	Attempts []Attempt
}

// UsedFallback reports whether an entry other than the primary was tried last.
func (r Report) UsedFallback() bool { return r.Index > 0 }

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup wraps a primary and zero or more fallbacks of the same type.
// When the primary fails with an error accepted by ShouldFallback, or its
// breaker is open, the next entry is tried in registration order.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.add(primaryName, primary)
	return fg
}

// AddFallback appends a fallback entry. Fallbacks are tried in the order they
// are added, after the primary. It must not be called concurrently with
// Execute.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	fg.add(name, fallback)
}

func (fg *FallbackGroup[T]) add(name string, v T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   v,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Len returns the number of entries including the primary.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// Primary returns the first entry's value.
func (fg *FallbackGroup[T]) Primary() T { return fg.entries[0].value }

// Breaker returns the circuit breaker of entry i.
func (fg *FallbackGroup[T]) Breaker(i int) *CircuitBreaker { return fg.entries[i].breaker }

// Execute tries fn against each entry until one succeeds. See [ExecuteWithResult].
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(context.Context, T) error) (Report, error) {
	_, rep, err := ExecuteWithResult(ctx, fg, func(ctx context.Context, v T) (struct{}, error) {
		return struct{}{}, fn(ctx, v)
	})
	return rep, err
}

// ExecuteWithResult tries fn against each entry in order until one succeeds.
//
// An error rejected by ShouldFallback is returned as is, and so is any error
// once ctx is done. With a single entry its error is returned unwrapped.
// Otherwise, when every entry fails, the error wraps both [ErrAllFailed] and
// the last entry's error.
//
// This is a package-level function because Go does not support method-level
// type parameters.
func ExecuteWithResult[T any, R any](ctx context.Context, fg *FallbackGroup[T], fn func(context.Context, T) (R, error)) (R, Report, error) {
	var (
		zero    R
		rep     Report
		lastErr error
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		callCtx := ctx
		if i > 0 && fg.cfg.FallbackContext != nil {
			callCtx = fg.cfg.FallbackContext(ctx)
		}

		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(callCtx, entry.value)
			return innerErr
		})
		rep.Entry, rep.Index = entry.name, i
		rep.Attempts = append(rep.Attempts, Attempt{Entry: entry.name, Err: err})
		if err == nil {
			return result, rep, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, rep, err
		}
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("resilience: skipping provider, circuit open", "provider", entry.name)
			continue
		}
		if fg.cfg.ShouldFallback != nil && !fg.cfg.ShouldFallback(err) {
			return zero, rep, err
		}
		if i < len(fg.entries)-1 {
			slog.Warn("resilience: provider failed, trying next",
				"provider", entry.name,
				"next", fg.entries[i+1].name,
				"err", err,
			)
		}
	}
	if len(fg.entries) == 1 {
		return zero, rep, lastErr
	}
	return zero, rep, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
