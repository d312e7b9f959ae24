package llm

import (
	"context"
	"log/slog"
	"time"
)

// Default retry policy values.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 4 * time.Second
	DefaultMaxDelay    = 30 * time.Second
)

// OutcomeKind classifies the result of one attempt.
type OutcomeKind int

const (
	// OutcomeSuccess means the attempt produced a value.
	OutcomeSuccess OutcomeKind = iota

	// OutcomeTransient means the attempt failed and may succeed if retried.
	OutcomeTransient

	// OutcomePermanent means the attempt failed and must not be retried.
	OutcomePermanent
)

// String returns the lower-case name of the kind.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Outcome is the explicit result of one attempt. The retry loop inspects Kind
// rather than the error value.
type Outcome[T any] struct {
	Kind  OutcomeKind
	Value T
	Err   error
}

// Success returns a successful outcome carrying v.
func Success[T any](v T) Outcome[T] {
	return Outcome[T]{Kind: OutcomeSuccess, Value: v}
}

// Transient returns a retryable failed outcome.
func Transient[T any](err error) Outcome[T] {
	return Outcome[T]{Kind: OutcomeTransient, Err: err}
}

// Permanent returns a non-retryable failed outcome.
func Permanent[T any](err error) Outcome[T] {
	return Outcome[T]{Kind: OutcomePermanent, Err: err}
}

// OutcomeOf converts a (value, error) pair into an Outcome. A nil error is a
// success; otherwise err is classified with [Classify] unless it is already a
// [TransientError] or [PermanentError].
func OutcomeOf[T any](backend string, v T, err error) Outcome[T] {
	if err == nil {
		return Success(v)
	}
	err = Classify(backend, err)
	if IsTransient(err) {
		return Transient[T](err)
	}
	return Permanent[T](err)
}

// RetryConfig configures a [Retrier]. Zero fields take the package defaults.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int

	// BaseDelay is the wait after the first failed attempt. Each further
	// attempt doubles it.
	BaseDelay time.Duration

	// MaxDelay caps the wait between attempts.
	MaxDelay time.Duration
}

// Retrier runs operations with bounded exponential backoff. It is shared by
// all providers and is safe for concurrent use.
type Retrier struct {
	cfg   RetryConfig
	sleep func(ctx context.Context, d time.Duration) error
}

// RetrierOption configures a [Retrier].
type RetrierOption func(*Retrier)

// WithSleep replaces the function used to wait between attempts. Tests use it
// to avoid real delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) RetrierOption {
	return func(r *Retrier) {
		if fn != nil {
			r.sleep = fn
		}
	}
}

// NewRetrier creates a [Retrier] from cfg.
func NewRetrier(cfg RetryConfig, opts ...RetrierOption) *Retrier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	r := &Retrier{cfg: cfg, sleep: sleepCtx}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Config returns the effective configuration.
func (r *Retrier) Config() RetryConfig { return r.cfg }

// Delay returns the wait after the given zero-based failed attempt:
// BaseDelay × 2^attempt, capped at MaxDelay.
func (r *Retrier) Delay(attempt int) time.Duration {
	d := r.cfg.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= r.cfg.MaxDelay {
			return r.cfg.MaxDelay
		}
	}
	if d > r.cfg.MaxDelay {
		return r.cfg.MaxDelay
	}
	return d
}

// Retry runs op until it succeeds, fails permanently, or the attempt budget is
// spent. The budget is the retrier's MaxAttempts unless ctx carries an
// override from [WithAttempts]. A nil r uses the default policy.
//
// Retry is a package-level function because Go does not support method-level
// type parameters.
func Retry[T any](ctx context.Context, r *Retrier, backend string, op func(context.Context) Outcome[T]) (T, error) {
	if r == nil {
		r = NewRetrier(RetryConfig{})
	}
	attempts := r.cfg.MaxAttempts
	if n, ok := attemptsFrom(ctx); ok {
		attempts = n
	}

	var zero T
	var last Outcome[T]
	for attempt := 0; attempt < attempts; attempt++ {
		last = op(ctx)
		switch last.Kind {
		case OutcomeSuccess:
			return last.Value, nil
		case OutcomePermanent:
			return zero, asPermanent(backend, last.Err)
		}

		if attempt == attempts-1 {
			break
		}
		delay := r.Delay(attempt)
		slog.Warn("llm: transient failure, retrying",
			"backend", backend,
			"attempt", attempt+1,
			"max_attempts", attempts,
			"delay", delay,
			"err", last.Err,
		)
		if err := r.sleep(ctx, delay); err != nil {
			return zero, &PermanentError{Backend: backend, Err: err}
		}
	}
	return zero, asTransient(backend, last.Err)
}

func asTransient(backend string, err error) error {
	if IsTransient(err) {
		return err
	}
	return &TransientError{Backend: backend, Err: err}
}

func asPermanent(backend string, err error) error {
	if IsPermanent(err) || IsParsing(err) {
		return err
	}
	return &PermanentError{Backend: backend, Err: err}
}

type attemptsKey struct{}

// WithAttempts returns a context that overrides the attempt budget of every
// [Retry] call made with it. The fallback path uses WithAttempts(ctx, 1) to
// make exactly one attempt.
func WithAttempts(ctx context.Context, n int) context.Context {
	if n <= 0 {
		n = 1
	}
	return context.WithValue(ctx, attemptsKey{}, n)
}

func attemptsFrom(ctx context.Context) (int, bool) {
	n, ok := ctx.Value(attemptsKey{}).(int)
	return n, ok
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
