package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

type ctxKey struct{}

func newGroup(cfg FallbackConfig) *FallbackGroup[string] {
	if cfg.CircuitBreaker.MaxFailures == 0 {
		cfg.CircuitBreaker.MaxFailures = 3
	}
	fg := NewFallbackGroup("primary", "primary", cfg)
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	t.Parallel()
	fg := newGroup(FallbackConfig{})

	got, rep, err := ExecuteWithResult(context.Background(), fg, func(_ context.Context, v string) (string, error) {
		return "from " + v, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "from primary" || rep.Entry != "primary" || rep.UsedFallback() {
		t.Errorf("got %q report %+v", got, rep)
	}
}

func TestFallbackGroup_FailoverUsesFallbackContext(t *testing.T) {
	t.Parallel()
	fg := newGroup(FallbackConfig{
		FallbackContext: func(ctx context.Context) context.Context {
			return context.WithValue(ctx, ctxKey{}, "fallback")
		},
	})

	var sawMarker bool
	rep, err := fg.Execute(context.Background(), func(ctx context.Context, v string) error {
		if v == "primary" {
			if ctx.Value(ctxKey{}) != nil {
				t.Error("primary must get the caller's context")
			}
			return errTest
		}
		sawMarker = ctx.Value(ctxKey{}) == "fallback"
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sawMarker {
		t.Error("fallback did not receive the derived context")
	}
	if rep.Entry != "secondary" || !rep.UsedFallback() || len(rep.Attempts) != 2 {
		t.Errorf("unexpected report: %+v", rep)
	}
}

func TestFallbackGroup_ShouldFallbackRejects(t *testing.T) {
	t.Parallel()
	fg := newGroup(FallbackConfig{
		ShouldFallback: func(err error) bool { return !errors.Is(err, errIgnore) },
	})

	calls := 0
	rep, err := fg.Execute(context.Background(), func(context.Context, string) error {
		calls++
		return errIgnore
	})
	if !errors.Is(err, errIgnore) || errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want the primary error unwrapped", err)
	}
	if calls != 1 || rep.Entry != "primary" {
		t.Errorf("calls = %d, report = %+v; want only the primary", calls, rep)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	t.Parallel()
	fg := newGroup(FallbackConfig{})

	rep, err := fg.Execute(context.Background(), func(context.Context, string) error { return errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Errorf("err = %v, should still wrap the last error", err)
	}
	if rep.Entry != "secondary" {
		t.Errorf("Entry = %q, want secondary (last tried)", rep.Entry)
	}
}

func TestFallbackGroup_SingleEntryReturnsErrorUnwrapped(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup("only", "only", FallbackConfig{})

	_, err := fg.Execute(context.Background(), func(context.Context, string) error { return errTest })
	if err != errTest {
		t.Fatalf("err = %v, want errTest as is", err)
	}
}

func TestFallbackGroup_StopsWhenCallerCancelled(t *testing.T) {
	t.Parallel()
	fg := newGroup(FallbackConfig{})
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	_, err := fg.Execute(ctx, func(context.Context, string) error {
		calls++
		cancel()
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestFallbackGroup_CircuitBreakerSkipsOpenProvider(t *testing.T) {
	t.Parallel()
	fg := newGroup(FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})

	for range 2 {
		_, _ = fg.Execute(context.Background(), func(_ context.Context, v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}
	if fg.Breaker(0).State() != StateOpen {
		t.Fatal("primary breaker should be open")
	}

	var called []string
	_, err := fg.Execute(context.Background(), func(_ context.Context, v string) error {
		called = append(called, v)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(called) != 1 || called[0] != "secondary" {
		t.Fatalf("called = %v, want only secondary", called)
	}
}
