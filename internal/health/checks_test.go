package health

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/engagecore/internal/resilience"
	"github.com/MrWong99/engagecore/pkg/provider/llm"
	llmmock "github.com/MrWong99/engagecore/pkg/provider/llm/mock"
)

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestPingCheck(t *testing.T) {
	t.Parallel()
	refused := errors.New("connection refused")

	c := PingCheck("postgres", pingerFunc(func(context.Context) error { return nil }))
	if c.Name != "postgres" {
		t.Errorf("Name = %q", c.Name)
	}
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("healthy pinger: %v", err)
	}

	c = PingCheck("postgres", pingerFunc(func(context.Context) error { return refused }))
	if err := c.Check(context.Background()); !errors.Is(err, refused) {
		t.Errorf("err = %v, want wrapped %v", err, refused)
	}
}

func TestProviderCheck(t *testing.T) {
	t.Parallel()
	transient := &llm.TransientError{Backend: "mock", Err: io.ErrUnexpectedEOF}

	tests := []struct {
		name        string
		withBackup  bool
		tripBreaker bool
		wantErr     error
	}{
		{name: "closed breaker", wantErr: nil},
		{name: "open breaker without fallback", tripBreaker: true, wantErr: ErrPrimaryUnavailable},
		{name: "open breaker with fallback", withBackup: true, tripBreaker: true, wantErr: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			primary := &llmmock.Provider{ID: llm.Identity{Backend: "openai", Model: "gpt-4o-mini"}}
			var backup llm.Provider
			if tt.withBackup {
				backup = &llmmock.Provider{ID: llm.Identity{Backend: "llamacpp", Model: "qwen2.5"}}
			}
			fb, err := resilience.NewLLMFallback(primary, backup, resilience.CircuitBreakerConfig{MaxFailures: 1})
			if err != nil {
				t.Fatalf("NewLLMFallback: %v", err)
			}
			if tt.tripBreaker {
				primary.TextErr = transient
				_, _ = fb.GenerateText(context.Background(), llm.Request{})
				if fb.PrimaryBreaker().State() != resilience.StateOpen {
					t.Fatalf("breaker state = %v, want open", fb.PrimaryBreaker().State())
				}
			}

			err = ProviderCheck("llm", fb).Check(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRedisCheck_Integration(t *testing.T) {
	addr := os.Getenv("ENGAGECORE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ENGAGECORE_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	if err := RedisCheck("redis", client).Check(context.Background()); err != nil {
		t.Errorf("RedisCheck: %v", err)
	}
}
