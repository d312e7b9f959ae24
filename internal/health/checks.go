package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/engagecore/internal/resilience"
)

// Pinger is satisfied by *pgxpool.Pool and similar clients.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck reports p as healthy when Ping succeeds.
func PingCheck(name string, p Pinger) Checker {
	return Checker{
		Name: name,
		Check: func(ctx context.Context) error {
			if err := p.Ping(ctx); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
			return nil
		},
	}
}

// RedisCheck reports the Redis server behind c as healthy when PING succeeds.
func RedisCheck(name string, c redis.Cmdable) Checker {
	return Checker{
		Name: name,
		Check: func(ctx context.Context) error {
			return c.Ping(ctx).Err()
		},
	}
}

// ErrPrimaryUnavailable is reported when the primary provider's breaker is
// open and there is no fallback to serve requests.
var ErrPrimaryUnavailable = errors.New("primary provider circuit open and no fallback configured")

// ProviderCheck fails only when no provider can serve: the primary breaker is
// open and failover is disabled. An open breaker with a fallback is degraded
// but ready.
func ProviderCheck(name string, fb *resilience.LLMFallback) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if fb.PrimaryBreaker().State() == resilience.StateOpen && !fb.HasFallback() {
				return ErrPrimaryUnavailable
			}
			return nil
		},
	}
}
