package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"gorm.io/gorm"

	"github.com/noah-isme/pickup-go-api/internal/config"
	"github.com/noah-isme/pickup-go-api/internal/observability"
	"github.com/noah-isme/pickup-go-api/internal/repository"
)

// RetryPolicy bounds how store calls are retried.
type RetryPolicy struct {
	Attempts    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy retries three times starting at 50ms.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, BaseBackoff: 50 * time.Millisecond, MaxBackoff: time.Second}

// storeGuard retries transient store failures behind a circuit breaker and
// turns exhaustion into ErrTransientIO. Domain outcomes pass through untouched.
type storeGuard struct {
	policy  RetryPolicy
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

func newStoreGuard(name string, policy RetryPolicy, logger zerolog.Logger) *storeGuard {
	if policy.Attempts <= 0 {
		policy.Attempts = DefaultRetryPolicy.Attempts
	}
	if policy.BaseBackoff <= 0 {
		policy.BaseBackoff = DefaultRetryPolicy.BaseBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = DefaultRetryPolicy.MaxBackoff
	}
	return &storeGuard{
		policy:  policy,
		breaker: config.NewCircuitBreaker(name, 10*time.Second, func(err error) bool { return !isTransient(err) }, logger),
		logger:  logger,
	}
}

func (g *storeGuard) do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	backoff := g.policy.BaseBackoff
	for attempt := 1; ; attempt++ {
		_, err := g.breaker.Execute(func() (interface{}, error) {
			return nil, fn(ctx)
		})
		if err == nil || !isTransient(err) {
			return err
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %s: %v", ErrTransientIO, operation, err)
		}
		if attempt >= g.policy.Attempts {
			g.logger.Error().Err(err).Str("operation", operation).Int("attempts", attempt).Msg("store retries exhausted")
			return fmt.Errorf("%w: %s: %v", ErrTransientIO, operation, err)
		}

		observability.StoreRetries().WithLabelValues(operation).Inc()
		g.logger.Warn().Err(err).Str("operation", operation).Int("attempt", attempt).Dur("backoff", backoff).Msg("retrying store call")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %s: %v", ErrTransientIO, operation, ctx.Err())
		case <-timer.C:
		}

		backoff *= 2
		if backoff > g.policy.MaxBackoff {
			backoff = g.policy.MaxBackoff
		}
	}
}

// isTransient reports whether retrying err could succeed. Not-found, status
// mismatches, uniqueness and cancellation are answers, not failures.
func isTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, gorm.ErrDuplicatedKey):
		return false
	case errors.Is(err, repository.ErrActivePickupExists), errors.Is(err, repository.ErrPickupStatusMismatch):
		return false
	case errors.Is(err, ErrTransientIO):
		return false
	}
	var transition *TransitionError
	if errors.As(err, &transition) {
		return false
	}
	return true
}
