// Package resilience retries transient storage failures with bounded
// exponential backoff and trips a circuit breaker on repeated failures.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kozaktomas/face-recognizer/internal/apperr"
	"github.com/kozaktomas/face-recognizer/internal/constants"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Options configures a Guard.
type Options struct {
	Name            string
	Attempts        int           // total attempts per call, including the first
	MinBackoff      time.Duration // first retry delay
	MaxBackoff      time.Duration // retry delay cap
	BreakerFailures int           // consecutive failures that open the breaker
	BreakerCooldown time.Duration // open duration before a half-open trial
}

// Guard wraps storage calls with retry and a circuit breaker.
// The retry loop sits outside the breaker, so an open breaker ends retrying.
type Guard struct {
	opts    Options
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// New creates a Guard. Zero option values fall back to the defaults in
// package constants.
func New(opts Options, logger zerolog.Logger) *Guard {
	if opts.Attempts <= 0 {
		opts.Attempts = constants.DefaultRetryAttempts
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = constants.DefaultRetryMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(constants.DefaultRetryMaxBackoff, opts.MinBackoff)
	}
	if opts.BreakerFailures <= 0 {
		opts.BreakerFailures = constants.DefaultBreakerFailures
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = constants.DefaultBreakerCooldown
	}
	if opts.Name == "" {
		opts.Name = "store"
	}

	g := &Guard{opts: opts, logger: logger}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(opts.BreakerFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			ev := g.logger.Info()
			if to == gobreaker.StateOpen {
				ev = g.logger.Warn()
			}
			ev.Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
		IsSuccessful: isSuccessful,
	})
	return g
}

// isSuccessful keeps client errors and caller cancellation from counting
// against storage health.
func isSuccessful(err error) bool {
	if err == nil || apperr.IsPermanent(err) {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// State returns the breaker state: closed, half-open or open.
func (g *Guard) State() string {
	return g.breaker.State().String()
}

func (g *Guard) policy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.opts.MinBackoff
	b.MaxInterval = g.opts.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(g.opts.Attempts-1)), ctx)
}

// Do runs fn under the guard. Validation, not-found and conflict errors are
// returned as-is without retrying. An open breaker yields a
// storage_unavailable error immediately. Exhausted retries yield a storage error.
func (g *Guard) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := Execute(ctx, g, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Execute is Do for operations that return a value.
func Execute[T any](ctx context.Context, g *Guard, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	attempt := 0

	err := backoff.RetryNotify(func() error {
		attempt++
		out, err := g.breaker.Execute(func() (interface{}, error) {
			return fn(ctx)
		})
		if err == nil {
			if v, ok := out.(T); ok {
				result = v
			}
			return nil
		}

		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(&apperr.Error{
				Kind:    apperr.KindStorageUnavailable,
				Op:      op,
				Message: "storage temporarily unavailable",
				Err:     err,
			})
		case apperr.IsPermanent(err), ctx.Err() != nil:
			return backoff.Permanent(err)
		}
		return err
	}, g.policy(ctx), func(err error, wait time.Duration) {
		g.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("backoff", wait).Msg("retrying storage operation")
	})

	if err == nil {
		return result, nil
	}

	var classified *apperr.Error
	if errors.As(err, &classified) && classified.Kind != apperr.KindInternal {
		return result, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return result, err
	}
	return result, apperr.Wrap(apperr.KindStorage, op, err)
}
