// Package consistency bridges the gap between a ledger write being accepted
// and its effects showing up in the read store.
package consistency

import (
	"context"
	"time"

	"github.com/Aidin1998/denver/pkg/metrics"
	"go.uber.org/zap"
)

// Query reads from the eventually consistent store. An empty result means
// "not visible yet".
type Query[T any] func(ctx context.Context) ([]T, error)

// Policy bounds how long a caller waits for a write to become visible.
type Policy struct {
	// MaxAttempts is the total number of reads issued, including the first.
	MaxAttempts int
	// InitialDelay is the wait before the second read; it doubles after each miss.
	InitialDelay time.Duration
	Logger       *zap.Logger
}

// DefaultPolicy mirrors the read store's usual propagation lag.
func DefaultPolicy(logger *zap.Logger) Policy {
	return Policy{MaxAttempts: 3, InitialDelay: 500 * time.Millisecond, Logger: logger}
}

// RetryRead issues query until it returns a non-empty result or the attempts
// run out. Waiting never blocks a thread: the wait is a timer select that
// also honours ctx. A query error ends the loop and is returned as is.
func RetryRead[T any](ctx context.Context, p Policy, query Query[T]) ([]T, error) {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.InitialDelay

	for attempt := 1; ; attempt++ {
		metrics.RetrierAttempts.Inc()
		result, err := query(ctx)
		if err != nil {
			return nil, err
		}
		if len(result) > 0 {
			if attempt > 1 {
				logger.Debug("read store caught up", zap.Int("attempt", attempt))
			}
			return result, nil
		}
		if attempt >= attempts {
			logger.Debug("read store still empty, giving up", zap.Int("attempts", attempt))
			return result, nil
		}

		logger.Debug("read store still empty, retrying",
			zap.Duration("delay", delay),
			zap.Int("attempts_left", attempts-attempt))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}

// RetryFind is RetryRead for single-record lookups returning (nil, nil) on a miss.
func RetryFind[T any](ctx context.Context, p Policy, find func(ctx context.Context) (*T, error)) (*T, error) {
	found, err := RetryRead(ctx, p, func(ctx context.Context) ([]T, error) {
		v, err := find(ctx)
		if err != nil || v == nil {
			return nil, err
		}
		return []T{*v}, nil
	})
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return &found[0], nil
}
