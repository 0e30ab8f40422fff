package retry

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Outcome is how a single attempt's value is treated.
type Outcome int

const (
	Success Outcome = iota
	Retryable
	Terminal
)

// Policy bounds how many times an operation is retried.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Logger     *zap.Logger

	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Result carries the last value seen and how many attempts produced it.
type Result[T any] struct {
	Value    T
	Attempts int
}

// Execute runs op up to p.MaxRetries+1 times. Success and Terminal values
// return immediately. Retryable values and op errors wait BaseDelay*2^i before
// the next attempt. When attempts run out the last Retryable value is returned
// as-is, or the last error if the final attempt failed.
func Execute[T any](ctx context.Context, p Policy, op func(context.Context) (T, error), classify func(T) Outcome) (Result[T], error) {
	maxRetries := max(p.MaxRetries, 0)
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	schedule := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         time.Duration(math.MaxInt64),
	}
	schedule.Reset()

	var res Result[T]
	for i := 0; i <= maxRetries; i++ {
		res.Attempts = i + 1
		v, err := op(ctx)
		if err != nil {
			if i == maxRetries {
				return res, err
			}
			delay := schedule.NextBackOff()
			logger.Warn("attempt failed, retrying",
				zap.Int("attempt", i+1), zap.Int("max_retries", maxRetries),
				zap.Duration("delay", delay), zap.Error(err))
			if err := sleep(ctx, delay); err != nil {
				return res, err
			}
			continue
		}

		res.Value = v
		if classify(v) != Retryable || i == maxRetries {
			return res, nil
		}

		delay := schedule.NextBackOff()
		logger.Info("retryable response, retrying",
			zap.Int("attempt", i+1), zap.Int("max_retries", maxRetries), zap.Duration("delay", delay))
		if err := sleep(ctx, delay); err != nil {
			return res, err
		}
	}
	return res, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
