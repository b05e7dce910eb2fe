package core

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// callPolicy bounds one external call: each attempt gets its own timeout and
// only ErrDependencyUnavailable is retried, with the backoff doubling per attempt.
type callPolicy struct {
	stage   string
	service string
	timeout time.Duration
	retries int
	backoff time.Duration
}

func callWithRetry[T any](ctx context.Context, logger *zap.Logger, p callPolicy, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	backoff := p.backoff
	var lastErr error

	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 && backoff > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, asDependencyFailure(p.service, ctx.Err())
			case <-timer.C:
			}
			backoff *= 2
		}

		started := time.Now()
		value, err := callOnce(ctx, p.timeout, fn)
		if err == nil {
			return value, nil
		}
		lastErr = asDependencyFailure(p.service, err)

		logger.Warn("External call failed",
			zap.String("stage", p.stage),
			zap.String("service", p.service),
			zap.Duration("latency", time.Since(started)),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", p.retries+1),
			zap.Error(lastErr),
		)

		if !errors.Is(lastErr, ErrDependencyUnavailable) {
			break
		}
	}
	return zero, lastErr
}

func callOnce[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return fn(callCtx)
}
