package service

import (
	"context"
	"math/rand"
	"time"

	"github.com/adeyemio/fxrail/internal/models"
	"go.uber.org/zap"
)

// RetryPolicy bounds retries of transient external-call failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy retries transient failures three times with jittered
// exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// withRetry runs fn, retrying only errors the taxonomy marks retryable.
// Non-retryable errors and context cancellation return immediately.
func withRetry(ctx context.Context, policy RetryPolicy, operation string, fn func() error) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	var err error
	delay := policy.BaseDelay
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !models.IsRetryable(err) || attempt >= policy.MaxAttempts {
			return err
		}

		sleep := delay
		if sleep > 0 {
			// full jitter, capped
			sleep = time.Duration(rand.Int63n(int64(sleep))) + delay/2
		}
		if sleep > policy.MaxDelay {
			sleep = policy.MaxDelay
		}
		zap.L().Warn("retrying external call",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", sleep),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		delay *= 2
	}
}
