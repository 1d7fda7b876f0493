package agent

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/entity"
)

// RetryPolicy governs transport retries: exponential backoff with jitter,
// bounded by MaxDelay, honoring server-suggested waits.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy mirrors the shipped defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   10,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// Delay computes the wait before retry number attempt (0-based). A non-zero
// retryAfter from the server overrides the computed backoff, still capped at
// MaxDelay.
func (p RetryPolicy) Delay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter > p.MaxDelay {
			return p.MaxDelay
		}
		return retryAfter
	}
	base := float64(p.InitialDelay) * math.Pow(2, float64(attempt))
	if base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}
	// ±25% jitter keeps concurrent agents from retrying in lockstep.
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(base * jitter)
}

// withRetry runs fn until it succeeds, fails terminally, exhausts the retry
// budget, or the context ends. Cancellation during a backoff wait surfaces
// as ABORTED.
func withRetry(ctx context.Context, policy RetryPolicy, logger *zap.Logger, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if entity.IsAborted(err) || !entity.IsRetryable(err) {
			return err
		}
		if attempt >= policy.MaxRetries {
			logger.Warn("Retry budget exhausted",
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return err
		}

		delay := policy.Delay(attempt, entity.RetryAfterOf(err))
		logger.Info("Retrying provider call",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.String("code", string(entity.CodeOf(err))),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return entity.WrapError(entity.CodeAborted, "canceled during retry wait", ctx.Err())
		}
	}
}
