package helpers

import (
	"context"
	"time"

	"market-feeder/src/logger"

	"github.com/cenkalti/backoff/v4"
)

// -----------------------------------------------------------------------------

type RetryConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxRetries   uint64
	Multiplier   float64
	Jitter       float64
}

// -----------------------------------------------------------------------------

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		MaxRetries:   5,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// -----------------------------------------------------------------------------

// NewExponentialBackOff builds a backoff with no elapsed-time cap; callers bound
// it by retries or context.
func (c RetryConfig) NewExponentialBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = c.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// -----------------------------------------------------------------------------

// RetryWithBackoff runs fn until it succeeds, returns a backoff.Permanent error,
// runs out of retries or ctx is done.
func RetryWithBackoff(ctx context.Context, operation string, cfg RetryConfig, log *logger.Logger, fn func() error) error {
	var b backoff.BackOff = cfg.NewExponentialBackOff()
	if cfg.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, cfg.MaxRetries)
	}
	b = backoff.WithContext(b, ctx)

	attempt := 0
	notify := func(err error, next time.Duration) {
		attempt++
		if log != nil {
			log.Warning("%s failed (attempt %d): %v. Retrying in %v", operation, attempt, err, next)
		}
	}
	return backoff.RetryNotify(fn, b, notify)
}
