package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// RateLimiter is a token bucket topped up to its maximum on a fixed interval.
type RateLimiter struct {
	tokens    chan struct{}
	maxTokens int
	interval  time.Duration
	ticker    *clock.Ticker
	done      chan struct{}
	closeOnce sync.Once
}

// -----------------------------------------------------------------------------

// New returns a full bucket. clk may be nil for the wall clock.
func New(maxTokens int, interval time.Duration, clk clock.Clock) *RateLimiter {
	if maxTokens <= 0 {
		maxTokens = 1
	}
	if clk == nil {
		clk = clock.New()
	}

	rl := &RateLimiter{
		tokens:    make(chan struct{}, maxTokens),
		maxTokens: maxTokens,
		interval:  interval,
		ticker:    clk.Ticker(interval),
		done:      make(chan struct{}),
	}
	rl.refill()

	go rl.replenish()
	return rl
}

// -----------------------------------------------------------------------------

func (rl *RateLimiter) replenish() {
	defer rl.ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-rl.ticker.C:
			rl.refill()
		}
	}
}

// -----------------------------------------------------------------------------

// refill tops the bucket up to maxTokens. The deficit is measured once so that
// waiters draining concurrently cannot pull more than maxTokens per tick.
func (rl *RateLimiter) refill() {
	deficit := rl.maxTokens - len(rl.tokens)
	for i := 0; i < deficit; i++ {
		select {
		case rl.tokens <- struct{}{}:
		default:
			return
		}
	}
}

// -----------------------------------------------------------------------------

// Acquire waits for a permit. There is no built-in timeout; bound the wait with
// ctx if needed.
func (rl *RateLimiter) Acquire(ctx context.Context) error {
	select {
	case <-rl.tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// -----------------------------------------------------------------------------

// TryAcquire takes a permit only if one is immediately available.
func (rl *RateLimiter) TryAcquire() bool {
	select {
	case <-rl.tokens:
		return true
	default:
		return false
	}
}

// -----------------------------------------------------------------------------

// Available is the number of permits currently in the bucket.
func (rl *RateLimiter) Available() int {
	return len(rl.tokens)
}

// -----------------------------------------------------------------------------

func (rl *RateLimiter) MaxTokens() int {
	return rl.maxTokens
}

// -----------------------------------------------------------------------------

// Close stops replenishment. Waiting callers are released only by their ctx.
func (rl *RateLimiter) Close() {
	rl.closeOnce.Do(func() { close(rl.done) })
}
