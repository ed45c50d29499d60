package utils

import (
	"sync"
	"time"

	"market-feeder/src/helpers"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy decides when a disconnected vendor connection tries again.
type RetryPolicy interface {
	// NextRetryTime returns the instant of the next attempt.
	NextRetryTime(now time.Time) time.Time

	// Reset is called after a successful connect.
	Reset()
}

// -----------------------------------------------------------------------------

// BackoffPolicy retries with exponential backoff. It never gives up; once the
// retry budget is spent it keeps retrying at MaxDelay.
type BackoffPolicy struct {
	mu       sync.Mutex
	b        *backoff.ExponentialBackOff
	maxDelay time.Duration
}

// -----------------------------------------------------------------------------

func NewBackoffPolicy(cfg helpers.RetryConfig) *BackoffPolicy {
	return &BackoffPolicy{b: cfg.NewExponentialBackOff(), maxDelay: cfg.MaxDelay}
}

// -----------------------------------------------------------------------------

func (p *BackoffPolicy) NextRetryTime(now time.Time) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	d := p.b.NextBackOff()
	if d == backoff.Stop {
		d = p.maxDelay
	}
	return now.Add(d)
}

// -----------------------------------------------------------------------------

func (p *BackoffPolicy) Reset() {
	p.mu.Lock()
	p.b.Reset()
	p.mu.Unlock()
}

// -----------------------------------------------------------------------------

// MarketHoursPolicy retries after MinDelay while the market is open and
// otherwise waits for the next open minute of the calendar.
type MarketHoursPolicy struct {
	Calendar *TradingCalendar
	MinDelay time.Duration
}

// marketSearchWindow bounds the search for the next session.
const marketSearchWindow = 7 * 24 * time.Hour

// -----------------------------------------------------------------------------

func NewMarketHoursPolicy(cal *TradingCalendar, minDelay time.Duration) *MarketHoursPolicy {
	return &MarketHoursPolicy{Calendar: cal, MinDelay: minDelay}
}

// -----------------------------------------------------------------------------

func (p *MarketHoursPolicy) NextRetryTime(now time.Time) time.Time {
	earliest := now.Add(p.MinDelay)
	if p.Calendar.IsOpenOnMinute(earliest) {
		return earliest
	}
	if next, ok := p.Calendar.NextOpen(earliest, marketSearchWindow); ok {
		if next.Before(earliest) {
			return earliest
		}
		return next
	}
	return now.Add(time.Hour)
}

// -----------------------------------------------------------------------------

func (p *MarketHoursPolicy) Reset() {}
