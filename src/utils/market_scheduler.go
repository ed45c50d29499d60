package utils

import (
	"sync"
	"time"

	"market-feeder/src/logger"
	"market-feeder/src/models"
)

// MarketScheduler maps symbols to trading calendars so periodic work can
// skip markets that are closed.
type MarketScheduler struct {
	Calendars map[models.Symbol]*TradingCalendar
	Logger    *logger.Logger
	mu        sync.RWMutex
}

// -----------------------------------------------------------------------------

func NewMarketScheduler(l *logger.Logger) *MarketScheduler {
	return &MarketScheduler{
		Calendars: make(map[models.Symbol]*TradingCalendar),
		Logger:    l,
	}
}

// -----------------------------------------------------------------------------

// Track registers symbol with an optional MIC override.
func (ms *MarketScheduler) Track(symbol models.Symbol, mic string) *TradingCalendar {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if cal, ok := ms.Calendars[symbol]; ok {
		return cal
	}
	cal := CalendarFor(symbol, mic)
	ms.Calendars[symbol] = cal
	ms.Logger.Debug("MarketScheduler: %s uses calendar %s", symbol, cal.MIC)
	return cal
}

// -----------------------------------------------------------------------------

// IsOpen reports whether symbol's market is open at now. Unknown symbols are
// treated as open.
func (ms *MarketScheduler) IsOpen(symbol models.Symbol, now time.Time) bool {
	ms.mu.RLock()
	cal, ok := ms.Calendars[symbol]
	ms.mu.RUnlock()

	if !ok {
		return true
	}
	return cal.IsOpenOnMinute(now)
}

// -----------------------------------------------------------------------------

// AnyMarketOpen checks if ANY tracked markets are open at now.
func (ms *MarketScheduler) AnyMarketOpen(now time.Time) bool {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	uniqueCals := make(map[*TradingCalendar]bool)
	for _, cal := range ms.Calendars {
		uniqueCals[cal] = true
	}

	for cal := range uniqueCals {
		if cal.IsOpenOnMinute(now) {
			return true
		}
	}
	return false
}
