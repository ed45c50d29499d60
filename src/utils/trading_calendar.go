package utils

import (
	"strings"
	"time"

	"market-feeder/src/models"

	"github.com/scmhub/calendar"
)

// TradingCalendar answers market-hours questions for one exchange.
// AlwaysOpen covers 24/7 venues such as crypto.
type TradingCalendar struct {
	MIC        string
	Calendar   *calendar.Calendar
	Fallback   bool
	AlwaysOpen bool
	Timezone   *time.Location
}

// -----------------------------------------------------------------------------

// alwaysOpen is shared by every 24/7 symbol.
var alwaysOpen = &TradingCalendar{MIC: "24x7", AlwaysOpen: true, Timezone: time.UTC}

// -----------------------------------------------------------------------------

// defaultMIC picks the exchange a market type usually trades on.
func defaultMIC(market models.MarketType) string {
	switch market {
	case models.MarketFutures:
		return "xcme"
	case models.MarketEquities, models.MarketCFD, models.MarketFundamentals:
		return "xnys"
	}
	return ""
}

// -----------------------------------------------------------------------------

// CalendarFor returns the calendar of symbol. mic overrides the market-type
// default; crypto and forex without an override trade around the clock.
func CalendarFor(symbol models.Symbol, mic string) *TradingCalendar {
	if mic == "" {
		mic = defaultMIC(symbol.MarketType)
	}
	if mic == "" {
		return alwaysOpen
	}
	return GetCalendar(mic)
}

// -----------------------------------------------------------------------------

// GetCalendar loads the scmhub calendar of mic (ISO 10383), falling back to
// a Mon-Fri 09:30-16:00 New York session when the MIC is unknown.
func GetCalendar(mic string) *TradingCalendar {
	mic = strings.ToLower(mic)
	if mic == "24x7" {
		return alwaysOpen
	}

	cal := calendar.GetCalendar(mic)
	if cal == nil {
		nyLoc, _ := time.LoadLocation("America/New_York")
		if nyLoc == nil {
			nyLoc = time.UTC
		}
		return &TradingCalendar{MIC: mic, Fallback: true, Timezone: nyLoc}
	}

	return &TradingCalendar{MIC: mic, Calendar: cal, Timezone: cal.Loc}
}

// -----------------------------------------------------------------------------

func (tc *TradingCalendar) IsTradingDay(date time.Time) bool {
	if tc.AlwaysOpen {
		return true
	}
	if tc.Timezone != nil {
		date = date.In(tc.Timezone)
	}

	if tc.Fallback {
		weekday := date.Weekday()
		return weekday != time.Saturday && weekday != time.Sunday
	}
	return tc.Calendar.IsBusinessDay(date)
}

// -----------------------------------------------------------------------------

// IsOpenOnMinute checks if the market is open at a specific minute.
func (tc *TradingCalendar) IsOpenOnMinute(t time.Time) bool {
	if tc.AlwaysOpen {
		return true
	}
	if tc.Timezone != nil {
		t = t.In(tc.Timezone)
	}

	if tc.Fallback {
		if !tc.IsTradingDay(t) {
			return false
		}
		hour := t.Hour()
		minute := t.Minute()

		// 9:30 - 16:00 NY Time
		return (hour > 9 || (hour == 9 && minute >= 30)) && hour < 16
	}

	return tc.Calendar.IsOpen(t)
}

// -----------------------------------------------------------------------------

// NextOpen returns the first minute at or after t when the market is open,
// searching at most maxSearch ahead.
func (tc *TradingCalendar) NextOpen(t time.Time, maxSearch time.Duration) (time.Time, bool) {
	t = t.Truncate(time.Minute)
	for end := t.Add(maxSearch); !t.After(end); t = t.Add(time.Minute) {
		if tc.IsOpenOnMinute(t) {
			return t, true
		}
	}
	return time.Time{}, false
}
