package utils

import (
	"testing"
	"time"

	"market-feeder/src/helpers"
	"market-feeder/src/logger"
	"market-feeder/src/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalendarFor_CryptoAlwaysOpen(t *testing.T) {
	sym := models.NewSymbol("BTCUSDT", models.MarketCrypto, models.VendorBitget)
	cal := CalendarFor(sym, "")
	assert.True(t, cal.AlwaysOpen)

	sunday := time.Date(2024, 3, 10, 3, 0, 0, 0, time.UTC)
	assert.True(t, cal.IsOpenOnMinute(sunday))
	assert.True(t, cal.IsTradingDay(sunday))
}

func TestFallbackCalendarHours(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	cal := &TradingCalendar{MIC: "test", Fallback: true, Timezone: ny}

	// Wednesday
	assert.True(t, cal.IsOpenOnMinute(time.Date(2024, 3, 13, 10, 0, 0, 0, ny)))
	assert.False(t, cal.IsOpenOnMinute(time.Date(2024, 3, 13, 9, 29, 0, 0, ny)))
	assert.False(t, cal.IsOpenOnMinute(time.Date(2024, 3, 13, 16, 0, 0, 0, ny)))
	// Saturday
	assert.False(t, cal.IsOpenOnMinute(time.Date(2024, 3, 16, 10, 0, 0, 0, ny)))

	next, ok := cal.NextOpen(time.Date(2024, 3, 16, 10, 0, 0, 0, ny), 7*24*time.Hour)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 18, 9, 30, 0, 0, ny).UTC(), next.UTC())
}

func TestMarketHoursPolicy(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	cal := &TradingCalendar{MIC: "test", Fallback: true, Timezone: ny}
	p := NewMarketHoursPolicy(cal, 5*time.Second)

	open := time.Date(2024, 3, 13, 10, 0, 0, 0, ny)
	assert.Equal(t, open.Add(5*time.Second), p.NextRetryTime(open))

	friday := time.Date(2024, 3, 15, 17, 0, 0, 0, ny)
	assert.Equal(t, time.Date(2024, 3, 18, 9, 30, 0, 0, ny).UTC(), p.NextRetryTime(friday).UTC())
}

func TestBackoffPolicy(t *testing.T) {
	cfg := helpers.RetryConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		Jitter:       0,
	}
	p := NewBackoffPolicy(cfg)
	now := time.Unix(0, 0)

	first := p.NextRetryTime(now).Sub(now)
	second := p.NextRetryTime(now).Sub(now)
	assert.Equal(t, 100*time.Millisecond, first)
	assert.Equal(t, 200*time.Millisecond, second)

	for i := 0; i < 10; i++ {
		assert.LessOrEqual(t, p.NextRetryTime(now).Sub(now), time.Second)
	}

	p.Reset()
	assert.Equal(t, 100*time.Millisecond, p.NextRetryTime(now).Sub(now))
}

func TestMarketScheduler(t *testing.T) {
	ms := NewMarketScheduler(logger.Nop())
	crypto := models.NewSymbol("BTCUSDT", models.MarketCrypto, models.VendorBitget)
	ms.Track(crypto, "")

	now := time.Date(2024, 3, 10, 3, 0, 0, 0, time.UTC)
	assert.True(t, ms.IsOpen(crypto, now))
	assert.True(t, ms.AnyMarketOpen(now))

	unknown := models.NewSymbol("X", models.MarketEquities, models.VendorSimulated)
	assert.True(t, ms.IsOpen(unknown, now))
}

func TestMemoryManager(t *testing.T) {
	mm := NewMemoryManager(2)
	sym := models.NewSymbol("EUR-USD", models.MarketForex, models.VendorSimulated)
	sub := models.NewSubscription(sym, models.Instant(), models.BaseDataTicks, models.CandleNone)

	for i := int64(1); i <= 3; i++ {
		mm.AddDataPoint(sub, models.NewTickData(models.Tick{Symbol: sym, Price: decimal.NewFromInt(i)}))
	}

	latest := mm.Latest(sub, 0)
	require.Len(t, latest, 2)
	assert.True(t, latest[0].Tick.Price.Equal(decimal.NewFromInt(3)))
	assert.Len(t, mm.Latest(sub, 1), 1)
	assert.Contains(t, mm.Snapshot(), sub.String())

	mm.Drop(sub)
	assert.Empty(t, mm.Subscriptions())
	assert.Nil(t, mm.Latest(sub, 0))
}

func TestRetentionPeriod(t *testing.T) {
	assert.Equal(t, 7*24*time.Hour, RetentionPeriod(7))
	assert.Equal(t, DefaultRetentionDays*24*time.Hour, RetentionPeriod(0))
	assert.Equal(t, DefaultRetentionDays*24*time.Hour, RetentionPeriod(-3))
}
