package feeds

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"market-feeder/src/broadcast"
	datasource "market-feeder/src/data_source"
	"market-feeder/src/helpers"
	"market-feeder/src/logger"
	"market-feeder/src/models"
	"market-feeder/src/utils"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVendor struct {
	natives []models.FeedSpec
	mu      sync.Mutex
	subs    map[models.DataSubscription]int
	unsubs  map[models.DataSubscription]int
}

func newFakeVendor(natives ...models.FeedSpec) *fakeVendor {
	return &fakeVendor{
		natives: natives,
		subs:    make(map[models.DataSubscription]int),
		unsubs:  make(map[models.DataSubscription]int),
	}
}

func (f *fakeVendor) Name() models.Vendor { return models.VendorSimulated }
func (f *fakeVendor) NativeFeeds(models.MarketType) []models.FeedSpec {
	return f.natives
}
func (f *fakeVendor) Start(ctx context.Context) error { <-ctx.Done(); return nil }
func (f *fakeVendor) Subscribe(_ context.Context, sub models.DataSubscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[sub]++
	return nil
}
func (f *fakeVendor) Unsubscribe(_ context.Context, sub models.DataSubscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs[sub]++
	return nil
}
func (f *fakeVendor) SymbolsVendor(context.Context, models.MarketType) ([]models.Symbol, error) {
	return nil, nil
}
func (f *fakeVendor) SymbolInfo(context.Context, string) (models.SymbolInfo, error) {
	return models.SymbolInfo{}, errors.New("unused")
}
func (f *fakeVendor) TickSize(context.Context, string) (decimal.Decimal, error) {
	return decimal.New(1, -2), nil
}
func (f *fakeVendor) DecimalAccuracy(context.Context, string) (uint32, error) { return 2, nil }
func (f *fakeVendor) ExchangeRate(context.Context, string, string, time.Time, models.TradeSide) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("unused")
}
func (f *fakeVendor) HistoricalRange(context.Context, models.DataSubscription, time.Time, time.Time) ([]models.BaseData, error) {
	return nil, nil
}

func (f *fakeVendor) counts(sub models.DataSubscription) (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[sub], f.unsubs[sub]
}

var (
	symbol    = models.NewSymbol("EUR-USD", models.MarketForex, models.VendorSimulated)
	rawTicks  = models.NewSubscription(symbol, models.Instant(), models.BaseDataTicks, models.CandleNone)
	oneMinute = models.NewSubscription(symbol, models.Minutes(1), models.BaseDataCandles, models.CandleStick)
)

func newManager(t *testing.T, v *fakeVendor) (*Manager, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 3, 11, 12, 0, 0, 0, time.UTC))

	router := datasource.NewRouter(clk, logger.Nop())
	require.NoError(t, router.AddVendor(v, models.MRateLimitConfig{MaxTokens: 100, IntervalMs: 1000}))
	t.Cleanup(router.Close)

	m := NewManager(router, broadcast.NewRegistry(64, logger.Nop()), utils.NewMemoryManager(10), clk, 10, logger.Nop())
	t.Cleanup(func() { m.Close(context.Background()) })
	return m, clk
}

func tick(at time.Time, price int64) models.BaseData {
	return models.NewTickData(models.Tick{Symbol: symbol, Price: decimal.NewFromInt(price), Volume: decimal.NewFromInt(1), Time: at})
}

func TestNativeFeedIsRefCounted(t *testing.T) {
	v := newFakeVendor(models.FeedSpec{Resolution: models.Instant(), BaseDataType: models.BaseDataTicks})
	m, _ := newManager(t, v)
	ctx := context.Background()

	require.NoError(t, m.Subscribe(ctx, rawTicks))
	require.NoError(t, m.Subscribe(ctx, rawTicks))
	subs, _ := v.counts(rawTicks)
	assert.Equal(t, 1, subs)

	m.Unsubscribe(ctx, rawTicks)
	assert.True(t, m.IsActive(rawTicks))
	m.Unsubscribe(ctx, rawTicks)
	assert.False(t, m.IsActive(rawTicks))
	_, unsubs := v.counts(rawTicks)
	assert.Equal(t, 1, unsubs)

	// unknown unsubscribe is a no-op
	m.Unsubscribe(ctx, rawTicks)
	_, unsubs = v.counts(rawTicks)
	assert.Equal(t, 1, unsubs)
}

func TestConsolidatedFeedPublishesBars(t *testing.T) {
	v := newFakeVendor(models.FeedSpec{Resolution: models.Instant(), BaseDataType: models.BaseDataTicks})
	m, clk := newManager(t, v)
	ctx := context.Background()

	out := m.Registry.Subscribe(oneMinute)
	defer out.Close()
	require.NoError(t, m.Subscribe(ctx, oneMinute))

	subs, _ := v.counts(rawTicks)
	require.Equal(t, 1, subs)
	status := m.Active()
	require.Len(t, status, 2)

	start := clk.Now()
	m.Publish(rawTicks, tick(start.Add(time.Second), 10))
	m.Publish(rawTicks, tick(start.Add(2*time.Second), 12))
	m.Publish(rawTicks, tick(start.Add(61*time.Second), 11))

	var closed []models.BaseData
	require.Eventually(t, func() bool {
		for {
			ev, ok, _ := out.TryRecv()
			if !ok {
				break
			}
			if ev.IsClosed() {
				closed = append(closed, ev)
			}
		}
		return len(closed) == 1
	}, 2*time.Second, 5*time.Millisecond)

	bar := closed[0].Candle
	assert.Equal(t, start, bar.Time)
	assert.True(t, bar.Open.Equal(decimal.NewFromInt(10)))
	assert.True(t, bar.High.Equal(decimal.NewFromInt(12)))
	assert.True(t, bar.Close.Equal(decimal.NewFromInt(12)))

	assert.NotEmpty(t, m.Latest.Latest(oneMinute, 0))

	m.Unsubscribe(ctx, oneMinute)
	assert.False(t, m.IsActive(oneMinute))
	assert.False(t, m.IsActive(rawTicks))
	_, unsubs := v.counts(rawTicks)
	assert.Equal(t, 1, unsubs)
}

func TestClockClosesIdleBar(t *testing.T) {
	v := newFakeVendor(models.FeedSpec{Resolution: models.Instant(), BaseDataType: models.BaseDataTicks})
	m, clk := newManager(t, v)
	ctx := context.Background()

	out := m.Registry.Subscribe(oneMinute)
	defer out.Close()
	require.NoError(t, m.Subscribe(ctx, oneMinute))

	m.Publish(rawTicks, tick(clk.Now().Add(time.Second), 10))

	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		for {
			ev, ok, _ := out.TryRecv()
			if !ok {
				return false
			}
			if ev.IsClosed() {
				return true
			}
		}
	}, 3*time.Second, 2*time.Millisecond)
}

func TestSharedBaseFeed(t *testing.T) {
	v := newFakeVendor(models.FeedSpec{Resolution: models.Instant(), BaseDataType: models.BaseDataTicks})
	m, _ := newManager(t, v)
	ctx := context.Background()
	fiveMinutes := models.NewSubscription(symbol, models.Minutes(5), models.BaseDataCandles, models.CandleStick)

	require.NoError(t, m.Subscribe(ctx, oneMinute))
	require.NoError(t, m.Subscribe(ctx, fiveMinutes))
	subs, _ := v.counts(rawTicks)
	assert.Equal(t, 1, subs)

	m.Unsubscribe(ctx, oneMinute)
	assert.True(t, m.IsActive(rawTicks))
	m.Unsubscribe(ctx, fiveMinutes)
	assert.False(t, m.IsActive(rawTicks))
}

func TestSubscribeErrors(t *testing.T) {
	v := newFakeVendor(models.FeedSpec{Resolution: models.Instant(), BaseDataType: models.BaseDataTicks})
	m, _ := newManager(t, v)
	ctx := context.Background()

	renko := oneMinute
	renko.CandleType = models.CandleRenko
	err := m.Subscribe(ctx, renko)
	var invalid *helpers.InvalidResolutionForStrategyError
	assert.ErrorAs(t, err, &invalid)
	assert.False(t, m.IsActive(rawTicks))

	quoteBars := models.NewSubscription(symbol, models.Minutes(1), models.BaseDataQuoteBars, models.CandleNone)
	err = m.Subscribe(ctx, quoteBars)
	assert.True(t, helpers.HasCode(err, helpers.ErrCodeUnsupported))

	other := models.NewSubscription(models.NewSymbol("BTCUSDT", models.MarketCrypto, models.VendorBitget), models.Instant(), models.BaseDataTicks, models.CandleNone)
	err = m.Subscribe(ctx, other)
	assert.True(t, helpers.HasCode(err, helpers.ErrCodeVendorUnavailable))
}

func TestBaseFeedPrefersFinestDivisor(t *testing.T) {
	natives := []models.FeedSpec{
		{Resolution: models.Minutes(15), BaseDataType: models.BaseDataCandles},
		{Resolution: models.Minutes(1), BaseDataType: models.BaseDataCandles},
		{Resolution: models.Minutes(7), BaseDataType: models.BaseDataCandles},
	}
	hourly := models.NewSubscription(symbol, models.Hours(1), models.BaseDataCandles, models.CandleStick)

	base, ok := baseFeed(hourly, natives)
	require.True(t, ok)
	assert.Equal(t, models.Minutes(1), base.Resolution)

	_, ok = baseFeed(models.NewSubscription(symbol, models.Seconds(30), models.BaseDataCandles, models.CandleStick), natives)
	assert.False(t, ok)
}

// -----------------------------------------------------------------------------
// Concurrency
// -----------------------------------------------------------------------------

var rawQuotes = models.NewSubscription(symbol, models.Instant(), models.BaseDataQuotes, models.CandleNone)

// newLimitedManager gives the vendor a single permit per second of mock time.
func newLimitedManager(t *testing.T, v *fakeVendor) (*Manager, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 3, 11, 12, 0, 0, 0, time.UTC))

	router := datasource.NewRouter(clk, logger.Nop())
	require.NoError(t, router.AddVendor(v, models.MRateLimitConfig{MaxTokens: 1, IntervalMs: 1000}))
	t.Cleanup(router.Close)

	m := NewManager(router, broadcast.NewRegistry(64, logger.Nop()), utils.NewMemoryManager(10), clk, 10, logger.Nop())
	t.Cleanup(func() { m.Close(context.Background()) })
	return m, clk
}

func pendingRefs(m *Manager, sub models.DataSubscription) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.feeds[sub]; ok {
		return f.refs
	}
	return 0
}

func TestUnsubscribeIsNotBlockedByRateLimitedSubscribe(t *testing.T) {
	v := newFakeVendor(
		models.FeedSpec{Resolution: models.Instant(), BaseDataType: models.BaseDataTicks},
		models.FeedSpec{Resolution: models.Instant(), BaseDataType: models.BaseDataQuotes},
	)
	m, _ := newLimitedManager(t, v)
	ctx := context.Background()

	// takes the only permit
	require.NoError(t, m.Subscribe(ctx, rawTicks))

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	waiting := make(chan error, 1)
	go func() { waiting <- m.Subscribe(subCtx, rawQuotes) }()
	require.Eventually(t, func() bool { return pendingRefs(m, rawQuotes) == 1 }, time.Second, time.Millisecond)

	unsubscribed := make(chan struct{})
	go func() {
		m.Unsubscribe(ctx, rawTicks)
		close(unsubscribed)
	}()
	select {
	case <-unsubscribed:
	case <-time.After(time.Second):
		t.Fatal("unsubscribe of another feed waited for the rate limiter")
	}
	assert.False(t, m.IsActive(rawTicks))
	assert.False(t, m.IsActive(rawQuotes))
	assert.Empty(t, m.Active())

	cancel()
	assert.ErrorIs(t, <-waiting, context.Canceled)
	assert.Zero(t, pendingRefs(m, rawQuotes))
	subs, _ := v.counts(rawQuotes)
	assert.Zero(t, subs)
}

func TestSubscribersOfAStartingFeedShareIt(t *testing.T) {
	v := newFakeVendor(
		models.FeedSpec{Resolution: models.Instant(), BaseDataType: models.BaseDataTicks},
		models.FeedSpec{Resolution: models.Instant(), BaseDataType: models.BaseDataQuotes},
	)
	m, clk := newLimitedManager(t, v)
	ctx := context.Background()
	require.NoError(t, m.Subscribe(ctx, rawTicks))

	results := make(chan error, 2)
	for range 2 {
		go func() { results <- m.Subscribe(ctx, rawQuotes) }()
	}
	require.Eventually(t, func() bool { return pendingRefs(m, rawQuotes) == 2 }, time.Second, time.Millisecond)

	clk.Add(time.Second)
	require.NoError(t, <-results)
	require.NoError(t, <-results)

	subs, _ := v.counts(rawQuotes)
	assert.Equal(t, 1, subs)
	require.True(t, m.IsActive(rawQuotes))

	status := m.Active()
	require.Len(t, status, 2)
	for _, st := range status {
		if st.Subscription == rawQuotes.String() {
			assert.Equal(t, 2, st.Refs)
		}
	}
}

func TestActiveDuringSubscribeChurn(t *testing.T) {
	v := newFakeVendor(models.FeedSpec{Resolution: models.Instant(), BaseDataType: models.BaseDataTicks})
	m, _ := newManager(t, v)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 50 {
			if err := m.Subscribe(ctx, rawTicks); err != nil {
				return
			}
			m.Unsubscribe(ctx, rawTicks)
		}
	}()
	for range 200 {
		for _, st := range m.Active() {
			assert.GreaterOrEqual(t, st.Refs, 1)
		}
	}
	wg.Wait()
	assert.Empty(t, m.Active())
}
