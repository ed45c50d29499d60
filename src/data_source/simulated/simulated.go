// Package simulated is an in-process vendor and broker producing a seeded
// random walk for live feeds and a deterministic price curve for history.
package simulated

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"market-feeder/src/consolidators"
	datasource "market-feeder/src/data_source"
	"market-feeder/src/helpers"
	"market-feeder/src/interfaces"
	"market-feeder/src/logger"
	"market-feeder/src/models"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
)

const (
	defaultTick      = 100 * time.Millisecond
	historyStep      = time.Second
	maxHistoryEvents = 50_000
	accountID        = "SIM-0001"
)

// usdValue prices currencies for ExchangeRate.
var usdValue = map[string]float64{
	"USD": 1, "EUR": 1.08, "GBP": 1.27, "JPY": 0.0067, "AUD": 0.66,
	"CAD": 0.74, "CHF": 1.12, "NZD": 0.61, "USDT": 1,
}

// -----------------------------------------------------------------------------

var (
	_ interfaces.IDataVendor = (*Vendor)(nil)
	_ interfaces.IBroker     = (*Broker)(nil)
)

type Vendor struct {
	Config    models.MVendorConfig
	Publisher interfaces.IPublisher
	Logger    *logger.Logger

	clock   clock.Clock
	symbols map[string]models.Symbol
	rng     *rand.Rand
	prices  map[string]decimal.Decimal
	active  map[models.DataSubscription]bool
	mu      sync.Mutex
}

// -----------------------------------------------------------------------------

func New(cfg models.MVendorConfig, pub interfaces.IPublisher, clk clock.Clock, log *logger.Logger) *Vendor {
	if clk == nil {
		clk = clock.New()
	}
	v := &Vendor{
		Config:    cfg,
		Publisher: pub,
		Logger:    log,
		clock:     clk,
		symbols:   make(map[string]models.Symbol),
		rng:       rand.New(rand.NewPCG(1, 2)),
		prices:    make(map[string]decimal.Decimal),
		active:    make(map[models.DataSubscription]bool),
	}
	for _, sym := range datasource.SymbolsFromConfig(models.VendorSimulated, cfg.Symbols, guessMarket) {
		v.symbols[sym.Name] = sym
		v.prices[sym.Name] = basePrice(sym)
	}
	return v
}

// -----------------------------------------------------------------------------

func guessMarket(name string) models.MarketType {
	switch {
	case strings.HasSuffix(name, "USDT"):
		return models.MarketCrypto
	case strings.ContainsAny(name, "-/"):
		return models.MarketForex
	}
	return models.MarketFutures
}

// -----------------------------------------------------------------------------

func (v *Vendor) Name() models.Vendor { return models.VendorSimulated }

// -----------------------------------------------------------------------------

// NativeFeeds offers raw ticks and quotes for every market except
// fundamentals.
func (v *Vendor) NativeFeeds(market models.MarketType) []models.FeedSpec {
	if market == models.MarketFundamentals {
		return nil
	}
	return []models.FeedSpec{
		{Resolution: models.Instant(), BaseDataType: models.BaseDataTicks},
		{Resolution: models.Instant(), BaseDataType: models.BaseDataQuotes},
	}
}

// -----------------------------------------------------------------------------

// Start publishes one event per active feed every tick until ctx ends.
func (v *Vendor) Start(ctx context.Context) error {
	interval := time.Duration(v.Config.TickMs) * time.Millisecond
	if interval <= 0 {
		interval = defaultTick
	}
	ticker := v.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			v.step()
		}
	}
}

// -----------------------------------------------------------------------------

type published struct {
	sub models.DataSubscription
	ev  models.BaseData
}

func (v *Vendor) step() {
	now := v.clock.Now().UTC()

	v.mu.Lock()
	events := make([]published, 0, len(v.active))
	moved := make(map[string]bool)

	for sub := range v.active {
		name := sub.Symbol.Name
		if !moved[name] {
			v.walk(name)
			moved[name] = true
		}
		events = append(events, published{sub, v.event(sub, now)})
	}
	v.mu.Unlock()

	for _, e := range events {
		v.Publisher.Publish(e.sub, e.ev)
	}
}

// -----------------------------------------------------------------------------

// walk moves name's price by up to two ticks. Caller holds mu.
func (v *Vendor) walk(name string) {
	sym := v.symbols[name]
	tick := tickSize(sym)
	steps := decimal.NewFromInt(int64(v.rng.IntN(5) - 2))
	next := v.prices[name].Add(tick.Mul(steps))
	if next.LessThanOrEqual(decimal.Zero) {
		next = tick
	}
	v.prices[name] = next
}

// -----------------------------------------------------------------------------

// event builds the current event of sub. Caller holds mu.
func (v *Vendor) event(sub models.DataSubscription, now time.Time) models.BaseData {
	price := v.prices[sub.Symbol.Name]
	tick := tickSize(sub.Symbol)

	if sub.BaseDataType == models.BaseDataQuotes {
		return models.NewQuoteData(models.Quote{
			Symbol:    sub.Symbol,
			Bid:       price.Sub(tick),
			Ask:       price.Add(tick),
			BidVolume: decimal.NewFromInt(int64(1 + v.rng.IntN(10))),
			AskVolume: decimal.NewFromInt(int64(1 + v.rng.IntN(10))),
			Time:      now,
		})
	}

	side := models.SideBuy
	if v.rng.IntN(2) == 0 {
		side = models.SideSell
	}
	return models.NewTickData(models.Tick{
		Symbol: sub.Symbol,
		Price:  price,
		Volume: decimal.NewFromInt(int64(1 + v.rng.IntN(10))),
		Side:   side,
		Time:   now,
	})
}

// -----------------------------------------------------------------------------

func (v *Vendor) Subscribe(_ context.Context, sub models.DataSubscription) error {
	if err := v.checkNative(sub); err != nil {
		return err
	}
	v.mu.Lock()
	v.active[sub] = true
	v.mu.Unlock()
	v.Logger.Info("Simulated feed started: %s", sub)
	return nil
}

// -----------------------------------------------------------------------------

func (v *Vendor) Unsubscribe(_ context.Context, sub models.DataSubscription) error {
	v.mu.Lock()
	delete(v.active, sub)
	v.mu.Unlock()
	v.Logger.Info("Simulated feed stopped: %s", sub)
	return nil
}

// -----------------------------------------------------------------------------

func (v *Vendor) checkNative(sub models.DataSubscription) error {
	if _, err := v.lookup(sub.Symbol.Name); err != nil {
		return err
	}
	for _, f := range v.NativeFeeds(sub.Symbol.MarketType) {
		if f.Resolution == sub.Resolution && f.BaseDataType == sub.BaseDataType {
			return nil
		}
	}
	return helpers.NewVendorError(nil, helpers.ErrCodeUnsupported, "%s is not a native feed", sub)
}

// -----------------------------------------------------------------------------

func (v *Vendor) lookup(name string) (models.Symbol, error) {
	sym, ok := v.symbols[name]
	if !ok {
		return models.Symbol{}, helpers.NewVendorError(nil, helpers.ErrCodeNotFound, "unknown symbol %s", name)
	}
	return sym, nil
}

// -----------------------------------------------------------------------------

func (v *Vendor) SymbolsVendor(_ context.Context, market models.MarketType) ([]models.Symbol, error) {
	out := make([]models.Symbol, 0, len(v.symbols))
	for _, sym := range v.symbols {
		if market == "" || sym.MarketType == market {
			out = append(out, sym)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out, nil
}

// -----------------------------------------------------------------------------

func (v *Vendor) SymbolInfo(_ context.Context, name string) (models.SymbolInfo, error) {
	sym, err := v.lookup(name)
	if err != nil {
		return models.SymbolInfo{}, err
	}
	tick := tickSize(sym)
	return models.SymbolInfo{
		Symbol:          sym,
		PnlCurrency:     "USD",
		ValuePerTick:    valuePerTick(sym),
		TickSize:        tick,
		DecimalAccuracy: accuracy(tick),
	}, nil
}

// -----------------------------------------------------------------------------

func (v *Vendor) TickSize(_ context.Context, name string) (decimal.Decimal, error) {
	sym, err := v.lookup(name)
	if err != nil {
		return decimal.Zero, err
	}
	return tickSize(sym), nil
}

// -----------------------------------------------------------------------------

func (v *Vendor) DecimalAccuracy(_ context.Context, name string) (uint32, error) {
	sym, err := v.lookup(name)
	if err != nil {
		return 0, err
	}
	return accuracy(tickSize(sym)), nil
}

// -----------------------------------------------------------------------------

// ExchangeRate converts through fixed USD values; buy pays and sell receives
// a one pip spread.
func (v *Vendor) ExchangeRate(_ context.Context, from, to string, _ time.Time, side models.TradeSide) (decimal.Decimal, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	f, okF := usdValue[from]
	t, okT := usdValue[to]
	if !okF || !okT {
		return decimal.Zero, helpers.NewVendorError(nil, helpers.ErrCodeNotFound, "no rate for %s/%s", from, to)
	}

	rate := decimal.NewFromFloat(f / t)
	spread := decimal.NewFromFloat(0.0001)
	switch side {
	case models.SideBuy:
		rate = rate.Mul(decimal.NewFromInt(1).Add(spread))
	case models.SideSell:
		rate = rate.Mul(decimal.NewFromInt(1).Sub(spread))
	}
	return rate.Round(8), nil
}

// -----------------------------------------------------------------------------

// HistoricalRange builds events from a deterministic price curve so repeated
// downloads of the same range are identical.
func (v *Vendor) HistoricalRange(_ context.Context, sub models.DataSubscription, from, to time.Time) ([]models.BaseData, error) {
	sym, err := v.lookup(sub.Symbol.Name)
	if err != nil {
		return nil, err
	}
	if !from.Before(to) {
		return nil, nil
	}
	from, to = from.UTC(), to.UTC()

	var out []models.BaseData
	switch {
	case sub.Resolution.Kind == models.ResolutionInstant:
		start := from.Truncate(historyStep)
		if start.Before(from) {
			start = start.Add(historyStep)
		}
		for t := start; t.Before(to) && len(out) < maxHistoryEvents; t = t.Add(historyStep) {
			out = append(out, historicalEvent(sym, sub, t))
		}

	case sub.Resolution.IsTimeBased() && sub.IsAggregate():
		period := sub.Resolution.Duration()
		// bars whose close time falls in [from, to)
		for open := consolidators.AlignBarOpen(sub.Resolution, from.Add(-period)); len(out) < maxHistoryEvents; open = open.Add(period) {
			closeAt := open.Add(period)
			if !closeAt.Before(to) {
				break
			}
			if closeAt.Before(from) {
				continue
			}
			out = append(out, historicalBar(sym, sub, open, period))
		}

	default:
		return nil, helpers.NewVendorError(nil, helpers.ErrCodeUnsupported, "no history for %s", sub)
	}
	return out, nil
}

// -----------------------------------------------------------------------------

func historicalEvent(sym models.Symbol, sub models.DataSubscription, t time.Time) models.BaseData {
	price := curve(sym, t)
	tick := tickSize(sym)
	if sub.BaseDataType == models.BaseDataQuotes {
		return models.NewQuoteData(models.Quote{
			Symbol: sym, Bid: price.Sub(tick), Ask: price.Add(tick),
			BidVolume: decimal.NewFromInt(5), AskVolume: decimal.NewFromInt(5), Time: t,
		})
	}
	return models.NewTickData(models.Tick{Symbol: sym, Price: price, Volume: decimal.NewFromInt(1), Time: t})
}

// -----------------------------------------------------------------------------

func historicalBar(sym models.Symbol, sub models.DataSubscription, open time.Time, period time.Duration) models.BaseData {
	tick := tickSize(sym)
	o := curve(sym, open)
	c := curve(sym, open.Add(period-time.Nanosecond))
	hi := decimal.Max(o, c).Add(tick)
	lo := decimal.Min(o, c).Sub(tick)

	if sub.BaseDataType == models.BaseDataQuoteBars {
		return models.NewQuoteBarData(models.QuoteBar{
			Symbol: sym, Resolution: sub.Resolution,
			BidOpen: o.Sub(tick), BidHigh: hi.Sub(tick), BidLow: lo.Sub(tick), BidClose: c.Sub(tick),
			AskOpen: o.Add(tick), AskHigh: hi.Add(tick), AskLow: lo.Add(tick), AskClose: c.Add(tick),
			Volume: decimal.NewFromInt(100), Range: hi.Sub(lo), Spread: tick.Mul(decimal.NewFromInt(2)),
			Time: open, IsClosed: true,
		})
	}
	return models.NewCandleData(models.Candle{
		Symbol: sym, Resolution: sub.Resolution, CandleType: sub.CandleType,
		Open: o, High: hi, Low: lo, Close: c,
		Volume: decimal.NewFromInt(100), BidVolume: decimal.NewFromInt(50), AskVolume: decimal.NewFromInt(50),
		Range: hi.Sub(lo), Time: open, IsClosed: true,
	})
}

// -----------------------------------------------------------------------------

// curve oscillates 0.2% around the base price with a one hour period.
func curve(sym models.Symbol, t time.Time) decimal.Decimal {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sym.Name))
	phase := float64(h.Sum32()%360) * math.Pi / 180

	x := float64(t.Unix())/3600*2*math.Pi + phase
	base := basePrice(sym)
	p := base.Mul(decimal.NewFromFloat(1 + 0.002*math.Sin(x)))
	tick := tickSize(sym)
	return p.Div(tick).Round(0).Mul(tick)
}

// -----------------------------------------------------------------------------

func basePrice(sym models.Symbol) decimal.Decimal {
	switch sym.MarketType {
	case models.MarketForex:
		base, quote, _ := strings.Cut(strings.ReplaceAll(sym.Name, "/", "-"), "-")
		if f, ok := usdValue[base]; ok {
			if q, ok := usdValue[quote]; ok {
				return decimal.NewFromFloat(f / q).Round(5)
			}
		}
		return decimal.NewFromInt(1)
	case models.MarketCrypto:
		return decimal.NewFromInt(30000)
	case models.MarketFutures:
		return decimal.NewFromInt(18000)
	}
	return decimal.NewFromInt(100)
}

// -----------------------------------------------------------------------------

func tickSize(sym models.Symbol) decimal.Decimal {
	switch sym.MarketType {
	case models.MarketForex:
		return decimal.New(1, -5)
	case models.MarketFutures:
		return decimal.NewFromFloat(0.25)
	}
	return decimal.New(1, -2)
}

// -----------------------------------------------------------------------------

func valuePerTick(sym models.Symbol) decimal.Decimal {
	if sym.MarketType == models.MarketFutures {
		return decimal.NewFromInt(5)
	}
	return decimal.NewFromInt(1)
}

// -----------------------------------------------------------------------------

func accuracy(tick decimal.Decimal) uint32 {
	if e := tick.Exponent(); e < 0 {
		return uint32(-e)
	}
	return 0
}

// -----------------------------------------------------------------------------
// Broker side
// -----------------------------------------------------------------------------

// Broker reports a single paper account.
type Broker struct {
	vendor *Vendor
}

func NewBroker(v *Vendor) *Broker { return &Broker{vendor: v} }

func (b *Broker) Name() models.Brokerage { return models.BrokerageSimulated }

// -----------------------------------------------------------------------------

func (b *Broker) Accounts(_ context.Context) ([]string, error) {
	return []string{accountID}, nil
}

// -----------------------------------------------------------------------------

func (b *Broker) AccountInfo(_ context.Context, id string) (models.AccountInfo, error) {
	if id != accountID {
		return models.AccountInfo{}, helpers.NewVendorError(nil, helpers.ErrCodeNotFound, "unknown account %s", id)
	}
	return models.AccountInfo{
		Brokerage:     models.BrokerageSimulated,
		AccountID:     accountID,
		Currency:      "USD",
		CashValue:     decimal.NewFromInt(100000),
		CashAvailable: decimal.NewFromInt(100000),
		CashUsed:      decimal.Zero,
		Leverage:      30,
	}, nil
}

// -----------------------------------------------------------------------------

func (b *Broker) CommissionInfo(_ context.Context, name string) (models.CommissionInfo, error) {
	sym, err := b.vendor.lookup(name)
	if err != nil {
		return models.CommissionInfo{}, err
	}
	perSide := decimal.NewFromFloat(0.5)
	if sym.MarketType == models.MarketFutures {
		perSide = decimal.NewFromFloat(2.5)
	}
	return models.CommissionInfo{SymbolName: name, PerSide: perSide, Currency: "USD"}, nil
}

// -----------------------------------------------------------------------------

// MarginRequired is 5% of the notional at the current price.
func (b *Broker) MarginRequired(_ context.Context, name string, quantity decimal.Decimal) (decimal.Decimal, error) {
	if _, err := b.vendor.lookup(name); err != nil {
		return decimal.Zero, err
	}
	b.vendor.mu.Lock()
	price := b.vendor.prices[name]
	b.vendor.mu.Unlock()
	return quantity.Abs().Mul(price).Mul(decimal.NewFromFloat(0.05)), nil
}
