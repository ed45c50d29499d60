// Package bitget streams public spot tickers from Bitget and serves its
// symbol catalog and candle history over REST.
package bitget

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"market-feeder/src/helpers"
	"market-feeder/src/interfaces"
	"market-feeder/src/logger"
	"market-feeder/src/models"
	"market-feeder/src/utils"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

var _ interfaces.IDataVendor = (*Vendor)(nil)

type Vendor struct {
	Config    models.MVendorConfig
	Rest      interfaces.IRestClient
	Publisher interfaces.IPublisher
	Logger    *logger.Logger

	worker *wsWorker

	mu      sync.RWMutex
	symbols map[string]symbolData
	active  map[models.DataSubscription]bool
}

// -----------------------------------------------------------------------------

// New builds the vendor. policy drives websocket reconnects.
func New(cfg models.MVendorConfig, rest interfaces.IRestClient, pub interfaces.IPublisher, policy utils.RetryPolicy, userAgent string, clk clock.Clock, log *logger.Logger) *Vendor {
	if clk == nil {
		clk = clock.New()
	}
	v := &Vendor{
		Config:    cfg,
		Rest:      rest,
		Publisher: pub,
		Logger:    log,
		active:    make(map[models.DataSubscription]bool),
	}
	url := cfg.WSURL
	if url == "" {
		url = defaultWSURL
	}
	v.worker = newWSWorker(url, userAgent, policy, clk, v.handleMessage, log.Named("ws"))
	return v
}

// -----------------------------------------------------------------------------

// BaseURL is the REST endpoint configured for cfg.
func BaseURL(cfg models.MVendorConfig) string {
	if cfg.BaseURL != "" {
		return cfg.BaseURL
	}
	return defaultRestURL
}

// -----------------------------------------------------------------------------

func (v *Vendor) Name() models.Vendor { return models.VendorBitget }

// -----------------------------------------------------------------------------

func (v *Vendor) NativeFeeds(market models.MarketType) []models.FeedSpec {
	if market != models.MarketCrypto {
		return nil
	}
	return []models.FeedSpec{
		{Resolution: models.Instant(), BaseDataType: models.BaseDataTicks},
		{Resolution: models.Instant(), BaseDataType: models.BaseDataQuotes},
	}
}

// -----------------------------------------------------------------------------

// ConnectionState reports the websocket lifecycle state.
func (v *Vendor) ConnectionState() ConnState {
	return v.worker.State()
}

// -----------------------------------------------------------------------------

func (v *Vendor) Start(ctx context.Context) error {
	return v.worker.run(ctx)
}

// -----------------------------------------------------------------------------

func (v *Vendor) Subscribe(ctx context.Context, sub models.DataSubscription) error {
	if !v.isNative(sub) {
		return helpers.NewVendorError(nil, helpers.ErrCodeUnsupported, "%s is not a native feed", sub)
	}

	v.mu.Lock()
	first := !v.hasSymbolLocked(sub.Symbol.Name)
	v.active[sub] = true
	v.mu.Unlock()

	if first {
		if err := v.worker.Subscribe(ctx, sub.Symbol.Name); err != nil {
			v.mu.Lock()
			delete(v.active, sub)
			if !v.hasSymbolLocked(sub.Symbol.Name) {
				v.worker.forget(sub.Symbol.Name)
			}
			v.mu.Unlock()
			return helpers.NewVendorError(err, helpers.ErrCodeVendorRequest, "subscribe %s", sub)
		}
	}
	v.Logger.Info("Bitget feed started: %s", sub)
	return nil
}

// -----------------------------------------------------------------------------

func (v *Vendor) Unsubscribe(ctx context.Context, sub models.DataSubscription) error {
	v.mu.Lock()
	delete(v.active, sub)
	last := !v.hasSymbolLocked(sub.Symbol.Name)
	v.mu.Unlock()

	if last {
		if err := v.worker.Unsubscribe(ctx, sub.Symbol.Name); err != nil {
			return helpers.NewVendorError(err, helpers.ErrCodeVendorRequest, "unsubscribe %s", sub)
		}
	}
	v.Logger.Info("Bitget feed stopped: %s", sub)
	return nil
}

// -----------------------------------------------------------------------------

func (v *Vendor) hasSymbolLocked(name string) bool {
	for sub := range v.active {
		if sub.Symbol.Name == name {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------

func (v *Vendor) isNative(sub models.DataSubscription) bool {
	for _, f := range v.NativeFeeds(sub.Symbol.MarketType) {
		if f.Resolution == sub.Resolution && f.BaseDataType == sub.BaseDataType {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------

// handleMessage turns ticker pushes into ticks and quotes.
func (v *Vendor) handleMessage(msg []byte) {
	var resp tickerResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		return
	}
	if resp.Arg.Channel != channel || len(resp.Data) == 0 {
		return
	}

	for _, d := range resp.Data {
		sym := models.NewSymbol(d.InstId, models.MarketCrypto, models.VendorBitget)
		ts := resp.Ts
		if ms, err := strconv.ParseInt(d.Ts, 10, 64); err == nil {
			ts = ms
		}
		at := time.UnixMilli(ts).UTC()

		tickSub := models.NewSubscription(sym, models.Instant(), models.BaseDataTicks, models.CandleNone)
		quoteSub := models.NewSubscription(sym, models.Instant(), models.BaseDataQuotes, models.CandleNone)

		v.mu.RLock()
		wantTicks, wantQuotes := v.active[tickSub], v.active[quoteSub]
		v.mu.RUnlock()

		if wantTicks {
			if price, err := decimal.NewFromString(d.LastPr); err == nil {
				v.Publisher.Publish(tickSub, models.NewTickData(models.Tick{
					Symbol: sym, Price: price, Volume: decimal.Zero, Time: at,
				}))
			}
		}
		if wantQuotes {
			bid, errB := decimal.NewFromString(d.BidPr)
			ask, errA := decimal.NewFromString(d.AskPr)
			if errB == nil && errA == nil {
				bidSz, _ := decimal.NewFromString(d.BidSz)
				askSz, _ := decimal.NewFromString(d.AskSz)
				v.Publisher.Publish(quoteSub, models.NewQuoteData(models.Quote{
					Symbol: sym, Bid: bid, Ask: ask, BidVolume: bidSz, AskVolume: askSz, Time: at,
				}))
			}
		}
	}
}

// -----------------------------------------------------------------------------
// REST catalog
// -----------------------------------------------------------------------------

func (v *Vendor) loadSymbols(ctx context.Context) (map[string]symbolData, error) {
	v.mu.RLock()
	cached := v.symbols
	v.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	var resp envelope[[]symbolData]
	if err := v.Rest.GetJSON(ctx, symbolsPath, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Code != successCode {
		return nil, helpers.NewVendorError(nil, helpers.ErrCodeVendorRequest, "bitget symbols: %s %s", resp.Code, resp.Msg)
	}

	symbols := make(map[string]symbolData, len(resp.Data))
	for _, s := range resp.Data {
		if s.Status == "" || s.Status == "online" {
			symbols[s.Symbol] = s
		}
	}

	v.mu.Lock()
	v.symbols = symbols
	v.mu.Unlock()
	return symbols, nil
}

// -----------------------------------------------------------------------------

func (v *Vendor) lookup(ctx context.Context, name string) (symbolData, error) {
	symbols, err := v.loadSymbols(ctx)
	if err != nil {
		return symbolData{}, err
	}
	s, ok := symbols[strings.ToUpper(name)]
	if !ok {
		return symbolData{}, helpers.NewVendorError(nil, helpers.ErrCodeNotFound, "unknown symbol %s", name)
	}
	return s, nil
}

// -----------------------------------------------------------------------------

func (v *Vendor) SymbolsVendor(ctx context.Context, market models.MarketType) ([]models.Symbol, error) {
	if market != "" && market != models.MarketCrypto {
		return nil, nil
	}
	symbols, err := v.loadSymbols(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Symbol, 0, len(symbols))
	for name := range symbols {
		out = append(out, models.NewSymbol(name, models.MarketCrypto, models.VendorBitget))
	}
	sortSymbols(out)
	return out, nil
}

// -----------------------------------------------------------------------------

func (v *Vendor) SymbolInfo(ctx context.Context, name string) (models.SymbolInfo, error) {
	s, err := v.lookup(ctx, name)
	if err != nil {
		return models.SymbolInfo{}, err
	}
	prec := precision(s.PricePrecision)
	tick := decimal.New(1, -int32(prec))
	return models.SymbolInfo{
		Symbol:          models.NewSymbol(s.Symbol, models.MarketCrypto, models.VendorBitget),
		PnlCurrency:     s.QuoteCoin,
		ValuePerTick:    tick,
		TickSize:        tick,
		DecimalAccuracy: prec,
	}, nil
}

// -----------------------------------------------------------------------------

func (v *Vendor) TickSize(ctx context.Context, name string) (decimal.Decimal, error) {
	info, err := v.SymbolInfo(ctx, name)
	if err != nil {
		return decimal.Zero, err
	}
	return info.TickSize, nil
}

// -----------------------------------------------------------------------------

func (v *Vendor) DecimalAccuracy(ctx context.Context, name string) (uint32, error) {
	info, err := v.SymbolInfo(ctx, name)
	if err != nil {
		return 0, err
	}
	return info.DecimalAccuracy, nil
}

// -----------------------------------------------------------------------------

// ExchangeRate reads the live spot ticker of FROMTO; buys pay the ask and
// sells receive the bid. Historical rates are not available.
func (v *Vendor) ExchangeRate(ctx context.Context, from, to string, _ time.Time, side models.TradeSide) (decimal.Decimal, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return decimal.NewFromInt(1), nil
	}

	var resp envelope[[]restTicker]
	if err := v.Rest.GetJSON(ctx, tickersPath, map[string]string{"symbol": from + to}, &resp); err != nil {
		return decimal.Zero, err
	}
	if resp.Code != successCode || len(resp.Data) == 0 {
		return decimal.Zero, helpers.NewVendorError(nil, helpers.ErrCodeNotFound, "no rate for %s/%s", from, to)
	}

	t := resp.Data[0]
	field := t.LastPr
	switch side {
	case models.SideBuy:
		field = t.AskPr
	case models.SideSell:
		field = t.BidPr
	}
	rate, err := decimal.NewFromString(field)
	if err != nil {
		return decimal.Zero, helpers.NewVendorError(err, helpers.ErrCodeVendorRequest, "bad rate for %s/%s", from, to)
	}
	return rate, nil
}

// -----------------------------------------------------------------------------

// HistoricalRange pages through candles of sub whose close time is in
// [from, to).
func (v *Vendor) HistoricalRange(ctx context.Context, sub models.DataSubscription, from, to time.Time) ([]models.BaseData, error) {
	gran, ok := granularity[sub.Resolution.String()]
	if !ok || sub.BaseDataType != models.BaseDataCandles {
		return nil, helpers.NewVendorError(nil, helpers.ErrCodeUnsupported, "no history for %s", sub)
	}
	period := sub.Resolution.Duration()

	var out []models.BaseData
	start := from.Add(-period)
	for start.Before(to) {
		params := map[string]string{
			"symbol":      sub.Symbol.Name,
			"granularity": gran,
			"startTime":   strconv.FormatInt(start.UnixMilli(), 10),
			"endTime":     strconv.FormatInt(to.UnixMilli(), 10),
			"limit":       strconv.Itoa(candleLimit),
		}

		var resp envelope[[]candleRow]
		if err := v.Rest.GetJSON(ctx, candlesPath, params, &resp); err != nil {
			return nil, err
		}
		if resp.Code != successCode {
			return nil, helpers.NewVendorError(nil, helpers.ErrCodeVendorRequest, "bitget candles: %s %s", resp.Code, resp.Msg)
		}
		if len(resp.Data) == 0 {
			break
		}

		last := start
		for _, row := range resp.Data {
			ev, err := parseCandle(sub, row)
			if err != nil {
				v.Logger.Warning("Skipping candle of %s: %v", sub, err)
				continue
			}
			if open := ev.Candle.Time; open.After(last) {
				last = open
			}
			closeAt := ev.TimeClosedUTC()
			if !closeAt.Before(from) && closeAt.Before(to) {
				out = append(out, ev)
			}
		}

		if len(resp.Data) < candleLimit || !last.After(start) {
			break
		}
		start = last.Add(time.Millisecond)
	}
	return out, nil
}

// -----------------------------------------------------------------------------

func parseCandle(sub models.DataSubscription, row candleRow) (models.BaseData, error) {
	if len(row) < 6 {
		return models.BaseData{}, helpers.NewVendorError(nil, helpers.ErrCodeVendorRequest, "short candle row")
	}
	ms, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return models.BaseData{}, err
	}

	vals := make([]decimal.Decimal, 5)
	for i := range vals {
		d, err := decimal.NewFromString(row[i+1])
		if err != nil {
			return models.BaseData{}, err
		}
		vals[i] = d
	}

	return models.NewCandleData(models.Candle{
		Symbol:     sub.Symbol,
		Resolution: sub.Resolution,
		CandleType: sub.CandleType,
		Open:       vals[0],
		High:       vals[1],
		Low:        vals[2],
		Close:      vals[3],
		Volume:     vals[4],
		Range:      vals[1].Sub(vals[2]),
		Time:       time.UnixMilli(ms).UTC(),
		IsClosed:   true,
	}), nil
}

// -----------------------------------------------------------------------------

func precision(s string) uint32 {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 2
	}
	return uint32(n)
}
