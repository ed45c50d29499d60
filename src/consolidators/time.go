package consolidators

import (
	"time"

	"market-feeder/src/models"
	"market-feeder/src/utils"

	"github.com/shopspring/decimal"
)

// Week bars open on Sunday 00:00 UTC.
var weekAnchor = time.Date(1970, 1, 4, 0, 0, 0, 0, time.UTC)

// TimeConsolidator builds candles or quote bars aligned to clock boundaries.
// Intervals without events produce no bar.
type TimeConsolidator struct {
	sub      models.DataSubscription
	period   time.Duration
	anchor   time.Time
	closeAt  time.Time
	candle   *models.Candle
	quoteBar *models.QuoteBar
	history  *utils.RollingWindow[models.BaseData]
	tickSize decimal.Decimal
}

// -----------------------------------------------------------------------------

func newTimeConsolidator(sub models.DataSubscription, historyCapacity int, tickSize decimal.Decimal) *TimeConsolidator {
	anchor := time.Unix(0, 0).UTC()
	if sub.Resolution.Kind == models.ResolutionWeeks {
		anchor = weekAnchor
	}
	return &TimeConsolidator{
		sub:      sub,
		period:   sub.Resolution.Duration(),
		anchor:   anchor,
		history:  utils.NewRollingWindow[models.BaseData](historyCapacity),
		tickSize: tickSize,
	}
}

// -----------------------------------------------------------------------------

// BarOpen returns the start of the bar containing t.
func (c *TimeConsolidator) BarOpen(t time.Time) time.Time {
	return alignTo(c.anchor, c.period, t)
}

// -----------------------------------------------------------------------------

// AlignBarOpen returns the open time of the res bar containing t.
func AlignBarOpen(res models.Resolution, t time.Time) time.Time {
	anchor := time.Unix(0, 0).UTC()
	if res.Kind == models.ResolutionWeeks {
		anchor = weekAnchor
	}
	return alignTo(anchor, res.Duration(), t)
}

func alignTo(anchor time.Time, period time.Duration, t time.Time) time.Time {
	elapsed := t.UTC().Sub(anchor)
	k := elapsed / period
	if elapsed < 0 && elapsed%period != 0 {
		k--
	}
	return anchor.Add(k * period)
}

// -----------------------------------------------------------------------------

func (c *TimeConsolidator) Update(ev models.BaseData) (Output, error) {
	if !c.accepts(ev) {
		return Output{}, mismatch(c.sub, ev)
	}
	// Only completed finer bars are folded in, otherwise volume would be
	// counted once per update of the same finer bar.
	if !ev.IsClosed() {
		return Output{}, nil
	}

	t := ev.TimeUTC()
	var out Output
	if c.isOpen() && !t.Before(c.closeAt) {
		out.Closed = c.close()
	}

	if c.isOpen() {
		c.apply(ev)
	} else {
		c.seed(ev, t)
	}

	open := c.current()
	out.Open = &open
	return out, nil
}

// -----------------------------------------------------------------------------

func (c *TimeConsolidator) UpdateTime(now time.Time) Output {
	if !c.isOpen() || now.Before(c.closeAt) {
		return Output{}
	}
	return Output{Closed: c.close()}
}

// -----------------------------------------------------------------------------

func (c *TimeConsolidator) Current() (models.BaseData, bool) {
	if !c.isOpen() {
		return models.BaseData{}, false
	}
	return c.current(), true
}

// -----------------------------------------------------------------------------

func (c *TimeConsolidator) Subscription() models.DataSubscription { return c.sub }
func (c *TimeConsolidator) History() *utils.RollingWindow[models.BaseData] { return c.history }
func (c *TimeConsolidator) Index(n int) (models.BaseData, bool) { return c.history.Get(n) }

// -----------------------------------------------------------------------------

func (c *TimeConsolidator) accepts(ev models.BaseData) bool {
	if !ev.Valid() || ev.Symbol() != c.sub.Symbol {
		return false
	}
	switch c.sub.BaseDataType {
	case models.BaseDataCandles:
		switch ev.Type {
		case models.BaseDataTicks:
			return true
		case models.BaseDataCandles:
			return ev.Candle.Resolution.Duration() < c.period
		}
	case models.BaseDataQuoteBars:
		switch ev.Type {
		case models.BaseDataQuotes:
			return true
		case models.BaseDataQuoteBars:
			return ev.QuoteBar.Resolution.Duration() < c.period
		}
	}
	return false
}

// -----------------------------------------------------------------------------

func (c *TimeConsolidator) isOpen() bool {
	return c.candle != nil || c.quoteBar != nil
}

// -----------------------------------------------------------------------------

func (c *TimeConsolidator) current() models.BaseData {
	if c.candle != nil {
		return models.NewCandleData(*c.candle)
	}
	return models.NewQuoteBarData(*c.quoteBar)
}

// -----------------------------------------------------------------------------

func (c *TimeConsolidator) close() *models.BaseData {
	var closed models.BaseData
	if c.candle != nil {
		c.candle.IsClosed = true
		closed = models.NewCandleData(*c.candle)
	} else {
		c.quoteBar.IsClosed = true
		closed = models.NewQuoteBarData(*c.quoteBar)
	}
	c.history.Add(closed)
	c.candle, c.quoteBar = nil, nil
	return &closed
}

// -----------------------------------------------------------------------------

func (c *TimeConsolidator) seed(ev models.BaseData, t time.Time) {
	open := c.BarOpen(t)
	c.closeAt = open.Add(c.period)

	switch ev.Type {
	case models.BaseDataTicks:
		bar := seedCandle(c.sub, ev.Tick)
		bar.Time = open
		c.candle = &bar
	case models.BaseDataCandles:
		src := ev.Candle
		c.candle = &models.Candle{
			Symbol: c.sub.Symbol, Resolution: c.sub.Resolution, CandleType: c.sub.CandleType,
			Open: src.Open, High: src.High, Low: src.Low, Close: src.Close,
			Volume: src.Volume, BidVolume: src.BidVolume, AskVolume: src.AskVolume,
			Time: open,
		}
	case models.BaseDataQuotes:
		q := ev.Quote
		c.quoteBar = &models.QuoteBar{
			Symbol: c.sub.Symbol, Resolution: c.sub.Resolution,
			BidOpen: q.Bid, BidHigh: q.Bid, BidLow: q.Bid, BidClose: q.Bid,
			AskOpen: q.Ask, AskHigh: q.Ask, AskLow: q.Ask, AskClose: q.Ask,
			Time: open,
		}
	case models.BaseDataQuoteBars:
		src := ev.QuoteBar
		c.quoteBar = &models.QuoteBar{
			Symbol: c.sub.Symbol, Resolution: c.sub.Resolution,
			BidOpen: src.BidOpen, BidHigh: src.BidHigh, BidLow: src.BidLow, BidClose: src.BidClose,
			AskOpen: src.AskOpen, AskHigh: src.AskHigh, AskLow: src.AskLow, AskClose: src.AskClose,
			Volume: src.Volume, Time: open,
		}
	}
	c.refreshDerived()
}

// -----------------------------------------------------------------------------

func (c *TimeConsolidator) apply(ev models.BaseData) {
	switch ev.Type {
	case models.BaseDataTicks:
		applyTick(c.candle, ev.Tick)
	case models.BaseDataCandles:
		src := ev.Candle
		c.candle.High = decimal.Max(c.candle.High, src.High)
		c.candle.Low = decimal.Min(c.candle.Low, src.Low)
		c.candle.Close = src.Close
		c.candle.Volume = c.candle.Volume.Add(src.Volume)
		c.candle.BidVolume = c.candle.BidVolume.Add(src.BidVolume)
		c.candle.AskVolume = c.candle.AskVolume.Add(src.AskVolume)
	case models.BaseDataQuotes:
		q := ev.Quote
		c.quoteBar.BidHigh = decimal.Max(c.quoteBar.BidHigh, q.Bid)
		c.quoteBar.BidLow = decimal.Min(c.quoteBar.BidLow, q.Bid)
		c.quoteBar.BidClose = q.Bid
		c.quoteBar.AskHigh = decimal.Max(c.quoteBar.AskHigh, q.Ask)
		c.quoteBar.AskLow = decimal.Min(c.quoteBar.AskLow, q.Ask)
		c.quoteBar.AskClose = q.Ask
	case models.BaseDataQuoteBars:
		src := ev.QuoteBar
		c.quoteBar.BidHigh = decimal.Max(c.quoteBar.BidHigh, src.BidHigh)
		c.quoteBar.BidLow = decimal.Min(c.quoteBar.BidLow, src.BidLow)
		c.quoteBar.BidClose = src.BidClose
		c.quoteBar.AskHigh = decimal.Max(c.quoteBar.AskHigh, src.AskHigh)
		c.quoteBar.AskLow = decimal.Min(c.quoteBar.AskLow, src.AskLow)
		c.quoteBar.AskClose = src.AskClose
		c.quoteBar.Volume = c.quoteBar.Volume.Add(src.Volume)
	}
	c.refreshDerived()
}

// -----------------------------------------------------------------------------

func (c *TimeConsolidator) refreshDerived() {
	if c.candle != nil {
		c.candle.Range = roundToTick(c.candle.High.Sub(c.candle.Low), c.tickSize)
		return
	}
	c.quoteBar.Range = roundToTick(c.quoteBar.BidHigh.Sub(c.quoteBar.BidLow), c.tickSize)
	c.quoteBar.Spread = roundToTick(c.quoteBar.AskClose.Sub(c.quoteBar.BidClose), c.tickSize)
}
