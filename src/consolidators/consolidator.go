package consolidators

import (
	"time"

	"market-feeder/src/helpers"
	"market-feeder/src/models"
	"market-feeder/src/utils"

	"github.com/shopspring/decimal"
)

// Output carries the in-progress bar, the bar that just closed, or both.
type Output struct {
	Open   *models.BaseData
	Closed *models.BaseData
}

// IsEmpty reports whether the update produced nothing to publish.
func (o Output) IsEmpty() bool {
	return o.Open == nil && o.Closed == nil
}

// Consolidator turns raw events of one feed into bars of a coarser resolution.
// Implementations are single-writer and must not be updated concurrently.
type Consolidator interface {
	Subscription() models.DataSubscription
	Update(ev models.BaseData) (Output, error)
	// UpdateTime closes the open bar when now has passed its close time.
	UpdateTime(now time.Time) Output
	History() *utils.RollingWindow[models.BaseData]
	Current() (models.BaseData, bool)
	// Index returns the closed bar n steps back (0 = most recent).
	Index(n int) (models.BaseData, bool)
}

// -----------------------------------------------------------------------------

// New picks the strategy from the subscription's resolution and candle type.
func New(sub models.DataSubscription, historyCapacity int, tickSize decimal.Decimal) (Consolidator, error) {
	switch sub.CandleType {
	case models.CandleNone, models.CandleStick:
	default:
		return nil, helpers.NewInvalidResolution("%s candles are not supported (%s)", sub.CandleType, sub)
	}

	res := sub.Resolution
	switch {
	case res.Kind == models.ResolutionTicks:
		if res.N == 0 {
			return nil, helpers.NewInvalidResolution("tick count must be positive (%s)", sub)
		}
		if sub.BaseDataType != models.BaseDataCandles {
			return nil, helpers.NewInvalidResolution("tick bars only produce candles, got %s (%s)", sub.BaseDataType, sub)
		}
		return newCountConsolidator(sub, historyCapacity, tickSize), nil

	case res.IsTimeBased():
		if res.N == 0 {
			return nil, helpers.NewInvalidResolution("resolution count must be positive (%s)", sub)
		}
		if res.Duration() <= 0 {
			return nil, helpers.NewInvalidResolution("bar period of %s does not fit a duration", sub)
		}
		if !sub.IsAggregate() {
			return nil, helpers.NewInvalidResolution("time bars only produce candles or quote bars, got %s (%s)", sub.BaseDataType, sub)
		}
		return newTimeConsolidator(sub, historyCapacity, tickSize), nil
	}

	return nil, helpers.NewInvalidResolution("%s feeds are not consolidated (%s)", res, sub)
}

// -----------------------------------------------------------------------------

func roundToTick(v, tickSize decimal.Decimal) decimal.Decimal {
	if !tickSize.IsPositive() {
		return v
	}
	return v.Div(tickSize).Round(0).Mul(tickSize)
}

// -----------------------------------------------------------------------------

func seedCandle(sub models.DataSubscription, t *models.Tick) models.Candle {
	c := models.Candle{
		Symbol:     sub.Symbol,
		Resolution: sub.Resolution,
		CandleType: sub.CandleType,
		Open:       t.Price,
		High:       t.Price,
		Low:        t.Price,
		Close:      t.Price,
		Time:       t.Time.UTC(),
	}
	addVolume(&c, t)
	return c
}

// -----------------------------------------------------------------------------

func applyTick(c *models.Candle, t *models.Tick) {
	if t.Price.GreaterThan(c.High) {
		c.High = t.Price
	}
	if t.Price.LessThan(c.Low) {
		c.Low = t.Price
	}
	c.Close = t.Price
	addVolume(c, t)
}

// -----------------------------------------------------------------------------

func addVolume(c *models.Candle, t *models.Tick) {
	c.Volume = c.Volume.Add(t.Volume)
	switch t.Side {
	case models.SideBuy:
		c.AskVolume = c.AskVolume.Add(t.Volume)
	case models.SideSell:
		c.BidVolume = c.BidVolume.Add(t.Volume)
	}
}

// -----------------------------------------------------------------------------

func mismatch(sub models.DataSubscription, ev models.BaseData) error {
	return helpers.NewConsolidatorError("%s consolidator cannot take %s events for %s", sub, ev.Type, ev.Symbol())
}
