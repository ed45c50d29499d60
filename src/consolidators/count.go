package consolidators

import (
	"time"

	"market-feeder/src/models"
	"market-feeder/src/utils"

	"github.com/shopspring/decimal"
)

// CountConsolidator builds a candle from every N ticks.
type CountConsolidator struct {
	sub      models.DataSubscription
	n        uint64
	count    uint64
	bar      *models.Candle
	history  *utils.RollingWindow[models.BaseData]
	tickSize decimal.Decimal
}

// -----------------------------------------------------------------------------

func newCountConsolidator(sub models.DataSubscription, historyCapacity int, tickSize decimal.Decimal) *CountConsolidator {
	return &CountConsolidator{
		sub:      sub,
		n:        sub.Resolution.N,
		history:  utils.NewRollingWindow[models.BaseData](historyCapacity),
		tickSize: tickSize,
	}
}

// -----------------------------------------------------------------------------

func (c *CountConsolidator) Update(ev models.BaseData) (Output, error) {
	if ev.Type != models.BaseDataTicks || ev.Tick == nil || ev.Tick.Symbol != c.sub.Symbol {
		return Output{}, mismatch(c.sub, ev)
	}

	if c.bar == nil {
		seed := seedCandle(c.sub, ev.Tick)
		c.bar = &seed
	} else {
		applyTick(c.bar, ev.Tick)
		c.bar.Time = ev.Tick.Time.UTC()
	}
	c.bar.Range = roundToTick(c.bar.High.Sub(c.bar.Low), c.tickSize)
	c.count++

	if c.count < c.n {
		open := models.NewCandleData(*c.bar)
		return Output{Open: &open}, nil
	}

	c.bar.IsClosed = true
	closed := models.NewCandleData(*c.bar)
	c.history.Add(closed)
	c.bar = nil
	c.count = 0
	return Output{Closed: &closed}, nil
}

// -----------------------------------------------------------------------------

// UpdateTime is a no-op: tick bars only close on ticks.
func (c *CountConsolidator) UpdateTime(time.Time) Output {
	return Output{}
}

// -----------------------------------------------------------------------------

func (c *CountConsolidator) Current() (models.BaseData, bool) {
	if c.bar == nil {
		return models.BaseData{}, false
	}
	return models.NewCandleData(*c.bar), true
}

// -----------------------------------------------------------------------------

func (c *CountConsolidator) Subscription() models.DataSubscription { return c.sub }
func (c *CountConsolidator) History() *utils.RollingWindow[models.BaseData] { return c.history }
func (c *CountConsolidator) Index(n int) (models.BaseData, bool) { return c.history.Get(n) }
