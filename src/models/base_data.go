package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TradeSide string

const (
	SideNone TradeSide = ""
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// -----------------------------------------------------------------------------

type Tick struct {
	Symbol Symbol          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
	Side   TradeSide       `json:"side,omitempty"`
	Time   time.Time       `json:"time"`
}

type Quote struct {
	Symbol    Symbol          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	BidVolume decimal.Decimal `json:"bid_volume"`
	AskVolume decimal.Decimal `json:"ask_volume"`
	Time      time.Time       `json:"time"`
}

// Candle Time is the bar open time for time-based resolutions and the time of
// the latest included tick for tick bars.
type Candle struct {
	Symbol     Symbol          `json:"symbol"`
	Resolution Resolution      `json:"resolution"`
	CandleType CandleType      `json:"candle_type,omitempty"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     decimal.Decimal `json:"volume"`
	BidVolume  decimal.Decimal `json:"bid_volume"`
	AskVolume  decimal.Decimal `json:"ask_volume"`
	Range      decimal.Decimal `json:"range"`
	Time       time.Time       `json:"time"`
	IsClosed   bool            `json:"is_closed"`
}

type QuoteBar struct {
	Symbol     Symbol          `json:"symbol"`
	Resolution Resolution      `json:"resolution"`
	BidOpen    decimal.Decimal `json:"bid_open"`
	BidHigh    decimal.Decimal `json:"bid_high"`
	BidLow     decimal.Decimal `json:"bid_low"`
	BidClose   decimal.Decimal `json:"bid_close"`
	AskOpen    decimal.Decimal `json:"ask_open"`
	AskHigh    decimal.Decimal `json:"ask_high"`
	AskLow     decimal.Decimal `json:"ask_low"`
	AskClose   decimal.Decimal `json:"ask_close"`
	Volume     decimal.Decimal `json:"volume"`
	Range      decimal.Decimal `json:"range"`
	Spread     decimal.Decimal `json:"spread"`
	Time       time.Time       `json:"time"`
	IsClosed   bool            `json:"is_closed"`
}

type Fundamental struct {
	Symbol Symbol            `json:"symbol"`
	Name   string            `json:"name"`
	Value  decimal.Decimal   `json:"value"`
	Values map[string]string `json:"values,omitempty"`
	Time   time.Time         `json:"time"`
}

// -----------------------------------------------------------------------------

// BaseData is a tagged union; exactly one pointer matching Type is set.
// Values are shared between receivers once published and must not be mutated.
type BaseData struct {
	Type        BaseDataType `json:"type"`
	Tick        *Tick        `json:"tick,omitempty"`
	Quote       *Quote       `json:"quote,omitempty"`
	Candle      *Candle      `json:"candle,omitempty"`
	QuoteBar    *QuoteBar    `json:"quote_bar,omitempty"`
	Fundamental *Fundamental `json:"fundamental,omitempty"`
}

func NewTickData(t Tick) BaseData { return BaseData{Type: BaseDataTicks, Tick: &t} }
func NewQuoteData(q Quote) BaseData { return BaseData{Type: BaseDataQuotes, Quote: &q} }
func NewCandleData(c Candle) BaseData { return BaseData{Type: BaseDataCandles, Candle: &c} }
func NewQuoteBarData(q QuoteBar) BaseData { return BaseData{Type: BaseDataQuoteBars, QuoteBar: &q} }
func NewFundamentalData(f Fundamental) BaseData { return BaseData{Type: BaseDataFundamentals, Fundamental: &f} }

// -----------------------------------------------------------------------------

// Valid reports whether the payload matching Type is present.
func (b BaseData) Valid() bool {
	switch b.Type {
	case BaseDataTicks:
		return b.Tick != nil
	case BaseDataQuotes:
		return b.Quote != nil
	case BaseDataCandles:
		return b.Candle != nil
	case BaseDataQuoteBars:
		return b.QuoteBar != nil
	case BaseDataFundamentals:
		return b.Fundamental != nil
	}
	return false
}

// -----------------------------------------------------------------------------

func (b BaseData) Symbol() Symbol {
	switch b.Type {
	case BaseDataTicks:
		return b.Tick.Symbol
	case BaseDataQuotes:
		return b.Quote.Symbol
	case BaseDataCandles:
		return b.Candle.Symbol
	case BaseDataQuoteBars:
		return b.QuoteBar.Symbol
	case BaseDataFundamentals:
		return b.Fundamental.Symbol
	}
	return Symbol{}
}

// -----------------------------------------------------------------------------

// TimeUTC is the time the event was stamped with (bar open time for bars).
func (b BaseData) TimeUTC() time.Time {
	switch b.Type {
	case BaseDataTicks:
		return b.Tick.Time.UTC()
	case BaseDataQuotes:
		return b.Quote.Time.UTC()
	case BaseDataCandles:
		return b.Candle.Time.UTC()
	case BaseDataQuoteBars:
		return b.QuoteBar.Time.UTC()
	case BaseDataFundamentals:
		return b.Fundamental.Time.UTC()
	}
	return time.Time{}
}

// -----------------------------------------------------------------------------

// TimeClosedUTC is the effective close time: open time plus the bar duration
// for bars, the event time otherwise.
func (b BaseData) TimeClosedUTC() time.Time {
	switch b.Type {
	case BaseDataCandles:
		return b.Candle.Time.Add(b.Candle.Resolution.Duration()).UTC()
	case BaseDataQuoteBars:
		return b.QuoteBar.Time.Add(b.QuoteBar.Resolution.Duration()).UTC()
	}
	return b.TimeUTC()
}

// -----------------------------------------------------------------------------

// IsClosed is false only for in-progress bars.
func (b BaseData) IsClosed() bool {
	switch b.Type {
	case BaseDataCandles:
		return b.Candle.IsClosed
	case BaseDataQuoteBars:
		return b.QuoteBar.IsClosed
	}
	return true
}
