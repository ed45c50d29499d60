package models

import (
	"cmp"
	"fmt"
	"strings"
)

type BaseDataType string

const (
	BaseDataTicks        BaseDataType = "ticks"
	BaseDataQuotes       BaseDataType = "quotes"
	BaseDataCandles      BaseDataType = "candles"
	BaseDataQuoteBars    BaseDataType = "quote_bars"
	BaseDataFundamentals BaseDataType = "fundamentals"
)

// CandleType is optional; the zero value means none.
type CandleType string

const (
	CandleNone       CandleType = ""
	CandleStick      CandleType = "candle_stick"
	CandleHeikinAshi CandleType = "heikin_ashi"
	CandleRenko      CandleType = "renko"
)

// -----------------------------------------------------------------------------

// DataSubscription identifies one logical feed.
type DataSubscription struct {
	Symbol       Symbol       `json:"symbol"`
	Resolution   Resolution   `json:"resolution"`
	BaseDataType BaseDataType `json:"base_data_type"`
	CandleType   CandleType   `json:"candle_type,omitempty"`
}

// -----------------------------------------------------------------------------

func NewSubscription(symbol Symbol, res Resolution, dataType BaseDataType, candle CandleType) DataSubscription {
	return DataSubscription{Symbol: symbol, Resolution: res, BaseDataType: dataType, CandleType: candle}
}

// -----------------------------------------------------------------------------

func (s DataSubscription) Compare(o DataSubscription) int {
	if c := s.Symbol.Compare(o.Symbol); c != 0 {
		return c
	}
	if c := s.Resolution.Compare(o.Resolution); c != 0 {
		return c
	}
	if c := cmp.Compare(s.BaseDataType, o.BaseDataType); c != 0 {
		return c
	}
	return cmp.Compare(s.CandleType, o.CandleType)
}

// -----------------------------------------------------------------------------

func (s DataSubscription) String() string {
	if s.CandleType != CandleNone {
		return fmt.Sprintf("%s@%s/%s/%s", s.Symbol, s.Resolution, s.BaseDataType, s.CandleType)
	}
	return fmt.Sprintf("%s@%s/%s", s.Symbol, s.Resolution, s.BaseDataType)
}

// -----------------------------------------------------------------------------

// Key is a filesystem and SQL safe identifier for the subscription.
func (s DataSubscription) Key() string {
	parts := []string{string(s.Symbol.Vendor), string(s.Symbol.MarketType), s.Symbol.Name, s.Resolution.String(), string(s.BaseDataType)}
	if s.CandleType != CandleNone {
		parts = append(parts, string(s.CandleType))
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '-'
		}
	}, strings.Join(parts, "_"))
}

// -----------------------------------------------------------------------------

// IsAggregate reports whether the feed is made of bars.
func (s DataSubscription) IsAggregate() bool {
	return s.BaseDataType == BaseDataCandles || s.BaseDataType == BaseDataQuoteBars
}

// -----------------------------------------------------------------------------

// FeedSpec describes a feed shape independent of the symbol.
type FeedSpec struct {
	Resolution   Resolution
	BaseDataType BaseDataType
}

// For builds the subscription of this feed for symbol.
func (f FeedSpec) For(symbol Symbol) DataSubscription {
	return DataSubscription{Symbol: symbol, Resolution: f.Resolution, BaseDataType: f.BaseDataType}
}
