package analysis

import (
	"math"
	"time"

	"market-feeder/src/models"

	"github.com/shopspring/decimal"
)

var two = decimal.NewFromInt(2)

// Summary describes a window of recent events of one subscription. Prices are
// trade prices, quote mids or bar closes depending on the data type.
type Summary struct {
	Count       int       `json:"count"`
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      float64   `json:"volume"`
	Mean        float64   `json:"mean"`
	Std         float64   `json:"std"`
	ChangePct   float64   `json:"change_pct"`
	ZScore      float64   `json:"z_score"`
	VolumeRatio float64   `json:"volume_ratio"`
}

// -----------------------------------------------------------------------------

// sample extracts price and volume. Fundamentals have neither.
func sample(ev models.BaseData) (price, volume float64, ok bool) {
	switch {
	case ev.Tick != nil:
		return ev.Tick.Price.InexactFloat64(), ev.Tick.Volume.InexactFloat64(), true
	case ev.Quote != nil:
		mid := ev.Quote.Bid.Add(ev.Quote.Ask).Div(two)
		return mid.InexactFloat64(), ev.Quote.BidVolume.Add(ev.Quote.AskVolume).InexactFloat64(), true
	case ev.Candle != nil:
		return ev.Candle.Close.InexactFloat64(), ev.Candle.Volume.InexactFloat64(), true
	case ev.QuoteBar != nil:
		mid := ev.QuoteBar.BidClose.Add(ev.QuoteBar.AskClose).Div(two)
		return mid.InexactFloat64(), ev.QuoteBar.Volume.InexactFloat64(), true
	}
	return 0, 0, false
}

// -----------------------------------------------------------------------------

// Summarize computes the summary of events given oldest first.
func Summarize(events []models.BaseData) Summary {
	prices := make([]float64, 0, len(events))
	volumes := make([]float64, 0, len(events))
	var s Summary

	for _, ev := range events {
		p, v, ok := sample(ev)
		if !ok {
			continue
		}
		if len(prices) == 0 {
			s.From = ev.TimeUTC()
		}
		s.To = ev.TimeUTC()
		prices = append(prices, p)
		volumes = append(volumes, v)
	}
	if len(prices) == 0 {
		return s
	}

	s.Count = len(prices)
	s.Open, s.High, s.Low, s.Close, s.Volume = ohlcv(prices, volumes)
	s.Mean, s.Std = MeanStd(prices)
	s.ChangePct = ChangePercent(s.Close, s.Open)
	s.ZScore = ZScore(s.Close, s.Mean, s.Std)

	meanVol, _ := MeanStd(volumes)
	s.VolumeRatio = AnomalyRatio(volumes[len(volumes)-1], meanVol)
	return s
}

// -----------------------------------------------------------------------------

func ohlcv(prices, volumes []float64) (open, high, low, last, volume float64) {
	open, last = prices[0], prices[len(prices)-1]
	high, low = math.Inf(-1), math.Inf(1)
	for i, p := range prices {
		high = math.Max(high, p)
		low = math.Min(low, p)
		volume += volumes[i]
	}
	return open, high, low, last, volume
}

// MeanStd returns the mean and population standard deviation.
func MeanStd(data []float64) (float64, float64) {
	if len(data) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range data {
		sum += v
	}
	mean := sum / float64(len(data))
	if len(data) == 1 {
		return mean, 0
	}

	ss := 0.0
	for _, v := range data {
		ss += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(ss / float64(len(data)))
}

// ChangePercent is the fractional change from previous to current.
func ChangePercent(current, previous float64) float64 {
	if previous == 0 {
		return 0
	}
	return (current - previous) / previous
}

func ZScore(value, mean, std float64) float64 {
	if std == 0 {
		return 0
	}
	return (value - mean) / std
}

// AnomalyRatio compares the latest volume with the average. Without an
// average the latest volume itself is returned, 1 when that is zero too.
func AnomalyRatio(current, avg float64) float64 {
	if avg <= 0 {
		if current == 0 {
			return 1
		}
		return current
	}
	return current / avg
}
