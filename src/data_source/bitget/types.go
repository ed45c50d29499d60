package bitget

import (
	"sort"

	"market-feeder/src/models"
)

const (
	defaultRestURL = "https://api.bitget.com"
	defaultWSURL   = "wss://ws.bitget.com/v2/ws/public"

	symbolsPath = "/api/v2/spot/public/symbols"
	candlesPath = "/api/v2/spot/market/candles"
	tickersPath = "/api/v2/spot/market/tickers"

	successCode = "00000"
	candleLimit = 1000
	instType    = "SPOT"
	channel     = "ticker"
)

// granularity maps supported minute/hour/day bars to Bitget's names.
var granularity = map[string]string{
	"1m": "1min", "5m": "5min", "15m": "15min", "30m": "30min",
	"1h": "1h", "4h": "4h", "6h": "6h", "12h": "12h",
	"1d": "1day", "3d": "3day", "1w": "1week",
}

// -----------------------------------------------------------------------------
// REST
// -----------------------------------------------------------------------------

type envelope[T any] struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data T      `json:"data"`
}

type symbolData struct {
	Symbol            string `json:"symbol"`
	BaseCoin          string `json:"baseCoin"`
	QuoteCoin         string `json:"quoteCoin"`
	PricePrecision    string `json:"pricePrecision"`
	QuantityPrecision string `json:"quantityPrecision"`
	Status            string `json:"status"`
}

// candleRow is [ts, open, high, low, close, baseVol, quoteVol, usdtVol].
type candleRow []string

type restTicker struct {
	Symbol string `json:"symbol"`
	LastPr string `json:"lastPr"`
	BidPr  string `json:"bidPr"`
	AskPr  string `json:"askPr"`
}

// -----------------------------------------------------------------------------
// WebSocket
// -----------------------------------------------------------------------------

type subscribeRequest struct {
	Op   string         `json:"op"`
	Args []subscribeArg `json:"args"`
}

type subscribeArg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstId   string `json:"instId"`
}

type tickerResponse struct {
	Action string       `json:"action"`
	Arg    subscribeArg `json:"arg"`
	Data   []tickerData `json:"data"`
	Ts     int64        `json:"ts"`
}

type tickerData struct {
	InstId     string `json:"instId"`
	LastPr     string `json:"lastPr"`
	BidPr      string `json:"bidPr"`
	AskPr      string `json:"askPr"`
	BidSz      string `json:"bidSz"`
	AskSz      string `json:"askSz"`
	BaseVolume string `json:"baseVolume"`
	Ts         string `json:"ts"`
}

// -----------------------------------------------------------------------------

func sortSymbols(s []models.Symbol) {
	sort.Slice(s, func(i, j int) bool { return s[i].Compare(s[j]) < 0 })
}
