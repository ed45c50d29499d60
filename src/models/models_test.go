package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymbolOrderingAndParsing(t *testing.T) {
	a := NewSymbol("BTCUSDT", MarketCrypto, VendorBitget)
	b := NewSymbol("ETHUSDT", MarketCrypto, VendorBitget)
	c := NewSymbol("AAA", MarketCrypto, VendorSimulated)

	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, c.Compare(a), "vendor sorts first")
	assert.Equal(t, 0, a.Compare(a))

	parsed, err := ParseSymbol(a.String())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)

	_, err = ParseSymbol("bitget:crypto")
	assert.Error(t, err)
}

func TestResolution(t *testing.T) {
	cases := map[string]Resolution{
		"instant": Instant(),
		"20t":     Ticks(20),
		"5s":      Seconds(5),
		"15m":     Minutes(15),
		"4h":      Hours(4),
		"1d":      Days(1),
		"1w":      Weeks(1),
	}
	for text, want := range cases {
		got, err := ParseResolution(text)
		require.NoError(t, err, text)
		assert.Equal(t, want, got)
		assert.Equal(t, text, got.String())
	}

	assert.Equal(t, time.Duration(0), Ticks(20).Duration())
	assert.Equal(t, time.Duration(0), Instant().Duration())
	assert.Equal(t, 15*time.Minute, Minutes(15).Duration())
	assert.Equal(t, 7*24*time.Hour, Weeks(1).Duration())
	assert.True(t, Minutes(1).IsTimeBased())
	assert.False(t, Ticks(1).IsTimeBased())
	assert.Equal(t, -1, Seconds(5).Compare(Minutes(1)))

	for _, bad := range []string{"", "m", "0m", "5x", "-1s"} {
		_, err := ParseResolution(bad)
		assert.Error(t, err, bad)
	}
}

func TestResolutionRejectsOverflowingCounts(t *testing.T) {
	for _, bad := range []string{"36028797018963968s", "9223372037s", "15251w", "18446744073709551615m"} {
		_, err := ParseResolution(bad)
		assert.Error(t, err, bad)
	}

	largest, err := ParseResolution("15250w")
	require.NoError(t, err)
	assert.Positive(t, largest.Duration())
	_, err = ParseResolution("9223372036s")
	require.NoError(t, err)

	assert.Zero(t, Seconds(1<<55).Duration())

	var sub DataSubscription
	raw := `{"symbol":{"name":"EUR-USD","market_type":"forex","vendor":"simulated"},"resolution":"36028797018963968s","base_data_type":"candles","candle_type":"candle_stick"}`
	assert.Error(t, json.Unmarshal([]byte(raw), &sub))
}

func TestSubscriptionJSONAndKey(t *testing.T) {
	sub := NewSubscription(NewSymbol("BTC/USDT", MarketCrypto, VendorBitget), Minutes(5), BaseDataCandles, CandleStick)

	raw, err := json.Marshal(sub)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"resolution":"5m"`)

	var back DataSubscription
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, sub, back)

	assert.Equal(t, "bitget_crypto_BTC-USDT_5m_candles_candle_stick", sub.Key())
	assert.True(t, sub.IsAggregate())
}

func TestBaseDataTimes(t *testing.T) {
	sym := NewSymbol("X", MarketFutures, VendorSimulated)
	open := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	bar := NewCandleData(Candle{Symbol: sym, Resolution: Minutes(1), Open: decimal.NewFromInt(1), Time: open})
	assert.Equal(t, open, bar.TimeUTC())
	assert.Equal(t, open.Add(time.Minute), bar.TimeClosedUTC())
	assert.False(t, bar.IsClosed())
	assert.Equal(t, sym, bar.Symbol())

	tick := NewTickData(Tick{Symbol: sym, Price: decimal.NewFromInt(1), Time: open})
	assert.Equal(t, tick.TimeUTC(), tick.TimeClosedUTC())
	assert.True(t, tick.IsClosed())
	assert.True(t, tick.Valid())
	assert.False(t, BaseData{Type: BaseDataQuotes}.Valid())
}

func TestRegisterStreamerFlushInterval(t *testing.T) {
	r := NewRegisterStreamer(9000, 1500*time.Millisecond)
	assert.Equal(t, uint64(1), r.FlushSeconds)
	assert.Equal(t, uint32(500_000_000), r.FlushSubsecNanos)
	assert.Equal(t, 1500*time.Millisecond, r.FlushInterval())
}

func TestConnectionTypeRouting(t *testing.T) {
	req := DataServerRequest{Kind: RequestAccountInfo, Brokerage: BrokerageSimulated, Vendor: VendorBitget}
	assert.Equal(t, BrokerConnection(BrokerageSimulated), req.ConnectionType())

	req = DataServerRequest{Kind: RequestSymbolInfo, Vendor: VendorBitget}
	assert.Equal(t, "vendor:bitget", req.ConnectionType().String())

	assert.Equal(t, DefaultConnection(), DataServerRequest{}.ConnectionType())

	for _, ct := range []ConnectionType{DefaultConnection(), VendorConnection(VendorOanda), BrokerConnection(BrokerageRithmic)} {
		parsed, err := ParseConnectionType(ct.String())
		require.NoError(t, err)
		assert.Equal(t, ct, parsed)
	}
	_, err := ParseConnectionType("exchange:x")
	assert.Error(t, err)
}
