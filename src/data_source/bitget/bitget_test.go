package bitget

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"market-feeder/src/helpers"
	"market-feeder/src/logger"
	"market-feeder/src/models"
	"market-feeder/src/network"
	"market-feeder/src/utils"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []models.BaseData
}

func (r *recorder) Publish(_ models.DataSubscription, ev models.BaseData) bool {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return true
}

func (r *recorder) snapshot() []models.BaseData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.BaseData(nil), r.events...)
}

func restServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(symbolsPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"00000","msg":"success","data":[
			{"symbol":"BTCUSDT","baseCoin":"BTC","quoteCoin":"USDT","pricePrecision":"2","quantityPrecision":"6","status":"online"},
			{"symbol":"ETHUSDT","baseCoin":"ETH","quoteCoin":"USDT","pricePrecision":"2","quantityPrecision":"4","status":"online"},
			{"symbol":"OLDUSDT","baseCoin":"OLD","quoteCoin":"USDT","pricePrecision":"4","quantityPrecision":"2","status":"offline"}]}`))
	})
	mux.HandleFunc(candlesPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"00000","msg":"success","data":[
			["1710151200000","100","110","90","105","12","1200","1200"],
			["1710151260000","105","106","101","102","3","300","300"]]}`))
	})
	mux.HandleFunc(tickersPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("symbol") != "BTCUSDT" {
			_, _ = w.Write([]byte(`{"code":"00000","msg":"success","data":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"code":"00000","msg":"success","data":[{"symbol":"BTCUSDT","lastPr":"30000","bidPr":"29999","askPr":"30001"}]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newVendor(t *testing.T, restURL, wsURL string) (*Vendor, *recorder) {
	t.Helper()
	rec := &recorder{}
	cfg := models.MVendorConfig{Name: "bitget", Enabled: true, BaseURL: restURL, WSURL: wsURL}
	rest := network.NewRestClient(BaseURL(cfg), models.MNetworkConfig{RequestTimeout: 5}, logger.Nop())
	policy := utils.NewBackoffPolicy(helpers.RetryConfig{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2})
	return New(cfg, rest, rec, policy, "test-agent", clock.New(), logger.Nop()), rec
}

func TestCatalog(t *testing.T) {
	srv := restServer(t)
	v, _ := newVendor(t, srv.URL, "")
	ctx := context.Background()

	symbols, err := v.SymbolsVendor(ctx, models.MarketCrypto)
	require.NoError(t, err)
	require.Len(t, symbols, 2)
	assert.Equal(t, "BTCUSDT", symbols[0].Name)

	none, err := v.SymbolsVendor(ctx, models.MarketForex)
	require.NoError(t, err)
	assert.Empty(t, none)

	tick, err := v.TickSize(ctx, "btcusdt")
	require.NoError(t, err)
	assert.True(t, tick.Equal(decimal.New(1, -2)))

	_, err = v.SymbolInfo(ctx, "OLDUSDT")
	assert.True(t, helpers.HasCode(err, helpers.ErrCodeNotFound))
}

func TestExchangeRate(t *testing.T) {
	srv := restServer(t)
	v, _ := newVendor(t, srv.URL, "")
	ctx := context.Background()

	buy, err := v.ExchangeRate(ctx, "BTC", "USDT", time.Now(), models.SideBuy)
	require.NoError(t, err)
	assert.True(t, buy.Equal(decimal.NewFromInt(30001)))

	_, err = v.ExchangeRate(ctx, "ABC", "USDT", time.Now(), models.SideNone)
	assert.True(t, helpers.HasCode(err, helpers.ErrCodeNotFound))
}

func TestHistoricalRange(t *testing.T) {
	srv := restServer(t)
	v, _ := newVendor(t, srv.URL, "")
	sym := models.NewSymbol("BTCUSDT", models.MarketCrypto, models.VendorBitget)
	sub := models.NewSubscription(sym, models.Minutes(1), models.BaseDataCandles, models.CandleStick)

	from := time.UnixMilli(1710151200000).UTC()
	events, err := v.HistoricalRange(context.Background(), sub, from, from.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].Candle.High.Equal(decimal.NewFromInt(110)))
	assert.True(t, events[0].Candle.Range.Equal(decimal.NewFromInt(20)))
	assert.True(t, events[0].IsClosed())

	sub.Resolution = models.Seconds(7)
	_, err = v.HistoricalRange(context.Background(), sub, from, from.Add(time.Hour))
	assert.True(t, helpers.HasCode(err, helpers.ErrCodeUnsupported))
}

func TestHandleMessageRespectsActiveFeeds(t *testing.T) {
	v, rec := newVendor(t, "http://127.0.0.1:1", "")
	sym := models.NewSymbol("BTCUSDT", models.MarketCrypto, models.VendorBitget)
	quotes := models.NewSubscription(sym, models.Instant(), models.BaseDataQuotes, models.CandleNone)
	require.NoError(t, v.Subscribe(context.Background(), quotes))

	v.handleMessage([]byte(`{"action":"snapshot","arg":{"instType":"SPOT","channel":"ticker","instId":"BTCUSDT"},
		"data":[{"instId":"BTCUSDT","lastPr":"30000","bidPr":"29999.5","askPr":"30000.5","bidSz":"1","askSz":"2","ts":"1710151200000"}],"ts":1710151200001}`))
	v.handleMessage([]byte(`not json`))

	events := rec.snapshot()
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Quote)
	assert.True(t, events[0].Quote.Ask.Equal(decimal.RequireFromString("30000.5")))
	assert.Equal(t, time.UnixMilli(1710151200000).UTC(), events[0].Quote.Time)
}

func TestSubscribeRejectsNonCrypto(t *testing.T) {
	v, _ := newVendor(t, "http://127.0.0.1:1", "")
	sym := models.NewSymbol("EUR-USD", models.MarketForex, models.VendorBitget)
	err := v.Subscribe(context.Background(), models.NewSubscription(sym, models.Instant(), models.BaseDataTicks, models.CandleNone))
	assert.True(t, helpers.HasCode(err, helpers.ErrCodeUnsupported))
}

func TestWebsocketStreamsTicks(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan subscribeRequest, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req subscribeRequest
		if json.Unmarshal(msg, &req) == nil {
			subscribed <- req
		}
		push := `{"action":"update","arg":{"instType":"SPOT","channel":"ticker","instId":"BTCUSDT"},"data":[{"instId":"BTCUSDT","lastPr":"30123.45","bidPr":"30123","askPr":"30124","ts":"1710151200000"}],"ts":1710151200000}`
		_ = conn.WriteMessage(websocket.TextMessage, []byte(push))

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	v, rec := newVendor(t, "http://127.0.0.1:1", "ws"+strings.TrimPrefix(srv.URL, "http"))
	sym := models.NewSymbol("BTCUSDT", models.MarketCrypto, models.VendorBitget)
	ticks := models.NewSubscription(sym, models.Instant(), models.BaseDataTicks, models.CandleNone)
	require.NoError(t, v.Subscribe(context.Background(), ticks))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- v.Start(ctx) }()

	select {
	case req := <-subscribed:
		assert.Equal(t, "subscribe", req.Op)
		require.Len(t, req.Args, 1)
		assert.Equal(t, "BTCUSDT", req.Args[0].InstId)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe request")
	}

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, rec.snapshot()[0].Tick.Price.Equal(decimal.RequireFromString("30123.45")))
	assert.Equal(t, StateConnected, v.ConnectionState())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("vendor did not stop")
	}
}

func TestFailedSubscribeLeavesNoFeedBehind(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan subscribeRequest, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req subscribeRequest
			if json.Unmarshal(msg, &req) == nil {
				subscribed <- req
			}
		}
	}))
	defer srv.Close()

	v, _ := newVendor(t, "http://127.0.0.1:1", "ws"+strings.TrimPrefix(srv.URL, "http"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- v.Start(ctx) }()
	defer func() {
		cancel()
		<-done
	}()
	require.Eventually(t, func() bool { return v.ConnectionState() == StateConnected }, 2*time.Second, 10*time.Millisecond)

	sym := models.NewSymbol("BTCUSDT", models.MarketCrypto, models.VendorBitget)
	ticks := models.NewSubscription(sym, models.Instant(), models.BaseDataTicks, models.CandleNone)

	canceled, stop := context.WithCancel(context.Background())
	stop()
	err := v.Subscribe(canceled, ticks)
	assert.True(t, helpers.HasCode(err, helpers.ErrCodeVendorRequest))

	v.mu.Lock()
	assert.Empty(t, v.active)
	v.mu.Unlock()
	v.worker.mu.RLock()
	assert.NotContains(t, v.worker.wanted, "BTCUSDT")
	v.worker.mu.RUnlock()

	// the symbol is first again, so a retry reaches the server
	require.NoError(t, v.Subscribe(context.Background(), ticks))
	select {
	case req := <-subscribed:
		assert.Equal(t, "subscribe", req.Op)
		require.Len(t, req.Args, 1)
		assert.Equal(t, "BTCUSDT", req.Args[0].InstId)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe request")
	}
}
