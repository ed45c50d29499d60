package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"market-feeder/src/broadcast"
	"market-feeder/src/logger"
	"market-feeder/src/models"
	"market-feeder/src/network"
	"market-feeder/src/timeslice"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFeeds counts references per subscription.
type fakeFeeds struct {
	mu   sync.Mutex
	refs map[models.DataSubscription]int
	fail map[models.DataSubscription]error
}

func newFakeFeeds() *fakeFeeds {
	return &fakeFeeds{refs: map[models.DataSubscription]int{}, fail: map[models.DataSubscription]error{}}
}

func (f *fakeFeeds) Subscribe(_ context.Context, sub models.DataSubscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[sub]; err != nil {
		return err
	}
	f.refs[sub]++
	return nil
}

func (f *fakeFeeds) Unsubscribe(_ context.Context, sub models.DataSubscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs[sub]--
}

func (f *fakeFeeds) Refs(sub models.DataSubscription) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs[sub]
}

// -----------------------------------------------------------------------------

type streamHarness struct {
	srv      *StreamServer
	registry *broadcast.Registry
	feeds    *fakeFeeds
	addr     string
	cancel   context.CancelFunc
	served   chan error
}

func newStreamHarness(t *testing.T, cfg models.MStreamConfig) *streamHarness {
	t.Helper()
	if cfg.DrainTickMs == 0 {
		cfg.DrainTickMs = 5
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.RegistrationTimeoutSeconds == 0 {
		cfg.RegistrationTimeoutSeconds = 5
	}
	if cfg.ShutdownGraceSeconds == 0 {
		cfg.ShutdownGraceSeconds = 5
	}

	registry := broadcast.NewRegistry(64, logger.Nop())
	feeds := newFakeFeeds()
	srv := NewStreamServer(cfg, registry, feeds, clock.New(), logger.Nop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &streamHarness{srv: srv, registry: registry, feeds: feeds, addr: ln.Addr().String(), cancel: cancel, served: make(chan error, 1)}
	go func() { h.served <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-h.served
	})
	return h
}

// streamClient is the raw client side of a streaming connection.
type streamClient struct {
	t      *testing.T
	conn   net.Conn
	framer network.Framer
}

func (h *streamHarness) dial(t *testing.T) *streamClient {
	t.Helper()
	conn, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &streamClient{t: t, conn: conn, framer: network.StreamFramer(0)}
}

func (c *streamClient) send(req models.StreamRequest) {
	payload, err := network.EncodeStreamRequest(req)
	require.NoError(c.t, err)
	require.NoError(c.t, c.framer.WriteFrame(c.conn, payload))
}

func (c *streamClient) register(flush time.Duration) {
	c.send(models.NewRegisterRequest(models.NewRegisterStreamer(9000, flush)))
}

func (c *streamClient) readSlice(timeout time.Duration) (*timeslice.TimeSlice, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	payload, err := c.framer.ReadFrame(c.conn)
	if err != nil {
		return nil, err
	}
	return network.DecodeTimeSlice(payload)
}

// expectClosed waits for the server to close the connection.
func (c *streamClient) expectClosed(timeout time.Duration) {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, err := c.conn.Read(make([]byte, 1))
	require.Error(c.t, err)
	var ne net.Error
	if errors.As(err, &ne) {
		require.False(c.t, ne.Timeout(), "connection still open after %v", timeout)
	}
}

// -----------------------------------------------------------------------------

func tickSub(name string) models.DataSubscription {
	sym := models.NewSymbol(name, models.MarketForex, models.VendorSimulated)
	return models.NewSubscription(sym, models.Instant(), models.BaseDataTicks, models.CandleNone)
}

func barSub(name string) models.DataSubscription {
	sym := models.NewSymbol(name, models.MarketForex, models.VendorSimulated)
	return models.NewSubscription(sym, models.Minutes(1), models.BaseDataCandles, models.CandleStick)
}

func tick(sub models.DataSubscription, at time.Time, price int64) models.BaseData {
	return models.NewTickData(models.Tick{
		Symbol: sub.Symbol,
		Price:  decimal.NewFromInt(price),
		Volume: decimal.NewFromInt(1),
		Time:   at,
	})
}

func bar(sub models.DataSubscription, open time.Time, price int64, closed bool) models.BaseData {
	p := decimal.NewFromInt(price)
	return models.NewCandleData(models.Candle{
		Symbol:     sub.Symbol,
		Resolution: sub.Resolution,
		CandleType: sub.CandleType,
		Open:       p,
		High:       p,
		Low:        p,
		Close:      p,
		Volume:     decimal.NewFromInt(1),
		Time:       open,
		IsClosed:   closed,
	})
}

// -----------------------------------------------------------------------------
// Registration
// -----------------------------------------------------------------------------

func TestRegistrationTimeoutClosesConnection(t *testing.T) {
	h := newStreamHarness(t, models.MStreamConfig{RegistrationTimeoutSeconds: 1})
	c := h.dial(t)

	c.expectClosed(3 * time.Second)
	assert.Equal(t, 0, h.srv.Len())
}

func TestFirstFrameMustBeRegistration(t *testing.T) {
	h := newStreamHarness(t, models.MStreamConfig{})
	c := h.dial(t)

	c.send(models.NewSubscribeRequest(tickSub("EUR-USD")))

	c.expectClosed(2 * time.Second)
	assert.Equal(t, 0, h.feeds.Refs(tickSub("EUR-USD")))
}

// -----------------------------------------------------------------------------
// Streaming
// -----------------------------------------------------------------------------

func TestSubscribedEventsArriveAsTimeSlices(t *testing.T) {
	h := newStreamHarness(t, models.MStreamConfig{})
	sub := tickSub("EUR-USD")

	c := h.dial(t)
	c.register(20 * time.Millisecond)
	c.send(models.NewSubscribeRequest(sub))
	require.Eventually(t, func() bool { return h.feeds.Refs(sub) == 1 }, 2*time.Second, 5*time.Millisecond)

	base := time.Date(2024, 3, 11, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.True(t, h.registry.Publish(sub, tick(sub, base.Add(time.Duration(i)*time.Second), int64(100+i))))
	}

	var got []models.BaseData
	for len(got) < 3 {
		ts, err := c.readSlice(2 * time.Second)
		require.NoError(t, err)
		got = append(got, ts.Events()...)
	}
	require.Len(t, got, 3)
	for i, ev := range got {
		assert.True(t, ev.Tick.Price.Equal(decimal.NewFromInt(int64(100+i))))
	}

	sessions := h.srv.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "active", sessions[0].State)
	assert.Equal(t, []string{sub.String()}, sessions[0].Subscriptions)
}

func TestUnsubscribeReleasesFeedAndUnknownIsNoop(t *testing.T) {
	h := newStreamHarness(t, models.MStreamConfig{})
	sub := tickSub("EUR-USD")

	c := h.dial(t)
	c.register(20 * time.Millisecond)
	c.send(models.NewUnsubscribeRequest(tickSub("GBP-USD")))
	c.send(models.NewSubscribeRequest(sub))
	c.send(models.NewSubscribeRequest(sub))
	require.Eventually(t, func() bool { return h.feeds.Refs(sub) == 1 }, 2*time.Second, 5*time.Millisecond)

	c.send(models.NewUnsubscribeRequest(sub))
	require.Eventually(t, func() bool { return h.feeds.Refs(sub) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.feeds.Refs(tickSub("GBP-USD")))
	assert.Equal(t, 1, h.srv.Len())
}

func TestClientDisconnectReleasesSession(t *testing.T) {
	h := newStreamHarness(t, models.MStreamConfig{})
	sub := tickSub("EUR-USD")

	c := h.dial(t)
	c.register(20 * time.Millisecond)
	c.send(models.NewSubscribeRequest(sub))
	require.Eventually(t, func() bool { return h.feeds.Refs(sub) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.conn.Close())

	require.Eventually(t, func() bool { return h.srv.Len() == 0 && h.feeds.Refs(sub) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.registry.ReceiverCount(sub))
}

func TestFailedFeedSubscribeLeavesNoReceiver(t *testing.T) {
	h := newStreamHarness(t, models.MStreamConfig{})
	sub := tickSub("EUR-USD")
	h.feeds.fail[sub] = errors.New("vendor down")

	c := h.dial(t)
	c.register(20 * time.Millisecond)
	c.send(models.NewSubscribeRequest(sub))

	require.Eventually(t, func() bool { return h.srv.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, h.registry.ReceiverCount(sub))
	assert.Equal(t, "registered", h.srv.Sessions()[0].State)
}

func TestIdleSessionIsClosed(t *testing.T) {
	h := newStreamHarness(t, models.MStreamConfig{IdleTimeoutSeconds: 1})
	c := h.dial(t)
	c.register(20 * time.Millisecond)

	c.expectClosed(3 * time.Second)
	require.Eventually(t, func() bool { return h.srv.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestShutdownFlushesPendingEvents(t *testing.T) {
	h := newStreamHarness(t, models.MStreamConfig{})
	sub := tickSub("EUR-USD")

	c := h.dial(t)
	// long flush interval: only the final flush can deliver
	c.register(time.Hour)
	c.send(models.NewSubscribeRequest(sub))
	require.Eventually(t, func() bool { return h.feeds.Refs(sub) == 1 }, 2*time.Second, 5*time.Millisecond)

	base := time.Date(2024, 3, 11, 12, 0, 0, 0, time.UTC)
	require.True(t, h.registry.Publish(sub, tick(sub, base, 100)))
	require.True(t, h.registry.Publish(sub, tick(sub, base.Add(time.Second), 101)))
	time.Sleep(50 * time.Millisecond)

	h.cancel()

	ts, err := c.readSlice(3 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, ts.Len())

	_, err = c.readSlice(3 * time.Second)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, <-h.served)
	h.served <- nil
	assert.Equal(t, 0, h.feeds.Refs(sub))
}

// -----------------------------------------------------------------------------
// Flush window
// -----------------------------------------------------------------------------

func TestPendingFlushKeepsLatestOpenBar(t *testing.T) {
	sub := barSub("EUR-USD")
	raw := tickSub("EUR-USD")
	open := time.Date(2024, 3, 11, 12, 0, 0, 0, time.UTC)

	p := newPendingFlush()
	p.add([]subEvent{
		{sub: sub, ev: bar(sub, open, 100, false)},
		{sub: raw, ev: tick(raw, open.Add(time.Second), 100)},
		{sub: sub, ev: bar(sub, open, 101, false)},
		{sub: raw, ev: tick(raw, open.Add(2*time.Second), 101)},
		{sub: sub, ev: bar(sub, open, 102, false)},
	})
	require.Len(t, p.events, 3)

	ts := p.take()
	assert.True(t, p.empty())

	var bars []models.BaseData
	for _, ev := range ts.Events() {
		if ev.Type == models.BaseDataCandles {
			bars = append(bars, ev)
		}
	}
	require.Len(t, bars, 1)
	assert.True(t, bars[0].Candle.Close.Equal(decimal.NewFromInt(102)))
}

func TestPendingFlushClosedTickBarReplacesItsOpenVersion(t *testing.T) {
	sym := models.NewSymbol("EUR-USD", models.MarketForex, models.VendorSimulated)
	sub := models.NewSubscription(sym, models.Ticks(3), models.BaseDataCandles, models.CandleStick)
	start := time.Date(2024, 3, 11, 12, 0, 0, 0, time.UTC)

	// tick bars carry the time of their latest tick
	p := newPendingFlush()
	p.add([]subEvent{
		{sub: sub, ev: bar(sub, start.Add(time.Millisecond), 100, false)},
		{sub: sub, ev: bar(sub, start.Add(2*time.Millisecond), 101, false)},
		{sub: sub, ev: bar(sub, start.Add(3*time.Millisecond), 102, true)},
	})

	events := p.take().Events()
	require.Len(t, events, 1)
	assert.True(t, events[0].Candle.IsClosed)
	assert.True(t, events[0].Candle.Close.Equal(decimal.NewFromInt(102)))

	p.add([]subEvent{
		{sub: sub, ev: bar(sub, start.Add(4*time.Millisecond), 103, false)},
		{sub: sub, ev: bar(sub, start.Add(6*time.Millisecond), 105, true)},
		{sub: sub, ev: bar(sub, start.Add(7*time.Millisecond), 106, false)},
	})
	events = p.take().Events()
	require.Len(t, events, 2)
	assert.True(t, events[0].Candle.IsClosed)
	assert.False(t, events[1].Candle.IsClosed)
	assert.True(t, events[1].Candle.Close.Equal(decimal.NewFromInt(106)))
}

func TestPendingFlushClosedBarReplacesItsOpenVersion(t *testing.T) {
	sub := barSub("EUR-USD")
	open := time.Date(2024, 3, 11, 12, 0, 0, 0, time.UTC)
	next := open.Add(time.Minute)

	p := newPendingFlush()
	p.add([]subEvent{
		{sub: sub, ev: bar(sub, open, 100, false)},
		{sub: sub, ev: bar(sub, open, 101, true)},
		{sub: sub, ev: bar(sub, next, 102, false)},
	})

	events := p.take().Events()
	require.Len(t, events, 2)
	assert.True(t, events[0].Candle.IsClosed)
	assert.True(t, events[0].Candle.Close.Equal(decimal.NewFromInt(101)))
	assert.False(t, events[1].Candle.IsClosed)
}
