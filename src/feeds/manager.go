// Package feeds turns client subscriptions into vendor feeds. Native feeds
// are forwarded as published by the vendor; everything else is consolidated
// from the finest native feed of the same symbol.
package feeds

import (
	"context"
	"sort"
	"sync"
	"time"

	"market-feeder/src/broadcast"
	"market-feeder/src/consolidators"
	datasource "market-feeder/src/data_source"
	"market-feeder/src/helpers"
	"market-feeder/src/interfaces"
	"market-feeder/src/logger"
	"market-feeder/src/models"
	"market-feeder/src/utils"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
)

var _ interfaces.IPublisher = (*Manager)(nil)

// DefaultClockInterval is how often consolidator tasks check for bars that
// closed without a new event.
const DefaultClockInterval = time.Second

// -----------------------------------------------------------------------------

// feed is pending until ready is closed; err is set when its start failed.
type feed struct {
	sub    models.DataSubscription
	refs   int
	native bool
	base   models.DataSubscription
	cancel context.CancelFunc
	done   chan struct{}
	ready  chan struct{}
	err    error
}

func (f *feed) started() bool {
	select {
	case <-f.ready:
		return f.err == nil
	default:
		return false
	}
}

// FeedStatus describes one live feed for status endpoints.
type FeedStatus struct {
	Subscription string `json:"subscription"`
	Refs         int    `json:"refs"`
	Native       bool   `json:"native"`
	Base         string `json:"base,omitempty"`
	Receivers    int    `json:"receivers"`
}

// -----------------------------------------------------------------------------

type Manager struct {
	Router          *datasource.Router
	Registry        *broadcast.Registry
	Latest          *utils.MemoryManager
	HistoryCapacity int
	ClockInterval   time.Duration
	Logger          *logger.Logger

	clock    clock.Clock
	feeds    map[models.DataSubscription]*feed
	stopping map[models.DataSubscription]chan struct{}
	closed   bool
	mu       sync.Mutex
}

// -----------------------------------------------------------------------------

func NewManager(router *datasource.Router, registry *broadcast.Registry, latest *utils.MemoryManager, clk clock.Clock, historyCapacity int, log *logger.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		Router:          router,
		Registry:        registry,
		Latest:          latest,
		HistoryCapacity: historyCapacity,
		ClockInterval:   DefaultClockInterval,
		Logger:          log,
		clock:           clk,
		feeds:           make(map[models.DataSubscription]*feed),
		stopping:        make(map[models.DataSubscription]chan struct{}),
	}
}

// -----------------------------------------------------------------------------

// Publish is the vendors' and consolidators' way into the broadcast registry.
func (m *Manager) Publish(sub models.DataSubscription, ev models.BaseData) bool {
	if m.Latest != nil {
		m.Latest.AddDataPoint(sub, ev)
	}
	return m.Registry.Publish(sub, ev)
}

// -----------------------------------------------------------------------------

// Subscribe adds a reference to sub, starting its feed on the first one.
// Vendor calls run without holding the manager lock; callers joining a feed
// that is still starting wait for it.
func (m *Manager) Subscribe(ctx context.Context, sub models.DataSubscription) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return helpers.NewVendorError(nil, helpers.ErrCodeVendorUnavailable, "feed manager is closed")
	}
	if f, ok := m.feeds[sub]; ok {
		f.refs++
		m.mu.Unlock()
		return m.join(ctx, f)
	}
	f := &feed{sub: sub, refs: 1, ready: make(chan struct{})}
	m.feeds[sub] = f
	prev := m.stopping[sub]
	m.mu.Unlock()

	err := m.start(ctx, f, prev)

	m.mu.Lock()
	if err != nil {
		f.err = err
		if m.feeds[sub] == f {
			delete(m.feeds, sub)
		}
	}
	close(f.ready)
	m.mu.Unlock()
	return err
}

// -----------------------------------------------------------------------------

func (m *Manager) join(ctx context.Context, f *feed) error {
	select {
	case <-f.ready:
		return f.err
	case <-ctx.Done():
		// the reference was taken; give it back once the start settles
		go m.Unsubscribe(context.Background(), f.sub)
		return ctx.Err()
	}
}

// -----------------------------------------------------------------------------

// start opens the vendor feed or the consolidator task of f. prev, when set,
// is closed once an earlier feed of the same subscription has stopped.
func (m *Manager) start(ctx context.Context, f *feed, prev <-chan struct{}) error {
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	sub := f.sub

	vendor, err := m.Router.Vendor(sub.Symbol.Vendor)
	if err != nil {
		return err
	}
	natives := vendor.NativeFeeds(sub.Symbol.MarketType)

	if isNative(sub, natives) {
		if err := m.Router.Acquire(ctx, sub.Symbol.Vendor); err != nil {
			return err
		}
		if err := vendor.Subscribe(ctx, sub); err != nil {
			return err
		}
		f.native = true
		m.Logger.Info("Native feed started: %s", sub)
		return nil
	}

	base, ok := baseFeed(sub, natives)
	if !ok {
		return helpers.NewVendorError(nil, helpers.ErrCodeUnsupported, "%s has no feed to consolidate %s from", sub.Symbol.Vendor, sub)
	}

	cons, err := consolidators.New(sub, m.HistoryCapacity, m.tickSize(ctx, vendor, sub.Symbol))
	if err != nil {
		return err
	}

	if err := m.Subscribe(ctx, base); err != nil {
		return err
	}

	recv := m.Registry.Subscribe(base)
	taskCtx, cancel := context.WithCancel(context.Background())
	f.base = base
	f.cancel = cancel
	f.done = make(chan struct{})

	go m.runConsolidator(taskCtx, f, cons, recv)
	m.Logger.Info("Consolidated feed started: %s from %s", sub, base)
	return nil
}

// -----------------------------------------------------------------------------

func (m *Manager) tickSize(ctx context.Context, vendor interfaces.IDataVendor, sym models.Symbol) decimal.Decimal {
	if err := m.Router.Acquire(ctx, sym.Vendor); err != nil {
		return decimal.Zero
	}
	tick, err := vendor.TickSize(ctx, sym.Name)
	if err != nil {
		m.Logger.Warning("No tick size for %s, ranges are not rounded: %v", sym, err)
		return decimal.Zero
	}
	return tick
}

// -----------------------------------------------------------------------------

// Unsubscribe drops a reference; the last one stops the feed. Unknown
// subscriptions are ignored. Only a start of the same subscription is waited
// for.
func (m *Manager) Unsubscribe(ctx context.Context, sub models.DataSubscription) {
	m.mu.Lock()
	f, ok := m.feeds[sub]
	m.mu.Unlock()
	if !ok {
		return
	}
	<-f.ready

	m.mu.Lock()
	if m.feeds[sub] != f {
		m.mu.Unlock()
		return
	}
	f.refs--
	if f.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.feeds, sub)
	stopped := make(chan struct{})
	m.stopping[sub] = stopped
	m.mu.Unlock()

	m.stop(ctx, f)

	m.mu.Lock()
	if m.stopping[sub] == stopped {
		delete(m.stopping, sub)
	}
	m.mu.Unlock()
	close(stopped)
}

// -----------------------------------------------------------------------------

// stop releases a started feed that is no longer in the feed table.
func (m *Manager) stop(ctx context.Context, f *feed) {
	if m.Latest != nil {
		m.Latest.Drop(f.sub)
	}

	if !f.native {
		f.cancel()
		<-f.done
		m.Logger.Info("Consolidated feed stopped: %s", f.sub)
		m.Unsubscribe(ctx, f.base)
		return
	}

	vendor, err := m.Router.Vendor(f.sub.Symbol.Vendor)
	if err != nil {
		return
	}
	if err := vendor.Unsubscribe(ctx, f.sub); err != nil {
		m.Logger.Warning("Vendor unsubscribe %s failed: %v", f.sub, err)
	}
	m.Logger.Info("Native feed stopped: %s", f.sub)
}

// -----------------------------------------------------------------------------

// runConsolidator folds base events into sub and publishes both the
// in-progress and the closed bars.
func (m *Manager) runConsolidator(ctx context.Context, f *feed, cons consolidators.Consolidator, recv *broadcast.Receiver) {
	defer close(f.done)
	defer recv.Close()

	interval := m.ClockInterval
	if interval <= 0 {
		interval = DefaultClockInterval
	}
	ticker := m.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			m.emit(f.sub, cons.UpdateTime(m.clock.Now()))

		case <-recv.Ready():
			for {
				ev, ok, lagged := recv.TryRecv()
				if !ok {
					break
				}
				if lagged > 0 {
					m.Logger.Warning("Consolidator %s lagged by %d events", f.sub, lagged)
				}
				out, err := cons.Update(ev)
				if err != nil {
					m.Logger.Error("Consolidator %s: %v", f.sub, err)
					continue
				}
				m.emit(f.sub, out)
			}
		}
	}
}

// -----------------------------------------------------------------------------

func (m *Manager) emit(sub models.DataSubscription, out consolidators.Output) {
	if out.Closed != nil {
		m.Publish(sub, *out.Closed)
	}
	if out.Open != nil {
		m.Publish(sub, *out.Open)
	}
}

// -----------------------------------------------------------------------------

// IsActive reports whether sub currently has a started feed.
func (m *Manager) IsActive(sub models.DataSubscription) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.feeds[sub]
	return ok && f.started()
}

// -----------------------------------------------------------------------------

// Active lists started feeds in subscription order.
func (m *Manager) Active() []FeedStatus {
	m.mu.Lock()
	subs := make([]models.DataSubscription, 0, len(m.feeds))
	for sub, f := range m.feeds {
		if f.started() {
			subs = append(subs, sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Compare(subs[j]) < 0 })

	out := make([]FeedStatus, 0, len(subs))
	for _, sub := range subs {
		f := m.feeds[sub]
		st := FeedStatus{
			Subscription: f.sub.String(),
			Refs:         f.refs,
			Native:       f.native,
			Receivers:    m.Registry.ReceiverCount(f.sub),
		}
		if !f.native {
			st.Base = f.base.String()
		}
		out = append(out, st)
	}
	m.mu.Unlock()
	return out
}

// -----------------------------------------------------------------------------

// Subscriptions lists the subscriptions with a started feed.
func (m *Manager) Subscriptions() []models.DataSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.DataSubscription, 0, len(m.feeds))
	for sub, f := range m.feeds {
		if f.started() {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// -----------------------------------------------------------------------------

// Close stops every feed regardless of references. Later subscribes fail.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	list := make([]*feed, 0, len(m.feeds))
	for _, f := range m.feeds {
		list = append(list, f)
	}
	clear(m.feeds)
	m.mu.Unlock()

	// derived feeds first; their base is already out of the table
	for _, f := range list {
		<-f.ready
		if f.err == nil && !f.native {
			m.stop(ctx, f)
		}
	}
	for _, f := range list {
		if f.err == nil && f.native {
			m.stop(ctx, f)
		}
	}
}

// -----------------------------------------------------------------------------

func isNative(sub models.DataSubscription, natives []models.FeedSpec) bool {
	for _, f := range natives {
		if f.Resolution == sub.Resolution && f.BaseDataType == sub.BaseDataType {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------

// baseFeed picks the finest native feed sub can be built from: raw ticks for
// candles, raw quotes for quote bars, else the finest native bar whose period
// divides sub's.
func baseFeed(sub models.DataSubscription, natives []models.FeedSpec) (models.DataSubscription, bool) {
	raw := models.BaseDataTicks
	if sub.BaseDataType == models.BaseDataQuoteBars {
		raw = models.BaseDataQuotes
	}

	var best *models.FeedSpec
	for i := range natives {
		f := natives[i]
		if f.Resolution.Kind == models.ResolutionInstant && f.BaseDataType == raw {
			return f.For(sub.Symbol), true
		}
		if f.BaseDataType != sub.BaseDataType || !f.Resolution.IsTimeBased() || !sub.Resolution.IsTimeBased() {
			continue
		}
		fd, sd := f.Resolution.Duration(), sub.Resolution.Duration()
		if fd >= sd || sd%fd != 0 {
			continue
		}
		if best == nil || fd < best.Resolution.Duration() {
			best = &natives[i]
		}
	}
	if best == nil {
		return models.DataSubscription{}, false
	}
	return best.For(sub.Symbol), true
}
