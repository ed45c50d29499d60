package server

import (
	"context"
	"time"

	datasource "market-feeder/src/data_source"
	"market-feeder/src/helpers"
	"market-feeder/src/interfaces"
	"market-feeder/src/logger"
	"market-feeder/src/models"
	"market-feeder/src/timeslice"
	"market-feeder/src/updatetask"
	"market-feeder/src/utils"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const defaultDownloadTimeout = 10 * time.Minute

// coverage is what a finished download task guarantees is in the store.
type coverage struct {
	sub      models.DataSubscription
	from, to time.Time
}

func (c coverage) covers(sub models.DataSubscription, from, to time.Time) bool {
	return c.sub == sub && !c.from.After(from) && !c.to.Before(to)
}

// -----------------------------------------------------------------------------
// HistoryService
// -----------------------------------------------------------------------------

// HistoryService fills the historical store from vendors and answers range
// queries from it. Downloads for the same symbol and resolution are shared
// and at most MaxConcurrentDownloads run at once.
type HistoryService struct {
	Router          *datasource.Router
	Store           interfaces.IHistoricalStore
	Tasks           *updatetask.Registry[coverage]
	FetchWindow     time.Duration
	Lookback        time.Duration
	DownloadTimeout time.Duration
	Logger          *logger.Logger

	clock clock.Clock
	slots *semaphore.Weighted
}

// -----------------------------------------------------------------------------

func NewHistoryService(router *datasource.Router, store interfaces.IHistoricalStore, maxDownloads int, clk clock.Clock, log *logger.Logger) *HistoryService {
	if clk == nil {
		clk = clock.New()
	}
	if maxDownloads <= 0 {
		maxDownloads = 1
	}
	return &HistoryService{
		Router:          router,
		Store:           store,
		Tasks:           updatetask.NewRegistry[coverage](),
		FetchWindow:     utils.DefaultHistoryFetchWindow,
		Lookback:        utils.DefaultUpdateLookback,
		DownloadTimeout: defaultDownloadTimeout,
		Logger:          log,
		clock:           clk,
		slots:           semaphore.NewWeighted(int64(maxDownloads)),
	}
}

// -----------------------------------------------------------------------------

// Range makes sure every subscription is stored for [from, to) and returns the
// merged events ordered by close time.
func (h *HistoryService) Range(ctx context.Context, subs []models.DataSubscription, from, to time.Time) (*timeslice.TimeSlice, error) {
	if !from.Before(to) {
		return nil, helpers.NewProtocolError(helpers.ErrCodeMalformedFrame, "empty range %s..%s", from, to)
	}

	parts := make([]*timeslice.TimeSlice, len(subs))
	g, gctx := errgroup.WithContext(ctx)
	for i, sub := range subs {
		g.Go(func() error {
			if err := h.Ensure(gctx, sub, from, to); err != nil {
				return err
			}
			ts, err := h.Store.LoadRange(gctx, sub, from, to)
			parts[i] = ts
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := timeslice.New()
	for _, ts := range parts {
		if ts != nil {
			out.Merge(ts)
		}
	}
	return out, nil
}

// -----------------------------------------------------------------------------

// Ensure downloads what the store is missing of sub in [from, to). A caller
// joining a task of the same symbol and resolution waits for it and starts
// its own when that task covered something else.
func (h *HistoryService) Ensure(ctx context.Context, sub models.DataSubscription, from, to time.Time) error {
	key := updatetask.Key{Symbol: sub.Symbol, Resolution: sub.Resolution}
	for {
		got, err := h.Tasks.Run(ctx, key, func() (coverage, error) {
			return h.download(sub, from, to)
		})
		if err != nil {
			return err
		}
		if got.covers(sub, from, to) {
			return nil
		}
	}
}

// -----------------------------------------------------------------------------

// download runs detached from any single caller; waiters may leave early.
func (h *HistoryService) download(sub models.DataSubscription, from, to time.Time) (coverage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.DownloadTimeout)
	defer cancel()

	if err := h.slots.Acquire(ctx, 1); err != nil {
		return coverage{}, err
	}
	defer h.slots.Release(1)

	vendor, err := h.Router.Vendor(sub.Symbol.Vendor)
	if err != nil {
		return coverage{}, err
	}

	start, end := from.UTC(), to.UTC()
	if now := h.clock.Now().UTC(); end.After(now) {
		end = now
	}

	// resume after what is already stored when the start is covered
	latest, ok, err := h.Store.LatestTime(ctx, sub)
	if err != nil {
		return coverage{}, err
	}
	if ok && !latest.Before(start) {
		has, err := h.Store.HasData(ctx, sub, start)
		if err != nil {
			return coverage{}, err
		}
		if has {
			start = latest
		}
	}

	window := h.FetchWindow
	if window <= 0 {
		window = utils.DefaultHistoryFetchWindow
	}

	saved := 0
	for cur := start; cur.Before(end); {
		next := cur.Add(window)
		if next.After(end) {
			next = end
		}
		if err := h.Router.Acquire(ctx, sub.Symbol.Vendor); err != nil {
			return coverage{}, err
		}
		events, err := vendor.HistoricalRange(ctx, sub, cur, next)
		if err != nil {
			return coverage{}, err
		}
		if err := h.Store.SaveEvents(ctx, sub, events); err != nil {
			return coverage{}, err
		}
		saved += len(events)
		cur = next
	}

	if saved > 0 {
		h.Logger.Info("Downloaded %d events of %s (%s..%s)", saved, sub, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return coverage{sub: sub, from: from, to: to}, nil
}

// -----------------------------------------------------------------------------
// Background loops
// -----------------------------------------------------------------------------

// RunUpdates refreshes the recent history of active bar subscriptions whose
// market is open, every interval until ctx is done.
func (h *HistoryService) RunUpdates(ctx context.Context, interval time.Duration, active func() []models.DataSubscription, scheduler *utils.MarketScheduler) {
	ticker := h.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := h.Refresh(ctx, active(), scheduler)
			h.Logger.Debug("Historical update refreshed %d subscriptions", n)
		}
	}
}

// Refresh runs one update pass and returns how many subscriptions succeeded.
func (h *HistoryService) Refresh(ctx context.Context, subs []models.DataSubscription, scheduler *utils.MarketScheduler) int {
	now := h.clock.Now()
	n := 0
	for _, sub := range subs {
		if !sub.IsAggregate() || !sub.Resolution.IsTimeBased() {
			continue
		}
		if scheduler != nil && !scheduler.IsOpen(sub.Symbol, now) {
			continue
		}
		if err := h.Ensure(ctx, sub, now.Add(-h.Lookback), now); err != nil {
			h.Logger.Warning("Historical update of %s failed: %v", sub, err)
			continue
		}
		n++
	}
	return n
}

// -----------------------------------------------------------------------------

// RunRetention drops stored history older than retention, once now and then
// every interval.
func (h *HistoryService) RunRetention(ctx context.Context, retention, interval time.Duration) {
	cleanup := func() {
		if err := h.Store.CleanupOldData(ctx, retention); err != nil {
			h.Logger.Warning("Retention cleanup failed: %v", err)
		}
	}
	cleanup()

	ticker := h.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleanup()
		}
	}
}
