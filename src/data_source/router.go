package datasource

import (
	"context"
	"sort"
	"sync"
	"time"

	"market-feeder/src/helpers"
	"market-feeder/src/interfaces"
	"market-feeder/src/logger"
	"market-feeder/src/models"
	"market-feeder/src/ratelimit"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
)

// Router resolves vendors and brokers by name and owns one rate limiter per
// vendor so every upstream call goes through the same budget.
type Router struct {
	vendors  map[models.Vendor]interfaces.IDataVendor
	brokers  map[models.Brokerage]interfaces.IBroker
	limiters map[models.Vendor]*ratelimit.RateLimiter
	clock    clock.Clock
	Logger   *logger.Logger
	mu       sync.RWMutex
}

// -----------------------------------------------------------------------------

func NewRouter(clk clock.Clock, log *logger.Logger) *Router {
	if clk == nil {
		clk = clock.New()
	}
	return &Router{
		vendors:  make(map[models.Vendor]interfaces.IDataVendor),
		brokers:  make(map[models.Brokerage]interfaces.IBroker),
		limiters: make(map[models.Vendor]*ratelimit.RateLimiter),
		clock:    clk,
		Logger:   log,
	}
}

// -----------------------------------------------------------------------------

// AddVendor registers v with a limiter of limit.MaxTokens per limit.IntervalMs.
func (r *Router) AddVendor(v interfaces.IDataVendor, limit models.MRateLimitConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := v.Name()
	if _, exists := r.vendors[name]; exists {
		return helpers.NewConfigurationError("vendor %s already registered", name)
	}

	r.vendors[name] = v
	r.limiters[name] = ratelimit.New(limit.MaxTokens, time.Duration(limit.IntervalMs)*time.Millisecond, r.clock)
	r.Logger.Info("Added vendor: %s (%d calls / %dms)", name, limit.MaxTokens, limit.IntervalMs)
	return nil
}

// -----------------------------------------------------------------------------

func (r *Router) AddBroker(b interfaces.IBroker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := b.Name()
	if _, exists := r.brokers[name]; exists {
		return helpers.NewConfigurationError("broker %s already registered", name)
	}
	r.brokers[name] = b
	r.Logger.Info("Added broker: %s", name)
	return nil
}

// -----------------------------------------------------------------------------

func (r *Router) Vendor(name models.Vendor) (interfaces.IDataVendor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.vendors[name]
	if !ok {
		return nil, helpers.NewVendorError(nil, helpers.ErrCodeVendorUnavailable, "vendor %s not available", name)
	}
	return v, nil
}

// -----------------------------------------------------------------------------

func (r *Router) Broker(name models.Brokerage) (interfaces.IBroker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.brokers[name]
	if !ok {
		return nil, helpers.NewVendorError(nil, helpers.ErrCodeVendorUnavailable, "broker %s not available", name)
	}
	return b, nil
}

// -----------------------------------------------------------------------------

// Acquire waits for a permit of vendor's limiter.
func (r *Router) Acquire(ctx context.Context, name models.Vendor) error {
	r.mu.RLock()
	rl, ok := r.limiters[name]
	r.mu.RUnlock()

	if !ok {
		return helpers.NewVendorError(nil, helpers.ErrCodeVendorUnavailable, "vendor %s not available", name)
	}
	return rl.Acquire(ctx)
}

// -----------------------------------------------------------------------------

// Limiter exposes vendor's limiter for status reporting.
func (r *Router) Limiter(name models.Vendor) (*ratelimit.RateLimiter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rl, ok := r.limiters[name]
	return rl, ok
}

// -----------------------------------------------------------------------------

// Vendors lists registered vendor names in order.
func (r *Router) Vendors() []models.Vendor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]models.Vendor, 0, len(r.vendors))
	for name := range r.vendors {
		list = append(list, name)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}

// -----------------------------------------------------------------------------

// Start runs every vendor until ctx is cancelled or one of them fails.
func (r *Router) Start(ctx context.Context) error {
	r.mu.RLock()
	vendors := make([]interfaces.IDataVendor, 0, len(r.vendors))
	for _, v := range r.vendors {
		vendors = append(vendors, v)
	}
	r.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, v := range vendors {
		g.Go(func() error {
			r.Logger.Info("Starting vendor %s", v.Name())
			if err := v.Start(ctx); err != nil && ctx.Err() == nil {
				r.Logger.Error("Vendor %s stopped: %v", v.Name(), err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// -----------------------------------------------------------------------------

// Close releases the limiters.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rl := range r.limiters {
		rl.Close()
	}
}
