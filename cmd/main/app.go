package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"runtime/debug"
	"time"

	"market-feeder/src/broadcast"
	"market-feeder/src/config"
	datasource "market-feeder/src/data_source"
	"market-feeder/src/data_source/bitget"
	"market-feeder/src/data_source/simulated"
	"market-feeder/src/feeds"
	"market-feeder/src/grpc_control"
	"market-feeder/src/helpers"
	"market-feeder/src/interfaces"
	"market-feeder/src/logger"
	"market-feeder/src/models"
	"market-feeder/src/network"
	"market-feeder/src/server"
	"market-feeder/src/storage"
	"market-feeder/src/utils"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
)

// app holds every long-lived component of the server process.
type app struct {
	cfg    *config.Config
	logger *logger.Logger
	clock  clock.Clock
	tls    *tls.Config

	store     interfaces.IHistoricalStore
	registry  *broadcast.Registry
	latest    *utils.MemoryManager
	router    *datasource.Router
	feeds     *feeds.Manager
	scheduler *utils.MarketScheduler
	history   *server.HistoryService
	stream    *server.StreamServer
	requests  *server.RequestServer
	reporter  *server.StatusReporter
	hub       *server.Hub
	admin     *server.AdminServer
	control   *grpc_control.ControlService
}

// -----------------------------------------------------------------------------

func newApp(cfg *config.Config, log *logger.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: log, clock: clock.New()}

	// 0. Soft memory limit
	limitMB := helpers.RecommendedMemoryLimitMB()
	debug.SetMemoryLimit(int64(limitMB) << 20)
	log.Info("Memory limit set to %dMB", limitMB)

	// 1. TLS
	tlsCfg, err := server.LoadTLSConfig(cfg.CertPaths())
	if err != nil {
		return nil, err
	}
	a.tls = tlsCfg
	if tlsCfg == nil {
		log.Warning("No ssl folder configured, serving plain TCP")
	}

	// 2. Storage
	store, err := storage.New(cfg.MConfig, log.Named("storage"))
	if err != nil {
		return nil, fmt.Errorf("failed to init store: %w", err)
	}
	if err := store.Initialize(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	a.store = store

	// 3. Broadcast, feeds and vendors
	a.registry = broadcast.NewRegistry(cfg.Stream.BroadcastCapacity, log.Named("broadcast"))
	a.latest = utils.NewMemoryManager(cfg.Stream.HistoryCapacity)
	a.router = datasource.NewRouter(a.clock, log.Named("router"))
	a.feeds = feeds.NewManager(a.router, a.registry, a.latest, a.clock, cfg.Stream.HistoryCapacity, log.Named("feeds"))
	a.scheduler = utils.NewMarketScheduler(log.Named("scheduler"))

	if err := a.addVendors(); err != nil {
		a.close()
		return nil, err
	}

	// 4. Servers
	a.history = server.NewHistoryService(a.router, a.store, cfg.DataSource.MaxConcurrentDownloads, a.clock, log.Named("history"))
	a.stream = server.NewStreamServer(cfg.Stream, a.registry, a.feeds, a.clock, log.Named("stream"))
	a.requests = server.NewRequestServer(a.router, a.history, cfg.Stream.MaxFrameBytes, log.Named("registry"))

	a.reporter = server.NewStatusReporter(cfg.Name, a.clock)
	a.reporter.Feeds = a.feeds
	a.reporter.Stream = a.stream
	a.reporter.Requests = a.requests
	a.reporter.History = a.history
	a.reporter.Router = a.router
	a.reporter.Registry = a.registry

	a.hub = server.NewHub(a.registry, a.feeds, log.Named("monitor"))
	a.admin = server.NewAdminServer(cfg.MConfig, a.reporter, a.latest, a.hub, log.Named("admin"))
	a.control = grpc_control.NewControlService(a.reporter, log.Named("grpc"))
	return a, nil
}

// -----------------------------------------------------------------------------

func (a *app) addVendors() error {
	for _, vcfg := range a.cfg.DataSource.Vendors {
		if !vcfg.Enabled {
			continue
		}
		switch models.Vendor(vcfg.Name) {
		case models.VendorSimulated:
			sim := simulated.New(vcfg, a.feeds, a.clock, a.logger.Named("simulated"))
			if err := a.router.AddVendor(sim, vcfg.RateLimit); err != nil {
				return err
			}
			if err := a.router.AddBroker(simulated.NewBroker(sim)); err != nil {
				return err
			}

		case models.VendorBitget:
			rest := network.NewRestClient(bitget.BaseURL(vcfg), a.cfg.Network, a.logger.Named("bitget-rest"))
			v := bitget.New(vcfg, rest, a.feeds, reconnectPolicy(vcfg), a.cfg.Network.UserAgent, a.clock, a.logger.Named("bitget"))
			if err := a.router.AddVendor(v, vcfg.RateLimit); err != nil {
				return err
			}

		default:
			return helpers.NewConfigurationError("unknown vendor %q", vcfg.Name)
		}
		a.logger.Info("Vendor %s enabled with %d symbols", vcfg.Name, len(vcfg.Symbols))
	}
	return nil
}

// reconnectPolicy waits for the market to open when the vendor has a
// calendar, otherwise backs off exponentially.
func reconnectPolicy(vcfg models.MVendorConfig) utils.RetryPolicy {
	if vcfg.Calendar != "" {
		return utils.NewMarketHoursPolicy(utils.GetCalendar(vcfg.Calendar), utils.DefaultReconnectMinDelay)
	}
	return utils.NewBackoffPolicy(helpers.DefaultRetryConfig())
}

// -----------------------------------------------------------------------------

// activeSubscriptions lists live feeds and tracks their trading calendars.
func (a *app) activeSubscriptions() []models.DataSubscription {
	subs := a.feeds.Subscriptions()
	for _, sub := range subs {
		mic := ""
		if vcfg, ok := a.cfg.Vendor(sub.Symbol.Vendor); ok {
			mic = vcfg.Calendar
		}
		a.scheduler.Track(sub.Symbol, mic)
	}
	return subs
}

// -----------------------------------------------------------------------------

// run serves until ctx is cancelled or a component fails.
func (a *app) run(ctx context.Context) error {
	cfg := a.cfg
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.router.Start(ctx) })

	g.Go(func() error {
		a.registry.Run(ctx, time.Duration(cfg.Stream.GCIntervalSeconds)*time.Second)
		return nil
	})

	g.Go(func() error {
		addr := net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.StreamPort))
		a.logger.Info("Stream server listening on %s", addr)
		return a.stream.ListenAndServe(ctx, addr, a.tls)
	})

	g.Go(func() error {
		addr := net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.RegistryPort))
		a.logger.Info("Registry server listening on %s", addr)
		return a.requests.ListenAndServe(ctx, addr, a.tls)
	})

	if cfg.AdminPort > 0 {
		g.Go(func() error { return a.admin.Start(ctx) })
	}

	if cfg.GrpcPort > 0 {
		g.Go(func() error {
			ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.GrpcPort)))
			if err != nil {
				return err
			}
			return grpc_control.Serve(ctx, ln, a.control, a.logger.Named("grpc"))
		})
	}

	g.Go(func() error {
		interval := time.Duration(cfg.DataSource.UpdateIntervalSeconds) * time.Second
		a.history.RunUpdates(ctx, interval, a.activeSubscriptions, a.scheduler)
		return nil
	})

	g.Go(func() error {
		a.history.RunRetention(ctx, utils.RetentionPeriod(cfg.DataSource.DataRetentionDays), time.Hour)
		return nil
	})

	err := g.Wait()
	a.logger.Info("Shutting down...")
	return err
}

// -----------------------------------------------------------------------------

func (a *app) close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.feeds != nil {
		a.feeds.Close(shutdownCtx)
	}
	if a.router != nil {
		a.router.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warning("Closing store: %v", err)
		}
	}
}
