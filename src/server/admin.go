package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"market-feeder/src/analysis"
	"market-feeder/src/helpers"
	"market-feeder/src/logger"
	"market-feeder/src/models"
	"market-feeder/src/utils"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

const defaultStatusInterval = 5 * time.Second

// -----------------------------------------------------------------------------
// AdminServer
// -----------------------------------------------------------------------------

// AdminServer is the HTTP side of the process: health and status endpoints
// plus the websocket monitor.
type AdminServer struct {
	Config         *models.MConfig
	Logger         *logger.Logger
	Reporter       *StatusReporter
	Latest         *utils.MemoryManager
	Hub            *Hub
	StatusInterval time.Duration

	engine *gin.Engine
}

// -----------------------------------------------------------------------------
// Constructor
// -----------------------------------------------------------------------------

func NewAdminServer(cfg *models.MConfig, reporter *StatusReporter, latest *utils.MemoryManager, hub *Hub, log *logger.Logger) *AdminServer {
	if !strings.EqualFold(cfg.LogLevel, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &AdminServer{
		Config:         cfg,
		Logger:         log,
		Reporter:       reporter,
		Latest:         latest,
		Hub:            hub,
		StatusInterval: defaultStatusInterval,
		engine:         gin.New(),
	}

	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.engine.Use(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			return strings.HasPrefix(origin, "http://127.0.0.1:") || strings.HasPrefix(origin, "http://localhost:")
		},
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "Cache-Control", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	s.setupRoutes()
	return s
}

// -----------------------------------------------------------------------------
// Route Setup
// -----------------------------------------------------------------------------

func (s *AdminServer) setupRoutes() {
	api := s.engine.Group("/api")
	api.GET("/health", s.getHealth)
	api.GET("/status", s.getStatus)
	api.GET("/config", s.getConfig)
	api.GET("/subscriptions", s.getSubscriptions)
	api.GET("/latest", s.getLatest)
	api.GET("/stats", s.getStats)
	api.GET("/sessions", s.getSessions)

	s.engine.GET("/ws/monitor", s.Hub.ServeWS)
}

// Handler exposes the router, mostly for tests.
func (s *AdminServer) Handler() http.Handler {
	return s.engine
}

// -----------------------------------------------------------------------------
// Server Lifecycle
// -----------------------------------------------------------------------------

// Start serves until ctx is cancelled. The hub and the periodic status
// broadcast run alongside.
func (s *AdminServer) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.Config.Host, s.Config.AdminPort)
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}

	go s.Hub.Run(ctx)
	go s.broadcastStatus(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.Logger.Info("Starting admin server on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// -----------------------------------------------------------------------------

func (s *AdminServer) broadcastStatus(ctx context.Context) {
	interval := s.StatusInterval
	if interval <= 0 {
		interval = defaultStatusInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.Hub.Len() > 0 {
				s.Hub.Broadcast(monitorMessage{Type: "status", Data: s.Reporter.Status()})
			}
		}
	}
}

// -----------------------------------------------------------------------------

func (s *AdminServer) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.Logger.Debug("%s %s -> %d (%v)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// -----------------------------------------------------------------------------
// Route Handlers
// -----------------------------------------------------------------------------

func (s *AdminServer) getHealth(c *gin.Context) {
	st := s.Reporter.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"sessions":       st.Sessions,
		"monitors":       s.Hub.Len(),
		"uptime_seconds": st.UptimeSeconds,
	})
}

// -----------------------------------------------------------------------------

func (s *AdminServer) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Reporter.Status())
}

// -----------------------------------------------------------------------------

// getConfig returns the running configuration without credentials.
func (s *AdminServer) getConfig(c *gin.Context) {
	vendors := make([]gin.H, 0, len(s.Config.DataSource.Vendors))
	for _, v := range s.Config.DataSource.Vendors {
		vendors = append(vendors, gin.H{
			"name":       v.Name,
			"enabled":    v.Enabled,
			"symbols":    v.Symbols,
			"calendar":   v.Calendar,
			"rate_limit": v.RateLimit,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"name":          s.Config.Name,
		"stream_port":   s.Config.StreamPort,
		"registry_port": s.Config.RegistryPort,
		"stream":        s.Config.Stream,
		"storage":       s.Config.Storage.DBType,
		"vendors":       vendors,
	})
}

// -----------------------------------------------------------------------------

func (s *AdminServer) getSubscriptions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"feeds":  s.Reporter.Status().Feeds,
		"latest": s.Latest.Snapshot(),
	})
}

// -----------------------------------------------------------------------------

func (s *AdminServer) getLatest(c *gin.Context) {
	var q subscriptionQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sub, err := q.subscription()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit := q.Limit
	if limit == 0 {
		limit = 10
	}
	c.JSON(http.StatusOK, gin.H{
		"subscription": sub.String(),
		"events":       s.Latest.Latest(sub, limit),
	})
}

// -----------------------------------------------------------------------------

// getStats summarizes the retained window of one subscription.
func (s *AdminServer) getStats(c *gin.Context) {
	var q subscriptionQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sub, err := q.subscription()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	events := s.Latest.Latest(sub, q.Limit)
	if len(events) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no data for " + sub.String()})
		return
	}
	slices.Reverse(events)
	c.JSON(http.StatusOK, gin.H{
		"subscription": sub.String(),
		"summary":      analysis.Summarize(events),
	})
}

// -----------------------------------------------------------------------------

func (s *AdminServer) getSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.Reporter.Sessions()})
}

// -----------------------------------------------------------------------------
// Query helpers
// -----------------------------------------------------------------------------

// subscriptionQuery names a subscription in URL parameters, e.g.
// ?symbol=simulated:forex:EUR-USD&resolution=1m&type=candles
type subscriptionQuery struct {
	Symbol     string `form:"symbol" binding:"required"`
	Resolution string `form:"resolution" binding:"required"`
	Type       string `form:"type" binding:"required,oneof=ticks quotes candles quote_bars fundamentals"`
	Candle     string `form:"candle" binding:"omitempty,oneof=candle_stick heikin_ashi renko"`
	Limit      int    `form:"limit" binding:"omitempty,min=1,max=1000"`
}

func (q subscriptionQuery) subscription() (models.DataSubscription, error) {
	sym, err := models.ParseSymbol(q.Symbol)
	if err != nil {
		return models.DataSubscription{}, err
	}
	res, err := models.ParseResolution(q.Resolution)
	if err != nil {
		return models.DataSubscription{}, err
	}
	return models.NewSubscription(sym, res, models.BaseDataType(q.Type), models.CandleType(q.Candle)), nil
}

// httpStatus maps feeder error codes to HTTP statuses.
func httpStatus(err error) int {
	switch helpers.CodeOf(err) {
	case helpers.ErrCodeInvalidResolution, helpers.ErrCodeUnsupported, helpers.ErrCodeMalformedFrame:
		return http.StatusBadRequest
	case helpers.ErrCodeNotFound:
		return http.StatusNotFound
	case helpers.ErrCodeVendorUnavailable:
		return http.StatusServiceUnavailable
	case helpers.ErrCodeVendorRequest:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
