// Package api is the operator HTTP surface of the fleet.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"futuresfleet/config"
	"futuresfleet/internal/bot"
	"futuresfleet/internal/credential"
	"futuresfleet/internal/fleet"
	"futuresfleet/internal/metrics"
	"futuresfleet/internal/tradelog"
	"futuresfleet/logger"
)

// Fleet is the part of the supervisor the API drives.
type Fleet interface {
	Start(ctx context.Context, userID string, sealed credential.Sealed, settings bot.Settings) (bot.Status, error)
	StartStored(ctx context.Context, userID string, settings bot.Settings) (bot.Status, error)
	Stop(ctx context.Context, userID string) error
	Status(userID string) fleet.UserStatus
	SystemStats() fleet.SystemStats
}

// TradeHistory serves the recent trade events of a user, newest first.
type TradeHistory interface {
	Recent(ctx context.Context, userID string, limit int) ([]tradelog.Event, error)
}

type Option func(*Server)

// WithTradeHistory enables GET /api/bots/:user/trades.
func WithTradeHistory(h TradeHistory) Option {
	return func(s *Server) { s.trades = h }
}

// WithDefaultSettings fills fields a start request leaves empty.
func WithDefaultSettings(d bot.Settings) Option {
	return func(s *Server) { s.defaults = d }
}

// WithAppInfo sets the name and version reported by /healthz.
func WithAppInfo(name, version string) Option {
	return func(s *Server) { s.appName, s.appVersion = name, version }
}

// Server hosts the gin router.
type Server struct {
	cfg        config.APIConfig
	log        *logger.Log
	fleet      Fleet
	trades     TradeHistory
	defaults   bot.Settings
	appName    string
	appVersion string
	started    time.Time

	metricHistory *metricHistory
	logHistory    *logHistory
	metricHandler metrics.MetricHandlerID
	sampler       *hostSampler
	httpServer    *http.Server
}

// NewServer returns nil when the API is disabled.
func NewServer(cfg config.APIConfig, f Fleet, log *logger.Log, opts ...Option) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if f == nil {
		return nil, errors.New("api: fleet is required")
	}
	if log == nil {
		log = logger.GetLogger()
	}

	cfg.Address = normalizeAddress(cfg.Address)

	s := &Server{
		cfg:           cfg,
		log:           log,
		fleet:         f,
		appName:       "futuresfleet",
		started:       time.Now(),
		metricHistory: newMetricHistory(cfg.MetricsHistory),
		logHistory:    newLogHistory(cfg.LogHistory),
		sampler:       newHostSampler(cfg.MetricsHistory, cfg.ResourceInterval, "/", log),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metricHandler = metrics.RegisterMetricHandler(s.metricHistory.handle)
	log.AddHook(s.logHistory)
	return s, nil
}

// Address is the normalised listen address.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

// Run serves until ctx is cancelled, then shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}
	s.sampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.WithComponent("api").WithFields(logger.Fields{"address": s.cfg.Address}).Info("api listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logHistory.close()
	s.sampler.stop()
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLog())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	api.GET("/stats", s.stats)
	api.GET("/metrics", s.recentMetrics)
	api.GET("/logs", s.recentLogs)
	api.GET("/resources", s.resources)

	bots := api.Group("/bots/:user")
	bots.GET("", s.status)
	bots.POST("/start", s.start)
	bots.POST("/stop", s.stop)
	bots.GET("/trades", s.tradeHistory)

	return router, nil
}

func (s *Server) requestLog() gin.HandlerFunc {
	log := s.log.WithComponent("api")
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		if c.Request.Method == http.MethodGet && c.Writer.Status() < http.StatusBadRequest {
			return
		}
		log.WithFields(logger.Fields{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
	}
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			switch {
			case parsed.Host != "":
				addr = parsed.Host
			case parsed.Opaque != "":
				addr = parsed.Opaque
			}
		}
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}
	if net.ParseIP(addr) != nil || !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
