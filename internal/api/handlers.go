package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"futuresfleet/internal/bot"
	"futuresfleet/internal/credential"
	"futuresfleet/internal/fleet"
	"futuresfleet/logger"
)

const (
	defaultTradeLimit = 50
	maxTradeLimit     = 500
)

// startRequest carries the bot settings and, optionally, sealed keys. Without keys the
// supervisor reads the ones stored for the user.
type startRequest struct {
	bot.Settings
	APIKey    string `json:"binance_api_key"`
	APISecret string `json:"binance_api_secret"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"app":     s.appName,
		"version": s.appVersion,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.fleet.SystemStats())
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.fleet.Status(c.Param("user")))
}

func (s *Server) start(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user"))
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	settings := s.withDefaults(req.Settings)

	var (
		st  bot.Status
		err error
	)
	if req.APIKey == "" && req.APISecret == "" {
		st, err = s.fleet.StartStored(c.Request.Context(), userID, settings)
	} else {
		sealed := credential.Sealed{Key: req.APIKey, Secret: req.APISecret}
		st, err = s.fleet.Start(c.Request.Context(), userID, sealed, settings)
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started", "bot": st})
}

func (s *Server) stop(c *gin.Context) {
	if err := s.fleet.Stop(c.Request.Context(), c.Param("user")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *Server) tradeHistory(c *gin.Context) {
	if s.trades == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "trade history is not enabled"})
		return
	}
	limit := defaultTradeLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxTradeLimit)
	}
	events, err := s.trades.Recent(c.Request.Context(), c.Param("user"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": events})
}

func (s *Server) recentMetrics(c *gin.Context) {
	snapshot := s.metricHistory.snapshot()
	payload := make([]gin.H, 0, len(snapshot))
	for _, m := range snapshot {
		payload = append(payload, gin.H{
			"timestamp": m.Timestamp.Format(time.RFC3339Nano),
			"component": m.Component,
			"name":      m.Name,
			"value":     m.Value,
			"type":      m.Type,
			"fields":    m.Fields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"metrics": payload})
}

func (s *Server) recentLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": s.logHistory.snapshot()})
}

func (s *Server) resources(c *gin.Context) {
	samples := s.sampler.snapshot()
	if samples == nil {
		samples = []hostSample{}
	}
	c.JSON(http.StatusOK, gin.H{"resources": samples})
}

func (s *Server) withDefaults(in bot.Settings) bot.Settings {
	d := s.defaults
	if in.Timeframe == "" {
		in.Timeframe = d.Timeframe
	}
	if in.Leverage == 0 {
		in.Leverage = d.Leverage
	}
	if in.OrderSize == 0 {
		in.OrderSize = d.OrderSize
	}
	if in.StopLossPct == 0 {
		in.StopLossPct = d.StopLossPct
	}
	if in.TakeProfitPct == 0 {
		in.TakeProfitPct = d.TakeProfitPct
	}
	return in
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.WithComponent("api").WithError(err).WithFields(logger.Fields{
			"path": c.FullPath(),
		}).Error("request failed")
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, fleet.ErrInvalidSettings):
		return http.StatusBadRequest
	case errors.Is(err, fleet.ErrInvalidCredential):
		return http.StatusUnauthorized
	case errors.Is(err, fleet.ErrNotRunning):
		return http.StatusNotFound
	case errors.Is(err, fleet.ErrUnsupportedSymbol):
		return http.StatusConflict
	case errors.Is(err, fleet.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, fleet.ErrCapacityExceeded), errors.Is(err, fleet.ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
