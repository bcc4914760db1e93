package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futuresfleet/config"
	"futuresfleet/internal/bot"
	"futuresfleet/internal/credential"
	"futuresfleet/internal/exchange"
	"futuresfleet/internal/fleet"
	"futuresfleet/internal/metrics"
	"futuresfleet/internal/tradelog"
	"futuresfleet/logger"
)

type startCall struct {
	userID   string
	sealed   credential.Sealed
	settings bot.Settings
	stored   bool
}

type fakeFleet struct {
	mu       sync.Mutex
	starts   []startCall
	startErr error
	stopErr  error
	running  map[string]bool
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{running: map[string]bool{}}
}

func (f *fakeFleet) Start(_ context.Context, userID string, sealed credential.Sealed, settings bot.Settings) (bot.Status, error) {
	return f.record(startCall{userID: userID, sealed: sealed, settings: settings})
}

func (f *fakeFleet) StartStored(_ context.Context, userID string, settings bot.Settings) (bot.Status, error) {
	return f.record(startCall{userID: userID, settings: settings, stored: true})
}

func (f *fakeFleet) record(call startCall) (bot.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, call)
	if f.startErr != nil {
		return bot.Status{}, f.startErr
	}
	f.running[call.userID] = true
	return bot.Status{UserID: call.userID, Symbol: call.settings.Symbol, State: bot.StateActive, Position: exchange.Flat}, nil
}

func (f *fakeFleet) Stop(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	if !f.running[userID] {
		return fleet.ErrNotRunning
	}
	delete(f.running, userID)
	return nil
}

func (f *fakeFleet) Status(userID string) fleet.UserStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fleet.UserStatus{Running: f.running[userID], Bot: bot.Status{UserID: userID}, SharedClients: 1, UsersServed: 2}
}

func (f *fakeFleet) SystemStats() fleet.SystemStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fleet.SystemStats{ActiveUsers: len(f.running), SharedClients: 1, UsersServed: 2, ConnectionsSaved: 1}
}

func (f *fakeFleet) lastStart(t *testing.T) startCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.starts)
	return f.starts[len(f.starts)-1]
}

func newTestServer(t *testing.T, f Fleet, opts ...Option) (*Server, *gin.Engine) {
	t.Helper()
	cfg := config.APIConfig{Enabled: true, Address: ":0", MetricsHistory: 10, LogHistory: 10}
	srv, err := NewServer(cfg, f, logger.Logger(), opts...)
	require.NoError(t, err)
	require.NotNil(t, srv)
	t.Cleanup(srv.cleanup)

	router, err := srv.buildRouter()
	require.NoError(t, err)
	return srv, router
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	return res
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                           "0.0.0.0:8080",
		"  :9090  ":                  "0.0.0.0:9090",
		"localhost":                  "localhost:8080",
		"0.0.0.0:80":                 "0.0.0.0:80",
		"[::1]:443":                  "[::1]:443",
		"::1":                        "[::1]:8080",
		"*:8080":                     "0.0.0.0:8080",
		"http://10.0.0.7:8080":       "10.0.0.7:8080",
		"https://10.0.0.7":           "10.0.0.7:8080",
		"http://:7070":               "0.0.0.0:7070",
		"tcp://localhost:5050":       "localhost:5050",
		"https://fleet.example.com/": "fleet.example.com:8080",
	}
	for input, want := range cases {
		assert.Equal(t, want, normalizeAddress(input), "input %q", input)
	}
}

func TestNewServerDisabled(t *testing.T) {
	srv, err := NewServer(config.APIConfig{Enabled: false}, newFakeFleet(), logger.Logger())
	require.NoError(t, err)
	assert.Nil(t, srv)
	assert.Equal(t, "", srv.Address())
	assert.NoError(t, srv.Run(context.Background()))
}

func TestNewServerRequiresFleet(t *testing.T) {
	_, err := NewServer(config.APIConfig{Enabled: true}, nil, logger.Logger())
	assert.Error(t, err)
}

func TestStartWithKeys(t *testing.T) {
	f := newFakeFleet()
	defaults := bot.Settings{Timeframe: "15m", Leverage: 10, OrderSize: 100, StopLossPct: 3, TakeProfitPct: 10}
	_, router := newTestServer(t, f, WithDefaultSettings(defaults))

	res := do(t, router, http.MethodPost, "/api/bots/u1/start", map[string]any{
		"symbol":             "btcusdt",
		"leverage":           5,
		"binance_api_key":    "sealed-key",
		"binance_api_secret": "sealed-secret",
	})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	call := f.lastStart(t)
	assert.False(t, call.stored)
	assert.Equal(t, "u1", call.userID)
	assert.Equal(t, credential.Sealed{Key: "sealed-key", Secret: "sealed-secret"}, call.sealed)
	assert.Equal(t, 5, call.settings.Leverage)
	assert.Equal(t, "15m", call.settings.Timeframe)
	assert.Equal(t, 100.0, call.settings.OrderSize)

	var body struct {
		Status string     `json:"status"`
		Bot    bot.Status `json:"bot"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	assert.Equal(t, "started", body.Status)
	assert.Equal(t, bot.StateActive, body.Bot.State)
}

func TestStartWithoutKeysUsesStoredCredential(t *testing.T) {
	f := newFakeFleet()
	_, router := newTestServer(t, f)

	res := do(t, router, http.MethodPost, "/api/bots/u2/start", map[string]any{"symbol": "ETHUSDT"})
	require.Equal(t, http.StatusOK, res.Code)
	assert.True(t, f.lastStart(t).stored)
}

func TestStartRejectsMalformedBody(t *testing.T) {
	_, router := newTestServer(t, newFakeFleet())

	req := httptest.NewRequest(http.MethodPost, "/api/bots/u1/start", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestStartErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: symbol is required", fleet.ErrInvalidSettings), http.StatusBadRequest},
		{fmt.Errorf("%w: decrypt", fleet.ErrInvalidCredential), http.StatusUnauthorized},
		{fleet.ErrUnsupportedSymbol, http.StatusConflict},
		{fleet.ErrRateLimited, http.StatusTooManyRequests},
		{fleet.ErrCapacityExceeded, http.StatusServiceUnavailable},
		{fleet.ErrShutdown, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		f := newFakeFleet()
		f.startErr = c.err
		_, router := newTestServer(t, f)

		res := do(t, router, http.MethodPost, "/api/bots/u1/start", map[string]any{"symbol": "BTCUSDT"})
		assert.Equal(t, c.code, res.Code, "error %v", c.err)
		assert.Contains(t, res.Body.String(), c.err.Error())
	}
}

func TestStopAndStatus(t *testing.T) {
	f := newFakeFleet()
	_, router := newTestServer(t, f)

	res := do(t, router, http.MethodPost, "/api/bots/u1/stop", nil)
	assert.Equal(t, http.StatusNotFound, res.Code)

	require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/api/bots/u1/start", map[string]any{"symbol": "BTCUSDT"}).Code)

	res = do(t, router, http.MethodGet, "/api/bots/u1", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var st fleet.UserStatus
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &st))
	assert.True(t, st.Running)
	assert.Equal(t, 2, st.UsersServed)

	res = do(t, router, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var stats fleet.SystemStats
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.ActiveUsers)
	assert.Equal(t, 1, stats.ConnectionsSaved)

	assert.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/api/bots/u1/stop", nil).Code)
}

func TestTradeHistory(t *testing.T) {
	mem := tradelog.NewMemory(0)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, mem.Record(ctx, tradelog.Event{UserID: "u1", Symbol: "BTCUSDT", Price: float64(100 + i)}))
	}
	_, router := newTestServer(t, newFakeFleet(), WithTradeHistory(mem))

	res := do(t, router, http.MethodGet, "/api/bots/u1/trades?limit=2", nil)
	require.Equal(t, http.StatusOK, res.Code)
	var body struct {
		Trades []tradelog.Event `json:"trades"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	require.Len(t, body.Trades, 2)
	assert.Equal(t, 102.0, body.Trades[0].Price)

	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodGet, "/api/bots/u1/trades?limit=x", nil).Code)
}

func TestTradeHistoryDisabled(t *testing.T) {
	_, router := newTestServer(t, newFakeFleet())
	assert.Equal(t, http.StatusNotImplemented, do(t, router, http.MethodGet, "/api/bots/u1/trades", nil).Code)
}

func TestHealthAndMetricsHistory(t *testing.T) {
	srv, router := newTestServer(t, newFakeFleet(), WithAppInfo("fleet-test", "1.2.3"))

	res := do(t, router, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), `"version":"1.2.3"`)

	metrics.Gauge("fleet", metrics.ActiveBots, 4, nil)
	require.NotEmpty(t, srv.metricHistory.snapshot())

	res = do(t, router, http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), metrics.ActiveBots)
}

func TestLogHistoryCapturesWarnings(t *testing.T) {
	log := logger.Logger()
	srv, err := NewServer(config.APIConfig{Enabled: true, LogHistory: 5}, newFakeFleet(), log)
	require.NoError(t, err)
	t.Cleanup(srv.cleanup)
	log.SetOutput(&bytes.Buffer{})

	log.WithUser("u7", "0123456789abcdef").WithComponent("fleet").Warn("start refused")
	log.WithComponent("fleet").Debug("noise")

	logs := srv.logHistory.snapshot()
	require.Len(t, logs, 1)
	assert.Equal(t, "fleet", logs[0].Component)
	assert.Equal(t, "u7", logs[0].UserID)
	assert.Equal(t, "warning", logs[0].Level)
	assert.Equal(t, "01234567", logs[0].Fields["fingerprint"])

	srv.cleanup()
	log.WithComponent("fleet").Warn("after close")
	assert.Len(t, srv.logHistory.snapshot(), 1)
}

func TestRingKeepsNewest(t *testing.T) {
	r := newRing[int](2)
	for i := 0; i < 5; i++ {
		r.push(i)
	}
	assert.Equal(t, []int{3, 4}, r.snapshot())
}

func TestHostSamplerCollects(t *testing.T) {
	origCPU, origMem, origDisk := cpuPercentFn, memoryStatsFn, diskUsageFn
	t.Cleanup(func() {
		cpuPercentFn, memoryStatsFn, diskUsageFn = origCPU, origMem, origDisk
	})
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
		return []float64{42.5}, nil
	}
	memoryStatsFn = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Used: 1024, Total: 2048, UsedPercent: 50}, nil
	}
	diskUsageFn = func(context.Context, string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Used: 4096, Total: 8192, UsedPercent: 50}, nil
	}

	s := newHostSampler(3, 5*time.Millisecond, "/", logger.Logger())
	s.start(context.Background())
	require.Eventually(t, func() bool { return len(s.snapshot()) > 0 }, time.Second, 5*time.Millisecond)
	s.stop()

	samples := s.snapshot()
	assert.LessOrEqual(t, len(samples), 3)
	last := samples[len(samples)-1]
	assert.Equal(t, 42.5, last.CPUPercent)
	assert.Equal(t, uint64(2048), last.MemoryTotal)
	assert.Equal(t, 50.0, last.DiskPct)
}

func TestHostSamplerDisabled(t *testing.T) {
	s := newHostSampler(3, 0, "/", logger.Logger())
	assert.Nil(t, s)
	s.start(context.Background())
	s.stop()
	assert.Nil(t, s.snapshot())
}
