// Package fleet owns every running bot: admission, the registry of one bot per user, the shared
// monitor loop and the batched write-back of bot state to the user store.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"futuresfleet/internal/bot"
	"futuresfleet/internal/credential"
	"futuresfleet/internal/exchange"
	"futuresfleet/internal/marketdata"
	"futuresfleet/internal/metrics"
	"futuresfleet/internal/pool"
	"futuresfleet/internal/store"
	"futuresfleet/internal/strategy"
	"futuresfleet/internal/tradelog"
	"futuresfleet/logger"
)

// Store fields holding the sealed API keys.
const (
	FieldAPIKey    = "binance_api_key"
	FieldAPISecret = "binance_api_secret"
)

// ClientPool is the shared client pool as the supervisor uses it.
type ClientPool interface {
	Acquire(ctx context.Context, tenantID string, cred credential.Credential) (exchange.Client, error)
	Release(tenantID string, cred credential.Credential)
	Touch(cred credential.Credential)
	Sweep() int
	Close()
	Stats() pool.Stats
}

// windowPruner is implemented by limiters that can drop rate windows that aged out.
type windowPruner interface {
	Prune() int
}

// Options are the supervisor's limits and cadences.
type Options struct {
	MaxBots          int
	MonitorInterval  time.Duration
	BalanceInterval  time.Duration
	PositionInterval time.Duration
	FlushInterval    time.Duration
	TenantTimeout    time.Duration
	AdmissionStarts  int
	AdmissionWindow  time.Duration
	FlushRate        float64
	Policy           bot.Policy
}

func DefaultOptions() Options {
	return Options{
		MaxBots:          500,
		MonitorInterval:  30 * time.Second,
		BalanceInterval:  3 * time.Minute,
		PositionInterval: time.Minute,
		FlushInterval:    3 * time.Minute,
		TenantTimeout:    20 * time.Second,
		AdmissionStarts:  20,
		AdmissionWindow:  3 * time.Minute,
		FlushRate:        20,
		Policy:           bot.DefaultPolicy(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxBots <= 0 {
		o.MaxBots = d.MaxBots
	}
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = d.MonitorInterval
	}
	if o.BalanceInterval <= 0 {
		o.BalanceInterval = d.BalanceInterval
	}
	if o.PositionInterval <= 0 {
		o.PositionInterval = d.PositionInterval
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = d.FlushInterval
	}
	if o.TenantTimeout <= 0 {
		o.TenantTimeout = d.TenantTimeout
	}
	return o
}

// Deps are the services the supervisor is built on. Pool, Feed and KV are required.
type Deps struct {
	Pool      ClientPool
	Limiter   exchange.Limiter
	Feed      bot.Feed
	Prices    exchange.PriceSource
	Streams   func() []marketdata.StreamStats
	Decrypter credential.Decrypter
	KV        store.KV
	Sink      tradelog.Sink
	Strategy  strategy.Strategy
	Log       *logger.Log
	Now       func() time.Time
}

type tenant struct {
	userID string
	cred   credential.Credential
	bot    *bot.Bot

	mu           sync.Mutex
	gw           *exchange.Gateway
	lastBalance  time.Time
	lastPosition time.Time
	busy         atomic.Bool
}

func (t *tenant) gateway() *exchange.Gateway {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gw
}

// Supervisor keeps at most one bot per user.
type Supervisor struct {
	opts      Options
	deps      Deps
	log       *logger.Entry
	admission *admission
	batcher   *Batcher

	mu       sync.RWMutex
	tenants  map[string]*tenant
	reserved int
	closing  bool

	userMu    sync.Mutex
	userLocks map[string]*sync.Mutex

	lastFlush    time.Time
	monitorWG    sync.WaitGroup
	runMu        sync.Mutex
	runCancel    context.CancelFunc
	runDone      chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

func New(opts Options, deps Deps) (*Supervisor, error) {
	if deps.Pool == nil || deps.Feed == nil || deps.KV == nil {
		return nil, errors.New("fleet: pool, feed and store are required")
	}
	if deps.Log == nil {
		deps.Log = logger.GetLogger()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Decrypter == nil {
		deps.Decrypter = credential.Plaintext{}
	}
	if deps.Strategy == nil {
		deps.Strategy = strategy.DefaultEMACross()
	}
	if deps.Sink == nil {
		deps.Sink = tradelog.Nop{}
	}
	opts = opts.withDefaults()

	return &Supervisor{
		opts:      opts,
		deps:      deps,
		log:       deps.Log.WithComponent("fleet"),
		admission: newAdmission(opts.AdmissionStarts, opts.AdmissionWindow),
		batcher:   NewBatcher(deps.KV, opts.FlushRate, deps.Log),
		tenants:   make(map[string]*tenant),
		userLocks: make(map[string]*sync.Mutex),
		lastFlush: deps.Now(),
	}, nil
}

// Batcher exposes the pending store updates.
func (s *Supervisor) Batcher() *Batcher { return s.batcher }

func (s *Supervisor) lockUser(userID string) func() {
	s.userMu.Lock()
	m, ok := s.userLocks[userID]
	if !ok {
		m = &sync.Mutex{}
		s.userLocks[userID] = m
	}
	s.userMu.Unlock()
	m.Lock()
	return m.Unlock
}

func (s *Supervisor) tenant(userID string) (*tenant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[userID]
	return t, ok
}

// Start runs a bot for the user, replacing any bot the user already has.
func (s *Supervisor) Start(ctx context.Context, userID string, sealed credential.Sealed, settings bot.Settings) (bot.Status, error) {
	settings = settings.Normalize()
	if err := settings.Validate(); err != nil {
		return bot.Status{}, err
	}

	cred, err := credential.Open(s.deps.Decrypter, sealed)
	if err != nil {
		return bot.Status{}, credentialError(err)
	}
	fp := cred.Fingerprint()
	log := s.log.WithUser(userID, fp)

	unlock := s.lockUser(userID)
	defer unlock()

	// A new user holds a reserved slot until its tenant is inserted.
	s.mu.Lock()
	closing := s.closing
	_, replacing := s.tenants[userID]
	reserved := false
	if !closing && !replacing && len(s.tenants)+s.reserved < s.opts.MaxBots {
		s.reserved++
		reserved = true
	}
	s.mu.Unlock()
	defer func() {
		if reserved {
			s.mu.Lock()
			s.reserved--
			s.mu.Unlock()
		}
	}()

	if closing {
		return bot.Status{}, ErrShutdown
	}
	if !replacing && !reserved {
		log.WithFields(logger.Fields{"max_bots": s.opts.MaxBots}).Warn("start refused, fleet at capacity")
		return bot.Status{}, ErrCapacityExceeded
	}
	if !s.admission.allow(fp, s.deps.Now()) {
		metrics.Count("fleet", metrics.AdmissionDenied, nil)
		log.Warn("start refused by admission throttle")
		return bot.Status{}, ErrRateLimited
	}

	if replacing {
		if err := s.stopLocked(ctx, userID); err != nil && !errors.Is(err, ErrNotRunning) {
			log.WithError(err).Warn("stopping previous bot failed")
		}
	}

	t := &tenant{userID: userID, cred: cred}
	t.bot = bot.New(userID, fp, settings, bot.Deps{
		Connect:  s.connector(t),
		Feed:     s.deps.Feed,
		Strategy: s.deps.Strategy,
		Sink:     s.deps.Sink,
		Policy:   s.opts.Policy,
		Log:      s.deps.Log,
		Now:      s.deps.Now,
	})

	if err := t.bot.Start(ctx); err != nil {
		return t.bot.Status(), credentialError(err)
	}

	now := s.deps.Now()
	t.lastBalance, t.lastPosition = now, now
	s.mu.Lock()
	s.tenants[userID] = t
	if reserved {
		s.reserved--
		reserved = false
	}
	s.mu.Unlock()

	st := t.bot.Status()
	s.batcher.Queue(userID, statusFields(st))
	s.reportOccupancy()
	log.WithFields(logger.Fields{
		"symbol":    settings.Symbol,
		"timeframe": settings.Timeframe,
		"leverage":  settings.Leverage,
	}).Info("bot started")
	return st, nil
}

// StartStored starts a bot with the sealed keys kept in the user's store record.
func (s *Supervisor) StartStored(ctx context.Context, userID string, settings bot.Settings) (bot.Status, error) {
	rec, err := s.deps.KV.Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return bot.Status{}, fmt.Errorf("%w: no stored api keys for user", ErrInvalidCredential)
	}
	if err != nil {
		return bot.Status{}, fmt.Errorf("load user record: %w", err)
	}
	sealed := credential.Sealed{Key: rec.String(FieldAPIKey), Secret: rec.String(FieldAPISecret)}
	if sealed.Key == "" || sealed.Secret == "" {
		return bot.Status{}, fmt.Errorf("%w: no stored api keys for user", ErrInvalidCredential)
	}
	return s.Start(ctx, userID, sealed, settings)
}

// connector hands the bot a gateway over the pooled client and remembers it for the monitor.
func (s *Supervisor) connector(t *tenant) bot.Connector {
	return func(ctx context.Context) (bot.Gateway, func(), error) {
		client, err := s.deps.Pool.Acquire(ctx, t.userID, t.cred)
		if err != nil {
			return nil, nil, err
		}
		opts := []exchange.GatewayOption{exchange.WithGatewayClock(s.deps.Now)}
		if s.deps.Prices != nil {
			opts = append(opts, exchange.WithPriceSource(s.deps.Prices))
		}
		gw := exchange.NewGateway(client, t.cred.Fingerprint(), s.deps.Limiter, s.deps.Log, opts...)

		t.mu.Lock()
		t.gw = gw
		t.mu.Unlock()

		var once sync.Once
		release := func() {
			once.Do(func() {
				t.mu.Lock()
				t.gw = nil
				t.mu.Unlock()
				s.deps.Pool.Release(t.userID, t.cred)
			})
		}
		return gw, release, nil
	}
}

// Stop stops the user's bot and returns its client to the pool.
func (s *Supervisor) Stop(ctx context.Context, userID string) error {
	unlock := s.lockUser(userID)
	defer unlock()
	return s.stopLocked(ctx, userID)
}

func (s *Supervisor) stopLocked(ctx context.Context, userID string) error {
	t, ok := s.tenant(userID)
	if !ok {
		return ErrNotRunning
	}

	err := t.bot.Stop(ctx)
	if errors.Is(err, bot.ErrNotRunning) {
		err = nil
	}

	s.mu.Lock()
	if s.tenants[userID] == t {
		delete(s.tenants, userID)
	}
	s.mu.Unlock()

	s.batcher.Queue(userID, store.Record{"bot_active": false})
	s.reportOccupancy()
	s.log.WithUser(userID, t.cred.Fingerprint()).Info("bot stopped")
	return err
}

// UserStatus is the bot snapshot plus pool telemetry for one user.
type UserStatus struct {
	Running       bool       `json:"running"`
	Bot           bot.Status `json:"bot"`
	SharedClients int        `json:"shared_clients"`
	UsersServed   int        `json:"users_served"`
}

func (s *Supervisor) Status(userID string) UserStatus {
	ps := s.deps.Pool.Stats()
	out := UserStatus{SharedClients: ps.SharedClients, UsersServed: ps.UsersServed}
	t, ok := s.tenant(userID)
	if !ok {
		out.Bot = bot.Status{UserID: userID, State: bot.StateStopped, Position: exchange.Flat, Message: "bot not started"}
		return out
	}
	out.Running = true
	out.Bot = t.bot.Status()
	return out
}

// SystemStats is the fleet-wide view.
type SystemStats struct {
	ActiveUsers      int                      `json:"active_users"`
	BotsInPosition   int                      `json:"bots_in_position"`
	ActiveUserIDs    []string                 `json:"active_user_ids"`
	SharedClients    int                      `json:"shared_clients"`
	UsersServed      int                      `json:"users_served"`
	ConnectionsSaved int                      `json:"connections_saved"`
	PendingUpdates   int                      `json:"pending_updates"`
	Streams          []marketdata.StreamStats `json:"streams"`
}

func (s *Supervisor) SystemStats() SystemStats {
	tenants := s.snapshot()
	out := SystemStats{ActiveUserIDs: make([]string, 0, len(tenants))}
	for _, t := range tenants {
		out.ActiveUsers++
		out.ActiveUserIDs = append(out.ActiveUserIDs, t.userID)
		if t.bot.Status().InPosition() {
			out.BotsInPosition++
		}
	}
	sort.Strings(out.ActiveUserIDs)

	ps := s.deps.Pool.Stats()
	out.SharedClients = ps.SharedClients
	out.UsersServed = ps.UsersServed
	out.ConnectionsSaved = ps.ConnectionsSaved
	out.PendingUpdates = s.batcher.Pending()
	if s.deps.Streams != nil {
		out.Streams = s.deps.Streams()
	}
	return out
}

func (s *Supervisor) snapshot() []*tenant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	return out
}

func (s *Supervisor) reportOccupancy() {
	stats := s.SystemStats()
	metrics.Gauge("fleet", metrics.ActiveBots, float64(stats.ActiveUsers), nil)
	metrics.Gauge("fleet", metrics.BotsInPosition, float64(stats.BotsInPosition), nil)
	metrics.Gauge("fleet", metrics.SharedClients, float64(stats.SharedClients), nil)
	metrics.Gauge("fleet", metrics.UsersServed, float64(stats.UsersServed), nil)
}

// Shutdown stops the monitor and every bot, closes the pool and flushes pending store updates.
// Only the first call does any work.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()

		s.runMu.Lock()
		cancel, done := s.runCancel, s.runDone
		s.runMu.Unlock()
		if cancel != nil {
			cancel()
			<-done
		}

		for _, t := range s.snapshot() {
			if err := s.Stop(ctx, t.userID); err != nil && !errors.Is(err, ErrNotRunning) {
				s.log.WithError(err).WithFields(logger.Fields{"user_id": t.userID}).Warn("stop during shutdown failed")
			}
		}

		s.deps.Pool.Close()

		if _, err := s.batcher.Flush(ctx); err != nil {
			s.shutdownErr = fmt.Errorf("final store flush: %w", err)
		}
		s.log.Info("fleet shut down")
	})
	return s.shutdownErr
}
