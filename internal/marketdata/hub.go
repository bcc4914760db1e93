// Package marketdata multiplexes exchange market streams: one upstream WebSocket per symbol,
// shared by every bot trading it.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"futuresfleet/logger"
)

var (
	// ErrPriceUnavailable is returned when no price younger than the freshness window exists.
	ErrPriceUnavailable = errors.New("price unavailable")
	ErrHubClosed        = errors.New("market data hub closed")
	ErrInvalidInterval  = errors.New("invalid kline interval")
	ErrInvalidSymbol    = errors.New("invalid symbol")
)

const subscriptionBuffer = 128

var validIntervals = map[string]struct{}{
	"1m": {}, "3m": {}, "5m": {}, "15m": {}, "30m": {},
	"1h": {}, "2h": {}, "4h": {}, "6h": {}, "8h": {}, "12h": {},
	"1d": {}, "3d": {}, "1w": {}, "1M": {},
}

// ValidInterval reports whether iv is a kline interval the exchange streams.
func ValidInterval(iv string) bool {
	_, ok := validIntervals[iv]
	return ok
}

type Config struct {
	BaseURL         string
	CandleCapacity  int
	PriceFreshness  time.Duration
	LivenessTimeout time.Duration
	ProbeTimeout    time.Duration
	MaxRetries      int
	BackoffMin      time.Duration
	BackoffMax      time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseURL:         "wss://fstream.binance.com",
		CandleCapacity:  100,
		PriceFreshness:  30 * time.Second,
		LivenessTimeout: 65 * time.Second,
		ProbeTimeout:    10 * time.Second,
		MaxRetries:      5,
		BackoffMin:      time.Second,
		BackoffMax:      30 * time.Second,
	}
}

func (c Config) validate() error {
	switch {
	case c.BaseURL == "":
		return fmt.Errorf("marketdata: base url is required")
	case c.PriceFreshness <= 0, c.LivenessTimeout <= 0, c.ProbeTimeout <= 0:
		return fmt.Errorf("marketdata: timeouts must be greater than 0")
	case c.MaxRetries <= 0:
		return fmt.Errorf("marketdata: max retries must be greater than 0")
	case c.BackoffMin <= 0 || c.BackoffMax < c.BackoffMin:
		return fmt.Errorf("marketdata: invalid backoff bounds %s..%s", c.BackoffMin, c.BackoffMax)
	}
	return nil
}

// Hub owns every symbol stream. It is safe for concurrent use.
type Hub struct {
	cfg       Config
	log       *logger.Log
	dialer    *websocket.Dialer
	now       func() time.Time
	onState   func(symbol string, st State)
	onBackoff func(symbol string, attempt int, delay time.Duration)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	streams map[string]*symbolStream
	closed  bool
	nextID  atomic.Uint64
}

type Option func(*Hub)

// WithClock sets the clock used for price freshness.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(h *Hub) { h.dialer = d }
}

// WithStateObserver is called on every state transition of any stream.
func WithStateObserver(fn func(symbol string, st State)) Option {
	return func(h *Hub) { h.onState = fn }
}

// WithBackoffObserver is called with each backoff delay before it is slept.
func WithBackoffObserver(fn func(symbol string, attempt int, delay time.Duration)) Option {
	return func(h *Hub) { h.onBackoff = fn }
}

func NewHub(cfg Config, log *logger.Log, opts ...Option) (*Hub, error) {
	if cfg.CandleCapacity < MinCandleCapacity {
		cfg.CandleCapacity = MinCandleCapacity
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.GetLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:     cfg,
		log:     log,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: websocket.DefaultDialer.Proxy},
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[string]*symbolStream),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Subscription receives events of one (symbol, interval) pair until Close.
type Subscription struct {
	id       uint64
	symbol   string
	interval string
	hub      *Hub
	stream   *symbolStream
	events   chan Event
	dropped  atomic.Int64
	once     sync.Once
}

func (s *Subscription) Symbol() string   { return s.symbol }
func (s *Subscription) Interval() string { return s.interval }

// Events is closed after Close.
func (s *Subscription) Events() <-chan Event { return s.events }

// Dropped counts events discarded because the consumer fell behind.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close unregisters the subscription; the last one of a symbol tears its connection down.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.unsubscribe(s) })
}

// deliver never blocks. Tickers only use the lower half of the buffer so closed candles and
// disable notices still fit when a consumer is slow.
func (s *Subscription) deliver(ev Event) {
	if ev.Kind == EventTicker && len(s.events) >= cap(s.events)/2 {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
		s.stream.log.WithFields(logger.Fields{
			"interval": s.interval,
			"event":    ev.Kind.String(),
		}).Warn("subscriber is not keeping up, dropping event")
	}
}

// Subscribe registers interest in symbol's ticker and closed candles of interval. The first
// subscriber of a symbol opens its connection; a new interval on a live connection is added
// with a SUBSCRIBE frame. A disabled stream is restarted.
func (h *Hub) Subscribe(symbol, interval string) (*Subscription, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, ErrInvalidSymbol
	}
	if !ValidInterval(interval) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidInterval, interval)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	st, ok := h.streams[symbol]
	if !ok {
		st = newSymbolStream(h, symbol)
		h.streams[symbol] = st
	}
	sub := &Subscription{
		id:       h.nextID.Add(1),
		symbol:   symbol,
		interval: interval,
		hub:      h,
		stream:   st,
		events:   make(chan Event, subscriptionBuffer),
	}
	newInterval := st.addSubscriber(sub)
	running := st.isRunning()
	h.mu.Unlock()

	if !running {
		st.start()
	} else if newInterval {
		st.subscribeInterval(interval)
	}

	h.log.WithComponent("marketdata").WithFields(logger.Fields{
		"symbol":   symbol,
		"interval": interval,
	}).Debug("subscribed")
	return sub, nil
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	remaining := sub.stream.removeSubscriber(sub)
	last := remaining == 0 && h.streams[sub.symbol] == sub.stream
	if last {
		delete(h.streams, sub.symbol)
	}
	h.mu.Unlock()

	if last {
		sub.stream.stop()
		h.log.WithComponent("marketdata").WithFields(logger.Fields{"symbol": sub.symbol}).Info("last subscriber left, stream closed")
	}
}

// Seed merges REST history into the buffer of a subscribed (symbol, interval) and returns the
// number of candles taken.
func (h *Hub) Seed(symbol, interval string, history []Candle) int {
	buf := h.buffer(symbol, interval)
	if buf == nil {
		return 0
	}
	return buf.Merge(history)
}

// Window copies the closed candles buffered for (symbol, interval), oldest first.
func (h *Hub) Window(symbol, interval string) []Candle {
	buf := h.buffer(symbol, interval)
	if buf == nil {
		return nil
	}
	return buf.Window()
}

func (h *Hub) buffer(symbol, interval string) *Buffer {
	h.mu.Lock()
	st, ok := h.streams[strings.ToUpper(symbol)]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return st.buffer(interval)
}

// Price serves the last streamed price while it is within the freshness window, also after
// the stream has been disabled.
func (h *Hub) Price(symbol string) (float64, time.Time, error) {
	h.mu.Lock()
	st, ok := h.streams[strings.ToUpper(symbol)]
	h.mu.Unlock()
	if !ok {
		return 0, time.Time{}, ErrPriceUnavailable
	}

	price, at, _ := st.lastPrice()
	if price <= 0 || h.now().Sub(at) > h.cfg.PriceFreshness {
		return 0, at, ErrPriceUnavailable
	}
	return price, at, nil
}

// State reports the stream state of symbol.
func (h *Hub) State(symbol string) (State, bool) {
	h.mu.Lock()
	st, ok := h.streams[strings.ToUpper(symbol)]
	h.mu.Unlock()
	if !ok {
		return StateStopped, false
	}
	_, _, state := st.lastPrice()
	return state, true
}

// Stats lists every stream ordered by symbol.
func (h *Hub) Stats() []StreamStats {
	h.mu.Lock()
	streams := make([]*symbolStream, 0, len(h.streams))
	for _, st := range h.streams {
		streams = append(streams, st)
	}
	h.mu.Unlock()

	out := make([]StreamStats, 0, len(streams))
	for _, st := range streams {
		out = append(out, st.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Close stops every stream. Subscriptions stay registered but receive nothing further.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	streams := make([]*symbolStream, 0, len(h.streams))
	for _, st := range h.streams {
		streams = append(streams, st)
	}
	h.mu.Unlock()

	h.cancel()
	for _, st := range streams {
		st.stop()
	}
	h.log.WithComponent("marketdata").WithFields(logger.Fields{"streams": len(streams)}).Info("market data hub closed")
}
