package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"futuresfleet/internal/bot"
	"futuresfleet/internal/credential"
	"futuresfleet/internal/exchange"
	"futuresfleet/internal/marketdata"
	"futuresfleet/internal/pool"
)

type fakeClient struct {
	mu          sync.Mutex
	balance     float64
	balanceErr  error
	positions   []exchange.Position
	unsupported map[string]bool
	closed      bool
}

func (c *fakeClient) Ping(context.Context) error { return nil }

func (c *fakeClient) TickerPrice(context.Context, string) (float64, error) { return 100, nil }

func (c *fakeClient) USDTBalance(context.Context) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance, c.balanceErr
}

func (c *fakeClient) PositionRisk(context.Context, string) ([]exchange.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]exchange.Position(nil), c.positions...), nil
}

func (c *fakeClient) ChangeMarginType(context.Context, string) error { return nil }

func (c *fakeClient) ChangeLeverage(context.Context, string, int) error { return nil }

func (c *fakeClient) CreateOrder(_ context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	return exchange.OrderResult{OrderID: 1, Status: "FILLED"}, nil
}

func (c *fakeClient) CancelAllOpenOrders(context.Context, string) error { return nil }

func (c *fakeClient) ExchangeInfo(_ context.Context, symbol string) (exchange.SymbolRules, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsupported[symbol] {
		return exchange.SymbolRules{}, fmt.Errorf("%w: %s", exchange.ErrUnsupportedSymbol, symbol)
	}
	return exchange.DefaultRules(symbol), nil
}

func (c *fakeClient) Klines(context.Context, string, string, int) ([]marketdata.Candle, error) {
	return nil, nil
}

func (c *fakeClient) RealizedPnL(context.Context, string, time.Time) (float64, error) { return 0, nil }

func (c *fakeClient) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// clientFactory builds fake clients and counts dials.
type clientFactory struct {
	mu      sync.Mutex
	dials   int
	balance float64
	err     error
	unsupp  map[string]bool
	last    *fakeClient

	// when gate is set, build announces itself on entered and blocks until gate closes
	gate    chan struct{}
	entered chan struct{}
}

func (f *clientFactory) build(context.Context, credential.Credential) (exchange.Client, error) {
	f.mu.Lock()
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	c := &fakeClient{balance: f.balance, balanceErr: f.err, unsupported: f.unsupp}
	f.last = c
	return c, nil
}

func (f *clientFactory) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

type fakeSub struct {
	events chan marketdata.Event
	once   sync.Once
	closed chan struct{}
}

func (s *fakeSub) Events() <-chan marketdata.Event { return s.events }

func (s *fakeSub) Close() {
	s.once.Do(func() { close(s.closed) })
}

func (s *fakeSub) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type fakeFeed struct {
	mu   sync.Mutex
	subs []*fakeSub
}

func (f *fakeFeed) Subscribe(string, string) (bot.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSub{events: make(chan marketdata.Event), closed: make(chan struct{})}
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *fakeFeed) Seed(string, string, []marketdata.Candle) int { return 0 }

func (f *fakeFeed) all() []*fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSub(nil), f.subs...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newPool(f *clientFactory) *pool.Pool[exchange.Client] {
	return pool.New[exchange.Client](f.build, 10*time.Minute, nil)
}

func settings(symbol string) bot.Settings {
	return bot.Settings{
		Symbol: symbol, Timeframe: "15m", Leverage: 10,
		OrderSize: 100, StopLossPct: 3, TakeProfitPct: 10,
	}
}

var (
	credA = credential.Sealed{Key: "key-a", Secret: "secret-a"}
	credB = credential.Sealed{Key: "key-b", Secret: "secret-b"}
)
