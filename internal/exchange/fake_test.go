package exchange

import (
	"context"
	"sync"
	"time"

	"futuresfleet/internal/marketdata"
	"futuresfleet/internal/ratelimit"
)

type fakeClient struct {
	mu sync.Mutex

	price    float64
	priceErr error

	balance      float64
	balanceErr   error
	balanceCalls int

	positions     []Position
	positionErr   error
	positionCalls int

	avgPrice  float64
	orderErrs map[OrderType]error
	orders    []OrderRequest
	cancels   int

	marginCalls   int
	leverageCalls int
	leverage      int

	rules    SymbolRules
	rulesErr error
	candles  []marketdata.Candle
	pnl      float64
	closed   bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{orderErrs: make(map[OrderType]error)}
}

func (f *fakeClient) Ping(context.Context) error { return nil }

func (f *fakeClient) TickerPrice(context.Context, string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price, f.priceErr
}

func (f *fakeClient) USDTBalance(context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceCalls++
	return f.balance, f.balanceErr
}

func (f *fakeClient) PositionRisk(context.Context, string) ([]Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positionCalls++
	if f.positionErr != nil {
		return nil, f.positionErr
	}
	out := make([]Position, len(f.positions))
	copy(out, f.positions)
	return out, nil
}

func (f *fakeClient) ChangeMarginType(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marginCalls++
	return nil
}

func (f *fakeClient) ChangeLeverage(_ context.Context, _ string, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverageCalls++
	f.leverage = leverage
	return nil
}

func (f *fakeClient) CreateOrder(_ context.Context, req OrderRequest) (OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, req)
	if err := f.orderErrs[req.Type]; err != nil {
		return OrderResult{}, err
	}
	return OrderResult{OrderID: int64(len(f.orders)), Status: "FILLED", AvgPrice: f.avgPrice}, nil
}

func (f *fakeClient) CancelAllOpenOrders(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeClient) ExchangeInfo(_ context.Context, symbol string) (SymbolRules, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rulesErr != nil {
		return SymbolRules{}, f.rulesErr
	}
	r := f.rules
	r.Symbol = symbol
	return r, nil
}

func (f *fakeClient) Klines(context.Context, string, string, int) ([]marketdata.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.candles, nil
}

func (f *fakeClient) RealizedPnL(context.Context, string, time.Time) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pnl, nil
}

func (f *fakeClient) Alive() bool { return !f.closed }

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

type recordingLimiter struct {
	mu      sync.Mutex
	classes []ratelimit.Class
}

func (l *recordingLimiter) Wait(ctx context.Context, _ string, class ratelimit.Class) error {
	l.mu.Lock()
	l.classes = append(l.classes, class)
	l.mu.Unlock()
	return ctx.Err()
}

func (l *recordingLimiter) Classes() []ratelimit.Class {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ratelimit.Class(nil), l.classes...)
}

type staticPrices struct {
	price float64
	err   error
}

func (s staticPrices) Price(string) (float64, time.Time, error) {
	return s.price, time.Time{}, s.err
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
