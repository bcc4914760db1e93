package bot

import (
	"context"
	"sync"
	"time"

	"futuresfleet/internal/exchange"
	"futuresfleet/internal/marketdata"
	"futuresfleet/internal/strategy"
)

type fakeGateway struct {
	mu sync.Mutex

	validateErr error
	rules       exchange.SymbolRules
	rulesErr    error
	balance     float64
	leverageErr error
	leverage    int
	positions   []exchange.Position
	history     []marketdata.Candle
	price       float64
	priceErr    error
	realized    float64

	placeErr  error
	intents   []exchange.OrderIntent
	closes    int
	cancels   int
	callOrder []string
}

func (g *fakeGateway) note(call string) {
	g.callOrder = append(g.callOrder, call)
}

func (g *fakeGateway) Validate(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.validateErr
}

func (g *fakeGateway) Price(context.Context, string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.priceErr != nil {
		return 0, g.priceErr
	}
	return g.price, nil
}

func (g *fakeGateway) failPrice(err error) {
	g.mu.Lock()
	g.priceErr = err
	g.mu.Unlock()
}

func (g *fakeGateway) Balance(context.Context, bool) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balance, nil
}

func (g *fakeGateway) OpenPositions(context.Context, string, bool) ([]exchange.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]exchange.Position(nil), g.positions...), nil
}

func (g *fakeGateway) SetLeverage(_ context.Context, _ string, leverage int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.leverageErr != nil {
		return g.leverageErr
	}
	g.leverage = leverage
	return nil
}

func (g *fakeGateway) SymbolRules(_ context.Context, symbol string) (exchange.SymbolRules, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rulesErr != nil {
		return exchange.SymbolRules{}, g.rulesErr
	}
	r := g.rules
	r.Symbol = symbol
	return r, nil
}

func (g *fakeGateway) Klines(context.Context, string, string, int) ([]marketdata.Candle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.history, nil
}

func (g *fakeGateway) PlaceMarketOrderWithProtection(_ context.Context, intent exchange.OrderIntent) (exchange.ProtectedOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.note("open")
	g.intents = append(g.intents, intent)
	if g.placeErr != nil {
		return exchange.ProtectedOrder{}, g.placeErr
	}
	amt := intent.Quantity
	if intent.Side == exchange.Short {
		amt = -amt
	}
	g.positions = []exchange.Position{{Symbol: intent.Symbol, Amount: amt, EntryPrice: intent.ReferencePrice}}
	return exchange.ProtectedOrder{EntryPrice: intent.ReferencePrice}, nil
}

func (g *fakeGateway) CancelAllOpenOrders(context.Context, string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels++
	return nil
}

func (g *fakeGateway) ClosePosition(context.Context, string) (exchange.ClosedPosition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.note("close")
	g.closes++
	if len(g.positions) == 0 {
		return exchange.ClosedPosition{}, nil
	}
	pos := g.positions[0]
	g.positions = nil
	return exchange.ClosedPosition{Position: pos, Closed: true}, nil
}

func (g *fakeGateway) RealizedPnL(context.Context, string, time.Time) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.realized, nil
}

func (g *fakeGateway) Intents() []exchange.OrderIntent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]exchange.OrderIntent(nil), g.intents...)
}

func (g *fakeGateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.callOrder...)
}

func (g *fakeGateway) setPositions(p []exchange.Position) {
	g.mu.Lock()
	g.positions = p
	g.mu.Unlock()
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
	mu     sync.Mutex
	subs   []*fakeSub
	seeded int
	err    error
}

func (f *fakeFeed) Subscribe(string, string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeSub{events: make(chan marketdata.Event, 16), closed: make(chan struct{})}
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *fakeFeed) Seed(_ string, _ string, history []marketdata.Candle) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeded += len(history)
	return len(history)
}

func (f *fakeFeed) sub(i int) *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[i]
}

func (f *fakeFeed) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// closeStrategy signals LONG on a close of 200, SHORT on 50 and HOLD otherwise.
type closeStrategy struct{}

func (closeStrategy) Name() string { return "close_marker" }

func (closeStrategy) Signal(c []marketdata.Candle) strategy.Signal {
	switch c[len(c)-1].Close {
	case 200:
		return strategy.Long
	case 50:
		return strategy.Short
	default:
		return strategy.Hold
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
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
