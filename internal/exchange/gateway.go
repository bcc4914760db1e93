package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"futuresfleet/internal/marketdata"
	"futuresfleet/internal/metrics"
	"futuresfleet/internal/ratelimit"
	"futuresfleet/logger"
)

const (
	balanceTTL      = 30 * time.Second
	positionTTL     = 40 * time.Second
	compensationTTL = 10 * time.Second
)

// Limiter delays a call until the tenant's budget for class allows it.
type Limiter interface {
	Wait(ctx context.Context, fingerprint string, class ratelimit.Class) error
}

// PriceSource serves streamed prices; it errors when no fresh price is cached.
type PriceSource interface {
	Price(symbol string) (float64, time.Time, error)
}

type positionCache struct {
	at        time.Time
	positions []Position
}

// Gateway is one tenant's view of the exchange. Every REST call passes the rate limiter with
// the tenant's fingerprint first. Balance and positions are cached briefly and served stale
// when the exchange throttles.
type Gateway struct {
	client      Client
	fingerprint string
	limiter     Limiter
	prices      PriceSource
	log         *logger.Entry
	now         func() time.Time

	mu        sync.Mutex
	balance   float64
	balanceAt time.Time
	hasBal    bool
	positions map[string]positionCache
	rules     map[string]SymbolRules
}

type GatewayOption func(*Gateway)

func WithGatewayClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

// WithPriceSource makes Price consult streamed prices before REST.
func WithPriceSource(p PriceSource) GatewayOption {
	return func(g *Gateway) { g.prices = p }
}

func NewGateway(client Client, fingerprint string, limiter Limiter, log *logger.Log, opts ...GatewayOption) *Gateway {
	if log == nil {
		log = logger.GetLogger()
	}
	g := &Gateway{
		client:      client,
		fingerprint: fingerprint,
		limiter:     limiter,
		log: log.WithComponent("gateway").WithFields(logger.Fields{
			"fingerprint": logger.ShortFingerprint(fingerprint),
		}),
		now:       time.Now,
		positions: make(map[string]positionCache),
		rules:     make(map[string]SymbolRules),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) Fingerprint() string { return g.fingerprint }

func (g *Gateway) wait(ctx context.Context, class ratelimit.Class) error {
	if g.limiter == nil {
		return ctx.Err()
	}
	return g.limiter.Wait(ctx, g.fingerprint, class)
}

func (g *Gateway) observe(class ratelimit.Class, err error) {
	if errors.Is(err, ErrRateLimited) {
		metrics.Count("gateway", metrics.ExchangeReject, logger.Fields{"class": string(class)})
		g.log.WithFields(logger.Fields{"class": string(class)}).WithError(err).Warn("exchange rejected call for rate limits")
	}
}

// Price returns the streamed price when fresh, otherwise the REST ticker price.
func (g *Gateway) Price(ctx context.Context, symbol string) (float64, error) {
	if g.prices != nil {
		if p, _, err := g.prices.Price(symbol); err == nil && p > 0 {
			return p, nil
		}
	}
	if err := g.wait(ctx, ratelimit.ClassDefault); err != nil {
		return 0, err
	}
	p, err := g.client.TickerPrice(ctx, symbol)
	if err != nil {
		g.observe(ratelimit.ClassDefault, err)
		return 0, fmt.Errorf("%w: %w", ErrPriceUnavailable, err)
	}
	if p <= 0 {
		return 0, fmt.Errorf("%w: non-positive ticker for %s", ErrPriceUnavailable, symbol)
	}
	return p, nil
}

// Balance returns the USDT wallet balance. Unless fresh is set a value younger than 30s is
// served from cache; on a retryable failure the last known value is served.
func (g *Gateway) Balance(ctx context.Context, fresh bool) (float64, error) {
	g.mu.Lock()
	if !fresh && g.hasBal && g.now().Sub(g.balanceAt) < balanceTTL {
		b := g.balance
		g.mu.Unlock()
		return b, nil
	}
	g.mu.Unlock()

	if err := g.wait(ctx, ratelimit.ClassAccount); err != nil {
		return 0, err
	}
	b, err := g.client.USDTBalance(ctx)
	if err != nil {
		g.observe(ratelimit.ClassAccount, err)
		g.mu.Lock()
		cached, ok := g.balance, g.hasBal
		g.mu.Unlock()
		if ok && Retryable(err) {
			return cached, nil
		}
		return 0, fmt.Errorf("balance: %w", err)
	}

	g.mu.Lock()
	g.balance, g.balanceAt, g.hasBal = b, g.now(), true
	g.mu.Unlock()
	return b, nil
}

// OpenPositions returns the non-zero positions for symbol ("" for all symbols). Unless fresh
// is set a result younger than 40s is served from cache.
func (g *Gateway) OpenPositions(ctx context.Context, symbol string, fresh bool) ([]Position, error) {
	g.mu.Lock()
	cached, ok := g.positions[symbol]
	g.mu.Unlock()
	if !fresh && ok && g.now().Sub(cached.at) < positionTTL {
		return clonePositions(cached.positions), nil
	}

	if err := g.wait(ctx, ratelimit.ClassPosition); err != nil {
		return nil, err
	}
	rows, err := g.client.PositionRisk(ctx, symbol)
	if err != nil {
		g.observe(ratelimit.ClassPosition, err)
		if ok && Retryable(err) {
			return clonePositions(cached.positions), nil
		}
		return nil, fmt.Errorf("positions: %w", err)
	}

	open := make([]Position, 0, len(rows))
	for _, p := range rows {
		if p.Amount != 0 {
			open = append(open, p)
		}
	}
	g.mu.Lock()
	g.positions[symbol] = positionCache{at: g.now(), positions: open}
	g.mu.Unlock()
	return clonePositions(open), nil
}

func clonePositions(in []Position) []Position {
	out := make([]Position, len(in))
	copy(out, in)
	return out
}

// SetLeverage switches symbol to cross margin and sets its leverage. Leverage cannot change
// under an open position, so the position check always goes to the exchange.
func (g *Gateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	open, err := g.OpenPositions(ctx, symbol, true)
	if err != nil {
		return fmt.Errorf("check positions: %w", err)
	}
	if len(open) > 0 {
		return fmt.Errorf("%w: %s %s %v", ErrPositionOpen, symbol, open[0].Side(), open[0].Amount)
	}

	if err := g.wait(ctx, ratelimit.ClassAccount); err != nil {
		return err
	}
	if err := g.client.ChangeMarginType(ctx, symbol); err != nil {
		g.observe(ratelimit.ClassAccount, err)
		return fmt.Errorf("margin type: %w", err)
	}

	if err := g.wait(ctx, ratelimit.ClassAccount); err != nil {
		return err
	}
	if err := g.client.ChangeLeverage(ctx, symbol, leverage); err != nil {
		g.observe(ratelimit.ClassAccount, err)
		return fmt.Errorf("leverage: %w", err)
	}

	g.log.WithFields(logger.Fields{"symbol": symbol, "leverage": leverage}).Info("leverage set")
	return nil
}

// PlaceMarketOrderWithProtection opens a position with a market order and brackets it with
// reduce-only stop-loss and take-profit orders. When the entry fails the symbol's open orders
// are cancelled and the error returned. Protective failures are reported in the result.
func (g *Gateway) PlaceMarketOrderWithProtection(ctx context.Context, intent OrderIntent) (ProtectedOrder, error) {
	rules := intent.Rules
	if rules.Symbol == "" {
		rules = DefaultRules(intent.Symbol)
	}
	if FloorQuantity(intent.Quantity, rules.QuantityPrecision) <= 0 {
		return ProtectedOrder{}, ErrInvalidQuantity
	}
	qty := FormatQuantity(intent.Quantity, rules.QuantityPrecision)
	fields := logger.Fields{"symbol": intent.Symbol, "side": string(intent.Side), "quantity": qty}

	if err := g.wait(ctx, ratelimit.ClassOrder); err != nil {
		return ProtectedOrder{}, err
	}
	res, err := g.client.CreateOrder(ctx, OrderRequest{
		Symbol:   intent.Symbol,
		Side:     intent.Side.EntrySide(),
		Type:     OrderMarket,
		Quantity: qty,
	})
	metrics.Order("entry", err)
	if err != nil {
		g.observe(ratelimit.ClassOrder, err)
		g.log.WithFields(fields).WithError(err).Error("market order failed")
		g.compensate(ctx, intent.Symbol)
		return ProtectedOrder{}, fmt.Errorf("entry order: %w", err)
	}

	entry := res.AvgPrice
	if entry <= 0 {
		entry = intent.ReferencePrice
	}
	sl, tp := ProtectionPrices(intent.Side, entry, intent.StopLossPct, intent.TakeProfitPct, rules.PricePrecision)
	out := ProtectedOrder{
		Entry:           res,
		EntryPrice:      entry,
		Quantity:        qty,
		StopLossPrice:   sl,
		TakeProfitPrice: tp,
	}
	exit := intent.Side.ExitSide()
	out.StopLossErr = g.protect(ctx, intent.Symbol, exit, OrderStopMarket, qty, sl, "stop_loss")
	out.TakeProfitErr = g.protect(ctx, intent.Symbol, exit, OrderTakeProfitMarket, qty, tp, "take_profit")

	g.invalidate(intent.Symbol)

	fields["entry_price"] = entry
	fields["stop_loss"] = sl
	fields["take_profit"] = tp
	g.log.WithFields(fields).Info("market order placed")
	return out, nil
}

func (g *Gateway) protect(ctx context.Context, symbol string, side Side, typ OrderType, qty, stop, kind string) error {
	if err := g.wait(ctx, ratelimit.ClassOrder); err != nil {
		return err
	}
	_, err := g.client.CreateOrder(ctx, OrderRequest{
		Symbol:     symbol,
		Side:       side,
		Type:       typ,
		Quantity:   qty,
		StopPrice:  stop,
		ReduceOnly: true,
	})
	metrics.Order(kind, err)
	if err != nil {
		g.observe(ratelimit.ClassOrder, err)
		g.log.WithFields(logger.Fields{"symbol": symbol, "kind": kind, "stop_price": stop}).
			WithError(err).Error("protective order failed")
		return fmt.Errorf("%s order: %w", kind, err)
	}
	return nil
}

// compensate cancels open orders for symbol even when ctx is already done.
func (g *Gateway) compensate(ctx context.Context, symbol string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTTL)
	defer cancel()
	if err := g.CancelAllOpenOrders(cctx, symbol); err != nil {
		g.log.WithFields(logger.Fields{"symbol": symbol}).WithError(err).Warn("compensating cancel failed")
	}
}

func (g *Gateway) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	if err := g.wait(ctx, ratelimit.ClassOrder); err != nil {
		return err
	}
	err := g.client.CancelAllOpenOrders(ctx, symbol)
	metrics.Order("cancel", err)
	if err != nil {
		g.observe(ratelimit.ClassOrder, err)
		return fmt.Errorf("cancel orders: %w", err)
	}
	return nil
}

// ClosePosition cancels the symbol's open orders and closes the position with a reduce-only
// market order. Closed is false when no position was open.
func (g *Gateway) ClosePosition(ctx context.Context, symbol string) (ClosedPosition, error) {
	open, err := g.OpenPositions(ctx, symbol, true)
	if err != nil {
		return ClosedPosition{}, err
	}
	if err := g.CancelAllOpenOrders(ctx, symbol); err != nil {
		g.log.WithFields(logger.Fields{"symbol": symbol}).WithError(err).Warn("cancel before close failed")
	}
	if len(open) == 0 {
		return ClosedPosition{}, nil
	}

	pos := open[0]
	if err := g.wait(ctx, ratelimit.ClassOrder); err != nil {
		return ClosedPosition{Position: pos}, err
	}
	res, err := g.client.CreateOrder(ctx, OrderRequest{
		Symbol:     symbol,
		Side:       pos.Side().ExitSide(),
		Type:       OrderMarket,
		Quantity:   strconv.FormatFloat(math.Abs(pos.Amount), 'f', -1, 64),
		ReduceOnly: true,
	})
	metrics.Order("close", err)
	if err != nil {
		g.observe(ratelimit.ClassOrder, err)
		g.compensate(ctx, symbol)
		return ClosedPosition{Position: pos}, fmt.Errorf("close position: %w", err)
	}

	g.invalidate(symbol)
	g.log.WithFields(logger.Fields{"symbol": symbol, "amount": pos.Amount}).Info("position closed")
	return ClosedPosition{Position: pos, Closed: true, Order: res}, nil
}

func (g *Gateway) invalidate(symbol string) {
	g.mu.Lock()
	delete(g.positions, symbol)
	delete(g.positions, "")
	g.balanceAt = time.Time{}
	g.mu.Unlock()
}

// SymbolRules returns the precision and minimum notional for symbol. Successful lookups are
// cached for the life of the gateway.
func (g *Gateway) SymbolRules(ctx context.Context, symbol string) (SymbolRules, error) {
	g.mu.Lock()
	rules, ok := g.rules[symbol]
	g.mu.Unlock()
	if ok {
		return rules, nil
	}

	if err := g.wait(ctx, ratelimit.ClassDefault); err != nil {
		return SymbolRules{}, err
	}
	rules, err := g.client.ExchangeInfo(ctx, symbol)
	if err != nil {
		g.observe(ratelimit.ClassDefault, err)
		return SymbolRules{}, fmt.Errorf("symbol rules: %w", err)
	}
	g.mu.Lock()
	g.rules[symbol] = rules
	g.mu.Unlock()
	return rules, nil
}

// Klines fetches closed candle history for seeding stream buffers.
func (g *Gateway) Klines(ctx context.Context, symbol, interval string, limit int) ([]marketdata.Candle, error) {
	if err := g.wait(ctx, ratelimit.ClassDefault); err != nil {
		return nil, err
	}
	candles, err := g.client.Klines(ctx, symbol, interval, limit)
	if err != nil {
		g.observe(ratelimit.ClassDefault, err)
		return nil, fmt.Errorf("klines: %w", err)
	}
	return candles, nil
}

// RealizedPnL sums realized PnL income for symbol since the given time.
func (g *Gateway) RealizedPnL(ctx context.Context, symbol string, since time.Time) (float64, error) {
	if err := g.wait(ctx, ratelimit.ClassAccount); err != nil {
		return 0, err
	}
	pnl, err := g.client.RealizedPnL(ctx, symbol, since)
	if err != nil {
		g.observe(ratelimit.ClassAccount, err)
		return 0, fmt.Errorf("realized pnl: %w", err)
	}
	return pnl, nil
}

// Validate performs a signed call to prove the credential works.
func (g *Gateway) Validate(ctx context.Context) error {
	if err := g.wait(ctx, ratelimit.ClassAccount); err != nil {
		return err
	}
	b, err := g.client.USDTBalance(ctx)
	if err != nil {
		g.observe(ratelimit.ClassAccount, err)
		return fmt.Errorf("validate credential: %w", err)
	}
	g.mu.Lock()
	g.balance, g.balanceAt, g.hasBal = b, g.now(), true
	g.mu.Unlock()
	return nil
}
