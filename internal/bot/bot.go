// Package bot runs one user's trading loop: closed candles in, signals out, orders through the
// user's gateway. A bot owns two goroutines while active, the candle consumer and a periodic
// refresher, and waits for both before giving its pooled client back.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"futuresfleet/internal/exchange"
	"futuresfleet/internal/marketdata"
	"futuresfleet/internal/metrics"
	"futuresfleet/internal/strategy"
	"futuresfleet/internal/tradelog"
	"futuresfleet/logger"
)

var (
	ErrAlreadyRunning = errors.New("bot already running")
	ErrNotRunning     = errors.New("bot not running")
)

const callTimeout = 15 * time.Second

// Deps are the collaborators injected into every bot.
type Deps struct {
	Connect  Connector
	Feed     Feed
	Strategy strategy.Strategy
	Sink     tradelog.Sink
	Policy   Policy
	Log      *logger.Log
	Now      func() time.Time
}

type Bot struct {
	userID   string
	settings Settings
	deps     Deps
	log      *logger.Entry

	lifeMu  sync.Mutex
	gw      Gateway
	release func()
	resub   chan Subscription
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.RWMutex
	st        Status
	rules     exchange.SymbolRules
	gen       uint64
	openedAt  time.Time
	lastTrade time.Time
}

// New builds a stopped bot. Settings must already be validated.
func New(userID, fingerprint string, settings Settings, deps Deps) *Bot {
	if deps.Log == nil {
		deps.Log = logger.GetLogger()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Strategy == nil {
		deps.Strategy = strategy.DefaultEMACross()
	}
	if deps.Sink == nil {
		deps.Sink = tradelog.Nop{}
	}
	deps.Policy = deps.Policy.withDefaults()
	settings = settings.Normalize()

	return &Bot{
		userID:   userID,
		settings: settings,
		deps:     deps,
		log: deps.Log.WithUser(userID, fingerprint).WithComponent("bot").WithFields(logger.Fields{
			"symbol":    settings.Symbol,
			"timeframe": settings.Timeframe,
		}),
		rules: exchange.DefaultRules(settings.Symbol),
		st: Status{
			UserID:        userID,
			Symbol:        settings.Symbol,
			Timeframe:     settings.Timeframe,
			Strategy:      deps.Strategy.Name(),
			Leverage:      settings.Leverage,
			OrderSize:     settings.OrderSize,
			StopLossPct:   settings.StopLossPct,
			TakeProfitPct: settings.TakeProfitPct,
			State:         StateStopped,
			Position:      exchange.Flat,
			LastSignal:    strategy.Hold,
			Message:       "stopped",
		},
	}
}

func (b *Bot) UserID() string     { return b.userID }
func (b *Bot) Settings() Settings { return b.settings }

// Status returns a snapshot.
func (b *Bot) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.st
}

func (b *Bot) setState(st State, msg string) {
	b.mu.Lock()
	b.st.State = st
	if msg != "" {
		b.st.Message = msg
	}
	b.mu.Unlock()
}

func (b *Bot) setMessage(msg string) {
	b.mu.Lock()
	b.st.Message = msg
	b.mu.Unlock()
}

// fail counts a failed action and surfaces it in the status.
func (b *Bot) fail(msg string, err error) {
	b.mu.Lock()
	b.st.Failures++
	if err != nil {
		b.st.Message = fmt.Sprintf("%s: %v", msg, err)
	} else {
		b.st.Message = msg
	}
	b.mu.Unlock()

	entry := b.log
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(msg)
	metrics.Count("bot", metrics.BotFailures, nil)
}

// Start runs the startup sequence and, on success, leaves the bot ACTIVE. Best-effort steps
// only log; an unsupported symbol, a rejected credential or a failed subscription abort the
// start and return the client to the pool.
func (b *Bot) Start(ctx context.Context) error {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()

	if b.Status().State != StateStopped {
		return ErrAlreadyRunning
	}
	b.setState(StateStarting, "starting")
	started := b.deps.Now()
	symbol, tf := b.settings.Symbol, b.settings.Timeframe

	gw, release, err := b.deps.Connect(ctx)
	if err != nil {
		b.setState(StateStopped, "start failed: "+err.Error())
		return fmt.Errorf("connect: %w", err)
	}
	abort := func(err error) error {
		release()
		b.setState(StateStopped, "start failed: "+err.Error())
		b.log.WithError(err).Warn("bot start aborted")
		return err
	}

	if err := gw.Validate(ctx); err != nil && !exchange.Retryable(err) {
		return abort(err)
	}

	rules, err := gw.SymbolRules(ctx, symbol)
	switch {
	case errors.Is(err, exchange.ErrUnsupportedSymbol):
		return abort(err)
	case err != nil:
		b.log.WithError(err).Warn("symbol rules unavailable, using defaults")
		rules = exchange.DefaultRules(symbol)
	}

	balance, err := gw.Balance(ctx, true)
	if err != nil {
		b.log.WithError(err).Warn("initial balance unavailable")
	}

	message := "active"
	if err := gw.SetLeverage(ctx, symbol, b.settings.Leverage); err != nil {
		if errors.Is(err, exchange.ErrPositionOpen) {
			message = "active, leverage unchanged while a position is open"
		} else {
			b.log.WithError(err).Warn("set leverage failed")
		}
	}

	sub, err := b.deps.Feed.Subscribe(symbol, tf)
	if err != nil {
		return abort(fmt.Errorf("subscribe: %w", err))
	}

	if history, err := gw.Klines(ctx, symbol, tf, b.deps.Policy.HistoryLimit); err != nil {
		b.log.WithError(err).Warn("candle history unavailable")
	} else {
		seeded := b.deps.Feed.Seed(symbol, tf, history)
		b.log.WithFields(logger.Fields{"candles": seeded}).Debug("seeded candle history")
	}

	side, entry, qty := exchange.Flat, 0.0, 0.0
	if open, err := gw.OpenPositions(ctx, symbol, true); err != nil {
		b.log.WithError(err).Warn("position check failed")
	} else if len(open) > 0 {
		side, entry, qty = open[0].Side(), open[0].EntryPrice, absf(open[0].Amount)
		b.log.WithFields(logger.Fields{"side": string(side), "entry_price": entry}).Info("adopted existing position")
	}

	b.mu.Lock()
	b.rules = rules
	b.st.QuantityPrecision = rules.QuantityPrecision
	b.st.PricePrecision = rules.PricePrecision
	b.st.MinNotional = rules.MinNotional
	b.st.Balance = balance
	b.st.Position, b.st.EntryPrice, b.st.Quantity = side, entry, qty
	b.st.MarketData = true
	b.st.StartedAt = started
	b.st.LastCheck = b.deps.Now()
	if side != exchange.Flat {
		b.openedAt = started
		b.gen++
	}
	b.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	b.gw, b.release, b.cancel = gw, release, cancel
	b.resub = make(chan Subscription, 1)
	b.wg.Add(2)
	go b.consume(runCtx, sub)
	go b.refresh(runCtx)

	b.setState(StateActive, message)
	logger.LogDuration(b.log, "bot start", started, nil)
	return nil
}

// Stop cancels both goroutines, waits for them and releases the pooled client. Open orders
// are cancelled only when no position is held so protective orders stay in place.
func (b *Bot) Stop(ctx context.Context) error {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()

	if b.Status().State != StateActive {
		return ErrNotRunning
	}
	b.setState(StateStopping, "stopping")

	b.cancel()
	b.wg.Wait()
	select {
	case pending := <-b.resub:
		pending.Close()
	default:
	}

	if !b.Status().InPosition() {
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		if err := b.gw.CancelAllOpenOrders(cctx, b.settings.Symbol); err != nil {
			b.log.WithError(err).Warn("cancel orders on stop failed")
		}
		cancel()
	}

	b.release()
	b.gw, b.release, b.cancel = nil, nil, nil

	b.mu.Lock()
	b.st.State = StateStopped
	b.st.Message = "stopped"
	b.st.MarketData = false
	b.st.LastCheck = b.deps.Now()
	b.mu.Unlock()
	b.log.Info("bot stopped")
	return nil
}

func (b *Bot) consume(ctx context.Context, sub Subscription) {
	defer b.wg.Done()
	defer func() { sub.Close() }()

	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case next := <-b.resub:
			sub.Close()
			sub, events = next, next.Events()
			b.log.Info("market data subscription renewed")
		case ev, ok := <-events:
			if !ok {
				events = nil
				b.setMarketData(false)
				continue
			}
			b.handle(ctx, ev)
		}
	}
}

func (b *Bot) handle(ctx context.Context, ev marketdata.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.fail("event handler panic", fmt.Errorf("%v", r))
		}
	}()

	switch ev.Kind {
	case marketdata.EventTicker:
		b.observePrice(ev.Price)
	case marketdata.EventStreamDisabled:
		b.setMarketData(false)
	case marketdata.EventCandleClosed:
		b.observePrice(ev.Candle.Close)
		b.onCandle(ctx, ev.Window)
	}
}

func (b *Bot) setMarketData(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.st.MarketData == ok {
		return
	}
	b.st.MarketData = ok
	if ok {
		b.st.Message = "active"
	} else {
		b.st.Message = "market data unavailable"
	}
}

func (b *Bot) observePrice(price float64) {
	if price <= 0 {
		return
	}
	b.setMarketData(true)
	b.mu.Lock()
	b.st.CurrentPrice = price
	b.st.UnrealizedPnL = exchange.UnrealizedPnL(b.st.Position, b.settings.OrderSize, b.settings.Leverage, b.st.EntryPrice, price)
	b.mu.Unlock()
}

func sideFor(sig strategy.Signal) exchange.PositionSide {
	switch sig {
	case strategy.Long:
		return exchange.Long
	case strategy.Short:
		return exchange.Short
	default:
		return exchange.Flat
	}
}

func (b *Bot) onCandle(ctx context.Context, window []marketdata.Candle) {
	if len(window) < b.deps.Policy.MinCandles {
		return
	}
	sig := b.deps.Strategy.Signal(window)
	price := window[len(window)-1].Close
	now := b.deps.Now()

	b.mu.Lock()
	b.st.LastSignal = sig
	b.st.LastCheck = now
	current := b.st.Position
	losses := b.st.ConsecutiveLosses
	lastTrade := b.lastTrade
	b.mu.Unlock()

	wanted := sideFor(sig)
	if wanted == exchange.Flat || wanted == current {
		return
	}
	if losses >= b.deps.Policy.MaxConsecutiveLosses {
		b.setMessage(fmt.Sprintf("trading paused after %d consecutive losses", losses))
		b.log.WithFields(logger.Fields{"signal": string(sig)}).Warn("signal ignored, trading paused")
		return
	}
	if !lastTrade.IsZero() && now.Sub(lastTrade) < b.deps.Policy.MinTradeInterval {
		b.log.WithFields(logger.Fields{
			"signal":    string(sig),
			"remaining": (b.deps.Policy.MinTradeInterval - now.Sub(lastTrade)).String(),
		}).Info("signal ignored, minimum trade interval not reached")
		return
	}

	b.log.WithFields(logger.Fields{"signal": string(sig), "position": string(current), "price": price}).Info("acting on signal")
	if current != exchange.Flat {
		if err := b.closePosition(ctx, "STRATEGY_FLIP", price); err != nil {
			return
		}
	}
	b.openPosition(ctx, wanted, price)
}

func (b *Bot) openPosition(ctx context.Context, side exchange.PositionSide, price float64) {
	b.mu.RLock()
	rules := b.rules
	b.mu.RUnlock()

	qty := exchange.OrderQuantity(b.settings.OrderSize, b.settings.Leverage, price, rules.QuantityPrecision)
	if qty <= 0 {
		b.fail(fmt.Sprintf("order quantity rounds to zero at price %v", price), nil)
		return
	}
	if notional := qty * price; notional < rules.MinNotional {
		b.fail(fmt.Sprintf("order notional %.2f below minimum %.2f", notional, rules.MinNotional), nil)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	res, err := b.gw.PlaceMarketOrderWithProtection(cctx, exchange.OrderIntent{
		Symbol:         b.settings.Symbol,
		Side:           side,
		Quantity:       qty,
		ReferencePrice: price,
		StopLossPct:    b.settings.StopLossPct,
		TakeProfitPct:  b.settings.TakeProfitPct,
		Rules:          rules,
	})
	if err != nil {
		b.fail(fmt.Sprintf("open %s failed", side), err)
		return
	}

	now := b.deps.Now()
	msg := fmt.Sprintf("%s opened at %v", side, res.EntryPrice)
	if !res.Protected() {
		msg += ", protection incomplete"
	}
	b.mu.Lock()
	b.st.Position = side
	b.st.EntryPrice = res.EntryPrice
	b.st.Quantity = qty
	b.st.UnrealizedPnL = 0
	b.st.TotalTrades++
	b.st.Message = msg
	b.gen++
	b.openedAt = now
	b.lastTrade = now
	b.mu.Unlock()

	b.record(ctx, tradelog.Event{
		Action:   tradelog.ActionOpen,
		Side:     string(side),
		Reason:   "SIGNAL",
		Quantity: qty,
		Price:    res.EntryPrice,
	})
}

func (b *Bot) closePosition(ctx context.Context, reason string, price float64) error {
	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	b.mu.RLock()
	side, entry, openedAt, gen := b.st.Position, b.st.EntryPrice, b.openedAt, b.gen
	b.mu.RUnlock()

	closed, err := b.gw.ClosePosition(cctx, b.settings.Symbol)
	if err != nil {
		b.fail(fmt.Sprintf("close %s failed", side), err)
		return err
	}

	pnl := exchange.UnrealizedPnL(side, b.settings.OrderSize, b.settings.Leverage, entry, price)
	if closed.Closed {
		if realized, err := b.gw.RealizedPnL(cctx, b.settings.Symbol, openedAt); err == nil && realized != 0 {
			pnl = realized
		}
	}
	b.settle(ctx, gen, side, reason, price, closed.Position.Amount, pnl, true)
	return nil
}

// settle books a closed position unless the position changed since gen was read.
// settle books a closed position. An unknown pnl is recorded as zero and leaves the totals
// and streaks untouched.
func (b *Bot) settle(ctx context.Context, gen uint64, side exchange.PositionSide, reason string, price, amount, pnl float64, known bool) {
	now := b.deps.Now()
	b.mu.Lock()
	if b.gen != gen {
		b.mu.Unlock()
		return
	}
	switch {
	case !known:
		pnl = 0
	case pnl < 0:
		b.st.TotalPnL += pnl
		b.st.ConsecutiveLosses++
		b.st.ConsecutiveWins = 0
	default:
		b.st.TotalPnL += pnl
		b.st.ConsecutiveWins++
		b.st.ConsecutiveLosses = 0
	}
	qty := b.st.Quantity
	if amount != 0 {
		qty = absf(amount)
	}
	b.st.Position = exchange.Flat
	b.st.EntryPrice = 0
	b.st.Quantity = 0
	b.st.UnrealizedPnL = 0
	if known {
		b.st.Message = fmt.Sprintf("%s closed, pnl %.2f", side, pnl)
	} else {
		b.st.Message = fmt.Sprintf("%s closed, pnl unknown", side)
	}
	b.gen++
	b.lastTrade = now
	b.mu.Unlock()

	b.log.WithFields(logger.Fields{"side": string(side), "reason": reason, "pnl": pnl, "pnl_known": known}).Info("position closed")
	b.record(ctx, tradelog.Event{
		Action:   tradelog.ActionClose,
		Side:     string(side),
		Reason:   reason,
		Quantity: qty,
		Price:    price,
		PnL:      pnl,
	})
}

func (b *Bot) record(ctx context.Context, e tradelog.Event) {
	e.UserID = b.userID
	e.Symbol = b.settings.Symbol
	e.Timeframe = b.settings.Timeframe
	e.Strategy = b.deps.Strategy.Name()
	e.StopLossPct = b.settings.StopLossPct
	e.TakeProfitPct = b.settings.TakeProfitPct
	e = e.Stamp(b.deps.Now())

	metrics.Count("bot", metrics.TradeEvents, logger.Fields{"action": string(e.Action)})
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), callTimeout)
	defer cancel()
	if err := b.deps.Sink.Record(cctx, e); err != nil {
		b.log.WithError(err).WithFields(logger.Fields{"action": string(e.Action)}).Warn("trade log write failed")
	}
}

func (b *Bot) refresh(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.deps.Policy.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.refreshOnce(ctx)
		}
	}
}

// refreshOnce updates balance, price and PnL and notices positions closed on the exchange
// side, for instance by a triggered stop loss.
func (b *Bot) refreshOnce(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	symbol := b.settings.Symbol

	if bal, err := b.gw.Balance(cctx, false); err == nil {
		b.mu.Lock()
		b.st.Balance = bal
		b.mu.Unlock()
	}

	b.mu.RLock()
	gen, side, openedAt, marketOK, entry, last := b.gen, b.st.Position, b.openedAt, b.st.MarketData, b.st.EntryPrice, b.st.CurrentPrice
	b.mu.RUnlock()

	if side != exchange.Flat {
		open, err := b.gw.OpenPositions(cctx, symbol, false)
		if err == nil && len(open) == 0 {
			price, err := b.gw.Price(cctx, symbol)
			if err != nil || price <= 0 {
				price = last
			}
			var pnl float64
			known := price > 0 && entry > 0
			if known {
				pnl = exchange.UnrealizedPnL(side, b.settings.OrderSize, b.settings.Leverage, entry, price)
			}
			if realized, err := b.gw.RealizedPnL(cctx, symbol, openedAt); err == nil && realized != 0 {
				pnl, known = realized, true
			}
			b.settle(ctx, gen, side, "EXCHANGE_CLOSED", price, 0, pnl, known)
		}
	}

	if !marketOK {
		if price, err := b.gw.Price(cctx, symbol); err == nil {
			b.mu.Lock()
			b.st.CurrentPrice = price
			b.st.UnrealizedPnL = exchange.UnrealizedPnL(b.st.Position, b.settings.OrderSize, b.settings.Leverage, b.st.EntryPrice, price)
			b.mu.Unlock()
		}
		if sub, err := b.deps.Feed.Subscribe(symbol, b.settings.Timeframe); err == nil {
			select {
			case b.resub <- sub:
				b.setMarketData(true)
			default:
				sub.Close()
			}
		}
	}

	b.mu.Lock()
	b.st.LastCheck = b.deps.Now()
	b.mu.Unlock()
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
