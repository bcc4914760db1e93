package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futuresfleet/internal/exchange"
	"futuresfleet/internal/marketdata"
	"futuresfleet/internal/strategy"
	"futuresfleet/internal/tradelog"
)

type harness struct {
	bot      *Bot
	gw       *fakeGateway
	feed     *fakeFeed
	sink     *tradelog.Memory
	clock    *clock
	released atomic.Int32
}

func defaultSettings() Settings {
	return Settings{Symbol: "btcusdt", Timeframe: "15m", Leverage: 10, OrderSize: 100, StopLossPct: 3, TakeProfitPct: 10}
}

func newHarness(t *testing.T, settings Settings, gw *fakeGateway) *harness {
	t.Helper()
	h := &harness{
		gw:    gw,
		feed:  &fakeFeed{},
		sink:  tradelog.NewMemory(0),
		clock: &clock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)},
	}
	h.bot = New("user-1", "0123456789abcdef", settings, Deps{
		Connect: func(context.Context) (Gateway, func(), error) {
			return gw, func() { h.released.Add(1) }, nil
		},
		Feed:     h.feed,
		Strategy: closeStrategy{},
		Sink:     h.sink,
		Policy:   Policy{MinTradeInterval: time.Minute, RefreshInterval: time.Hour},
		Now:      h.clock.Now,
	})
	t.Cleanup(func() { _ = h.bot.Stop(context.Background()) })
	return h
}

func window(lastClose float64) []marketdata.Candle {
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	out := make([]marketdata.Candle, 25)
	for i := range out {
		open := start.Add(time.Duration(i) * 15 * time.Minute)
		out[i] = marketdata.Candle{OpenTime: open, CloseTime: open.Add(15 * time.Minute), Close: 100}
	}
	out[len(out)-1].Close = lastClose
	return out
}

func (h *harness) sendCandle(t *testing.T, lastClose float64) {
	t.Helper()
	w := window(lastClose)
	h.feed.sub(h.feed.count() - 1).events <- marketdata.Event{
		Kind:   marketdata.EventCandleClosed,
		Symbol: "BTCUSDT",
		Candle: w[len(w)-1],
		Window: w,
	}
}

func TestStartGoesActive(t *testing.T) {
	gw := &fakeGateway{
		rules:   exchange.SymbolRules{QuantityPrecision: 3, PricePrecision: 1, MinNotional: 5},
		balance: 1000,
		history: window(100),
	}
	h := newHarness(t, defaultSettings(), gw)

	require.NoError(t, h.bot.Start(context.Background()))
	st := h.bot.Status()
	assert.Equal(t, StateActive, st.State)
	assert.Equal(t, "BTCUSDT", st.Symbol)
	assert.Equal(t, exchange.Flat, st.Position)
	assert.Equal(t, 1000.0, st.Balance)
	assert.Equal(t, 1, st.PricePrecision)
	assert.Equal(t, 10, gw.leverage)
	assert.Equal(t, 25, h.feed.seeded)
	assert.True(t, st.MarketData)

	assert.ErrorIs(t, h.bot.Start(context.Background()), ErrAlreadyRunning)
}

func TestFlatToLongPlacesProtectedOrder(t *testing.T) {
	gw := &fakeGateway{rules: exchange.SymbolRules{QuantityPrecision: 3, PricePrecision: 2, MinNotional: 5}}
	h := newHarness(t, defaultSettings(), gw)
	require.NoError(t, h.bot.Start(context.Background()))

	h.sendCandle(t, 200)
	require.Eventually(t, func() bool { return h.bot.Status().Position == exchange.Long }, time.Second, 5*time.Millisecond)

	intents := gw.Intents()
	require.Len(t, intents, 1)
	assert.Equal(t, exchange.OrderIntent{
		Symbol:         "BTCUSDT",
		Side:           exchange.Long,
		Quantity:       5,
		ReferencePrice: 200,
		StopLossPct:    3,
		TakeProfitPct:  10,
		Rules:          exchange.SymbolRules{Symbol: "BTCUSDT", QuantityPrecision: 3, PricePrecision: 2, MinNotional: 5},
	}, intents[0])

	st := h.bot.Status()
	assert.Equal(t, 1, st.TotalTrades)
	assert.Equal(t, strategy.Long, st.LastSignal)
	assert.Equal(t, 200.0, st.EntryPrice)

	events := h.sink.Events("user-1")
	require.Len(t, events, 1)
	assert.Equal(t, tradelog.ActionOpen, events[0].Action)
	assert.Equal(t, "LONG", events[0].Side)
	assert.Equal(t, 3.0, events[0].StopLossPct)
}

func TestOppositeSignalFlipsPosition(t *testing.T) {
	gw := &fakeGateway{
		positions: []exchange.Position{{Symbol: "BTCUSDT", Amount: -0.5, EntryPrice: 100}},
		realized:  -12.5,
	}
	h := newHarness(t, defaultSettings(), gw)
	require.NoError(t, h.bot.Start(context.Background()))
	require.Equal(t, exchange.Short, h.bot.Status().Position)

	h.sendCandle(t, 200)
	require.Eventually(t, func() bool { return h.bot.Status().Position == exchange.Long }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"close", "open"}, gw.Calls())
	st := h.bot.Status()
	assert.Equal(t, -12.5, st.TotalPnL)
	assert.Equal(t, 1, st.ConsecutiveLosses)

	events := h.sink.Events("")
	require.Len(t, events, 2)
	assert.Equal(t, tradelog.ActionClose, events[0].Action)
	assert.Equal(t, "STRATEGY_FLIP", events[0].Reason)
	assert.Equal(t, 0.5, events[0].Quantity)
	assert.Equal(t, tradelog.ActionOpen, events[1].Action)
}

func TestSameSideAndHoldAreNoops(t *testing.T) {
	gw := &fakeGateway{positions: []exchange.Position{{Symbol: "BTCUSDT", Amount: 1, EntryPrice: 100}}}
	h := newHarness(t, defaultSettings(), gw)
	require.NoError(t, h.bot.Start(context.Background()))

	h.sendCandle(t, 120)
	h.sendCandle(t, 200)
	require.Eventually(t, func() bool { return h.bot.Status().LastSignal == strategy.Long }, time.Second, 5*time.Millisecond)
	assert.Empty(t, gw.Calls())
}

func TestZeroQuantityAbortsOpen(t *testing.T) {
	gw := &fakeGateway{rules: exchange.SymbolRules{QuantityPrecision: 0, PricePrecision: 2, MinNotional: 5}}
	settings := defaultSettings()
	settings.OrderSize = 10
	settings.Leverage = 1
	h := newHarness(t, settings, gw)
	require.NoError(t, h.bot.Start(context.Background()))

	h.sendCandle(t, 200)
	require.Eventually(t, func() bool { return h.bot.Status().Failures == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, gw.Intents())
	assert.Equal(t, exchange.Flat, h.bot.Status().Position)
	assert.Contains(t, h.bot.Status().Message, "rounds to zero")
}

func TestMinNotionalAbortsOpen(t *testing.T) {
	gw := &fakeGateway{rules: exchange.SymbolRules{QuantityPrecision: 3, PricePrecision: 2, MinNotional: 100}}
	settings := defaultSettings()
	settings.OrderSize = 5
	settings.Leverage = 2
	h := newHarness(t, settings, gw)
	require.NoError(t, h.bot.Start(context.Background()))

	h.sendCandle(t, 200)
	require.Eventually(t, func() bool { return h.bot.Status().Failures == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, gw.Intents())
}

func TestMinimumTradeInterval(t *testing.T) {
	gw := &fakeGateway{}
	h := newHarness(t, defaultSettings(), gw)
	require.NoError(t, h.bot.Start(context.Background()))

	h.sendCandle(t, 200)
	require.Eventually(t, func() bool { return h.bot.Status().Position == exchange.Long }, time.Second, 5*time.Millisecond)

	h.clock.Advance(30 * time.Second)
	h.sendCandle(t, 50)
	require.Eventually(t, func() bool { return h.bot.Status().LastSignal == strategy.Short }, time.Second, 5*time.Millisecond)
	assert.Equal(t, exchange.Long, h.bot.Status().Position)

	h.clock.Advance(31 * time.Second)
	h.sendCandle(t, 50)
	require.Eventually(t, func() bool { return h.bot.Status().Position == exchange.Short }, time.Second, 5*time.Millisecond)
}

func TestConsecutiveLossesPauseTrading(t *testing.T) {
	gw := &fakeGateway{}
	h := newHarness(t, defaultSettings(), gw)
	require.NoError(t, h.bot.Start(context.Background()))

	h.bot.mu.Lock()
	h.bot.st.ConsecutiveLosses = 3
	h.bot.mu.Unlock()

	h.sendCandle(t, 200)
	require.Eventually(t, func() bool {
		return strings.Contains(h.bot.Status().Message, "paused")
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, gw.Intents())
}

func TestUnsupportedSymbolAbortsStart(t *testing.T) {
	gw := &fakeGateway{rulesErr: fmt.Errorf("%w: FOOUSDT", exchange.ErrUnsupportedSymbol)}
	h := newHarness(t, defaultSettings(), gw)

	err := h.bot.Start(context.Background())
	require.ErrorIs(t, err, exchange.ErrUnsupportedSymbol)
	assert.Equal(t, StateStopped, h.bot.Status().State)
	assert.Equal(t, int32(1), h.released.Load())
	assert.Equal(t, 0, h.feed.count())
}

func TestInvalidCredentialAbortsStart(t *testing.T) {
	gw := &fakeGateway{validateErr: fmt.Errorf("%w: -2015", exchange.ErrInvalidCredential)}
	h := newHarness(t, defaultSettings(), gw)

	require.ErrorIs(t, h.bot.Start(context.Background()), exchange.ErrInvalidCredential)
	assert.Equal(t, int32(1), h.released.Load())
}

func TestOpenPositionKeepsLeverageButStarts(t *testing.T) {
	gw := &fakeGateway{
		leverageErr: fmt.Errorf("%w: BTCUSDT", exchange.ErrPositionOpen),
		positions:   []exchange.Position{{Symbol: "BTCUSDT", Amount: 0.2, EntryPrice: 100}},
	}
	h := newHarness(t, defaultSettings(), gw)

	require.NoError(t, h.bot.Start(context.Background()))
	st := h.bot.Status()
	assert.Equal(t, StateActive, st.State)
	assert.Contains(t, st.Message, "leverage unchanged")
	assert.Equal(t, exchange.Long, st.Position)
	assert.Equal(t, 0.2, st.Quantity)
}

func TestStreamDisabledMarksMarketDataUnavailable(t *testing.T) {
	gw := &fakeGateway{}
	h := newHarness(t, defaultSettings(), gw)
	require.NoError(t, h.bot.Start(context.Background()))

	h.feed.sub(0).events <- marketdata.Event{Kind: marketdata.EventStreamDisabled, Symbol: "BTCUSDT"}
	require.Eventually(t, func() bool { return !h.bot.Status().MarketData }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "market data unavailable", h.bot.Status().Message)

	h.feed.sub(0).events <- marketdata.Event{Kind: marketdata.EventTicker, Symbol: "BTCUSDT", Price: 101}
	require.Eventually(t, func() bool { return h.bot.Status().MarketData }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 101.0, h.bot.Status().CurrentPrice)
}

func TestStopReleasesClientAndSubscription(t *testing.T) {
	gw := &fakeGateway{}
	h := newHarness(t, defaultSettings(), gw)
	require.NoError(t, h.bot.Start(context.Background()))

	require.NoError(t, h.bot.Stop(context.Background()))
	assert.Equal(t, StateStopped, h.bot.Status().State)
	assert.Equal(t, int32(1), h.released.Load())
	assert.True(t, h.feed.sub(0).isClosed())
	assert.Equal(t, 1, gw.cancels)

	assert.ErrorIs(t, h.bot.Stop(context.Background()), ErrNotRunning)
	require.NoError(t, h.bot.Start(context.Background()))
}

func TestRefresherBooksExchangeSideClose(t *testing.T) {
	gw := &fakeGateway{
		positions: []exchange.Position{{Symbol: "BTCUSDT", Amount: 1, EntryPrice: 100}},
		price:     97,
		balance:   500,
	}
	h := newHarness(t, defaultSettings(), gw)
	h.bot.deps.Policy.RefreshInterval = 10 * time.Millisecond
	require.NoError(t, h.bot.Start(context.Background()))

	gw.setPositions(nil)
	require.Eventually(t, func() bool { return h.bot.Status().Position == exchange.Flat }, time.Second, 5*time.Millisecond)

	st := h.bot.Status()
	assert.InDelta(t, -30.0, st.TotalPnL, 1e-9)
	events := h.sink.Events("")
	require.Len(t, events, 1)
	assert.Equal(t, "EXCHANGE_CLOSED", events[0].Reason)
}

func TestRefresherWithoutPriceBooksUnknownPnL(t *testing.T) {
	gw := &fakeGateway{
		positions: []exchange.Position{{Symbol: "BTCUSDT", Amount: 1, EntryPrice: 100}},
		priceErr:  errors.New("price unavailable"),
	}
	h := newHarness(t, defaultSettings(), gw)
	h.bot.deps.Policy.RefreshInterval = 10 * time.Millisecond
	require.NoError(t, h.bot.Start(context.Background()))

	gw.setPositions(nil)
	require.Eventually(t, func() bool { return h.bot.Status().Position == exchange.Flat }, time.Second, 5*time.Millisecond)

	st := h.bot.Status()
	assert.Equal(t, 0.0, st.TotalPnL)
	assert.Equal(t, 0, st.ConsecutiveLosses)
	assert.Contains(t, st.Message, "pnl unknown")
	events := h.sink.Events("")
	require.Len(t, events, 1)
	assert.Equal(t, 0.0, events[0].PnL)
}

func TestRefresherFallsBackToLastSeenPrice(t *testing.T) {
	gw := &fakeGateway{positions: []exchange.Position{{Symbol: "BTCUSDT", Amount: 1, EntryPrice: 100}}}
	h := newHarness(t, defaultSettings(), gw)
	h.bot.deps.Policy.RefreshInterval = 10 * time.Millisecond
	require.NoError(t, h.bot.Start(context.Background()))

	h.feed.sub(0).events <- marketdata.Event{Kind: marketdata.EventTicker, Symbol: "BTCUSDT", Price: 98}
	require.Eventually(t, func() bool { return h.bot.Status().CurrentPrice == 98 }, time.Second, 5*time.Millisecond)

	gw.failPrice(errors.New("price unavailable"))
	gw.setPositions(nil)
	require.Eventually(t, func() bool { return h.bot.Status().Position == exchange.Flat }, time.Second, 5*time.Millisecond)

	st := h.bot.Status()
	assert.InDelta(t, -20.0, st.TotalPnL, 1e-9)
	assert.Equal(t, 1, st.ConsecutiveLosses)
}

func TestEMACrossOverTwentyOneCandlesOpensLong(t *testing.T) {
	gw := &fakeGateway{rules: exchange.SymbolRules{QuantityPrecision: 3, PricePrecision: 2, MinNotional: 5}}
	h := newHarness(t, defaultSettings(), gw)
	h.bot.deps.Strategy = strategy.DefaultEMACross()
	require.NoError(t, h.bot.Start(context.Background()))

	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	w := make([]marketdata.Candle, 21)
	for i := range w {
		open := start.Add(time.Duration(i) * 15 * time.Minute)
		w[i] = marketdata.Candle{OpenTime: open, CloseTime: open.Add(15 * time.Minute), Close: 129 - float64(i)}
	}
	w[20].Close = 200
	h.feed.sub(0).events <- marketdata.Event{Kind: marketdata.EventCandleClosed, Symbol: "BTCUSDT", Candle: w[20], Window: w}

	require.Eventually(t, func() bool { return h.bot.Status().Position == exchange.Long }, time.Second, 5*time.Millisecond)
	intents := gw.Intents()
	require.Len(t, intents, 1)
	assert.Equal(t, exchange.Long, intents[0].Side)
	assert.Equal(t, 5.0, intents[0].Quantity)

	stop, take := exchange.ProtectionPrices(intents[0].Side, intents[0].ReferencePrice, intents[0].StopLossPct, intents[0].TakeProfitPct, intents[0].Rules.PricePrecision)
	assert.Equal(t, "194.00", stop)
	assert.Equal(t, "220.00", take)
	assert.Equal(t, strategy.Long, h.bot.Status().LastSignal)
}

func TestRefresherRenewsDisabledSubscription(t *testing.T) {
	gw := &fakeGateway{price: 100}
	h := newHarness(t, defaultSettings(), gw)
	h.bot.deps.Policy.RefreshInterval = 10 * time.Millisecond
	require.NoError(t, h.bot.Start(context.Background()))

	h.feed.sub(0).events <- marketdata.Event{Kind: marketdata.EventStreamDisabled}
	require.Eventually(t, func() bool { return h.feed.count() >= 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.feed.sub(0).isClosed() }, time.Second, 5*time.Millisecond)

	h.sendCandle(t, 200)
	require.Eventually(t, func() bool { return h.bot.Status().Position == exchange.Long }, time.Second, 5*time.Millisecond)
}

func TestSettingsValidate(t *testing.T) {
	require.NoError(t, defaultSettings().Normalize().Validate())

	bad := defaultSettings()
	bad.Timeframe = "7m"
	assert.True(t, errors.Is(bad.Validate(), ErrInvalidSettings))

	bad = defaultSettings()
	bad.Leverage = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidSettings)

	bad = defaultSettings()
	bad.TakeProfitPct = 100
	assert.ErrorIs(t, bad.Validate(), ErrInvalidSettings)
}
