package bot

import (
	"context"
	"time"

	"futuresfleet/internal/exchange"
	"futuresfleet/internal/marketdata"
)

// Gateway is the exchange surface a bot trades through; *exchange.Gateway implements it.
type Gateway interface {
	Validate(ctx context.Context) error
	Price(ctx context.Context, symbol string) (float64, error)
	Balance(ctx context.Context, fresh bool) (float64, error)
	OpenPositions(ctx context.Context, symbol string, fresh bool) ([]exchange.Position, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SymbolRules(ctx context.Context, symbol string) (exchange.SymbolRules, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]marketdata.Candle, error)
	PlaceMarketOrderWithProtection(ctx context.Context, intent exchange.OrderIntent) (exchange.ProtectedOrder, error)
	CancelAllOpenOrders(ctx context.Context, symbol string) error
	ClosePosition(ctx context.Context, symbol string) (exchange.ClosedPosition, error)
	RealizedPnL(ctx context.Context, symbol string, since time.Time) (float64, error)
}

// Connector hands out a gateway backed by a pooled client and the func that returns the
// client to the pool.
type Connector func(ctx context.Context) (Gateway, func(), error)

type Subscription interface {
	Events() <-chan marketdata.Event
	Close()
}

// Feed is the market-data side of a bot.
type Feed interface {
	Subscribe(symbol, interval string) (Subscription, error)
	Seed(symbol, interval string, history []marketdata.Candle) int
}

type hubFeed struct {
	hub *marketdata.Hub
}

// HubFeed adapts a market-data hub to Feed.
func HubFeed(h *marketdata.Hub) Feed {
	return hubFeed{hub: h}
}

func (f hubFeed) Subscribe(symbol, interval string) (Subscription, error) {
	sub, err := f.hub.Subscribe(symbol, interval)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (f hubFeed) Seed(symbol, interval string, history []marketdata.Candle) int {
	return f.hub.Seed(symbol, interval, history)
}

// Policy holds the trading guards shared by every bot.
type Policy struct {
	MinTradeInterval     time.Duration
	MaxConsecutiveLosses int
	RefreshInterval      time.Duration
	HistoryLimit         int
	MinCandles           int
}

func DefaultPolicy() Policy {
	return Policy{
		MinTradeInterval:     time.Minute,
		MaxConsecutiveLosses: 3,
		RefreshInterval:      30 * time.Second,
		HistoryLimit:         100,
		MinCandles:           20,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MinTradeInterval < 0 {
		p.MinTradeInterval = 0
	}
	if p.MaxConsecutiveLosses <= 0 {
		p.MaxConsecutiveLosses = d.MaxConsecutiveLosses
	}
	if p.RefreshInterval <= 0 {
		p.RefreshInterval = d.RefreshInterval
	}
	if p.HistoryLimit <= 0 {
		p.HistoryLimit = d.HistoryLimit
	}
	if p.MinCandles <= 0 {
		p.MinCandles = d.MinCandles
	}
	return p
}
