// Package exchange wraps the Binance USDⓈ-M futures REST API behind a small client interface
// and layers per-tenant caching, rate limiting and order protection on top of it.
package exchange

import (
	"context"
	"time"

	"futuresfleet/internal/marketdata"
)

// Side is an order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PositionSide is the direction of a held position.
type PositionSide string

const (
	Flat  PositionSide = "FLAT"
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// EntrySide is the order side that opens a position in this direction.
func (p PositionSide) EntrySide() Side {
	if p == Short {
		return SideSell
	}
	return SideBuy
}

// ExitSide is the order side that reduces a position in this direction.
func (p PositionSide) ExitSide() Side {
	if p == Short {
		return SideBuy
	}
	return SideSell
}

// Opposite returns LONG for SHORT and vice versa; FLAT stays FLAT.
func (p PositionSide) Opposite() PositionSide {
	switch p {
	case Long:
		return Short
	case Short:
		return Long
	default:
		return Flat
	}
}

type OrderType string

const (
	OrderMarket           OrderType = "MARKET"
	OrderStopMarket       OrderType = "STOP_MARKET"
	OrderTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// Position is one row of the position-risk endpoint. Amount is signed: negative for shorts.
type Position struct {
	Symbol        string
	Amount        float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Leverage      int
}

func (p Position) Side() PositionSide {
	switch {
	case p.Amount > 0:
		return Long
	case p.Amount < 0:
		return Short
	default:
		return Flat
	}
}

// SymbolRules are the trading filters of a symbol.
type SymbolRules struct {
	Symbol            string
	QuantityPrecision int
	PricePrecision    int
	MinNotional       float64
}

// Defaults used when exchange info omits a filter.
const (
	DefaultQuantityPrecision = 3
	DefaultPricePrecision    = 2
	DefaultMinNotional       = 5.0
)

// DefaultRules returns the fallback filters for symbol.
func DefaultRules(symbol string) SymbolRules {
	return SymbolRules{
		Symbol:            symbol,
		QuantityPrecision: DefaultQuantityPrecision,
		PricePrecision:    DefaultPricePrecision,
		MinNotional:       DefaultMinNotional,
	}
}

// OrderRequest is a single order as sent to the exchange. Quantity and StopPrice are already
// formatted at the symbol's precision.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Type       OrderType
	Quantity   string
	StopPrice  string
	ReduceOnly bool
}

type OrderResult struct {
	OrderID  int64
	Status   string
	AvgPrice float64
}

// OrderIntent asks for a market entry protected by a stop loss and a take profit.
type OrderIntent struct {
	Symbol         string
	Side           PositionSide
	Quantity       float64
	ReferencePrice float64
	StopLossPct    float64
	TakeProfitPct  float64
	Rules          SymbolRules
}

// ProtectedOrder reports the entry fill and the outcome of each protective order. Protective
// failures do not undo the entry.
type ProtectedOrder struct {
	Entry           OrderResult
	EntryPrice      float64
	Quantity        string
	StopLossPrice   string
	TakeProfitPrice string
	StopLossErr     error
	TakeProfitErr   error
}

// Protected reports whether both protective orders were accepted.
func (p ProtectedOrder) Protected() bool {
	return p.StopLossErr == nil && p.TakeProfitErr == nil
}

// ClosedPosition describes the result of ClosePosition.
type ClosedPosition struct {
	Position Position
	Closed   bool
	Order    OrderResult
}

// Client is the raw exchange surface used by Gateway. Implementations translate exchange
// rejections into the sentinel errors of this package.
type Client interface {
	Ping(ctx context.Context) error
	TickerPrice(ctx context.Context, symbol string) (float64, error)
	USDTBalance(ctx context.Context) (float64, error)
	PositionRisk(ctx context.Context, symbol string) ([]Position, error)
	ChangeMarginType(ctx context.Context, symbol string) error
	ChangeLeverage(ctx context.Context, symbol string, leverage int) error
	CreateOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelAllOpenOrders(ctx context.Context, symbol string) error
	ExchangeInfo(ctx context.Context, symbol string) (SymbolRules, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]marketdata.Candle, error)
	RealizedPnL(ctx context.Context, symbol string, since time.Time) (float64, error)
	Alive() bool
	Close() error
}
