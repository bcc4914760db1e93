package bot

import (
	"time"

	"futuresfleet/internal/exchange"
	"futuresfleet/internal/strategy"
)

// State is the lifecycle state of a bot.
type State string

const (
	StateStopped  State = "STOPPED"
	StateStarting State = "STARTING"
	StateActive   State = "ACTIVE"
	StateStopping State = "STOPPING"
)

// Status is a snapshot of a bot. It holds only values and is safe to share.
type Status struct {
	UserID        string  `json:"user_id"`
	Symbol        string  `json:"symbol"`
	Timeframe     string  `json:"timeframe"`
	Strategy      string  `json:"strategy"`
	Leverage      int     `json:"leverage"`
	OrderSize     float64 `json:"order_size"`
	StopLossPct   float64 `json:"stop_loss_pct"`
	TakeProfitPct float64 `json:"take_profit_pct"`

	State      State                 `json:"state"`
	Position   exchange.PositionSide `json:"position"`
	EntryPrice float64               `json:"entry_price"`
	Quantity   float64               `json:"quantity"`

	QuantityPrecision int     `json:"quantity_precision"`
	PricePrecision    int     `json:"price_precision"`
	MinNotional       float64 `json:"min_notional"`

	Balance       float64 `json:"balance"`
	CurrentPrice  float64 `json:"current_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`

	TotalTrades       int     `json:"total_trades"`
	TotalPnL          float64 `json:"total_pnl"`
	ConsecutiveWins   int     `json:"consecutive_wins"`
	ConsecutiveLosses int     `json:"consecutive_losses"`

	LastSignal strategy.Signal `json:"last_signal"`
	Message    string          `json:"message"`
	Failures   int             `json:"failures"`
	MarketData bool            `json:"market_data"`
	StartedAt  time.Time       `json:"started_at"`
	LastCheck  time.Time       `json:"last_check"`
}

func (s Status) InPosition() bool {
	return s.Position == exchange.Long || s.Position == exchange.Short
}
