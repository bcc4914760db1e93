package bot

import (
	"errors"
	"fmt"
	"strings"

	"futuresfleet/internal/marketdata"
)

// ErrInvalidSettings wraps every settings validation failure.
var ErrInvalidSettings = errors.New("invalid bot settings")

// Settings are the per-user trading parameters.
type Settings struct {
	Symbol        string  `json:"symbol"`
	Timeframe     string  `json:"timeframe"`
	Leverage      int     `json:"leverage"`
	OrderSize     float64 `json:"order_size"`
	StopLossPct   float64 `json:"stop_loss_pct"`
	TakeProfitPct float64 `json:"take_profit_pct"`
}

// Normalize upper-cases the symbol and trims whitespace.
func (s Settings) Normalize() Settings {
	s.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
	s.Timeframe = strings.TrimSpace(s.Timeframe)
	return s
}

func (s Settings) Validate() error {
	switch {
	case s.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidSettings)
	case !marketdata.ValidInterval(s.Timeframe):
		return fmt.Errorf("%w: unsupported timeframe %q", ErrInvalidSettings, s.Timeframe)
	case s.Leverage < 1 || s.Leverage > 125:
		return fmt.Errorf("%w: leverage must be between 1 and 125", ErrInvalidSettings)
	case s.OrderSize <= 0:
		return fmt.Errorf("%w: order size must be greater than 0", ErrInvalidSettings)
	case s.StopLossPct <= 0 || s.StopLossPct >= 100:
		return fmt.Errorf("%w: stop loss must be between 0 and 100 percent", ErrInvalidSettings)
	case s.TakeProfitPct <= 0 || s.TakeProfitPct >= 100:
		return fmt.Errorf("%w: take profit must be between 0 and 100 percent", ErrInvalidSettings)
	}
	return nil
}
