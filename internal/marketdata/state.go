package marketdata

import "time"

// State is the connection state of one symbol stream.
type State string

const (
	StateConnecting State = "CONNECTING"
	StateStreaming  State = "STREAMING"
	StateBackoff    State = "BACKOFF"
	StateDisabled   State = "DISABLED"
	StateStopped    State = "STOPPED"
)

// Numeric is used for the stream state gauge.
func (s State) Numeric() float64 {
	switch s {
	case StateStreaming:
		return 1
	case StateConnecting:
		return 2
	case StateBackoff:
		return 3
	case StateDisabled:
		return 4
	default:
		return 0
	}
}

// StreamStats is a point-in-time view of one symbol stream.
type StreamStats struct {
	Symbol      string    `json:"symbol"`
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	Subscribers int       `json:"subscribers"`
	Intervals   []string  `json:"intervals"`
	LastPrice   float64   `json:"last_price"`
	PriceTime   time.Time `json:"price_time"`
	Reconnects  int       `json:"reconnects"`
	Skipped     int       `json:"skipped_messages"`
}
