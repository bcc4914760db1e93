package marketdata

import "time"

type EventKind int

const (
	EventTicker EventKind = iota + 1
	EventCandleClosed
	EventStreamDisabled
)

func (k EventKind) String() string {
	switch k {
	case EventTicker:
		return "ticker"
	case EventCandleClosed:
		return "candle_closed"
	case EventStreamDisabled:
		return "stream_disabled"
	default:
		return "unknown"
	}
}

// Event is what subscribers receive. Window is only set for closed candles and is the
// subscriber's own copy of the interval buffer including Candle.
type Event struct {
	Kind     EventKind
	Symbol   string
	Interval string
	Price    float64
	Time     time.Time
	Candle   Candle
	Window   []Candle
}
