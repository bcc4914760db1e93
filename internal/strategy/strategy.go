// Package strategy turns a window of closed candles into a trading signal.
package strategy

import "futuresfleet/internal/marketdata"

type Signal string

const (
	Long  Signal = "LONG"
	Short Signal = "SHORT"
	Hold  Signal = "HOLD"
)

// Strategy is a pure function of the candle window: the same window always yields the same
// signal.
type Strategy interface {
	Signal(candles []marketdata.Candle) Signal
	Name() string
}

// EMACross signals on a crossover of a fast and a slow exponential moving average of closes.
type EMACross struct {
	Fast       int
	Slow       int
	MinCandles int
}

// DefaultEMACross is the 9/21 crossover that needs at least 20 candles.
func DefaultEMACross() EMACross {
	return EMACross{Fast: 9, Slow: 21, MinCandles: 20}
}

func (e EMACross) Name() string { return "ema_cross" }

// Signal compares the last two values of both averages. LONG when fast crosses above slow,
// SHORT when it crosses below, HOLD otherwise or when the window is too short.
func (e EMACross) Signal(candles []marketdata.Candle) Signal {
	need := e.MinCandles
	if need < 2 {
		need = 2
	}
	if e.Fast <= 0 || e.Slow <= 0 || len(candles) < need {
		return Hold
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	fast := EMA(closes, e.Fast)
	slow := EMA(closes, e.Slow)
	n := len(closes)

	prevFast, prevSlow := fast[n-2], slow[n-2]
	curFast, curSlow := fast[n-1], slow[n-1]
	switch {
	case prevFast <= prevSlow && curFast > curSlow:
		return Long
	case prevFast >= prevSlow && curFast < curSlow:
		return Short
	default:
		return Hold
	}
}

// EMA returns the exponential moving average series of values with smoothing 2/(period+1).
// The first value seeds the recursion, so every index carries an average.
func EMA(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if period <= 0 || len(values) == 0 {
		return out
	}
	k := 2.0 / float64(period+1)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}
