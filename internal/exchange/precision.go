package exchange

import (
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// precisionFromStep counts the decimals of a step or tick size, ignoring trailing zeros.
// "0.00100000" gives 3 and "1.0" gives 0. Unparseable or non-positive input returns fallback.
func precisionFromStep(step string, fallback int) int {
	d, err := decimal.NewFromString(strings.TrimSpace(step))
	if err != nil || !d.IsPositive() {
		return fallback
	}
	s := d.String()
	dot := strings.IndexByte(s, '.')
	if dot < 0 {
		return 0
	}
	return len(s) - dot - 1
}

// FloorQuantity truncates qty to precision decimals.
func FloorQuantity(qty float64, precision int) float64 {
	if qty <= 0 {
		return 0
	}
	f, _ := decimal.NewFromFloat(qty).Truncate(int32(precision)).Float64()
	return f
}

// OrderQuantity is floor(orderSize*leverage/price) at precision decimals.
func OrderQuantity(orderSize float64, leverage int, price float64, precision int) float64 {
	if price <= 0 || orderSize <= 0 || leverage <= 0 {
		return 0
	}
	notional := decimal.NewFromFloat(orderSize).Mul(decimal.NewFromInt(int64(leverage)))
	f, _ := notional.Div(decimal.NewFromFloat(price)).Truncate(int32(precision)).Float64()
	return f
}

// FormatQuantity renders qty with exactly precision decimals, truncating extra digits.
func FormatQuantity(qty float64, precision int) string {
	return decimal.NewFromFloat(qty).Truncate(int32(precision)).StringFixed(int32(precision))
}

// ProtectionPrices derives stop-loss and take-profit trigger prices from an entry price.
// Longs stop below and take profit above the entry; shorts the reverse.
func ProtectionPrices(side PositionSide, entry, stopLossPct, takeProfitPct float64, precision int) (stopLoss, takeProfit string) {
	p := decimal.NewFromFloat(entry)
	sl := decimal.NewFromFloat(stopLossPct).Div(hundred)
	tp := decimal.NewFromFloat(takeProfitPct).Div(hundred)
	one := decimal.NewFromInt(1)

	var slPrice, tpPrice decimal.Decimal
	if side == Short {
		slPrice = p.Mul(one.Add(sl))
		tpPrice = p.Mul(one.Sub(tp))
	} else {
		slPrice = p.Mul(one.Sub(sl))
		tpPrice = p.Mul(one.Add(tp))
	}
	return slPrice.StringFixed(int32(precision)), tpPrice.StringFixed(int32(precision))
}

// UnrealizedPnL estimates the PnL of a position opened with orderSize margin at leverage:
// orderSize * leverage * percent move in the position's favour.
func UnrealizedPnL(side PositionSide, orderSize float64, leverage int, entry, current float64) float64 {
	if entry <= 0 || side == Flat {
		return 0
	}
	move := decimal.NewFromFloat(current).Sub(decimal.NewFromFloat(entry)).Div(decimal.NewFromFloat(entry))
	if side == Short {
		move = move.Neg()
	}
	pnl, _ := decimal.NewFromFloat(orderSize).Mul(decimal.NewFromInt(int64(leverage))).Mul(move).Float64()
	return pnl
}
