package tp_sl

import (
	"github.com/shopspring/decimal"

	"perpexecutor/src/connectors"
	"perpexecutor/src/model"
)

func isBullish(c connectors.Candle) bool { return c.Close > c.Open }
func isBearish(c connectors.Candle) bool { return c.Close < c.Open }

func avgLow(candles []connectors.Candle) decimal.Decimal {
	if len(candles) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, c := range candles {
		sum = sum.Add(decimal.NewFromFloat(c.Low))
	}
	return sum.Div(decimal.NewFromInt(int64(len(candles))))
}

func avgHigh(candles []connectors.Candle) decimal.Decimal {
	if len(candles) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, c := range candles {
		sum = sum.Add(decimal.NewFromFloat(c.High))
	}
	return sum.Div(decimal.NewFromInt(int64(len(candles))))
}

// NextTrailingStop applies the trailing stop rule for either side.
//
// Long:
// - gate: previous candle bullish
// - floor: avg(low) over lookback
// - clamp: candidate <= prev.Low
// - update: SL = max(SL, candidate)
//
// Short:
// - gate: previous candle bearish
// - ceiling: avg(high) over lookback
// - clamp: candidate >= prev.High
// - update: SL = min(SL, candidate)
func NextTrailingStop(
	side string,
	currentSL decimal.Decimal,
	candles []connectors.Candle,
	lookback int,
) (newSL decimal.Decimal, moved bool) {
	if len(candles) < 2 {
		return currentSL, false
	}
	if lookback <= 0 {
		lookback = 20
	}
	if lookback > len(candles) {
		lookback = len(candles)
	}

	prev := candles[len(candles)-2]
	window := candles[len(candles)-lookback:]

	switch side {
	case model.SideLong:
		if !isBullish(prev) {
			return currentSL, false
		}
		candidate := avgLow(window)
		prevLow := decimal.NewFromFloat(prev.Low)
		if candidate.GreaterThan(prevLow) {
			candidate = prevLow
		}

		if candidate.GreaterThan(currentSL) {
			return candidate, true
		}
		return currentSL, false

	case model.SideShort:
		if !isBearish(prev) {
			return currentSL, false
		}
		candidate := avgHigh(window)
		prevHigh := decimal.NewFromFloat(prev.High)
		// Do not set the stop below the last bearish candle high.
		if candidate.LessThan(prevHigh) {
			candidate = prevHigh
		}

		// Stop only moves down for shorts.
		if candidate.LessThan(currentSL) {
			return candidate, true
		}
		return currentSL, false

	default:
		return currentSL, false
	}
}
