package tp_sl_test

// Test index:
//  1. TestLongTrailMovesUp raises the stop after a bullish candle.
//  2. TestLongTrailClampedToPrevLow never exceeds the previous candle low.
//  3. TestLongTrailGatedOnBearish does not move after a bearish candle.
//  4. TestShortTrailMovesDown lowers the stop after a bearish candle.
//  5. TestShortTrailClampedToPrevHigh never goes below the previous candle high.
//  6. TestTrailNeverRetreats keeps the stop when the candidate is worse.
//  7. TestTooFewCandles leaves the stop untouched.

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"perpexecutor/src/connectors"
	"perpexecutor/src/model"
	"perpexecutor/src/tp_sl"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func candle(open, high, low, close float64) connectors.Candle {
	return connectors.Candle{Open: open, High: high, Low: low, Close: close}
}

// TestLongTrailMovesUp raises the stop to the average low after a bullish
// previous candle.
func TestLongTrailMovesUp(t *testing.T) {
	candles := []connectors.Candle{
		candle(100, 106, 99, 105),
		candle(105, 111, 104, 110), // bullish
		candle(110, 112, 109, 111),
	}

	sl, moved := tp_sl.NextTrailingStop(model.SideLong, d("95"), candles, 3)
	require.True(t, moved)
	// avg(low) = (99 + 104 + 109) / 3 = 104
	require.True(t, sl.Equal(d("104")), "expected stop 104, got %s", sl)
}

// TestLongTrailClampedToPrevLow clamps the candidate to the previous low.
func TestLongTrailClampedToPrevLow(t *testing.T) {
	candles := []connectors.Candle{
		candle(100, 131, 120, 130),
		candle(130, 141, 102, 140), // bullish, deep low
		candle(140, 142, 139, 141),
	}

	sl, moved := tp_sl.NextTrailingStop(model.SideLong, d("95"), candles, 3)
	require.True(t, moved)
	// avg(low) ≈ 120.33, above prev.Low 102, so the candidate is clamped to 102.
	require.True(t, sl.Equal(d("102")), "expected stop clamped to 102, got %s", sl)
}

// TestLongTrailGatedOnBearish holds the stop when the previous candle closed
// below its open.
func TestLongTrailGatedOnBearish(t *testing.T) {
	candles := []connectors.Candle{
		candle(100, 106, 99, 105),
		candle(105, 106, 100, 101), // bearish
		candle(101, 103, 100, 102),
	}

	sl, moved := tp_sl.NextTrailingStop(model.SideLong, d("95"), candles, 3)
	require.False(t, moved)
	require.True(t, sl.Equal(d("95")))
}

// TestShortTrailMovesDown lowers the stop to the average high after a bearish
// previous candle.
func TestShortTrailMovesDown(t *testing.T) {
	candles := []connectors.Candle{
		candle(110, 111, 104, 105),
		candle(105, 106, 99, 100), // bearish
		candle(100, 101, 95, 96),
	}

	sl, moved := tp_sl.NextTrailingStop(model.SideShort, d("120"), candles, 3)
	require.True(t, moved)
	// avg(high) = (111 + 106 + 101) / 3 = 106
	require.True(t, sl.Equal(d("106")), "expected stop 106, got %s", sl)
}

// TestShortTrailClampedToPrevHigh clamps to the previous candle high.
func TestShortTrailClampedToPrevHigh(t *testing.T) {
	candles := []connectors.Candle{
		candle(110, 111, 104, 105),
		candle(105, 109, 99, 100), // bearish
		candle(100, 101, 95, 96),
	}

	sl, moved := tp_sl.NextTrailingStop(model.SideShort, d("120"), candles, 3)
	require.True(t, moved)
	// avg(high) = 107, below prev.High 109, so the candidate is clamped up to 109.
	require.True(t, sl.Equal(d("109")), "expected stop clamped to 109, got %s", sl)
}

// TestTrailNeverRetreats keeps a long stop that is already above the candidate.
func TestTrailNeverRetreats(t *testing.T) {
	candles := []connectors.Candle{
		candle(100, 106, 99, 105),
		candle(105, 111, 104, 110), // bullish
		candle(110, 112, 109, 111),
	}

	sl, moved := tp_sl.NextTrailingStop(model.SideLong, d("108"), candles, 3)
	require.False(t, moved)
	require.True(t, sl.Equal(d("108")))
}

// TestTooFewCandles needs at least two candles to evaluate.
func TestTooFewCandles(t *testing.T) {
	candles := []connectors.Candle{candle(100, 106, 99, 105)}

	sl, moved := tp_sl.NextTrailingStop(model.SideLong, d("95"), candles, 3)
	require.False(t, moved)
	require.True(t, sl.Equal(d("95")))
}
