package marketdata

import (
	"math"

	"autotrader/internal/core"
)

// fullStrengthChange is the percent move over the candle window that maps to
// a strength of 100. Moves beyond it saturate.
const fullStrengthChange = 0.05

// StrengthFromCandles scores the directional momentum of a candle series on
// a [0, 100] scale. Only upward moves score above zero; a flat or falling
// series scores 0. The score scales linearly with percent change over the
// window and saturates at fullStrengthChange.
func StrengthFromCandles(series []core.Candle) float64 {
	if len(series) < 2 {
		return 0
	}

	first, _ := series[0].Open.Float64()
	last, _ := series[len(series)-1].Close.Float64()
	if first <= 0 {
		return 0
	}

	change := (last - first) / first
	if change <= 0 {
		return 0
	}
	return math.Min(change/fullStrengthChange, 1) * 100
}
