package indicators

import (
	"math"

	"github.com/quantfoundry/tradeengine/pkg/types"
)

const (
	regimeLookback = 80
	regimeWindow   = 60

	regimeTrendThreshold = 0.04
	regimeVolThreshold   = 0.02
)

// ClassifyRegime labels the market state from index closes (SPY by
// convention). It looks at the last 60 of up to 80 closes: trend is the
// window's relative move, volatility the RMS of simple daily returns.
// Fewer than 60 closes yields RegimeUnknown. The classification is a pure
// function of the input series.
func ClassifyRegime(closes []float64) types.Regime {
	if len(closes) > regimeLookback {
		closes = closes[len(closes)-regimeLookback:]
	}
	if len(closes) < regimeWindow {
		return types.RegimeUnknown
	}
	window := closes[len(closes)-regimeWindow:]

	first, lastC := window[0], window[len(window)-1]
	if !(first > 0) {
		return types.RegimeUnknown
	}
	trend := (lastC - first) / first

	var sumSq float64
	var count int
	for i := 1; i < len(window); i++ {
		if window[i-1] <= 0 {
			continue
		}
		r := window[i]/window[i-1] - 1
		sumSq += r * r
		count++
	}
	if count == 0 {
		return types.RegimeUnknown
	}
	vol := math.Sqrt(sumSq / float64(count))

	switch {
	case trend > regimeTrendThreshold && vol < regimeVolThreshold:
		return types.RegimeTrendingUp
	case trend < -regimeTrendThreshold && vol < regimeVolThreshold:
		return types.RegimeTrendingDown
	case vol >= regimeVolThreshold:
		return types.RegimeHighVolRange
	default:
		return types.RegimeRangeBound
	}
}
