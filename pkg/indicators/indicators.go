// Package indicators computes the bar-series metrics the strategy and
// backtester share: moving-average overlays, ATR, rolling z-score, the
// dip-buy signal, and the derived exit prices.
package indicators

import (
	"math"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"github.com/quantfoundry/tradeengine/pkg/types"
)

// Params are the signal inputs. All percentages are 0-100.
type Params struct {
	DipBuyThresholdPct    float64 // close must sit this far under SMA50
	ZScoreEntryThreshold  float64 // 20-bar z-score at or under this (negative) value
	TakeProfitPct         float64
	TrailingStopPct       float64
	ATRStopMult           float64
	StopLossPct           float64
}

// DefaultParams returns the stock parameter set used when a strategy config
// leaves a field unset.
func DefaultParams() Params {
	return Params{
		DipBuyThresholdPct:   2.0,
		ZScoreEntryThreshold: -1.25,
		TakeProfitPct:        5.0,
		TrailingStopPct:      3.5,
		ATRStopMult:          2.0,
		StopLossPct:          4.0,
	}
}

// Metrics is the derived view of one symbol's daily-bar history as of the
// latest close.
type Metrics struct {
	Close  float64
	SMA50  float64 // zero when under 50 bars
	SMA250 float64 // zero when under 250 bars
	ATR14  float64
	ATRPct float64
	ZScore20 float64

	DipTrigger   float64
	DipBuySignal bool

	TakeProfit   float64
	TrailingStop float64 // from the max close of the last 20 bars
	ATRStop      float64
}

// Compute derives Metrics from ascending daily bars. It needs at least 20
// bars for the z-score window and 15 for ATR; shorter inputs return ok=false.
func Compute(bars []types.Bar, p Params) (Metrics, bool) {
	n := len(bars)
	if n < 20 {
		return Metrics{}, false
	}

	closes := make([]float64, n)
	for i, b := range bars {
		closes[i] = b.Close
	}
	c := closes[n-1]
	if !(c > 0) {
		return Metrics{}, false
	}

	m := Metrics{Close: c}

	if n >= 50 {
		m.SMA50 = last(talib.Sma(closes, 50))
	}
	if n >= 250 {
		m.SMA250 = last(talib.Sma(closes, 250))
	}

	m.ATR14 = atr14(bars)
	m.ATRPct = m.ATR14 / c * 100

	window := closes[n-20:]
	mean := stat.Mean(window, nil)
	sd := popStdDev(window, mean)
	if sd > 0 {
		m.ZScore20 = (c - mean) / sd
	}

	if m.SMA50 > 0 {
		m.DipTrigger = m.SMA50 * (1 - p.DipBuyThresholdPct/100)
		m.DipBuySignal = c <= m.DipTrigger && m.ZScore20 <= p.ZScoreEntryThreshold
	}

	m.TakeProfit = c * (1 + p.TakeProfitPct/100)
	m.TrailingStop = maxFloat(window) * (1 - p.TrailingStopPct/100)
	m.ATRStop = c * (1 - p.ATRStopMult*m.ATRPct/100)

	return m, true
}

// atr14 is the arithmetic mean of the last 14 true ranges, where
// TR = max(high-low, |high-prevClose|, |low-prevClose|).
func atr14(bars []types.Bar) float64 {
	const period = 14
	n := len(bars)
	if n < period+1 {
		return 0
	}
	var sum float64
	for i := n - period; i < n; i++ {
		prev := bars[i-1].Close
		tr := bars[i].High - bars[i].Low
		tr = math.Max(tr, math.Abs(bars[i].High-prev))
		tr = math.Max(tr, math.Abs(bars[i].Low-prev))
		sum += tr
	}
	return sum / period
}

// popStdDev is the population standard deviation around a known mean.
// gonum's StdDev applies the Bessel correction, which the z-score window
// does not want.
func popStdDev(xs []float64, mean float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}

func last(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return xs[len(xs)-1]
}

func maxFloat(xs []float64) float64 {
	m := math.Inf(-1)
	for _, x := range xs {
		if x > m {
			m = x
		}
	}
	return m
}
