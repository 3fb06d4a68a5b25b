package backtest

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

const tradingDaysPerYear = 252

// computeMetrics derives the numeric summary from the finished replay state.
func computeMetrics(initialCapital float64, p Params, st *replayState, riskFreeRate float64) Metrics {
	m := Metrics{
		InitialCapital: initialCapital,
		SlippageBps:    p.SlippageBps,
		TradingDays:    len(st.curve),
	}
	if len(st.curve) == 0 {
		m.FinalEquity = initialCapital
		return m
	}
	m.FinalEquity = st.curve[len(st.curve)-1].Equity
	m.TotalPnL = m.FinalEquity - initialCapital
	m.TotalReturnPct = m.TotalPnL / initialCapital * 100

	tradeStats(&m, st.trades)
	curveStats(&m, st.curve, initialCapital, riskFreeRate)
	return m
}

func tradeStats(m *Metrics, trades []TradeRecord) {
	m.TotalTrades = len(trades)
	if len(trades) == 0 {
		return
	}

	var grossWin, grossLoss, holdDays float64
	var consec, maxConsec int
	for _, t := range trades {
		holdDays += float64(t.HoldDays)
		if t.PnL > 0 {
			m.WinTrades++
			grossWin += t.PnL
			consec = 0
		} else {
			m.LossTrades++
			grossLoss += -t.PnL
			consec++
			if consec > maxConsec {
				maxConsec = consec
			}
		}
	}

	m.WinRatePct = float64(m.WinTrades) / float64(m.TotalTrades) * 100
	m.MaxConsecLosses = maxConsec
	m.AvgHoldDays = holdDays / float64(m.TotalTrades)

	if m.WinTrades > 0 {
		m.AvgWin = grossWin / float64(m.WinTrades)
	}
	if m.LossTrades > 0 {
		m.AvgLoss = grossLoss / float64(m.LossTrades)
	}
	if grossLoss > 0 {
		m.ProfitFactor = grossWin / grossLoss
	} else if grossWin > 0 {
		m.ProfitFactor = math.Inf(1)
	}

	winRate := float64(m.WinTrades) / float64(m.TotalTrades)
	m.Expectancy = winRate*m.AvgWin - (1-winRate)*m.AvgLoss
}

func curveStats(m *Metrics, curve []EquityPoint, initialCapital, riskFreeRate float64) {
	// Daily simple returns off the equity curve.
	returns := make([]float64, 0, len(curve))
	prev := initialCapital
	for _, pt := range curve {
		if prev > 0 {
			returns = append(returns, pt.Equity/prev-1)
		}
		prev = pt.Equity
	}

	var maxDD, maxDDAmount float64
	peak := initialCapital
	for _, pt := range curve {
		if pt.Equity > peak {
			peak = pt.Equity
		}
		if peak > 0 {
			dd := (peak - pt.Equity) / peak
			if dd > maxDD {
				maxDD = dd
				maxDDAmount = peak - pt.Equity
			}
		}
	}
	m.MaxDrawdownPct = maxDD * 100

	if len(returns) == 0 {
		return
	}
	meanDaily := stat.Mean(returns, nil)
	volDaily := popStd(returns, meanDaily)
	annualizedVol := volDaily * math.Sqrt(tradingDaysPerYear)
	m.AnnualizedVolPct = annualizedVol * 100

	if annualizedVol > 0 {
		m.SharpeRatio = (meanDaily*tradingDaysPerYear - riskFreeRate) / annualizedVol
	}

	downside := make([]float64, 0, len(returns))
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	if len(downside) > 0 {
		downsideVol := popStd(downside, stat.Mean(downside, nil)) * math.Sqrt(tradingDaysPerYear)
		if downsideVol > 0 {
			m.SortinoRatio = (meanDaily*tradingDaysPerYear - riskFreeRate) / downsideVol
		}
	}

	annualizedReturn := meanDaily * tradingDaysPerYear * 100
	if m.MaxDrawdownPct > 0 {
		m.CalmarRatio = annualizedReturn / m.MaxDrawdownPct
	}
	if maxDDAmount > 0 {
		m.RecoveryFactor = m.TotalPnL / maxDDAmount
	}
}

// popStd is the population standard deviation around a known mean.
func popStd(xs []float64, mean float64) float64 {
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
