package backtest

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfoundry/tradeengine/pkg/types"
)

// mapSource serves pre-generated bars, filtered to the requested window.
type mapSource struct {
	bars map[string][]types.Bar
}

func (s *mapSource) GetHistoricalBars(symbol string, start, end time.Time, limit int) ([]types.Bar, error) {
	var out []types.Bar
	for _, b := range s.bars[symbol] {
		if b.Timestamp.Before(start) || b.Timestamp.After(end) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// synthSeries builds n weekday bars of a gentle oscillation around 100. The
// amplitude keeps the 60-bar trend under the regime threshold while the
// troughs still push the 50-bar z-score below typical entry thresholds.
func synthSeries(symbol string, n int, phase float64) []types.Bar {
	bars := make([]types.Bar, 0, n)
	day := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; {
		if wd := day.Weekday(); wd != time.Saturday && wd != time.Sunday {
			c := 100 + 1.5*math.Sin(float64(i)/9+phase)
			bars = append(bars, types.Bar{
				Symbol:    symbol,
				Timestamp: day,
				Open:      c,
				High:      c * 1.004,
				Low:       c * 0.996,
				Close:     c,
				Volume:    1_000_000,
			})
			i++
		}
		day = day.AddDate(0, 0, 1)
	}
	return bars
}

func synthRequest(t *testing.T, src *mapSource, symbols []string, overrides map[string]float64) Request {
	t.Helper()
	ref := src.bars[symbols[0]]
	require.Greater(t, len(ref), 560)
	return Request{
		StrategyID:     "dip-buy",
		Start:          ref[450].Timestamp,
		End:            ref[560].Timestamp,
		InitialCapital: 100_000,
		Symbols:        symbols,
		Overrides:      overrides,
	}
}

func newTestSource(symbols ...string) *mapSource {
	src := &mapSource{bars: make(map[string][]types.Bar)}
	for i, symbol := range symbols {
		src.bars[symbol] = synthSeries(symbol, 600, float64(i)*1.7)
	}
	return src
}

func TestBacktestDeterminism(t *testing.T) {
	src := newTestSource("AAPL", "MSFT")
	engine := NewEngine(src, nil)
	req := synthRequest(t, src, []string{"AAPL", "MSFT"}, map[string]float64{
		"zscore_entry_threshold": -1.0,
	})

	first, err := engine.Run(req)
	require.NoError(t, err)
	second, err := engine.Run(req)
	require.NoError(t, err)

	require.NotEmpty(t, first.Trades, "synthetic dips should produce trades")
	assert.Equal(t, first.Metrics, second.Metrics)
	assert.Equal(t, first.Trades, second.Trades)
	assert.Equal(t, first.EquityCurve, second.EquityCurve)
	assert.Equal(t, first.Diagnostics, second.Diagnostics)
}

func TestTimeExitAndForceClose(t *testing.T) {
	src := newTestSource("AAPL")
	engine := NewEngine(src, nil)
	// Stops and take-profit pushed out of reach so only the hold-day limit
	// and the end-of-run close can fire.
	req := synthRequest(t, src, []string{"AAPL"}, map[string]float64{
		"zscore_entry_threshold": -1.0,
		"max_hold_days":          3,
		"take_profit_pct":        15,
		"trailing_stop_pct":      10,
		"stop_loss_pct":          10,
		"atr_stop_mult":          5,
	})

	res, err := engine.Run(req)
	require.NoError(t, err)
	require.NotEmpty(t, res.Trades)

	sawTimeExit := false
	for _, tr := range res.Trades {
		assert.Contains(t, []string{ExitTimeLimit, ExitEndOfBacktest}, tr.Reason)
		if tr.Reason == ExitTimeLimit {
			sawTimeExit = true
			assert.GreaterOrEqual(t, tr.HoldDays, 3)
		}
	}
	assert.True(t, sawTimeExit)

	// Everything closed: final equity is pure cash.
	last := res.EquityCurve[len(res.EquityCurve)-1]
	assert.InDelta(t, last.Cash, last.Equity, 1e-9)
	assert.Equal(t, last.Equity, res.Metrics.FinalEquity)
}

func TestEntriesBlockedOutsideRangeBoundRegime(t *testing.T) {
	// A steady uptrend classifies as trending_up, so every entry attempt
	// with enough history is regime-blocked.
	bars := make([]types.Bar, 0, 600)
	day := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 600; {
		if wd := day.Weekday(); wd != time.Saturday && wd != time.Sunday {
			c := 100 * math.Pow(1.002, float64(i))
			bars = append(bars, types.Bar{
				Symbol: "AAPL", Timestamp: day,
				Open: c, High: c * 1.004, Low: c * 0.996, Close: c, Volume: 1_000_000,
			})
			i++
		}
		day = day.AddDate(0, 0, 1)
	}
	src := &mapSource{bars: map[string][]types.Bar{"AAPL": bars}}
	engine := NewEngine(src, nil)

	res, err := engine.Run(synthRequest(t, src, []string{"AAPL"}, nil))
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	assert.Positive(t, res.Diagnostics.BlockedCounts[BlockedRegime])
}

func TestRiskBasedPositionSize(t *testing.T) {
	// Cap binds.
	assert.InDelta(t, 5000, ComputeRiskBasedPositionSize(100_000, 1, 4, 5000, 100_000), 1e-9)
	// Risk-over-stop binds: 10000·2/8 = 2500.
	assert.InDelta(t, 2500, ComputeRiskBasedPositionSize(10_000, 2, 8, 5000, 10_000), 1e-9)
	// 10%-of-equity ceiling binds: 0.1·8000 = 800.
	assert.InDelta(t, 800, ComputeRiskBasedPositionSize(8000, 5, 1, 5000, 8000), 1e-9)
	// Cash binds.
	assert.InDelta(t, 300, ComputeRiskBasedPositionSize(100_000, 1, 4, 5000, 300), 1e-9)
	// Floor at $25.
	assert.InDelta(t, 25, ComputeRiskBasedPositionSize(100, 1, 4, 5000, 10), 1e-9)
}

func TestOverridesRestrictedToKnownKeys(t *testing.T) {
	p := DefaultParams()
	err := ApplyOverrides(&p, map[string]float64{"lookback_days": 30})
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))

	require.NoError(t, ApplyOverrides(&p, map[string]float64{
		"take_profit_pct": 7.5,
		"max_hold_days":   20,
	}))
	assert.Equal(t, 7.5, p.TakeProfitPct)
	assert.Equal(t, 20, p.MaxHoldDays)
}

func TestRequestValidation(t *testing.T) {
	src := newTestSource("AAPL")
	engine := NewEngine(src, nil)

	_, err := engine.Run(Request{InitialCapital: 0})
	assert.True(t, types.IsValidation(err))

	_, err = engine.Run(Request{
		InitialCapital: 1000,
		Start:          time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		End:            time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Symbols:        []string{"AAPL"},
	})
	assert.True(t, types.IsValidation(err))

	_, err = engine.Run(Request{
		InitialCapital: 1000,
		Start:          time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:            time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	})
	assert.True(t, types.IsValidation(err))
}

func TestCancellation(t *testing.T) {
	src := newTestSource("AAPL")
	engine := NewEngine(src, nil)
	req := synthRequest(t, src, []string{"AAPL"}, nil)
	req.ShouldCancel = func() bool { return true }

	_, err := engine.Run(req)
	require.Error(t, err)
	assert.True(t, types.IsCancelled(err))
}
