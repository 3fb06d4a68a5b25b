package optimize

import (
	"math"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfoundry/tradeengine/pkg/backtest"
	"github.com/quantfoundry/tradeengine/pkg/storage"
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

// oscillating weekday bars around 100: range-bound regime with periodic dips.
func synthBars(symbol string, n int, phase float64) []types.Bar {
	bars := make([]types.Bar, 0, n)
	day := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; {
		if wd := day.Weekday(); wd != time.Saturday && wd != time.Sunday {
			c := 100 + 1.5*math.Sin(float64(i)/9+phase)
			bars = append(bars, types.Bar{
				Symbol: symbol, Timestamp: day,
				Open: c, High: c * 1.004, Low: c * 0.996, Close: c, Volume: 1_000_000,
			})
			i++
		}
		day = day.AddDate(0, 0, 1)
	}
	return bars
}

func testEngine(symbols ...string) (*backtest.Engine, *mapSource) {
	src := &mapSource{bars: make(map[string][]types.Bar)}
	for i, symbol := range symbols {
		src.bars[symbol] = synthBars(symbol, 600, float64(i)*1.7)
	}
	return backtest.NewEngine(src, nil), src
}

func testRequest(src *mapSource, symbols []string) Request {
	ref := src.bars[symbols[0]]
	return Request{
		StrategyID:     "strat-1",
		Start:          ref[400].Timestamp,
		End:            ref[560].Timestamp,
		InitialCapital: 100_000,
		Symbols:        symbols,
		BaseOverrides:  map[string]float64{"zscore_entry_threshold": -1.0},
		Iterations:     4,
		Seed:           7,
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 100; i++ {
		raw := make(map[string]float64)
		for _, tun := range backtest.Tunables() {
			span := tun.Max - tun.Min
			raw[tun.Key] = tun.Min - span + rng.Float64()*3*span
		}
		once := Normalize(raw)
		twice := Normalize(once)
		assert.Equal(t, once, twice)
	}
}

func TestNormalizeEnforcesBoundsAndConstraints(t *testing.T) {
	out := Normalize(map[string]float64{
		"stop_loss_pct":     10,  // forces tp up against its ceiling
		"take_profit_pct":   1,   // under 1.8·sl
		"trailing_stop_pct": 0.5, // under 0.9·sl
		"max_hold_days":     7.4, // snaps to an integer
	})

	sl := out["stop_loss_pct"]
	assert.LessOrEqual(t, sl, 15.0/1.8+1e-9, "stop loss shrinks so take profit can satisfy the spacing rule")
	assert.GreaterOrEqual(t, out["take_profit_pct"], 1.8*sl-1e-9)
	assert.GreaterOrEqual(t, out["trailing_stop_pct"], 0.9*sl-1e-9)
	assert.Equal(t, 7.0, out["max_hold_days"])

	for _, tun := range backtest.Tunables() {
		v := out[tun.Key]
		assert.GreaterOrEqual(t, v, tun.Min-1e-9, tun.Key)
		assert.LessOrEqual(t, v, tun.Max+1e-9, tun.Key)
	}
}

func TestMutateStaysInBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	base := Normalize(backtest.DefaultParams().ToMap())
	for i := 0; i < 200; i++ {
		m := Mutate(rng, base)
		for _, tun := range backtest.Tunables() {
			v := m[tun.Key]
			require.GreaterOrEqual(t, v, tun.Min-1e-9, tun.Key)
			require.LessOrEqual(t, v, tun.Max+1e-9, tun.Key)
		}
		require.GreaterOrEqual(t, m["take_profit_pct"], 1.8*m["stop_loss_pct"]-1e-9)
		require.GreaterOrEqual(t, m["trailing_stop_pct"], 0.9*m["stop_loss_pct"]-1e-9)
	}
}

func TestScoreFormulasAndPenalties(t *testing.T) {
	m := backtest.Metrics{
		SharpeRatio:    1.5,
		TotalReturnPct: 12,
		WinRatePct:     60,
		MaxDrawdownPct: 8,
		TotalTrades:    30,
	}
	assert.InDelta(t, 80*1.5+1.8*12+0.14*60-0.9*8, Score(ObjectiveBalanced, m, 0, false), 1e-9)
	assert.InDelta(t, 110*1.5+1.1*12+0.12*60-1.0*8, Score(ObjectiveSharpe, m, 0, false), 1e-9)
	assert.InDelta(t, 3.1*12+30*1.5+0.08*60-0.7*8, Score(ObjectiveReturn, m, 0, false), 1e-9)

	// Soft shortfall penalty: 0.35 per missing trade.
	base := Score(ObjectiveBalanced, m, 0, false)
	assert.InDelta(t, base-0.35*10, Score(ObjectiveBalanced, m, 40, false), 1e-9)

	// Strict mode disqualifies outright.
	assert.InDelta(t, -1e6-1000*10, Score(ObjectiveBalanced, m, 40, true), 1e-9)
}

func TestOptimizerRanksCandidatesAndPersists(t *testing.T) {
	engine, src := testEngine("AAPL", "MSFT")
	store, err := storage.Open("sqlite", filepath.Join(t.TempDir(), "opt.db"), nil)
	require.NoError(t, err)
	defer store.Close()

	opt := NewOptimizer(engine, nil, WithRunHistory(store, 5))
	req := testRequest(src, []string{"AAPL", "MSFT"})

	res, err := opt.Run(req)
	require.NoError(t, err)
	require.NotEmpty(t, res.Candidates)

	for i := 1; i < len(res.Candidates); i++ {
		assert.GreaterOrEqual(t, res.Candidates[i-1].Score, res.Candidates[i].Score)
	}
	assert.NotEmpty(t, res.BestParams)
	assert.NotEmpty(t, res.BestSymbols)
	assert.NotEmpty(t, res.Subsets)
	assert.GreaterOrEqual(t, res.BestScore, res.Candidates[0].Score,
		"subset trimming can only improve the best score")

	row, err := store.OptimizationRuns.GetByRunID(res.RunID)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "succeeded", row.Status)
	assert.Equal(t, res.BestScore, row.Score)
	assert.NotEmpty(t, row.ResultJSON)
	require.NotNil(t, row.FinishedAt)
}

func TestOptimizerIsDeterministicForSeed(t *testing.T) {
	engine, src := testEngine("AAPL", "MSFT")
	opt := NewOptimizer(engine, nil)
	req := testRequest(src, []string{"AAPL", "MSFT"})

	first, err := opt.Run(req)
	require.NoError(t, err)
	second, err := opt.Run(req)
	require.NoError(t, err)

	assert.Equal(t, first.BestParams, second.BestParams)
	assert.Equal(t, first.BestScore, second.BestScore)
	assert.Equal(t, first.BestSymbols, second.BestSymbols)
}

func TestWalkForwardReport(t *testing.T) {
	engine, src := testEngine("AAPL")
	opt := NewOptimizer(engine, nil)
	req := testRequest(src, []string{"AAPL"})
	req.WalkForwardFolds = 2

	res, err := opt.Run(req)
	require.NoError(t, err)
	require.NotNil(t, res.WalkForward)
	assert.Len(t, res.WalkForward.Folds, 2)
	assert.GreaterOrEqual(t, res.WalkForward.PassRatePct, 0.0)
	assert.LessOrEqual(t, res.WalkForward.PassRatePct, 100.0)
	for _, fold := range res.WalkForward.Folds {
		assert.True(t, fold.TestStart.After(fold.TrainEnd))
		assert.LessOrEqual(t, res.WalkForward.WorstScore, fold.Score)
	}
}

func TestWalkForwardRejectsShortRange(t *testing.T) {
	engine, src := testEngine("AAPL")
	opt := NewOptimizer(engine, nil)
	req := testRequest(src, []string{"AAPL"})
	req.End = req.Start.AddDate(0, 0, 60)
	req.WalkForwardFolds = 3

	_, err := opt.Run(req)
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))
}

func TestOptimizerCancellation(t *testing.T) {
	engine, src := testEngine("AAPL")
	store, err := storage.Open("sqlite", filepath.Join(t.TempDir(), "opt.db"), nil)
	require.NoError(t, err)
	defer store.Close()

	opt := NewOptimizer(engine, nil, WithRunHistory(store, 5))
	req := testRequest(src, []string{"AAPL"})
	req.ShouldCancel = func() bool { return true }

	partial, err := opt.Run(req)
	require.Error(t, err)
	assert.True(t, types.IsCancelled(err))
	require.NotNil(t, partial, "cancellation still returns the partial progress report")

	row, err := store.OptimizationRuns.GetByRunID(partial.RunID)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "cancelled", row.Status)
}
