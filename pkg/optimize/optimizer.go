// Package optimize searches the strategy's bounded parameter space with
// seeded Gaussian local mutations, trims the symbol universe around the
// winner, and optionally validates it on walk-forward folds.
package optimize

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantfoundry/tradeengine/pkg/backtest"
	"github.com/quantfoundry/tradeengine/pkg/logging"
	"github.com/quantfoundry/tradeengine/pkg/storage"
	"github.com/quantfoundry/tradeengine/pkg/types"
)

// Objective selects the scoring formula.
type Objective string

const (
	ObjectiveBalanced Objective = "balanced"
	ObjectiveSharpe   Objective = "sharpe"
	ObjectiveReturn   Objective = "return"
)

// Subset trim levels applied to the ranked symbol universe.
var trimFractions = []float64{1.0, 0.85, 0.70, 0.55, 0.40}

const (
	defaultIterations  = 20
	minWalkForwardDays = 120
	minTestSpanDays    = 20
)

// Request describes one optimization.
type Request struct {
	StrategyID     string
	Start          time.Time
	End            time.Time
	InitialCapital float64
	Symbols        []string
	BaseOverrides  map[string]float64

	Iterations       int
	Objective        Objective
	MinTrades        int
	StrictMinTrades  bool
	WalkForwardFolds int
	Seed             int64
	RiskFreeRate     float64

	// ShouldCancel is polled between candidates and between folds.
	ShouldCancel func() bool
}

// Candidate is one scored parameter set.
type Candidate struct {
	Params  map[string]float64 `json:"params"`
	Score   float64            `json:"score"`
	Metrics backtest.Metrics   `json:"metrics"`
}

// SubsetResult is one trimmed-universe evaluation under the winning
// parameters.
type SubsetResult struct {
	Fraction float64          `json:"fraction"`
	Symbols  []string         `json:"symbols"`
	Score    float64          `json:"score"`
	Metrics  backtest.Metrics `json:"metrics"`
}

// FoldResult is one walk-forward fold.
type FoldResult struct {
	Fold       int              `json:"fold"`
	TrainStart time.Time        `json:"train_start"`
	TrainEnd   time.Time        `json:"train_end"`
	TestStart  time.Time        `json:"test_start"`
	TestEnd    time.Time        `json:"test_end"`
	Score      float64          `json:"score"`
	Passed     bool             `json:"passed"`
	Metrics    backtest.Metrics `json:"metrics"`
}

// WalkForwardReport summarizes the out-of-sample folds.
type WalkForwardReport struct {
	Folds       []FoldResult `json:"folds"`
	PassRatePct float64      `json:"pass_rate_pct"`
	AvgScore    float64      `json:"avg_score"`
	WorstScore  float64      `json:"worst_score"`
}

// Result is the optimization output. On cancellation the partial result built
// so far accompanies the error.
type Result struct {
	RunID       string             `json:"run_id"`
	StrategyID  string             `json:"strategy_id"`
	Objective   Objective          `json:"objective"`
	BestParams  map[string]float64 `json:"best_params"`
	BestScore   float64            `json:"best_score"`
	BestMetrics backtest.Metrics   `json:"best_metrics"`
	BestSymbols []string           `json:"best_symbols"`
	Candidates  []Candidate        `json:"candidates"`
	Subsets     []SubsetResult     `json:"subsets,omitempty"`
	WalkForward *WalkForwardReport `json:"walk_forward,omitempty"`
	Elapsed     time.Duration      `json:"elapsed"`
}

// Optimizer drives candidate generation and evaluation.
type Optimizer struct {
	engine   *backtest.Engine
	store    *storage.Store
	keepRuns int
	log      *zap.Logger
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithRunHistory persists queued/running/terminal run rows and prunes old
// history per strategy.
func WithRunHistory(store *storage.Store, keep int) Option {
	return func(o *Optimizer) {
		o.store = store
		if keep > 0 {
			o.keepRuns = keep
		}
	}
}

// NewOptimizer builds an optimizer around a backtest engine.
func NewOptimizer(engine *backtest.Engine, log *zap.Logger, opts ...Option) *Optimizer {
	o := &Optimizer{engine: engine, keepRuns: 20, log: logging.OrNop(log)}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes the full optimization. On cancellation the partial result is
// returned alongside the typed cancellation error.
func (o *Optimizer) Run(req Request) (*Result, error) {
	started := time.Now()
	if req.Iterations <= 0 {
		req.Iterations = defaultIterations
	}
	if req.Objective == "" {
		req.Objective = ObjectiveBalanced
	}
	if req.MinTrades < 0 {
		req.MinTrades = 0
	}

	result := &Result{
		RunID:      uuid.NewString(),
		StrategyID: req.StrategyID,
		Objective:  req.Objective,
	}
	o.persistRun(result, req, "queued", nil)
	o.persistRun(result, req, "running", &started)

	base := Normalize(mergedBase(req.BaseOverrides))
	rng := rand.New(rand.NewSource(req.Seed))

	candidates := make([]map[string]float64, 0, req.Iterations)
	candidates = append(candidates, base)
	for i := 1; i < req.Iterations; i++ {
		candidates = append(candidates, Mutate(rng, base))
	}

	var bestRun *backtest.Result
	for i, params := range candidates {
		if cancelled(req.ShouldCancel) {
			return o.finish(result, req, started, types.NewCancelledError("optimizer candidates"))
		}
		run, err := o.runBacktest(req, params, req.Start, req.End, req.Symbols)
		if err != nil {
			if types.IsCancelled(err) {
				return o.finish(result, req, started, err)
			}
			o.log.Warn("candidate backtest failed", zap.Int("candidate", i), zap.Error(err))
			continue
		}
		c := Candidate{
			Params:  params,
			Score:   Score(req.Objective, run.Metrics, req.MinTrades, req.StrictMinTrades),
			Metrics: run.Metrics,
		}
		result.Candidates = append(result.Candidates, c)
		if len(result.Candidates) == 1 || c.Score > result.BestScore {
			result.BestScore = c.Score
			result.BestParams = params
			result.BestMetrics = run.Metrics
			bestRun = run
		}
	}
	if len(result.Candidates) == 0 {
		err := types.NewIntegrityError("optimize", fmt.Errorf("no candidate produced a result"))
		o.persistTerminal(result, "failed")
		return nil, err
	}
	sort.SliceStable(result.Candidates, func(i, j int) bool {
		return result.Candidates[i].Score > result.Candidates[j].Score
	})
	result.BestSymbols = bestRun.Symbols

	if err := o.trimSymbols(&req, result, bestRun); err != nil {
		return o.finish(result, req, started, err)
	}

	if req.WalkForwardFolds > 0 {
		report, err := o.walkForward(req, result)
		if err != nil {
			return o.finish(result, req, started, err)
		}
		result.WalkForward = report
	}

	result.Elapsed = time.Since(started)
	o.persistTerminal(result, "succeeded")
	o.log.Info("optimization complete",
		zap.String("run_id", result.RunID),
		zap.Float64("best_score", result.BestScore),
		zap.Int("candidates", len(result.Candidates)),
		zap.Duration("elapsed", result.Elapsed))
	return result, nil
}

// trimSymbols ranks symbols by the winning run's per-symbol performance and
// re-backtests progressively smaller universes under the winning parameters.
func (o *Optimizer) trimSymbols(req *Request, result *Result, bestRun *backtest.Result) error {
	ranked := rankSymbols(bestRun)
	if len(ranked) == 0 {
		return nil
	}

	for _, frac := range trimFractions {
		if cancelled(req.ShouldCancel) {
			return types.NewCancelledError("optimizer symbol trimming")
		}
		count := int(math.Ceil(frac * float64(len(ranked))))
		if count < 1 {
			count = 1
		}
		subset := append([]string(nil), ranked[:count]...)
		sort.Strings(subset)

		var sub SubsetResult
		if frac == 1.0 {
			// Full universe was already evaluated by the winning candidate.
			sub = SubsetResult{Fraction: frac, Symbols: subset, Score: result.BestScore, Metrics: result.BestMetrics}
		} else {
			run, err := o.runBacktest(*req, result.BestParams, req.Start, req.End, subset)
			if err != nil {
				if types.IsCancelled(err) {
					return err
				}
				o.log.Warn("subset backtest failed", zap.Float64("fraction", frac), zap.Error(err))
				continue
			}
			sub = SubsetResult{
				Fraction: frac,
				Symbols:  subset,
				Score:    Score(req.Objective, run.Metrics, req.MinTrades, req.StrictMinTrades),
				Metrics:  run.Metrics,
			}
		}
		result.Subsets = append(result.Subsets, sub)
		if sub.Score > result.BestScore {
			result.BestScore = sub.Score
			result.BestMetrics = sub.Metrics
			result.BestSymbols = sub.Symbols
		}
	}
	return nil
}

// walkForward validates the winner on expanding-train, sequential-test folds.
func (o *Optimizer) walkForward(req Request, result *Result) (*WalkForwardReport, error) {
	totalDays := int(req.End.Sub(req.Start).Hours() / 24)
	if totalDays < minWalkForwardDays {
		return nil, types.NewValidationError(
			"Walk-forward needs at least a %d-day range, got %d", minWalkForwardDays, totalDays)
	}
	window := totalDays / (req.WalkForwardFolds + 1)
	if window < minTestSpanDays {
		return nil, types.NewValidationError(
			"Walk-forward test span %d days is under the %d-day minimum", window, minTestSpanDays)
	}

	report := &WalkForwardReport{WorstScore: math.Inf(1)}
	var sum float64
	passed := 0
	for fold := 1; fold <= req.WalkForwardFolds; fold++ {
		if cancelled(req.ShouldCancel) {
			return nil, types.NewCancelledError("optimizer walk-forward")
		}
		trainEnd := req.Start.AddDate(0, 0, fold*window)
		testStart := trainEnd.AddDate(0, 0, 1)
		testEnd := req.Start.AddDate(0, 0, (fold+1)*window)
		if fold == req.WalkForwardFolds {
			testEnd = req.End
		}

		run, err := o.runBacktest(req, result.BestParams, testStart, testEnd, result.BestSymbols)
		if err != nil {
			if types.IsCancelled(err) {
				return nil, err
			}
			o.log.Warn("walk-forward fold failed", zap.Int("fold", fold), zap.Error(err))
			continue
		}
		score := Score(req.Objective, run.Metrics, req.MinTrades, req.StrictMinTrades)
		fr := FoldResult{
			Fold:       fold,
			TrainStart: req.Start,
			TrainEnd:   trainEnd,
			TestStart:  testStart,
			TestEnd:    testEnd,
			Score:      score,
			Passed:     score > 0,
			Metrics:    run.Metrics,
		}
		report.Folds = append(report.Folds, fr)
		sum += score
		if score < report.WorstScore {
			report.WorstScore = score
		}
		if fr.Passed {
			passed++
		}
	}
	if len(report.Folds) == 0 {
		report.WorstScore = 0
		return report, nil
	}
	report.PassRatePct = float64(passed) / float64(len(report.Folds)) * 100
	report.AvgScore = sum / float64(len(report.Folds))
	return report, nil
}

func (o *Optimizer) runBacktest(req Request, params map[string]float64, start, end time.Time, symbols []string) (*backtest.Result, error) {
	return o.engine.Run(backtest.Request{
		StrategyID:     req.StrategyID,
		Start:          start,
		End:            end,
		InitialCapital: req.InitialCapital,
		Symbols:        symbols,
		Overrides:      params,
		RiskFreeRate:   req.RiskFreeRate,
		ShouldCancel:   req.ShouldCancel,
	})
}

// Score applies the objective formula plus trade-count penalties. Strict mode
// disqualifies under-trading candidates outright.
func Score(objective Objective, m backtest.Metrics, minTrades int, strict bool) float64 {
	shortfall := minTrades - m.TotalTrades
	if strict && shortfall > 0 {
		return -1e6 - 1000*float64(shortfall)
	}

	var s float64
	switch objective {
	case ObjectiveSharpe:
		s = 110*m.SharpeRatio + 1.1*m.TotalReturnPct + 0.12*m.WinRatePct - 1.0*m.MaxDrawdownPct
	case ObjectiveReturn:
		s = 3.1*m.TotalReturnPct + 30*m.SharpeRatio + 0.08*m.WinRatePct - 0.7*m.MaxDrawdownPct
	default:
		s = 80*m.SharpeRatio + 1.8*m.TotalReturnPct + 0.14*m.WinRatePct - 0.9*m.MaxDrawdownPct
	}
	if shortfall > 0 {
		s -= 0.35 * float64(shortfall)
	}
	return s
}

// finish persists the cancelled state and returns the partial result with the
// error.
func (o *Optimizer) finish(result *Result, req Request, started time.Time, err error) (*Result, error) {
	result.Elapsed = time.Since(started)
	status := "failed"
	if types.IsCancelled(err) {
		status = "cancelled"
	}
	o.persistTerminal(result, status)
	return result, err
}

func (o *Optimizer) persistRun(result *Result, req Request, status string, startedAt *time.Time) {
	if o.store == nil {
		return
	}
	reqJSON, _ := json.Marshal(map[string]interface{}{
		"strategy_id":     req.StrategyID,
		"start":           req.Start,
		"end":             req.End,
		"initial_capital": req.InitialCapital,
		"symbols":         req.Symbols,
		"base_overrides":  req.BaseOverrides,
		"iterations":      req.Iterations,
		"objective":       req.Objective,
		"min_trades":      req.MinTrades,
		"folds":           req.WalkForwardFolds,
		"seed":            req.Seed,
	})
	row := &storage.OptimizationRun{
		RunID:       result.RunID,
		StrategyID:  req.StrategyID,
		Source:      "sync",
		Status:      status,
		RequestJSON: string(reqJSON),
		StartedAt:   startedAt,
	}
	if err := o.store.OptimizationRuns.Upsert(row); err != nil {
		o.log.Warn("optimization run upsert failed", zap.Error(err))
	}
}

func (o *Optimizer) persistTerminal(result *Result, status string) {
	if o.store == nil {
		return
	}
	resJSON, err := json.Marshal(result)
	if err != nil {
		o.log.Warn("optimization result marshal failed", zap.Error(err))
	}
	now := time.Now().UTC()
	row := &storage.OptimizationRun{
		RunID:          result.RunID,
		StrategyID:     result.StrategyID,
		Source:         "sync",
		Status:         status,
		ResultJSON:     string(resJSON),
		Score:          result.BestScore,
		TotalReturnPct: result.BestMetrics.TotalReturnPct,
		SharpeRatio:    result.BestMetrics.SharpeRatio,
		TotalTrades:    result.BestMetrics.TotalTrades,
		FinishedAt:     &now,
	}
	if err := o.store.OptimizationRuns.Upsert(row); err != nil {
		o.log.Warn("optimization run upsert failed", zap.Error(err))
	}
	if pruned, err := o.store.OptimizationRuns.Prune(result.StrategyID, o.keepRuns); err != nil {
		o.log.Warn("optimization run prune failed", zap.Error(err))
	} else if pruned > 0 {
		o.log.Info("pruned optimization history", zap.Int64("removed", pruned))
	}
}

// rankSymbols orders the winning run's universe by (pnl, win rate, trade
// count), best first. Symbols without trades rank last in stable symbol
// order.
func rankSymbols(run *backtest.Result) []string {
	type symStats struct {
		symbol  string
		pnl     float64
		winRate float64
		trades  int
	}
	stats := make(map[string]*symStats, len(run.Symbols))
	for _, symbol := range run.Symbols {
		stats[symbol] = &symStats{symbol: symbol}
	}
	for _, tr := range run.Trades {
		s, ok := stats[tr.Symbol]
		if !ok {
			continue
		}
		s.pnl += tr.PnL
		s.trades++
		if tr.PnL > 0 {
			s.winRate++
		}
	}
	ranked := make([]*symStats, 0, len(stats))
	for _, s := range stats {
		if s.trades > 0 {
			s.winRate = s.winRate / float64(s.trades) * 100
		}
		ranked = append(ranked, s)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.pnl != b.pnl {
			return a.pnl > b.pnl
		}
		if a.winRate != b.winRate {
			return a.winRate > b.winRate
		}
		if a.trades != b.trades {
			return a.trades > b.trades
		}
		return a.symbol < b.symbol
	})
	out := make([]string, len(ranked))
	for i, s := range ranked {
		out[i] = s.symbol
	}
	return out
}

func mergedBase(overrides map[string]float64) map[string]float64 {
	base := backtest.DefaultParams().ToMap()
	for k, v := range overrides {
		if _, ok := backtest.TunableByKey(k); ok {
			base[k] = v
		}
	}
	return base
}

func cancelled(pred func() bool) bool {
	return pred != nil && pred()
}
