// Package backtest replays daily bars through the dip-buy strategy rules and
// produces a deterministic performance report. Given the same bars and
// parameters, two runs yield bit-identical numbers.
package backtest

import (
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/quantfoundry/tradeengine/pkg/indicators"
	"github.com/quantfoundry/tradeengine/pkg/logging"
	"github.com/quantfoundry/tradeengine/pkg/metrics"
	"github.com/quantfoundry/tradeengine/pkg/types"
)

const (
	// warmupCalendarDays is fetched before the start date so at least ~320
	// trading days of history survive weekends and holidays.
	warmupCalendarDays = 500

	// signalWarmupBars is the minimum sliced history before entries are
	// considered; the entry z-score uses this window too.
	signalWarmupBars = 50
)

// Exit reason tags recorded on trades.
const (
	ExitTimeLimit     = "time_limit"
	ExitStop          = "stop"
	ExitTakeProfit    = "take_profit"
	ExitEndOfBacktest = "end_of_backtest"
)

// Blocked reason tags recorded in diagnostics.
const (
	BlockedInsufficientHistory = "insufficient_history"
	BlockedRegime              = "regime_not_range_bound"
	BlockedNoSignal            = "no_signal"
	BlockedInsufficientCash    = "insufficient_cash"
)

// BarSource supplies daily bars. broker.Broker satisfies it.
type BarSource interface {
	GetHistoricalBars(symbol string, start, end time.Time, limit int) ([]types.Bar, error)
}

// Request describes one backtest run. Overrides are restricted to the
// Tunables key set.
type Request struct {
	StrategyID     string
	Start          time.Time
	End            time.Time
	InitialCapital float64
	Symbols        []string
	Overrides      map[string]float64

	// RiskFreeRate is the annual rate used for Sharpe; zero by default.
	RiskFreeRate float64

	// ShouldCancel is polled between trading days; nil means never.
	ShouldCancel func() bool
}

// TradeRecord is one completed round trip.
type TradeRecord struct {
	Symbol     string    `json:"symbol"`
	EntryDate  time.Time `json:"entry_date"`
	ExitDate   time.Time `json:"exit_date"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Quantity   float64   `json:"quantity"`
	PnL        float64   `json:"pnl"`
	Reason     string    `json:"reason"`
	HoldDays   int       `json:"hold_days"`
}

// EquityPoint is one equity-curve sample, taken once per trading day after
// all symbols are processed.
type EquityPoint struct {
	Date   time.Time `json:"date"`
	Equity float64   `json:"equity"`
	Cash   float64   `json:"cash"`
}

// Diagnostics explains why entries did not happen and how exits resolved.
type Diagnostics struct {
	BlockedCounts map[string]int `json:"blocked_counts"`
	ExitCounts    map[string]int `json:"exit_counts"`
	TopBlockers   []string       `json:"top_blockers"`
	SkippedSymbols []string      `json:"skipped_symbols,omitempty"`
}

// Metrics is the numeric summary of a run.
type Metrics struct {
	InitialCapital  float64 `json:"initial_capital"`
	FinalEquity     float64 `json:"final_equity"`
	TotalPnL        float64 `json:"total_pnl"`
	TotalReturnPct  float64 `json:"total_return_pct"`
	TotalTrades     int     `json:"total_trades"`
	WinTrades       int     `json:"win_trades"`
	LossTrades      int     `json:"loss_trades"`
	WinRatePct      float64 `json:"win_rate_pct"`
	AvgWin          float64 `json:"avg_win"`
	AvgLoss         float64 `json:"avg_loss"`
	ProfitFactor    float64 `json:"profit_factor"`
	Expectancy      float64 `json:"expectancy"`
	MaxDrawdownPct  float64 `json:"max_drawdown_pct"`
	AnnualizedVolPct float64 `json:"annualized_vol_pct"`
	SharpeRatio     float64 `json:"sharpe_ratio"`
	SortinoRatio    float64 `json:"sortino_ratio"`
	CalmarRatio     float64 `json:"calmar_ratio"`
	RecoveryFactor  float64 `json:"recovery_factor"`
	MaxConsecLosses int     `json:"max_consecutive_losses"`
	AvgHoldDays     float64 `json:"avg_hold_days"`
	SlippageBps     float64 `json:"slippage_bps"`
	TradingDays     int     `json:"trading_days"`
}

// Result is the full backtest output.
type Result struct {
	StrategyID  string        `json:"strategy_id"`
	Start       time.Time     `json:"start"`
	End         time.Time     `json:"end"`
	Symbols     []string      `json:"symbols"`
	Params      Params        `json:"params"`
	Metrics     Metrics       `json:"metrics"`
	Trades      []TradeRecord `json:"trades"`
	EquityCurve []EquityPoint `json:"equity_curve"`
	Diagnostics Diagnostics   `json:"diagnostics"`
	Elapsed     time.Duration `json:"elapsed"`
}

// openPosition is per-symbol in-flight state during the replay.
type openPosition struct {
	entryDate  time.Time
	entryPrice float64
	quantity   float64
	peakPrice  float64
	atrStop    float64
	takeProfit float64
	daysHeld   int
}

// Engine runs backtests against a bar source.
type Engine struct {
	data BarSource
	log  *zap.Logger
}

// NewEngine builds an engine.
func NewEngine(data BarSource, log *zap.Logger) *Engine {
	return &Engine{data: data, log: logging.OrNop(log)}
}

// Run executes one backtest.
func (e *Engine) Run(req Request) (*Result, error) {
	started := time.Now()

	params := DefaultParams()
	if err := ApplyOverrides(&params, req.Overrides); err != nil {
		return nil, err
	}
	symbols, err := normalizeRequest(&req)
	if err != nil {
		return nil, err
	}

	series, skipped, err := e.loadSeries(symbols, req.Start, req.End)
	if err != nil {
		return nil, err
	}
	if len(series) == 0 {
		return nil, types.NewValidationError("No historical data for any requested symbol")
	}
	dates := tradingDates(series, req.Start, req.End)
	if len(dates) == 0 {
		return nil, types.NewValidationError("No trading days in [%s, %s]",
			req.Start.Format("2006-01-02"), req.End.Format("2006-01-02"))
	}

	st := &replayState{
		cash:      req.InitialCapital,
		positions: make(map[string]*openPosition),
		lastClose: make(map[string]float64),
		blocked:   make(map[string]int),
		exits:     make(map[string]int),
	}

	for _, date := range dates {
		if req.ShouldCancel != nil && req.ShouldCancel() {
			metrics.BacktestRuns.WithLabelValues("cancelled").Inc()
			return nil, types.NewCancelledError("backtest")
		}
		for _, symbol := range sortedKeys(series) {
			s := series[symbol]
			idx, ok := s.index[dateKey(date)]
			if !ok {
				continue
			}
			bar := s.bars[idx]
			st.lastClose[symbol] = bar.Close

			if pos, held := st.positions[symbol]; held {
				e.manageExit(st, symbol, pos, bar, s.bars[:idx+1], params, date)
			} else {
				e.tryEntry(st, symbol, bar, s.bars[:idx+1], params, date)
			}
		}
		st.curve = append(st.curve, EquityPoint{
			Date:   date,
			Equity: st.equity(),
			Cash:   st.cash,
		})
	}

	// Remaining positions close at their last known close, with slippage.
	st.forceCloseAll(params, dates[len(dates)-1])

	result := &Result{
		StrategyID:  req.StrategyID,
		Start:       req.Start,
		End:         req.End,
		Symbols:     symbols,
		Params:      params,
		Trades:      st.trades,
		EquityCurve: st.curve,
		Diagnostics: buildDiagnostics(st, skipped),
		Elapsed:     time.Since(started),
	}
	result.Metrics = computeMetrics(req.InitialCapital, params, st, req.RiskFreeRate)

	metrics.BacktestRuns.WithLabelValues("completed").Inc()
	e.log.Info("backtest complete",
		zap.String("strategy_id", req.StrategyID),
		zap.Int("trading_days", len(dates)),
		zap.Int("trades", len(st.trades)),
		zap.Float64("total_pnl", result.Metrics.TotalPnL),
		zap.Duration("elapsed", result.Elapsed))
	return result, nil
}

// manageExit recomputes the ATR stop (ratchet upward only), ratchets the
// trailing peak, and checks exits in priority order: time, stop, take-profit.
func (e *Engine) manageExit(st *replayState, symbol string, pos *openPosition, bar types.Bar, history []types.Bar, p Params, date time.Time) {
	pos.daysHeld++

	if m, ok := indicators.Compute(history, indicatorParams(p)); ok && m.ATRPct > 0 {
		candidate := bar.Close * (1 - p.ATRStopMult*m.ATRPct/100)
		if candidate > pos.atrStop {
			pos.atrStop = candidate
		}
	}
	if bar.Close > pos.peakPrice {
		pos.peakPrice = bar.Close
	}
	trailing := pos.peakPrice * (1 - p.TrailingStopPct/100)
	stop := math.Max(pos.atrStop, trailing)
	slip := p.SlippageBps / 10000

	switch {
	case pos.daysHeld >= p.MaxHoldDays:
		st.closePosition(symbol, pos, bar.Close*(1-slip), ExitTimeLimit, date)
	case bar.Low <= stop:
		st.closePosition(symbol, pos, stop*(1-slip), ExitStop, date)
	case bar.High >= pos.takeProfit:
		st.closePosition(symbol, pos, pos.takeProfit*(1-slip), ExitTakeProfit, date)
	}
}

// tryEntry evaluates the composite entry signal on history sliced up to
// today and opens a position when it fires.
func (e *Engine) tryEntry(st *replayState, symbol string, bar types.Bar, history []types.Bar, p Params, date time.Time) {
	if len(history) < signalWarmupBars {
		st.blocked[BlockedInsufficientHistory]++
		return
	}
	m, ok := indicators.Compute(history, indicatorParams(p))
	if !ok || m.SMA50 <= 0 {
		st.blocked[BlockedInsufficientHistory]++
		return
	}

	closes := make([]float64, len(history))
	for i, b := range history {
		closes[i] = b.Close
	}
	if indicators.ClassifyRegime(closes) != types.RegimeRangeBound {
		st.blocked[BlockedRegime]++
		return
	}

	dipCond := bar.Close <= m.DipTrigger
	zCond := zScore(closes, signalWarmupBars) <= p.ZScoreEntryThreshold
	if !dipCond && !zCond {
		st.blocked[BlockedNoSignal]++
		return
	}

	target := ComputeRiskBasedPositionSize(st.equity(), p.RiskPerTradePct, p.StopLossPct, p.PositionSizeCap, st.cash)
	fill := bar.Close * (1 + p.SlippageBps/10000)
	quantity := target / fill
	if quantity*fill > st.cash || quantity <= 0 {
		st.blocked[BlockedInsufficientCash]++
		return
	}

	st.cash -= quantity * fill
	st.positions[symbol] = &openPosition{
		entryDate:  date,
		entryPrice: fill,
		quantity:   quantity,
		peakPrice:  fill,
		atrStop:    math.Min(fill*(1-p.ATRStopMult*m.ATRPct/100), fill*(1-p.StopLossPct/100)),
		takeProfit: fill * (1 + p.TakeProfitPct/100),
	}
}

// symbolSeries is one symbol's ascending bars with a date index.
type symbolSeries struct {
	bars  []types.Bar
	index map[string]int
}

func (e *Engine) loadSeries(symbols []string, start, end time.Time) (map[string]*symbolSeries, []string, error) {
	series := make(map[string]*symbolSeries, len(symbols))
	var skipped []string
	fetchFrom := start.AddDate(0, 0, -warmupCalendarDays)

	for _, symbol := range symbols {
		bars, err := e.data.GetHistoricalBars(symbol, fetchFrom, end, 0)
		if err != nil {
			return nil, nil, types.NewBrokerError("get_historical_bars "+symbol, err)
		}
		if len(bars) == 0 {
			e.log.Warn("no bars for symbol, skipping", zap.String("symbol", symbol))
			skipped = append(skipped, symbol)
			continue
		}
		sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })

		s := &symbolSeries{bars: bars, index: make(map[string]int, len(bars))}
		for i, b := range bars {
			s.index[dateKey(b.Timestamp)] = i
		}
		series[symbol] = s
	}
	return series, skipped, nil
}

// replayState is the mutable book during one run.
type replayState struct {
	cash      float64
	positions map[string]*openPosition
	lastClose map[string]float64
	trades    []TradeRecord
	curve     []EquityPoint
	blocked   map[string]int
	exits     map[string]int
}

// equity sums in sorted symbol order: float addition order must not vary
// between runs or bit-identical replays break.
func (st *replayState) equity() float64 {
	eq := st.cash
	for _, symbol := range sortedPositionKeys(st.positions) {
		eq += st.positions[symbol].quantity * st.lastClose[symbol]
	}
	return eq
}

func (st *replayState) closePosition(symbol string, pos *openPosition, exitPrice float64, reason string, date time.Time) {
	st.cash += pos.quantity * exitPrice
	st.trades = append(st.trades, TradeRecord{
		Symbol:     symbol,
		EntryDate:  pos.entryDate,
		ExitDate:   date,
		EntryPrice: pos.entryPrice,
		ExitPrice:  exitPrice,
		Quantity:   pos.quantity,
		PnL:        pos.quantity * (exitPrice - pos.entryPrice),
		Reason:     reason,
		HoldDays:   pos.daysHeld,
	})
	st.exits[reason]++
	delete(st.positions, symbol)
}

func (st *replayState) forceCloseAll(p Params, date time.Time) {
	slip := p.SlippageBps / 10000
	for _, symbol := range sortedPositionKeys(st.positions) {
		pos := st.positions[symbol]
		st.closePosition(symbol, pos, st.lastClose[symbol]*(1-slip), ExitEndOfBacktest, date)
	}
	if len(st.curve) > 0 {
		st.curve[len(st.curve)-1].Equity = st.equity()
		st.curve[len(st.curve)-1].Cash = st.cash
	}
}

func buildDiagnostics(st *replayState, skipped []string) Diagnostics {
	d := Diagnostics{
		BlockedCounts:  st.blocked,
		ExitCounts:     st.exits,
		SkippedSymbols: skipped,
	}
	type blocker struct {
		reason string
		count  int
	}
	ranked := make([]blocker, 0, len(st.blocked))
	for reason, count := range st.blocked {
		ranked = append(ranked, blocker{reason, count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].reason < ranked[j].reason
	})
	for i, b := range ranked {
		if i == 3 {
			break
		}
		d.TopBlockers = append(d.TopBlockers, fmt.Sprintf("%s (%d)", b.reason, b.count))
	}
	return d
}

func normalizeRequest(req *Request) ([]string, error) {
	if req.InitialCapital <= 0 {
		return nil, types.NewValidationError("Initial capital must be positive")
	}
	if req.End.Before(req.Start) {
		return nil, types.NewValidationError("End date before start date")
	}
	if len(req.Symbols) == 0 {
		return nil, types.NewValidationError("At least one symbol is required")
	}
	seen := make(map[string]bool, len(req.Symbols))
	out := make([]string, 0, len(req.Symbols))
	for _, raw := range req.Symbols {
		symbol, err := types.NormalizeSymbol(raw)
		if err != nil {
			return nil, err
		}
		if !seen[symbol] {
			seen[symbol] = true
			out = append(out, symbol)
		}
	}
	sort.Strings(out)
	return out, nil
}

// tradingDates is the ascending union of bar dates across symbols within
// [start, end].
func tradingDates(series map[string]*symbolSeries, start, end time.Time) []time.Time {
	seen := make(map[string]time.Time)
	for _, s := range series {
		for _, b := range s.bars {
			d := b.Timestamp.UTC().Truncate(24 * time.Hour)
			if d.Before(start) || d.After(end) {
				continue
			}
			seen[dateKey(d)] = d
		}
	}
	out := make([]time.Time, 0, len(seen))
	for _, d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func indicatorParams(p Params) indicators.Params {
	return indicators.Params{
		DipBuyThresholdPct:   p.DipBuyThresholdPct,
		ZScoreEntryThreshold: p.ZScoreEntryThreshold,
		TakeProfitPct:        p.TakeProfitPct,
		TrailingStopPct:      p.TrailingStopPct,
		ATRStopMult:          p.ATRStopMult,
		StopLossPct:          p.StopLossPct,
	}
}

// zScore is the latest close's z-score over the trailing window, using the
// population standard deviation.
func zScore(closes []float64, window int) float64 {
	if len(closes) < window {
		return 0
	}
	w := closes[len(closes)-window:]
	mean := stat.Mean(w, nil)
	var ss float64
	for _, x := range w {
		d := x - mean
		ss += d * d
	}
	sd := math.Sqrt(ss / float64(len(w)))
	if sd <= 0 {
		return 0
	}
	return (w[len(w)-1] - mean) / sd
}

func dateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func sortedKeys(m map[string]*symbolSeries) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedPositionKeys(m map[string]*openPosition) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
