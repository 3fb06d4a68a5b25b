package backtest

import (
	"math"

	"github.com/quantfoundry/tradeengine/pkg/types"
)

// Params are the strategy inputs a backtest run uses. All percentage fields
// are 0-100.
type Params struct {
	DipBuyThresholdPct   float64
	ZScoreEntryThreshold float64
	TakeProfitPct        float64
	TrailingStopPct      float64
	ATRStopMult          float64
	StopLossPct          float64
	RiskPerTradePct      float64
	PositionSizeCap      float64
	MaxHoldDays          int
	SlippageBps          float64
}

// DefaultParams is the stock parameter set.
func DefaultParams() Params {
	return Params{
		DipBuyThresholdPct:   2.0,
		ZScoreEntryThreshold: -1.25,
		TakeProfitPct:        5.0,
		TrailingStopPct:      3.5,
		ATRStopMult:          2.0,
		StopLossPct:          4.0,
		RiskPerTradePct:      1.0,
		PositionSizeCap:      5000,
		MaxHoldDays:          15,
		SlippageBps:          5,
	}
}

// Tunable describes one optimizable parameter: its bounds, grid step, and
// whether values snap to whole numbers.
type Tunable struct {
	Key     string
	Min     float64
	Max     float64
	Step    float64
	Integer bool
}

// Tunables is the closed set of optimizable parameter keys. Overrides outside
// this set are rejected.
func Tunables() []Tunable {
	return []Tunable{
		{Key: "dip_buy_threshold_pct", Min: 0.5, Max: 8.0, Step: 0.1},
		{Key: "zscore_entry_threshold", Min: -3.5, Max: -0.5, Step: 0.05},
		{Key: "take_profit_pct", Min: 1.0, Max: 15.0, Step: 0.1},
		{Key: "trailing_stop_pct", Min: 0.5, Max: 10.0, Step: 0.1},
		{Key: "atr_stop_mult", Min: 0.5, Max: 5.0, Step: 0.1},
		{Key: "stop_loss_pct", Min: 0.5, Max: 10.0, Step: 0.1},
		{Key: "risk_per_trade_pct", Min: 0.1, Max: 5.0, Step: 0.1},
		{Key: "position_size_cap", Min: 500, Max: 20000, Step: 100},
		{Key: "max_hold_days", Min: 3, Max: 60, Step: 1, Integer: true},
		{Key: "slippage_bps", Min: 0, Max: 50, Step: 1},
	}
}

// TunableByKey looks up one tunable definition.
func TunableByKey(key string) (Tunable, bool) {
	for _, t := range Tunables() {
		if t.Key == key {
			return t, true
		}
	}
	return Tunable{}, false
}

// ApplyOverrides copies known keys onto p. An unknown key is a validation
// error; values are not clamped here, only assigned.
func ApplyOverrides(p *Params, overrides map[string]float64) error {
	for key, v := range overrides {
		if _, ok := TunableByKey(key); !ok {
			return types.NewValidationError("Unknown parameter override %q", key)
		}
		p.Set(key, v)
	}
	return nil
}

// Set assigns one parameter by tunable key. Unknown keys are ignored; the
// caller validates against Tunables first.
func (p *Params) Set(key string, v float64) {
	switch key {
	case "dip_buy_threshold_pct":
		p.DipBuyThresholdPct = v
	case "zscore_entry_threshold":
		p.ZScoreEntryThreshold = v
	case "take_profit_pct":
		p.TakeProfitPct = v
	case "trailing_stop_pct":
		p.TrailingStopPct = v
	case "atr_stop_mult":
		p.ATRStopMult = v
	case "stop_loss_pct":
		p.StopLossPct = v
	case "risk_per_trade_pct":
		p.RiskPerTradePct = v
	case "position_size_cap":
		p.PositionSizeCap = v
	case "max_hold_days":
		p.MaxHoldDays = int(math.Round(v))
	case "slippage_bps":
		p.SlippageBps = v
	}
}

// Get reads one parameter by tunable key.
func (p Params) Get(key string) float64 {
	switch key {
	case "dip_buy_threshold_pct":
		return p.DipBuyThresholdPct
	case "zscore_entry_threshold":
		return p.ZScoreEntryThreshold
	case "take_profit_pct":
		return p.TakeProfitPct
	case "trailing_stop_pct":
		return p.TrailingStopPct
	case "atr_stop_mult":
		return p.ATRStopMult
	case "stop_loss_pct":
		return p.StopLossPct
	case "risk_per_trade_pct":
		return p.RiskPerTradePct
	case "position_size_cap":
		return p.PositionSizeCap
	case "max_hold_days":
		return float64(p.MaxHoldDays)
	case "slippage_bps":
		return p.SlippageBps
	}
	return 0
}

// ToMap exports the full parameter set keyed by tunable name.
func (p Params) ToMap() map[string]float64 {
	out := make(map[string]float64, len(Tunables()))
	for _, t := range Tunables() {
		out[t.Key] = p.Get(t.Key)
	}
	return out
}

// ComputeRiskBasedPositionSize is the shared sizing rule: target notional is
// the smallest of the hard cap, equity scaled by risk budget over stop
// distance, a 10%-of-equity ceiling, and available cash, floored at $25.
// Risk and stop percentages are clamped to sane bands first.
func ComputeRiskBasedPositionSize(equity, riskPct, slPct, cap, cash float64) float64 {
	riskPct = clamp(riskPct, 0.1, 5.0)
	slPct = clamp(slPct, 0.5, 10.0)

	target := cap
	target = math.Min(target, equity*riskPct/slPct)
	target = math.Min(target, 0.1*equity)
	target = math.Min(target, cash)
	return math.Max(target, 25)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
