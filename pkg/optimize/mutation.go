package optimize

import (
	"math"
	"math/rand"

	"github.com/quantfoundry/tradeengine/pkg/backtest"
)

const (
	// gaussianSigmaFrac scales the local-search step to each tunable's span.
	gaussianSigmaFrac = 0.12
	// jumpProbability is the chance a parameter takes a uniform draw across
	// its full span instead of a local step.
	jumpProbability = 0.2

	snapEps = 1e-9
)

// Normalize clamps every tunable to its bounds, snaps it to its step grid,
// and enforces the exit-spacing constraints: take_profit ≥ 1.8·stop_loss and
// trailing_stop ≥ 0.9·stop_loss. Normalizing an already-normalized map is a
// no-op.
func Normalize(params map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(params))
	for _, t := range backtest.Tunables() {
		v, ok := params[t.Key]
		if !ok {
			v = backtest.DefaultParams().Get(t.Key)
		}
		out[t.Key] = snap(v, t)
	}

	// stop_loss is shrunk first when the dependent bounds cannot stretch,
	// then the dependents are raised onto their grids.
	slT, _ := backtest.TunableByKey("stop_loss_pct")
	tpT, _ := backtest.TunableByKey("take_profit_pct")
	trailT, _ := backtest.TunableByKey("trailing_stop_pct")

	maxSL := math.Min(tpT.Max/1.8, trailT.Max/0.9)
	if out["stop_loss_pct"] > maxSL {
		out["stop_loss_pct"] = snapDown(maxSL, slT)
	}
	sl := out["stop_loss_pct"]
	if out["take_profit_pct"] < 1.8*sl {
		out["take_profit_pct"] = snapUp(1.8*sl, tpT)
	}
	if out["trailing_stop_pct"] < 0.9*sl {
		out["trailing_stop_pct"] = snapUp(0.9*sl, trailT)
	}
	return out
}

// Mutate produces one candidate near base: per tunable, either a broad
// uniform jump or a Gaussian step sized to the span, then normalized.
func Mutate(rng *rand.Rand, base map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(base))
	for _, t := range backtest.Tunables() {
		span := t.Max - t.Min
		if rng.Float64() < jumpProbability {
			out[t.Key] = t.Min + rng.Float64()*span
		} else {
			out[t.Key] = base[t.Key] + rng.NormFloat64()*gaussianSigmaFrac*span
		}
	}
	return Normalize(out)
}

// snap clamps to bounds and rounds onto the step grid anchored at Min.
func snap(v float64, t backtest.Tunable) float64 {
	v = clampTo(v, t)
	if t.Step > 0 {
		steps := math.Round((v - t.Min) / t.Step)
		v = t.Min + steps*t.Step
	}
	if t.Integer {
		v = math.Round(v)
	}
	return clampTo(v, t)
}

// snapUp rounds v up onto the grid so a lower-bound constraint stays
// satisfied after snapping.
func snapUp(v float64, t backtest.Tunable) float64 {
	v = clampTo(v, t)
	if t.Step > 0 {
		steps := math.Ceil((v-t.Min)/t.Step - snapEps)
		v = t.Min + steps*t.Step
	}
	if t.Integer {
		v = math.Ceil(v - snapEps)
	}
	return clampTo(v, t)
}

// snapDown rounds v down onto the grid so an upper-bound constraint stays
// satisfied after snapping.
func snapDown(v float64, t backtest.Tunable) float64 {
	v = clampTo(v, t)
	if t.Step > 0 {
		steps := math.Floor((v-t.Min)/t.Step + snapEps)
		v = t.Min + steps*t.Step
	}
	if t.Integer {
		v = math.Floor(v + snapEps)
	}
	return clampTo(v, t)
}

func clampTo(v float64, t backtest.Tunable) float64 {
	if v < t.Min {
		return t.Min
	}
	if v > t.Max {
		return t.Max
	}
	return v
}
