package strategy

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/quantfoundry/tradeengine/pkg/config"
	"github.com/quantfoundry/tradeengine/pkg/indicators"
	"github.com/quantfoundry/tradeengine/pkg/logging"
	"github.com/quantfoundry/tradeengine/pkg/types"
)

const (
	historyDays      = 120
	regimeSymbol     = "SPY"
	regimeBarsNeeded = 80
)

// position is the per-symbol entry state the strategy carries between ticks.
type position struct {
	entryPrice float64
	quantity   float64
	peakPrice  float64
	atrStop    float64
	takeProfit float64
}

// MetricsDriven buys dips under an allowed market regime and exits on an ATR
// stop, a trailing stop ratcheted from the peak, or a take-profit price.
type MetricsDriven struct {
	name    string
	symbols []string
	bars    BarSource
	log     *zap.Logger

	params         indicators.Params
	notional       float64
	allowedRegimes map[types.Regime]bool

	positions  map[string]*position
	lastRegime types.Regime
}

// NewMetricsDriven builds the strategy from its config section. Parameter
// keys match the optimizer's tunable set; unset keys take defaults.
func NewMetricsDriven(section config.StrategySection, bars BarSource, log *zap.Logger) *MetricsDriven {
	d := indicators.DefaultParams()
	p := indicators.Params{
		DipBuyThresholdPct:   config.Float(section.Parameters, "dip_buy_threshold_pct", d.DipBuyThresholdPct),
		ZScoreEntryThreshold: config.Float(section.Parameters, "zscore_entry_threshold", d.ZScoreEntryThreshold),
		TakeProfitPct:        config.Float(section.Parameters, "take_profit_pct", d.TakeProfitPct),
		TrailingStopPct:      config.Float(section.Parameters, "trailing_stop_pct", d.TrailingStopPct),
		ATRStopMult:          config.Float(section.Parameters, "atr_stop_mult", d.ATRStopMult),
		StopLossPct:          config.Float(section.Parameters, "stop_loss_pct", d.StopLossPct),
	}

	allowed := make(map[types.Regime]bool, len(section.AllowedRegimes))
	for _, r := range section.AllowedRegimes {
		allowed[types.Regime(r)] = true
	}
	if len(allowed) == 0 {
		allowed[types.RegimeRangeBound] = true
	}

	return &MetricsDriven{
		name:           section.Name,
		symbols:        section.Symbols,
		bars:           bars,
		log:            logging.OrNop(log),
		params:         p,
		notional:       config.Float(section.Parameters, "position_size_notional", 500),
		allowedRegimes: allowed,
		positions:      make(map[string]*position),
		lastRegime:     types.RegimeUnknown,
	}
}

// Name returns the configured strategy name.
func (m *MetricsDriven) Name() string { return m.name }

// Symbols returns the symbol set the strategy wants quotes for.
func (m *MetricsDriven) Symbols() []string { return m.symbols }

// OnStart is a no-op; entry state rebuilds from ticks.
func (m *MetricsDriven) OnStart() error { return nil }

// OnStop clears the in-memory entry state.
func (m *MetricsDriven) OnStop() {
	m.positions = make(map[string]*position)
}

// LastRegime reports the regime observed on the most recent tick.
func (m *MetricsDriven) LastRegime() types.Regime { return m.lastRegime }

// OnTick classifies the market regime, then walks each symbol: flat symbols
// may enter on a dip signal, held symbols are checked against their three
// exits.
func (m *MetricsDriven) OnTick(quotes map[string]types.Quote) ([]Signal, error) {
	m.lastRegime = m.detectRegime()

	var signals []Signal
	for _, symbol := range m.symbols {
		quote, ok := quotes[symbol]
		if !ok || quote.Price <= 0 {
			continue
		}

		if pos, held := m.positions[symbol]; held {
			if sig := m.checkExits(symbol, pos, quote.Price); sig != nil {
				signals = append(signals, *sig)
			}
			continue
		}
		if sig := m.checkEntry(symbol, quote.Price); sig != nil {
			signals = append(signals, *sig)
		}
	}
	return signals, nil
}

func (m *MetricsDriven) detectRegime() types.Regime {
	bars, err := m.bars.GetDailyBars(regimeSymbol, regimeBarsNeeded)
	if err != nil {
		m.log.Warn("regime bars unavailable", zap.Error(err))
		return types.RegimeUnknown
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	return indicators.ClassifyRegime(closes)
}

func (m *MetricsDriven) checkEntry(symbol string, price float64) *Signal {
	if !m.allowedRegimes[m.lastRegime] {
		return nil
	}

	bars, err := m.bars.GetDailyBars(symbol, historyDays)
	if err != nil {
		m.log.Warn("history unavailable", zap.String("symbol", symbol), zap.Error(err))
		return nil
	}
	metrics, ok := indicators.Compute(bars, m.params)
	if !ok || !metrics.DipBuySignal {
		return nil
	}

	qty := m.notional / price
	if qty < 1 {
		qty = 1
	}

	atrStop := math.Min(
		price*(1-m.params.ATRStopMult*metrics.ATRPct/100),
		price*(1-m.params.StopLossPct/100),
	)
	m.positions[symbol] = &position{
		entryPrice: price,
		quantity:   qty,
		peakPrice:  price,
		atrStop:    atrStop,
		takeProfit: price * (1 + m.params.TakeProfitPct/100),
	}

	m.log.Info("dip entry",
		zap.String("strategy", m.name),
		zap.String("symbol", symbol),
		zap.Float64("price", price),
		zap.Float64("qty", qty),
		zap.Float64("z20", metrics.ZScore20),
		zap.String("regime", string(m.lastRegime)))

	return &Signal{
		Symbol:   symbol,
		Side:     types.OrderSideBuy,
		Type:     types.OrderTypeMarket,
		Quantity: qty,
		Reason:   fmt.Sprintf("dip entry z=%.2f regime=%s", metrics.ZScore20, m.lastRegime),
	}
}

func (m *MetricsDriven) checkExits(symbol string, pos *position, price float64) *Signal {
	if price > pos.peakPrice {
		pos.peakPrice = price
	}
	trailing := pos.peakPrice * (1 - m.params.TrailingStopPct/100)

	var reason string
	switch {
	case price <= pos.atrStop:
		reason = "atr_stop"
	case price <= trailing:
		reason = "trailing_stop"
	case price >= pos.takeProfit:
		reason = "take_profit"
	default:
		return nil
	}

	qty := pos.quantity
	delete(m.positions, symbol)

	m.log.Info("exit",
		zap.String("strategy", m.name),
		zap.String("symbol", symbol),
		zap.String("reason", reason),
		zap.Float64("price", price),
		zap.Float64("entry", pos.entryPrice))

	return &Signal{
		Symbol:   symbol,
		Side:     types.OrderSideSell,
		Type:     types.OrderTypeMarket,
		Quantity: qty,
		Reason:   reason,
	}
}
