// Package risk provides the stateful pre-trade gate and the weekly budget
// tracker. Both sit in front of order submission; neither talks to the
// broker directly.
package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantfoundry/tradeengine/pkg/logging"
	"github.com/quantfoundry/tradeengine/pkg/metrics"
	"github.com/quantfoundry/tradeengine/pkg/types"
)

// Profile holds the limit set enforced by the Manager. All monetary values
// are in account currency; percentages are 0-100.
type Profile struct {
	MaxPositionSize           float64 // per-order notional cap
	DailyLossLimit            float64 // trips the breaker when daily pnl falls below -limit
	MaxDrawdownPct            float64 // trips the breaker at this peak-to-equity drawdown
	MaxPortfolioExposure      float64 // total open notional plus pending order value
	MaxOpenPositions          int     // distinct symbols with an open position
	MaxSymbolConcentrationPct float64 // one symbol's share of projected exposure
	MaxConsecutiveLosses      int     // trips the breaker on a losing streak
}

// DefaultProfile returns conservative retail-account limits.
func DefaultProfile() *Profile {
	return &Profile{
		MaxPositionSize:           10000,
		DailyLossLimit:            1000,
		MaxDrawdownPct:            15,
		MaxPortfolioExposure:      50000,
		MaxOpenPositions:          10,
		MaxSymbolConcentrationPct: 40,
		MaxConsecutiveLosses:      5,
	}
}

// OrderContext is the portfolio view an order is validated against. The
// caller snapshots open exposure per symbol before calling ValidateOrder.
type OrderContext struct {
	Symbol   string
	Side     types.OrderSide
	Quantity float64
	Price    float64

	// Exposure maps symbol to current open market value. Symbols without
	// an open position are absent.
	Exposure map[string]float64
}

// OrderValue returns the notional of the proposed order.
func (c OrderContext) OrderValue() float64 {
	return c.Quantity * c.Price
}

// Status is a point-in-time snapshot of the manager state.
type Status struct {
	DailyPnL          float64   `json:"daily_pnl"`
	PeakEquity        float64   `json:"peak_equity"`
	DrawdownPct       float64   `json:"drawdown_pct"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	TotalWins         int       `json:"total_wins"`
	TotalLosses       int       `json:"total_losses"`
	BreakerActive     bool      `json:"circuit_breaker_active"`
	BreakerReason     string    `json:"circuit_breaker_reason,omitempty"`
	DayStart          time.Time `json:"day_start"`
}

// Manager is the pre-trade risk gate. Daily P&L resets on the local day
// boundary; peak equity only rises; the circuit breaker latches until
// DeactivateCircuitBreaker is called.
type Manager struct {
	mu      sync.Mutex
	profile Profile
	log     *zap.Logger
	nowFn   func() time.Time

	dailyPnL          float64
	dayStart          time.Time
	peakEquity        float64
	drawdownPct       float64
	consecutiveLosses int
	totalWins         int
	totalLosses       int
	breakerActive     bool
	breakerReason     string
}

// NewManager creates a risk manager. A nil profile selects DefaultProfile.
func NewManager(profile *Profile, log *zap.Logger) *Manager {
	if profile == nil {
		profile = DefaultProfile()
	}
	m := &Manager{
		profile: *profile,
		log:     logging.OrNop(log),
		nowFn:   time.Now,
	}
	m.dayStart = dayStartFor(m.nowFn())
	return m
}

// SetClock overrides the time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFn = now
	m.dayStart = dayStartFor(now())
}

// ValidateOrder runs every gate in order and returns the first violation as
// a RiskError. A nil return means the order may proceed.
func (m *Manager) ValidateOrder(ctx OrderContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybeResetDayLocked()

	if m.breakerActive {
		return types.NewRiskError("circuit_breaker", "Circuit breaker is active")
	}
	if !types.ValidSymbol(ctx.Symbol) {
		return types.NewRiskError("symbol", fmt.Sprintf("invalid symbol %q", ctx.Symbol))
	}
	if !(ctx.Quantity > 0) || math.IsInf(ctx.Quantity, 0) {
		return types.NewRiskError("quantity", "quantity must be positive and finite")
	}
	if !(ctx.Price > 0) || math.IsInf(ctx.Price, 0) {
		return types.NewRiskError("price", "price must be positive and finite")
	}

	orderValue := ctx.OrderValue()
	if orderValue > m.profile.MaxPositionSize {
		return types.NewRiskError("position_size",
			fmt.Sprintf("order value %.2f exceeds max position size %.2f", orderValue, m.profile.MaxPositionSize))
	}
	if m.dailyPnL < -m.profile.DailyLossLimit {
		return types.NewRiskError("daily_loss",
			fmt.Sprintf("daily loss %.2f exceeds limit %.2f", -m.dailyPnL, m.profile.DailyLossLimit))
	}

	var currentExposure float64
	for _, v := range ctx.Exposure {
		currentExposure += v
	}
	projectedExposure := currentExposure + orderValue
	if projectedExposure > m.profile.MaxPortfolioExposure {
		return types.NewRiskError("portfolio_exposure",
			fmt.Sprintf("projected exposure %.2f exceeds limit %.2f", projectedExposure, m.profile.MaxPortfolioExposure))
	}

	symbolExposure, held := ctx.Exposure[ctx.Symbol]
	if !held && len(ctx.Exposure) >= m.profile.MaxOpenPositions {
		return types.NewRiskError("open_positions",
			fmt.Sprintf("open position count %d at limit %d", len(ctx.Exposure), m.profile.MaxOpenPositions))
	}
	if currentExposure > 0 && projectedExposure > 0 {
		concentration := (symbolExposure + orderValue) / projectedExposure * 100
		if concentration > m.profile.MaxSymbolConcentrationPct {
			return types.NewRiskError("symbol_concentration", "Symbol concentration limit exceeded")
		}
	}
	return nil
}

// RecordTradeResult feeds a realized trade outcome into the loss-streak
// counters. A loss extends the streak; a flat or winning trade resets it.
func (m *Manager) RecordTradeResult(pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybeResetDayLocked()

	if pnl < 0 {
		m.consecutiveLosses++
		m.totalLosses++
		if m.consecutiveLosses >= m.profile.MaxConsecutiveLosses {
			m.tripLocked(fmt.Sprintf("consecutive losses reached %d", m.consecutiveLosses))
		}
		return
	}
	m.consecutiveLosses = 0
	if pnl > 0 {
		m.totalWins++
	}
}

// UpdateEquity ratchets the peak and recomputes drawdown. Crossing the
// drawdown limit trips the breaker.
func (m *Manager) UpdateEquity(equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybeResetDayLocked()

	if equity > m.peakEquity {
		m.peakEquity = equity
	}
	if m.peakEquity > 0 {
		m.drawdownPct = (m.peakEquity - equity) / m.peakEquity * 100
	}
	metrics.Equity.Set(equity)
	metrics.DrawdownPct.Set(m.drawdownPct)
	if m.drawdownPct >= m.profile.MaxDrawdownPct && !m.breakerActive {
		m.tripLocked(fmt.Sprintf("drawdown %.2f%% reached limit %.2f%%", m.drawdownPct, m.profile.MaxDrawdownPct))
	}
}

// UpdateDailyPnL adds a realized amount to the day's running total.
func (m *Manager) UpdateDailyPnL(pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybeResetDayLocked()

	m.dailyPnL += pnl
	if m.dailyPnL < -m.profile.DailyLossLimit && !m.breakerActive {
		m.tripLocked(fmt.Sprintf("daily loss %.2f breached limit %.2f", -m.dailyPnL, m.profile.DailyLossLimit))
	}
}

// ActivateCircuitBreaker latches the breaker with an explicit reason.
func (m *Manager) ActivateCircuitBreaker(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tripLocked(reason)
}

// DeactivateCircuitBreaker clears the latch and the loss streak.
func (m *Manager) DeactivateCircuitBreaker() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakerActive = false
	m.breakerReason = ""
	m.consecutiveLosses = 0
	metrics.CircuitBreakerActive.Set(0)
	m.log.Info("circuit breaker deactivated")
}

// BreakerActive reports the latch state.
func (m *Manager) BreakerActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.breakerActive
}

// Snapshot returns the current state for status reporting.
func (m *Manager) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybeResetDayLocked()
	return Status{
		DailyPnL:          m.dailyPnL,
		PeakEquity:        m.peakEquity,
		DrawdownPct:       m.drawdownPct,
		ConsecutiveLosses: m.consecutiveLosses,
		TotalWins:         m.totalWins,
		TotalLosses:       m.totalLosses,
		BreakerActive:     m.breakerActive,
		BreakerReason:     m.breakerReason,
		DayStart:          m.dayStart,
	}
}

func (m *Manager) tripLocked(reason string) {
	if m.breakerActive {
		return
	}
	m.breakerActive = true
	m.breakerReason = reason
	metrics.CircuitBreakerActive.Set(1)
	m.log.Warn("circuit breaker tripped", zap.String("reason", reason))
}

// maybeResetDayLocked zeroes the daily total when the local calendar day
// has advanced past the stored boundary.
func (m *Manager) maybeResetDayLocked() {
	boundary := dayStartFor(m.nowFn())
	if boundary.After(m.dayStart) {
		m.dailyPnL = 0
		m.dayStart = boundary
	}
}

func dayStartFor(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
}
