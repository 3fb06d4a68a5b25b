package risk

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/quantfoundry/tradeengine/pkg/types"
)

func buyContext(symbol string, qty, price float64, exposure map[string]float64) OrderContext {
	return OrderContext{
		Symbol:   symbol,
		Side:     types.OrderSideBuy,
		Quantity: qty,
		Price:    price,
		Exposure: exposure,
	}
}

func TestManager_DefaultProfile(t *testing.T) {
	m := NewManager(nil, nil)

	if m == nil {
		t.Fatal("Manager should not be nil")
	}
	if m.profile.MaxDrawdownPct != 15 {
		t.Errorf("Expected default MaxDrawdownPct 15, got %v", m.profile.MaxDrawdownPct)
	}
	if m.profile.MaxConsecutiveLosses != 5 {
		t.Errorf("Expected default MaxConsecutiveLosses 5, got %d", m.profile.MaxConsecutiveLosses)
	}
	if err := m.ValidateOrder(buyContext("AAPL", 10, 100, nil)); err != nil {
		t.Errorf("Order within default limits should pass, got %v", err)
	}
}

func TestManager_ValidateOrderGates(t *testing.T) {
	profile := &Profile{
		MaxPositionSize:           5000,
		DailyLossLimit:            500,
		MaxDrawdownPct:            15,
		MaxPortfolioExposure:      20000,
		MaxOpenPositions:          2,
		MaxSymbolConcentrationPct: 80,
		MaxConsecutiveLosses:      3,
	}

	cases := []struct {
		name string
		ctx  OrderContext
		want string
	}{
		{"bad symbol", buyContext("aapl!", 1, 10, nil), "invalid symbol"},
		{"zero quantity", buyContext("AAPL", 0, 10, nil), "quantity"},
		{"nan quantity", buyContext("AAPL", math.NaN(), 10, nil), "quantity"},
		{"negative price", buyContext("AAPL", 1, -10, nil), "price"},
		{"inf price", buyContext("AAPL", 1, math.Inf(1), nil), "price"},
		{"order too large", buyContext("AAPL", 100, 100, nil), "max position size"},
		{
			"exposure cap",
			buyContext("MSFT", 10, 100, map[string]float64{"AAPL": 19500}),
			"projected exposure",
		},
		{
			"open position count",
			buyContext("TSLA", 1, 10, map[string]float64{"AAPL": 100, "MSFT": 100}),
			"open position count",
		},
	}

	for _, tc := range cases {
		m := NewManager(profile, nil)
		err := m.ValidateOrder(tc.ctx)
		if err == nil {
			t.Errorf("%s: expected rejection", tc.name)
			continue
		}
		if !types.IsRisk(err) {
			t.Errorf("%s: expected RiskError, got %T", tc.name, err)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: expected reason containing %q, got %q", tc.name, tc.want, err.Error())
		}
	}
}

func TestManager_AddingToExistingPositionIgnoresCountLimit(t *testing.T) {
	m := NewManager(&Profile{
		MaxPositionSize:           10000,
		DailyLossLimit:            1000,
		MaxDrawdownPct:            50,
		MaxPortfolioExposure:      100000,
		MaxOpenPositions:          2,
		MaxSymbolConcentrationPct: 100,
		MaxConsecutiveLosses:      5,
	}, nil)

	exposure := map[string]float64{"AAPL": 100, "MSFT": 100}
	if err := m.ValidateOrder(buyContext("AAPL", 1, 10, exposure)); err != nil {
		t.Errorf("Adding to held symbol should pass the count gate, got %v", err)
	}
}

func TestManager_SymbolConcentration(t *testing.T) {
	m := NewManager(&Profile{
		MaxPositionSize:           10000,
		DailyLossLimit:            10000,
		MaxDrawdownPct:            50,
		MaxPortfolioExposure:      100000,
		MaxOpenPositions:          10,
		MaxSymbolConcentrationPct: 50,
		MaxConsecutiveLosses:      10,
	}, nil)

	// Existing AAPL 1000, buying 2000 more projects 3000/3000 = 100%.
	err := m.ValidateOrder(buyContext("AAPL", 20, 100, map[string]float64{"AAPL": 1000}))
	if err == nil {
		t.Fatal("Expected concentration rejection")
	}
	if err.Error() != "Symbol concentration limit exceeded" {
		t.Errorf("Expected concentration reason, got %q", err.Error())
	}

	// With no existing exposure the concentration gate does not apply.
	if err := m.ValidateOrder(buyContext("AAPL", 20, 100, nil)); err != nil {
		t.Errorf("First position should not hit concentration gate, got %v", err)
	}
}

func TestManager_ConsecutiveLossBreaker(t *testing.T) {
	m := NewManager(&Profile{
		MaxPositionSize:           10000,
		DailyLossLimit:            10000,
		MaxDrawdownPct:            50,
		MaxPortfolioExposure:      100000,
		MaxOpenPositions:          10,
		MaxSymbolConcentrationPct: 100,
		MaxConsecutiveLosses:      3,
	}, nil)

	for i := 0; i < 3; i++ {
		m.RecordTradeResult(-10)
	}
	if !m.BreakerActive() {
		t.Fatal("Breaker should trip after three losses")
	}

	err := m.ValidateOrder(buyContext("AAPL", 1, 10, nil))
	if err == nil || err.Error() != "Circuit breaker is active" {
		t.Errorf("Expected breaker rejection, got %v", err)
	}

	m.DeactivateCircuitBreaker()
	if m.BreakerActive() {
		t.Error("Breaker should clear on deactivate")
	}
	if got := m.Snapshot().ConsecutiveLosses; got != 0 {
		t.Errorf("Deactivate should reset the loss streak, got %d", got)
	}
	if err := m.ValidateOrder(buyContext("AAPL", 1, 10, nil)); err != nil {
		t.Errorf("Orders should pass after deactivate, got %v", err)
	}

	// Two losses then a win keeps the streak below the limit.
	m.RecordTradeResult(-10)
	m.RecordTradeResult(-10)
	m.RecordTradeResult(5)
	m.RecordTradeResult(-10)
	if m.BreakerActive() {
		t.Error("A win should have reset the streak")
	}
	st := m.Snapshot()
	if st.TotalWins != 1 || st.TotalLosses != 6 {
		t.Errorf("Expected 1 win / 6 losses, got %d / %d", st.TotalWins, st.TotalLosses)
	}
}

func TestManager_DrawdownBreaker(t *testing.T) {
	m := NewManager(&Profile{
		MaxPositionSize:           10000,
		DailyLossLimit:            10000,
		MaxDrawdownPct:            15,
		MaxPortfolioExposure:      100000,
		MaxOpenPositions:          10,
		MaxSymbolConcentrationPct: 100,
		MaxConsecutiveLosses:      10,
	}, nil)

	m.UpdateEquity(100000)
	m.UpdateEquity(95000)
	if m.BreakerActive() {
		t.Fatal("5% drawdown should not trip a 15% breaker")
	}
	st := m.Snapshot()
	if st.PeakEquity != 100000 {
		t.Errorf("Peak should hold at high-water, got %v", st.PeakEquity)
	}
	if math.Abs(st.DrawdownPct-5) > 1e-9 {
		t.Errorf("Expected drawdown 5%%, got %v", st.DrawdownPct)
	}

	m.UpdateEquity(84000)
	if !m.BreakerActive() {
		t.Error("16% drawdown should trip the breaker")
	}
	// Peak never moves down.
	if got := m.Snapshot().PeakEquity; got != 100000 {
		t.Errorf("Peak should stay at 100000, got %v", got)
	}
}

func TestManager_DailyLossResetOnDayBoundary(t *testing.T) {
	m := NewManager(&Profile{
		MaxPositionSize:           10000,
		DailyLossLimit:            500,
		MaxDrawdownPct:            50,
		MaxPortfolioExposure:      100000,
		MaxOpenPositions:          10,
		MaxSymbolConcentrationPct: 100,
		MaxConsecutiveLosses:      10,
	}, nil)

	now := time.Date(2024, 6, 3, 15, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	m.UpdateDailyPnL(-400)
	if m.BreakerActive() {
		t.Fatal("-400 within a 500 limit should not trip")
	}
	if err := m.ValidateOrder(buyContext("AAPL", 1, 10, nil)); err != nil {
		t.Errorf("Order should pass with loss inside limit, got %v", err)
	}

	m.UpdateDailyPnL(-200)
	if !m.BreakerActive() {
		t.Fatal("-600 past a 500 limit should trip")
	}
	m.DeactivateCircuitBreaker()

	// Same day: the accumulated loss still blocks orders.
	if err := m.ValidateOrder(buyContext("AAPL", 1, 10, nil)); err == nil {
		t.Error("Accumulated daily loss should still gate orders")
	}

	// Next local day: the counter resets.
	now = now.Add(24 * time.Hour)
	if got := m.Snapshot().DailyPnL; got != 0 {
		t.Errorf("Daily P&L should reset on day boundary, got %v", got)
	}
	if err := m.ValidateOrder(buyContext("AAPL", 1, 10, nil)); err != nil {
		t.Errorf("Order should pass after daily reset, got %v", err)
	}
}

func TestManager_ManualBreaker(t *testing.T) {
	m := NewManager(nil, nil)

	m.ActivateCircuitBreaker("operator hold")
	st := m.Snapshot()
	if !st.BreakerActive || st.BreakerReason != "operator hold" {
		t.Errorf("Expected manual latch with reason, got %+v", st)
	}

	// A second trip must not overwrite the original reason.
	m.ActivateCircuitBreaker("second reason")
	if got := m.Snapshot().BreakerReason; got != "operator hold" {
		t.Errorf("First reason should stick, got %q", got)
	}
}
