package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfoundry/tradeengine/pkg/logging"
)

// budgetStateKey is the config-store key the tracker checkpoints under.
const budgetStateKey = "weekly_budget_state"

// BudgetStore is the slice of the config repository the tracker needs for
// persistence across restarts.
type BudgetStore interface {
	UpsertJSON(key string, v interface{}) error
	GetJSON(key string, out interface{}) (bool, error)
}

type budgetState struct {
	WeeklyBudget   decimal.Decimal `json:"weekly_budget"`
	UsedBudget     decimal.Decimal `json:"used_budget"`
	TradesThisWeek int             `json:"trades_this_week"`
	WeeklyPnL      decimal.Decimal `json:"weekly_pnl"`
	WeekStart      time.Time       `json:"week_start"`
}

// BudgetStatus is a float snapshot of the tracker for status reporting.
type BudgetStatus struct {
	WeeklyBudget   float64   `json:"weekly_budget"`
	UsedBudget     float64   `json:"used_budget"`
	Remaining      float64   `json:"remaining"`
	TradesThisWeek int       `json:"trades_this_week"`
	WeeklyPnL      float64   `json:"weekly_pnl"`
	WeekStart      time.Time `json:"week_start"`
}

// BudgetTracker caps buy notional per calendar week. The week starts at
// local Monday 00:00; any observation past the stored boundary resets the
// counters before the operation applies. Amounts are held as decimals so
// repeated adds never drift.
type BudgetTracker struct {
	mu    sync.Mutex
	log   *zap.Logger
	nowFn func() time.Time
	store BudgetStore

	weeklyBudget   decimal.Decimal
	usedBudget     decimal.Decimal
	tradesThisWeek int
	weeklyPnL      decimal.Decimal
	weekStart      time.Time
}

// BudgetOption configures a BudgetTracker.
type BudgetOption func(*BudgetTracker)

// WithBudgetClock overrides the time source. Test hook.
func WithBudgetClock(now func() time.Time) BudgetOption {
	return func(b *BudgetTracker) { b.nowFn = now }
}

// WithBudgetStore enables checkpointing to a config store. Prior state for
// the current week is restored on construction.
func WithBudgetStore(store BudgetStore) BudgetOption {
	return func(b *BudgetTracker) { b.store = store }
}

// NewBudgetTracker creates a tracker with the given weekly cap.
func NewBudgetTracker(weeklyBudget float64, log *zap.Logger, opts ...BudgetOption) *BudgetTracker {
	b := &BudgetTracker{
		log:          logging.OrNop(log),
		nowFn:        time.Now,
		weeklyBudget: decimal.NewFromFloat(weeklyBudget),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.weekStart = weekStartFor(b.nowFn())
	b.restore()
	return b
}

// restore loads persisted state when a store is attached. A checkpoint from
// an earlier week only contributes its budget figure; the counters reset
// through the usual boundary path.
func (b *BudgetTracker) restore() {
	if b.store == nil {
		return
	}
	var st budgetState
	found, err := b.store.GetJSON(budgetStateKey, &st)
	if err != nil {
		b.log.Warn("budget state restore failed", zap.Error(err))
		return
	}
	if !found {
		return
	}
	b.weeklyBudget = st.WeeklyBudget
	if !st.WeekStart.Before(b.weekStart) {
		b.usedBudget = st.UsedBudget
		b.tradesThisWeek = st.TradesThisWeek
		b.weeklyPnL = st.WeeklyPnL
		b.weekStart = st.WeekStart
	}
}

func (b *BudgetTracker) saveLocked() {
	if b.store == nil {
		return
	}
	st := budgetState{
		WeeklyBudget:   b.weeklyBudget,
		UsedBudget:     b.usedBudget,
		TradesThisWeek: b.tradesThisWeek,
		WeeklyPnL:      b.weeklyPnL,
		WeekStart:      b.weekStart,
	}
	if err := b.store.UpsertJSON(budgetStateKey, st); err != nil {
		b.log.Warn("budget state save failed", zap.Error(err))
	}
}

// CanTrade reports whether a buy of the given notional fits the remaining
// weekly budget. Non-positive amounts never fit.
func (b *BudgetTracker) CanTrade(amount float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetWeekLocked()

	if amount <= 0 {
		return false
	}
	amt := decimal.NewFromFloat(amount)
	return amt.LessThanOrEqual(b.remainingLocked())
}

// RecordTrade applies a trade against the budget. Buys consume budget and
// are refused when they exceed the remainder; sells pass through. When a
// realized P&L is supplied it accrues to the weekly total.
func (b *BudgetTracker) RecordTrade(amount float64, isBuy bool, realizedPnL *float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetWeekLocked()

	amt := decimal.NewFromFloat(amount)
	if isBuy {
		if amt.GreaterThan(b.remainingLocked()) {
			return false
		}
		b.usedBudget = b.usedBudget.Add(amt)
		b.tradesThisWeek++
	}
	if realizedPnL != nil {
		b.weeklyPnL = b.weeklyPnL.Add(decimal.NewFromFloat(*realizedPnL))
	}
	b.saveLocked()
	return true
}

// SetWeeklyBudget replaces the weekly cap. Negative values are rejected;
// already-used budget is untouched.
func (b *BudgetTracker) SetWeeklyBudget(v float64) error {
	if v < 0 {
		return fmt.Errorf("weekly budget must be non-negative, got %.2f", v)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetWeekLocked()
	b.weeklyBudget = decimal.NewFromFloat(v)
	b.saveLocked()
	return nil
}

// Remaining returns the budget left for buys this week.
func (b *BudgetTracker) Remaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetWeekLocked()
	f, _ := b.remainingLocked().Float64()
	return f
}

// Status returns a snapshot of the tracker.
func (b *BudgetTracker) Status() BudgetStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetWeekLocked()

	budget, _ := b.weeklyBudget.Float64()
	used, _ := b.usedBudget.Float64()
	remaining, _ := b.remainingLocked().Float64()
	pnl, _ := b.weeklyPnL.Float64()
	return BudgetStatus{
		WeeklyBudget:   budget,
		UsedBudget:     used,
		Remaining:      remaining,
		TradesThisWeek: b.tradesThisWeek,
		WeeklyPnL:      pnl,
		WeekStart:      b.weekStart,
	}
}

func (b *BudgetTracker) remainingLocked() decimal.Decimal {
	rem := b.weeklyBudget.Sub(b.usedBudget)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// maybeResetWeekLocked advances the boundary and clears weekly counters the
// first time an operation lands in a new week.
func (b *BudgetTracker) maybeResetWeekLocked() {
	boundary := weekStartFor(b.nowFn())
	if !boundary.After(b.weekStart) {
		return
	}
	b.usedBudget = decimal.Zero
	b.tradesThisWeek = 0
	b.weeklyPnL = decimal.Zero
	b.weekStart = boundary
	b.saveLocked()
	b.log.Info("weekly budget reset", zap.Time("week_start", boundary))
}

// weekStartFor returns Monday 00:00 of t's week in t's location.
func weekStartFor(t time.Time) time.Time {
	daysBack := (int(t.Weekday()) + 6) % 7
	y, mo, d := t.AddDate(0, 0, -daysBack).Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
}
