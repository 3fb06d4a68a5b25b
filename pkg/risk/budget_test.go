package risk

import (
	"encoding/json"
	"math"
	"testing"
	"time"
)

// memStore is an in-memory BudgetStore.
type memStore struct {
	rows map[string][]byte
}

func newMemStore() *memStore { return &memStore{rows: make(map[string][]byte)} }

func (s *memStore) UpsertJSON(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.rows[key] = raw
	return nil
}

func (s *memStore) GetJSON(key string, out interface{}) (bool, error) {
	raw, ok := s.rows[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestBudgetTracker_WeeklyFlow(t *testing.T) {
	// Wednesday mid-week.
	now := time.Date(2024, 6, 5, 12, 0, 0, 0, time.UTC)
	b := NewBudgetTracker(1000, nil, WithBudgetClock(fixedClock(now)))

	if !b.CanTrade(300) {
		t.Fatal("300 against a fresh 1000 budget should fit")
	}
	if !b.RecordTrade(300, true, nil) {
		t.Fatal("Recording 300 buy should succeed")
	}
	if got := b.Remaining(); math.Abs(got-700) > 1e-9 {
		t.Errorf("Expected remaining 700, got %v", got)
	}

	if b.CanTrade(800) {
		t.Error("800 should not fit in 700 remaining")
	}
	if b.RecordTrade(800, true, nil) {
		t.Error("Over-budget buy must be refused")
	}
	if got := b.Status().TradesThisWeek; got != 1 {
		t.Errorf("Refused buy must not count, got %d trades", got)
	}

	// Sells ignore the budget and can carry realized P&L.
	pnl := -20.0
	if !b.RecordTrade(500, false, &pnl) {
		t.Error("Sell should always pass")
	}
	st := b.Status()
	if math.Abs(st.Remaining-700) > 1e-9 {
		t.Errorf("Sell must not consume budget, remaining %v", st.Remaining)
	}
	if math.Abs(st.WeeklyPnL+20) > 1e-9 {
		t.Errorf("Expected weekly pnl -20, got %v", st.WeeklyPnL)
	}

	if b.CanTrade(0) || b.CanTrade(-5) {
		t.Error("Non-positive amounts never fit")
	}
}

func TestBudgetTracker_MondayReset(t *testing.T) {
	// Friday of one week, then Monday morning of the next.
	now := time.Date(2024, 6, 7, 12, 0, 0, 0, time.UTC)
	b := NewBudgetTracker(1000, nil, WithBudgetClock(func() time.Time { return now }))

	b.RecordTrade(900, true, nil)
	if b.CanTrade(200) {
		t.Fatal("Only 100 should remain before the boundary")
	}

	wantStart := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	if got := b.Status().WeekStart; !got.Equal(wantStart) {
		t.Errorf("Expected week start %v, got %v", wantStart, got)
	}

	// First observation in the new week resets, then applies.
	now = time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)
	if !b.CanTrade(200) {
		t.Error("New week should reset used budget")
	}
	st := b.Status()
	if st.UsedBudget != 0 || st.TradesThisWeek != 0 || st.WeeklyPnL != 0 {
		t.Errorf("Counters should be zeroed after rollover: %+v", st)
	}
	if !st.WeekStart.Equal(time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Boundary should advance to the new Monday, got %v", st.WeekStart)
	}
}

func TestBudgetTracker_SetWeeklyBudget(t *testing.T) {
	b := NewBudgetTracker(1000, nil)

	if err := b.SetWeeklyBudget(-5); err == nil {
		t.Error("Negative budget must be rejected")
	}
	if err := b.SetWeeklyBudget(0); err != nil {
		t.Errorf("Zero budget is allowed, got %v", err)
	}
	if b.CanTrade(1) {
		t.Error("Nothing fits a zero budget")
	}
	if err := b.SetWeeklyBudget(2500); err != nil {
		t.Fatalf("SetWeeklyBudget failed: %v", err)
	}
	if got := b.Remaining(); math.Abs(got-2500) > 1e-9 {
		t.Errorf("Expected remaining 2500, got %v", got)
	}
}

func TestBudgetTracker_RemainingNeverNegative(t *testing.T) {
	b := NewBudgetTracker(1000, nil)
	b.RecordTrade(1000, true, nil)
	if err := b.SetWeeklyBudget(400); err != nil {
		t.Fatalf("SetWeeklyBudget failed: %v", err)
	}
	if got := b.Remaining(); got != 0 {
		t.Errorf("Remaining clamps at zero, got %v", got)
	}
	if b.CanTrade(1) {
		t.Error("Nothing fits when used exceeds the cap")
	}
}

func TestBudgetTracker_PersistenceRoundTrip(t *testing.T) {
	store := newMemStore()
	now := time.Date(2024, 6, 5, 12, 0, 0, 0, time.UTC)

	b := NewBudgetTracker(1000, nil, WithBudgetClock(fixedClock(now)), WithBudgetStore(store))
	pnl := 15.0
	b.RecordTrade(250, true, &pnl)

	// A new tracker over the same store resumes mid-week state.
	later := now.Add(2 * time.Hour)
	b2 := NewBudgetTracker(1000, nil, WithBudgetClock(fixedClock(later)), WithBudgetStore(store))
	st := b2.Status()
	if math.Abs(st.UsedBudget-250) > 1e-9 {
		t.Errorf("Expected restored used budget 250, got %v", st.UsedBudget)
	}
	if st.TradesThisWeek != 1 {
		t.Errorf("Expected restored trade count 1, got %d", st.TradesThisWeek)
	}
	if math.Abs(st.WeeklyPnL-15) > 1e-9 {
		t.Errorf("Expected restored weekly pnl 15, got %v", st.WeeklyPnL)
	}

	// A checkpoint from a previous week restores the budget figure only.
	nextMonday := time.Date(2024, 6, 10, 8, 0, 0, 0, time.UTC)
	b3 := NewBudgetTracker(1000, nil, WithBudgetClock(fixedClock(nextMonday)), WithBudgetStore(store))
	st = b3.Status()
	if st.UsedBudget != 0 || st.TradesThisWeek != 0 {
		t.Errorf("Stale checkpoint must not leak counters: %+v", st)
	}
}
