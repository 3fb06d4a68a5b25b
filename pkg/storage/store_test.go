package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfoundry/tradeengine/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite", filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("oracle", "dsn", nil)
	assert.Error(t, err)
}

func TestPositionLifecycle(t *testing.T) {
	s := newTestStore(t)

	p := &Position{
		Symbol:        "AAPL",
		Side:          types.PositionSideLong,
		Quantity:      10,
		AvgEntryPrice: 100,
		CostBasis:     1000,
		IsOpen:        true,
		OpenedAt:      time.Now().UTC(),
	}
	require.NoError(t, s.Positions.Create(p))
	require.NotZero(t, p.ID)

	got, err := s.Positions.GetOpenBySymbolSide("AAPL", types.PositionSideLong)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 10.0, got.Quantity)

	missing, err := s.Positions.GetOpenBySymbolSide("MSFT", types.PositionSideLong)
	require.NoError(t, err)
	assert.Nil(t, missing)

	now := time.Now().UTC()
	got.Quantity = 0
	got.IsOpen = false
	got.ClosedAt = &now
	require.NoError(t, s.Positions.Update(got))

	open, err := s.Positions.ListOpen()
	require.NoError(t, err)
	assert.Empty(t, open)

	n, err := s.Positions.CountOpen()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOrderWorkingSet(t *testing.T) {
	s := newTestStore(t)

	mk := func(status types.OrderStatus) *Order {
		o := &Order{
			ID:       uuid.NewString(),
			Symbol:   "AAPL",
			Side:     types.OrderSideBuy,
			Type:     types.OrderTypeMarket,
			Status:   status,
			Quantity: 1,
		}
		require.NoError(t, s.Orders.Create(o))
		return o
	}

	mk(types.OrderStatusPending)
	open := mk(types.OrderStatusOpen)
	mk(types.OrderStatusPartiallyFilled)
	mk(types.OrderStatusFilled)
	mk(types.OrderStatusCancelled)

	working, err := s.Orders.ListWorking()
	require.NoError(t, err)
	assert.Len(t, working, 3)
	for _, o := range working {
		assert.True(t, o.Status.IsWorking(), "%s", o.Status)
	}

	ext := "broker-123"
	open.ExternalID = &ext
	open.Status = types.OrderStatusFilled
	open.FilledQuantity = 1
	require.NoError(t, s.Orders.Update(open))

	byExt, err := s.Orders.GetByExternalID("broker-123")
	require.NoError(t, err)
	require.NotNil(t, byExt)
	assert.Equal(t, open.ID, byExt.ID)

	none, err := s.Orders.GetByExternalID("unknown")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestTradeSumByOrder(t *testing.T) {
	s := newTestStore(t)

	orderID := uuid.NewString()
	for _, qty := range []float64{4, 6} {
		require.NoError(t, s.Trades.Append(&Trade{
			ID:         uuid.NewString(),
			OrderID:    orderID,
			Symbol:     "AAPL",
			Side:       types.OrderSideBuy,
			Type:       types.TradeTypeOpen,
			Quantity:   qty,
			Price:      100,
			ExecutedAt: time.Now().UTC(),
		}))
	}

	total, err := s.Trades.SumQuantityByOrder(orderID)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, total, 1e-9)

	empty, err := s.Trades.SumQuantityByOrder("no-such-order")
	require.NoError(t, err)
	assert.Zero(t, empty)

	rows, err := s.Trades.ListByOrder(orderID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestConfigUpsert(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Configs.Upsert("tick_interval", "10", "int", "runner tick seconds"))
	require.NoError(t, s.Configs.Upsert("tick_interval", "30", "int", "runner tick seconds"))

	entry, err := s.Configs.Get("tick_interval")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "30", entry.Value)

	type checkpoint struct {
		Status string `json:"status"`
		Polls  int    `json:"polls"`
	}
	require.NoError(t, s.Configs.UpsertJSON("runner_runtime_state", checkpoint{Status: "running", Polls: 42}))

	var got checkpoint
	found, err := s.Configs.GetJSON("runner_runtime_state", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 42, got.Polls)

	found, err = s.Configs.GetJSON("missing_key", &got)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Configs.Delete("tick_interval"))
	entry, err = s.Configs.Get("tick_interval")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

// A session is a distinct repository view over the same database: writes on
// one side are visible on the other.
func TestNewSessionSharesDatabase(t *testing.T) {
	s := newTestStore(t)

	sess := s.NewSession()
	require.NotSame(t, s, sess)

	require.NoError(t, sess.Configs.UpsertJSON("loop_state", map[string]int{"polls": 3}))

	var got map[string]int
	found, err := s.Configs.GetJSON("loop_state", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 3, got["polls"])
}

func TestAuditAppendAndSearch(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Audits.Record(types.AuditRunnerStarted, "runner started", nil))
	require.NoError(t, s.Audits.Record(types.AuditError, "broker unreachable", map[string]interface{}{"attempt": 1}))
	require.NoError(t, s.Audits.Record(types.AuditError, "broker unreachable", map[string]interface{}{"attempt": 2}))

	all, err := s.Audits.ListRecent(10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	errs, err := s.Audits.ListByEventType(types.AuditError, 10)
	require.NoError(t, err)
	assert.Len(t, errs, 2)
	assert.Contains(t, errs[0].Details, "attempt")
}

func TestSnapshotRecentWindow(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Snapshots.Append(&PortfolioSnapshot{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Equity:    100000 + float64(i),
		}))
	}

	window, err := s.Snapshots.Recent(base.Add(2 * time.Hour))
	require.NoError(t, err)
	assert.Len(t, window, 3)

	latest, err := s.Snapshots.Latest()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.InDelta(t, 100004.0, latest.Equity, 1e-9)
}

func TestOptimizationRunUpsertAndPrune(t *testing.T) {
	s := newTestStore(t)

	strategyID := uuid.NewString()
	var runIDs []string
	for i := 0; i < 5; i++ {
		runID := uuid.NewString()
		runIDs = append(runIDs, runID)
		require.NoError(t, s.OptimizationRuns.Upsert(&OptimizationRun{
			RunID:      runID,
			StrategyID: strategyID,
			Source:     "sync",
			Status:     "queued",
			CreatedAt:  time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Minute),
		}))
	}

	// Status transition through the same run_id updates in place.
	require.NoError(t, s.OptimizationRuns.Upsert(&OptimizationRun{
		RunID:      runIDs[4],
		StrategyID: strategyID,
		Source:     "sync",
		Status:     "succeeded",
		Score:      12.5,
	}))
	got, err := s.OptimizationRuns.GetByRunID(runIDs[4])
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "succeeded", got.Status)
	assert.InDelta(t, 12.5, got.Score, 1e-9)

	removed, err := s.OptimizationRuns.Prune(strategyID, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, removed)

	left, err := s.OptimizationRuns.ListRecent(strategyID, 10)
	require.NoError(t, err)
	assert.Len(t, left, 2)

	require.NoError(t, s.OptimizationRuns.Delete(left[0].RunID))
	left, err = s.OptimizationRuns.ListRecent(strategyID, 10)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}
