package strategy

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfoundry/tradeengine/pkg/config"
	"github.com/quantfoundry/tradeengine/pkg/types"
)

// fakeBars serves canned histories per symbol.
type fakeBars struct {
	series map[string][]types.Bar
}

func (f *fakeBars) GetDailyBars(symbol string, days int) ([]types.Bar, error) {
	bars, ok := f.series[symbol]
	if !ok {
		return nil, fmt.Errorf("no bars for %s", symbol)
	}
	if len(bars) > days {
		bars = bars[len(bars)-days:]
	}
	return bars, nil
}

func flatSeries(symbol string, n int, close float64) []types.Bar {
	bars := make([]types.Bar, n)
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		bars[i] = types.Bar{
			Symbol: symbol, Timestamp: day.AddDate(0, 0, i),
			Open: close, High: close * 1.005, Low: close * 0.995,
			Close: close, Volume: 1e6,
		}
	}
	return bars
}

// dipSeries ends with a sharp drop that fires the dip-buy signal.
func dipSeries(symbol string, n int, base, last float64) []types.Bar {
	bars := flatSeries(symbol, n, base)
	end := &bars[n-1]
	end.Close = last
	end.Low = last * 0.99
	return bars
}

func newStrategy(t *testing.T, bars *fakeBars, params map[string]float64) *MetricsDriven {
	t.Helper()
	section := config.StrategySection{
		Name:           "dipper",
		Type:           "metrics_driven",
		Symbols:        []string{"AAPL"},
		AllowedRegimes: []string{"range_bound"},
		Parameters:     params,
	}
	s, err := New(section, bars, nil)
	require.NoError(t, err)
	md, ok := s.(*MetricsDriven)
	require.True(t, ok)
	return md
}

func TestEntryOnDipUnderAllowedRegime(t *testing.T) {
	bars := &fakeBars{series: map[string][]types.Bar{
		"SPY":  flatSeries("SPY", 80, 400),
		"AAPL": dipSeries("AAPL", 120, 100, 85),
	}}
	md := newStrategy(t, bars, map[string]float64{"position_size_notional": 850})

	signals, err := md.OnTick(map[string]types.Quote{
		"AAPL": {Symbol: "AAPL", Price: 85},
	})
	require.NoError(t, err)
	require.Len(t, signals, 1)

	sig := signals[0]
	assert.Equal(t, types.OrderSideBuy, sig.Side)
	assert.Equal(t, types.OrderTypeMarket, sig.Type)
	assert.InDelta(t, 10.0, sig.Quantity, 1e-9)
	assert.Equal(t, types.RegimeRangeBound, md.LastRegime())
}

func TestNoEntryWhenRegimeDisallowed(t *testing.T) {
	spy := make([]types.Bar, 80)
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range spy {
		px := 400 * (1 + 0.002*float64(i))
		spy[i] = types.Bar{Symbol: "SPY", Timestamp: day.AddDate(0, 0, i), Open: px, High: px, Low: px, Close: px}
	}
	bars := &fakeBars{series: map[string][]types.Bar{
		"SPY":  spy,
		"AAPL": dipSeries("AAPL", 120, 100, 85),
	}}
	md := newStrategy(t, bars, nil)

	signals, err := md.OnTick(map[string]types.Quote{"AAPL": {Symbol: "AAPL", Price: 85}})
	require.NoError(t, err)
	assert.Empty(t, signals)
	assert.Equal(t, types.RegimeTrendingUp, md.LastRegime())
}

func TestMinimumOneShare(t *testing.T) {
	bars := &fakeBars{series: map[string][]types.Bar{
		"SPY":  flatSeries("SPY", 80, 400),
		"AAPL": dipSeries("AAPL", 120, 100, 85),
	}}
	md := newStrategy(t, bars, map[string]float64{"position_size_notional": 20})

	signals, err := md.OnTick(map[string]types.Quote{"AAPL": {Symbol: "AAPL", Price: 85}})
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, 1.0, signals[0].Quantity)
}

func TestExitPathways(t *testing.T) {
	bars := &fakeBars{series: map[string][]types.Bar{
		"SPY":  flatSeries("SPY", 80, 400),
		"AAPL": dipSeries("AAPL", 120, 100, 85),
	}}

	cases := []struct {
		name   string
		price  float64
		reason string
	}{
		{"take profit", 90, "take_profit"}, // tp = 85 * 1.05 = 89.25
		{"atr stop", 80, "atr_stop"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			md := newStrategy(t, bars, nil)

			entry, err := md.OnTick(map[string]types.Quote{"AAPL": {Symbol: "AAPL", Price: 85}})
			require.NoError(t, err)
			require.Len(t, entry, 1)

			exit, err := md.OnTick(map[string]types.Quote{"AAPL": {Symbol: "AAPL", Price: tc.price}})
			require.NoError(t, err)
			require.Len(t, exit, 1)
			assert.Equal(t, types.OrderSideSell, exit[0].Side)
			assert.Equal(t, tc.reason, exit[0].Reason)
			assert.Equal(t, entry[0].Quantity, exit[0].Quantity)
		})
	}
}

func TestTrailingStopRatchetsFromPeak(t *testing.T) {
	bars := &fakeBars{series: map[string][]types.Bar{
		"SPY":  flatSeries("SPY", 80, 400),
		"AAPL": dipSeries("AAPL", 120, 100, 85),
	}}
	md := newStrategy(t, bars, map[string]float64{
		"take_profit_pct":   50, // keep TP out of the way
		"trailing_stop_pct": 3.5,
	})

	_, err := md.OnTick(map[string]types.Quote{"AAPL": {Symbol: "AAPL", Price: 85}})
	require.NoError(t, err)

	// Ride up to 100: peak ratchets, no exit.
	hold, err := md.OnTick(map[string]types.Quote{"AAPL": {Symbol: "AAPL", Price: 100}})
	require.NoError(t, err)
	assert.Empty(t, hold)

	// 96 is under 100*(1-3.5%)=96.5: trailing stop fires.
	exit, err := md.OnTick(map[string]types.Quote{"AAPL": {Symbol: "AAPL", Price: 96}})
	require.NoError(t, err)
	require.Len(t, exit, 1)
	assert.Equal(t, "trailing_stop", exit[0].Reason)
}

func TestUnknownStrategyType(t *testing.T) {
	_, err := New(config.StrategySection{Name: "x", Type: "martingale"}, &fakeBars{}, nil)
	assert.Error(t, err)
}
