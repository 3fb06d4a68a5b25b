package marketdata

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfoundry/tradeengine/pkg/broker"
	"github.com/quantfoundry/tradeengine/pkg/types"
)

// countingBroker wraps a paper broker and counts market-data calls.
type countingBroker struct {
	broker.Broker

	mu         sync.Mutex
	quoteCalls int
	barCalls   int
}

func (c *countingBroker) GetMarketData(symbol string) (*types.Quote, error) {
	c.mu.Lock()
	c.quoteCalls++
	c.mu.Unlock()
	return c.Broker.GetMarketData(symbol)
}

func (c *countingBroker) GetHistoricalBars(symbol string, start, end time.Time, limit int) ([]types.Bar, error) {
	c.mu.Lock()
	c.barCalls++
	c.mu.Unlock()
	return c.Broker.GetHistoricalBars(symbol, start, end, limit)
}

func newCounting(t *testing.T) *countingBroker {
	t.Helper()
	p := broker.NewPaperBroker(broker.WithPinnedPrice("AAPL", 100))
	require.NoError(t, p.Connect())
	return &countingBroker{Broker: p}
}

func TestGetQuoteCaches(t *testing.T) {
	cb := newCounting(t)
	svc := New(cb, nil)

	q1, err := svc.GetQuote("AAPL")
	require.NoError(t, err)
	q2, err := svc.GetQuote("AAPL")
	require.NoError(t, err)

	assert.Equal(t, q1.Price, q2.Price)
	assert.Equal(t, 1, cb.quoteCalls, "second read must come from cache")
}

func TestGetQuotesDeduplicates(t *testing.T) {
	cb := newCounting(t)
	svc := New(cb, nil)

	quotes := svc.GetQuotes([]string{"AAPL", "MSFT", "AAPL", "MSFT"})
	assert.Len(t, quotes, 2)
	assert.Equal(t, 2, cb.quoteCalls)
}

func TestGetDailyBarsCachesAndLimits(t *testing.T) {
	cb := newCounting(t)
	svc := New(cb, nil)

	bars, err := svc.GetDailyBars("AAPL", 30)
	require.NoError(t, err)
	assert.Len(t, bars, 30)

	_, err = svc.GetDailyBars("AAPL", 30)
	require.NoError(t, err)
	assert.Equal(t, 1, cb.barCalls)

	_, err = svc.GetDailyBars("AAPL", 0)
	assert.Error(t, err)
}

func TestWarmPrefetchesEverySymbol(t *testing.T) {
	cb := newCounting(t)
	svc := New(cb, nil)

	svc.Warm([]string{"AAPL", "MSFT", "SPY"}, 20)

	assert.Equal(t, 3, cb.quoteCalls)
	assert.Equal(t, 3, cb.barCalls)

	// Warmed data is served from cache.
	_, err := svc.GetQuote("SPY")
	require.NoError(t, err)
	assert.Equal(t, 3, cb.quoteCalls)
}
