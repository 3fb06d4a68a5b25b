// Package marketdata serves quotes and daily bars from the broker behind
// short-lived caches, so several strategies polling the same symbols inside
// one tick cost a single broker call.
package marketdata

import (
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/quantfoundry/tradeengine/pkg/broker"
	"github.com/quantfoundry/tradeengine/pkg/logging"
	"github.com/quantfoundry/tradeengine/pkg/types"
)

const (
	quoteTTL = 2 * time.Second
	barsTTL  = 5 * time.Minute

	prefetchPoolSize = 8
)

// Service is the cached market-data access layer.
type Service struct {
	broker broker.Broker
	log    *zap.Logger

	quotes *gocache.Cache
	bars   *gocache.Cache
}

// New creates a market-data service over the broker.
func New(b broker.Broker, log *zap.Logger) *Service {
	return &Service{
		broker: b,
		log:    logging.OrNop(log),
		quotes: gocache.New(quoteTTL, time.Minute),
		bars:   gocache.New(barsTTL, 10*time.Minute),
	}
}

// GetQuote returns the latest quote for symbol, served from cache within the
// quote TTL.
func (s *Service) GetQuote(symbol string) (*types.Quote, error) {
	if v, ok := s.quotes.Get(symbol); ok {
		q := v.(types.Quote)
		return &q, nil
	}
	q, err := s.broker.GetMarketData(symbol)
	if err != nil {
		return nil, err
	}
	s.quotes.Set(symbol, *q, gocache.DefaultExpiration)
	return q, nil
}

// GetQuotes fetches quotes for a de-duplicated symbol set. Symbols that fail
// are logged and absent from the result; one bad symbol does not starve the
// rest.
func (s *Service) GetQuotes(symbols []string) map[string]types.Quote {
	out := make(map[string]types.Quote, len(symbols))
	seen := make(map[string]bool, len(symbols))
	for _, symbol := range symbols {
		if seen[symbol] {
			continue
		}
		seen[symbol] = true
		q, err := s.GetQuote(symbol)
		if err != nil {
			s.log.Warn("quote fetch failed", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		out[symbol] = *q
	}
	return out
}

// GetDailyBars returns the last `days` daily bars for symbol, cached for a
// few minutes. The lookback window is padded for weekends and holidays.
func (s *Service) GetDailyBars(symbol string, days int) ([]types.Bar, error) {
	if days <= 0 {
		return nil, fmt.Errorf("days must be positive, got %d", days)
	}
	key := fmt.Sprintf("%s:%d", symbol, days)
	if v, ok := s.bars.Get(key); ok {
		return v.([]types.Bar), nil
	}

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -(days*7/5 + 10))
	bars, err := s.broker.GetHistoricalBars(symbol, start, end, days)
	if err != nil {
		return nil, err
	}
	s.bars.Set(key, bars, gocache.DefaultExpiration)
	return bars, nil
}

// Warm prefetches quotes and a default bar window for the symbol set through
// a worker pool. The runner calls this on resume so the first tick after a
// market open does not pay the whole fetch serially.
func (s *Service) Warm(symbols []string, barDays int) {
	pool, err := ants.NewPool(prefetchPoolSize)
	if err != nil {
		s.log.Error("prefetch pool unavailable", zap.Error(err))
		return
	}
	defer pool.Release()

	var wg sync.WaitGroup
	seen := make(map[string]bool, len(symbols))
	for _, symbol := range symbols {
		if seen[symbol] {
			continue
		}
		seen[symbol] = true

		symbol := symbol
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			if _, err := s.GetQuote(symbol); err != nil {
				s.log.Debug("quote warm failed", zap.String("symbol", symbol), zap.Error(err))
			}
			if barDays > 0 {
				if _, err := s.GetDailyBars(symbol, barDays); err != nil {
					s.log.Debug("bars warm failed", zap.String("symbol", symbol), zap.Error(err))
				}
			}
		}); err != nil {
			wg.Done()
			s.log.Warn("prefetch submit failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	wg.Wait()
}

// Flush drops both caches. Reconciliation paths call this after fills so the
// next read reflects broker truth.
func (s *Service) Flush() {
	s.quotes.Flush()
	s.bars.Flush()
}
