// Package screener ranks a symbol universe by liquidity, trend and spread,
// applies tradability guardrails, and blends preset seed lists with the
// scored universe.
package screener

import (
	"math"
	"sort"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/quantfoundry/tradeengine/pkg/broker"
	"github.com/quantfoundry/tradeengine/pkg/config"
	"github.com/quantfoundry/tradeengine/pkg/logging"
)

// Asset is one scored universe member.
type Asset struct {
	Symbol        string  `json:"symbol"`
	Sector        string  `json:"sector"`
	Price         float64 `json:"price"`
	Volume        float64 `json:"volume"`
	DollarVolume  float64 `json:"dollar_volume"`
	ChangePercent float64 `json:"change_percent"`
	SpreadBps     float64 `json:"spread_bps"`
	Tradable      bool    `json:"tradable"`
	Fractionable  bool    `json:"fractionable"`
	Score         float64 `json:"score"`
}

// Mode selects how preset seeds and the scored universe are combined.
type Mode string

const (
	// ModeSeedOnly takes the preset list as-is, no backfill.
	ModeSeedOnly Mode = "seed_only"
	// ModeSeedGuardrailBlend places seeds first and backfills from the
	// guardrail-passing universe.
	ModeSeedGuardrailBlend Mode = "seed_guardrail_blend"
	// ModeGuardrailOnly ignores seeds entirely.
	ModeGuardrailOnly Mode = "guardrail_only"
)

// Options tune one OptimizeAssets pass.
type Options struct {
	Mode                  Mode
	Limit                 int
	MinDollarVolume       float64
	MaxSpreadBps          float64
	RequireBrokerTradable bool
	RequireFractionable   bool
	MaxSectorWeightPct    float64 // 0 disables the sector cap
	Seeds                 []string
	// Held marks symbols with an open position; they earn a continuity
	// bonus so churn does not evict a working holding on a tie.
	Held map[string]bool
}

const (
	continuityBonus = 5.0
	scanPoolSize    = 8
)

// Screener scans symbols through the broker and ranks them.
type Screener struct {
	broker broker.Broker
	log    *zap.Logger
}

// New creates a screener over the given broker.
func New(b broker.Broker, log *zap.Logger) *Screener {
	return &Screener{broker: b, log: logging.OrNop(log)}
}

// Scan fetches quotes and capabilities for every symbol concurrently and
// returns the scored assets, best first. Symbols the broker cannot quote are
// dropped with a warning.
func (s *Screener) Scan(universe []string) []Asset {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		assets []Asset
	)

	pool, err := ants.NewPool(scanPoolSize)
	if err != nil {
		s.log.Error("screener pool unavailable", zap.Error(err))
		return nil
	}
	defer pool.Release()

	for _, symbol := range universe {
		symbol := symbol
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			asset, ok := s.scanOne(symbol)
			if !ok {
				return
			}
			mu.Lock()
			assets = append(assets, asset)
			mu.Unlock()
		})
		if submitErr != nil {
			wg.Done()
			s.log.Warn("screener scan submit failed", zap.String("symbol", symbol), zap.Error(submitErr))
		}
	}
	wg.Wait()

	Rank(assets)
	return assets
}

// SelectUniverse scans the configured universe and returns the selected
// symbols, best first. seeds come from the operator's preset; held marks
// symbols with an open position for the continuity bonus.
func (s *Screener) SelectUniverse(sec config.ScreenerSection, seeds []string, held map[string]bool) []string {
	assets := s.Scan(sec.Universe)
	picked := OptimizeAssets(assets, Options{
		Mode:                  Mode(sec.Mode),
		Limit:                 sec.Limit,
		MinDollarVolume:       sec.MinDollarVolume,
		MaxSpreadBps:          sec.MaxSpreadBps,
		RequireBrokerTradable: sec.RequireBrokerTradable,
		RequireFractionable:   sec.RequireFractionable,
		MaxSectorWeightPct:    sec.MaxSectorWeightPct,
		Seeds:                 seeds,
		Held:                  held,
	})

	out := make([]string, 0, len(picked))
	for _, a := range picked {
		out = append(out, a.Symbol)
	}
	s.log.Info("universe selected",
		zap.Int("scanned", len(assets)),
		zap.Strings("symbols", out))
	return out
}

func (s *Screener) scanOne(symbol string) (Asset, bool) {
	quote, err := s.broker.GetMarketData(symbol)
	if err != nil || quote == nil || quote.Price <= 0 {
		s.log.Warn("screener skipping symbol without quote", zap.String("symbol", symbol), zap.Error(err))
		return Asset{}, false
	}

	asset := Asset{
		Symbol:       symbol,
		Sector:       SectorOf(symbol),
		Price:        quote.Price,
		Volume:       quote.Volume,
		DollarVolume: quote.Volume * quote.Price,
		SpreadBps:    spreadBps(quote.Bid, quote.Ask, quote.Price),
	}

	caps, err := s.broker.GetSymbolCapabilities(symbol)
	if err == nil && caps != nil {
		asset.Tradable = caps.Tradable
		asset.Fractionable = caps.Fractionable
	}
	return asset, true
}

// spreadBps derives the spread in basis points from the quote, falling back
// to a liquidity heuristic when the book is one-sided.
func spreadBps(bid, ask, mid float64) float64 {
	if bid > 0 && ask > bid && mid > 0 {
		return (ask - bid) / mid * 10000
	}
	return 25 // conservative default for an unquoted book
}

// Rank scores assets in place and sorts them best first. The composite is
// 0.5*liquidity + 0.3*trend + 0.2*spread, each sub-score on a 0-100 scale
// relative to the batch.
func Rank(assets []Asset) {
	var maxVolume float64
	for _, a := range assets {
		if a.Volume > maxVolume {
			maxVolume = a.Volume
		}
	}

	for i := range assets {
		a := &assets[i]
		liquidity := 0.0
		if maxVolume > 0 {
			liquidity = math.Min(100, a.Volume/maxVolume*100)
		}
		trend := math.Max(0, 100-math.Abs(a.ChangePercent)*4.5)
		spread := math.Max(0, 100-a.SpreadBps*2.2)
		a.Score = 0.5*liquidity + 0.3*trend + 0.2*spread
	}

	sort.SliceStable(assets, func(i, j int) bool {
		if assets[i].Score != assets[j].Score {
			return assets[i].Score > assets[j].Score
		}
		return assets[i].Symbol < assets[j].Symbol
	})
}

// OptimizeAssets selects up to opts.Limit symbols from the scored assets.
// Guardrails drop illiquid or wide-spread names, seeds are honored per the
// mode, held symbols earn a continuity bonus, sectors are capped, and the
// selection is backfilled from remaining tradables when under-filled.
func OptimizeAssets(assets []Asset, opts Options) []Asset {
	if opts.Limit <= 0 {
		return nil
	}

	byScore := make([]Asset, len(assets))
	copy(byScore, assets)
	for i := range byScore {
		if opts.Held[byScore[i].Symbol] {
			byScore[i].Score += continuityBonus
		}
	}
	Rank(byScore)

	index := make(map[string]Asset, len(byScore))
	for _, a := range byScore {
		index[a.Symbol] = a
	}

	if opts.Mode == ModeSeedOnly {
		var out []Asset
		for _, symbol := range opts.Seeds {
			if a, ok := index[symbol]; ok && eligible(a, opts, false) {
				out = append(out, a)
			}
			if len(out) == opts.Limit {
				break
			}
		}
		return out
	}

	sectorCap := len(byScore)
	if opts.MaxSectorWeightPct > 0 {
		sectorCap = int(math.Ceil(float64(opts.Limit) * opts.MaxSectorWeightPct / 100))
	}

	var (
		out        []Asset
		taken      = make(map[string]bool)
		perSector  = make(map[string]int)
	)
	admit := func(a Asset) bool {
		if taken[a.Symbol] || len(out) == opts.Limit {
			return false
		}
		if perSector[a.Sector] >= sectorCap {
			return false
		}
		out = append(out, a)
		taken[a.Symbol] = true
		perSector[a.Sector]++
		return true
	}

	if opts.Mode == ModeSeedGuardrailBlend {
		for _, symbol := range opts.Seeds {
			if a, ok := index[symbol]; ok && eligible(a, opts, false) {
				admit(a)
			}
		}
	}

	for _, a := range byScore {
		if len(out) == opts.Limit {
			break
		}
		if eligible(a, opts, true) {
			admit(a)
		}
	}

	// Backfill: under-filled selections take remaining tradables in score
	// order, guardrails relaxed but the sector cap kept.
	for _, a := range byScore {
		if len(out) == opts.Limit {
			break
		}
		if eligible(a, opts, false) {
			admit(a)
		}
	}

	return out
}

// eligible applies the hard tradability requirements always and the
// liquidity guardrails only when strict.
func eligible(a Asset, opts Options, strict bool) bool {
	if opts.RequireBrokerTradable && !a.Tradable {
		return false
	}
	if opts.RequireFractionable && !a.Fractionable {
		return false
	}
	if strict {
		if a.DollarVolume < opts.MinDollarVolume {
			return false
		}
		if a.SpreadBps > opts.MaxSpreadBps {
			return false
		}
	}
	return true
}
