package screener

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfoundry/tradeengine/pkg/broker"
	"github.com/quantfoundry/tradeengine/pkg/config"
)

func asset(symbol string, volume, dollarVolume, spreadBps float64) Asset {
	return Asset{
		Symbol:       symbol,
		Sector:       SectorOf(symbol),
		Volume:       volume,
		DollarVolume: dollarVolume,
		SpreadBps:    spreadBps,
		Tradable:     true,
		Fractionable: true,
	}
}

func TestRankCompositeScore(t *testing.T) {
	assets := []Asset{
		asset("AAPL", 1000, 1e8, 10),
		asset("XOM", 500, 5e7, 10),
	}
	Rank(assets)

	// AAPL: liquidity 100, trend 100, spread 100-22=78 -> 50+30+15.6
	assert.InDelta(t, 95.6, assets[0].Score, 1e-9)
	assert.Equal(t, "AAPL", assets[0].Symbol)
	// XOM: liquidity 50 -> 25+30+15.6
	assert.InDelta(t, 70.6, assets[1].Score, 1e-9)
}

func TestOptimizeAssetsGuardrails(t *testing.T) {
	assets := []Asset{
		asset("AAPL", 1000, 1e8, 10),
		asset("XOM", 900, 1e6, 10),   // fails min dollar volume
		asset("JPM", 800, 1e8, 90),   // fails max spread
		asset("JNJ", 700, 1e8, 10),
	}
	Rank(assets)

	out := OptimizeAssets(assets, Options{
		Mode:            ModeGuardrailOnly,
		Limit:           2,
		MinDollarVolume: 1e7,
		MaxSpreadBps:    40,
	})
	require.Len(t, out, 2)
	assert.Equal(t, "AAPL", out[0].Symbol)
	assert.Equal(t, "JNJ", out[1].Symbol)
}

func TestOptimizeAssetsBackfillWhenUnderFilled(t *testing.T) {
	assets := []Asset{
		asset("AAPL", 1000, 1e8, 10),
		asset("XOM", 900, 1e6, 10), // guardrail failure, still tradable
	}
	Rank(assets)

	out := OptimizeAssets(assets, Options{
		Mode:            ModeGuardrailOnly,
		Limit:           2,
		MinDollarVolume: 1e7,
		MaxSpreadBps:    40,
	})
	require.Len(t, out, 2, "backfill should top up from remaining tradables")
	assert.Equal(t, "XOM", out[1].Symbol)
}

func TestOptimizeAssetsSectorCap(t *testing.T) {
	assets := []Asset{
		asset("AAPL", 1000, 1e8, 10),
		asset("MSFT", 990, 1e8, 10),
		asset("NVDA", 980, 1e8, 10),
		asset("JPM", 500, 1e8, 10),
		asset("XOM", 400, 1e8, 10),
	}
	Rank(assets)

	// ceil(4 * 40 / 100) = 2 per sector.
	out := OptimizeAssets(assets, Options{
		Mode:               ModeGuardrailOnly,
		Limit:              4,
		MaxSectorWeightPct: 40,
	})
	require.Len(t, out, 4)

	tech := 0
	for _, a := range out {
		if a.Sector == "technology" {
			tech++
		}
	}
	assert.Equal(t, 2, tech)
}

func TestOptimizeAssetsSeedModes(t *testing.T) {
	assets := []Asset{
		asset("AAPL", 1000, 1e8, 10),
		asset("JPM", 900, 1e8, 10),
		asset("XOM", 800, 1e8, 10),
	}
	Rank(assets)

	seedOnly := OptimizeAssets(assets, Options{
		Mode:  ModeSeedOnly,
		Limit: 3,
		Seeds: []string{"XOM"},
	})
	require.Len(t, seedOnly, 1)
	assert.Equal(t, "XOM", seedOnly[0].Symbol)

	blend := OptimizeAssets(assets, Options{
		Mode:  ModeSeedGuardrailBlend,
		Limit: 2,
		Seeds: []string{"XOM"},
	})
	require.Len(t, blend, 2)
	assert.Equal(t, "XOM", blend[0].Symbol, "seeds go first")
	assert.Equal(t, "AAPL", blend[1].Symbol)
}

func TestContinuityBonusBreaksTies(t *testing.T) {
	assets := []Asset{
		asset("AAPL", 1000, 1e8, 10),
		asset("JPM", 1000, 1e8, 10),
	}
	Rank(assets)

	out := OptimizeAssets(assets, Options{
		Mode:  ModeGuardrailOnly,
		Limit: 1,
		Held:  map[string]bool{"JPM": true},
	})
	require.Len(t, out, 1)
	assert.Equal(t, "JPM", out[0].Symbol)
}

// End to end over the paper broker: the configured universe is scanned and
// the preset seeds lead the selection.
func TestSelectUniverseFromConfig(t *testing.T) {
	p := broker.NewPaperBroker(broker.WithPinnedPrices(map[string]float64{
		"AAPL": 100, "MSFT": 200, "JPM": 150, "XOM": 80,
	}))
	require.NoError(t, p.Connect())

	s := New(p, nil)
	symbols := s.SelectUniverse(config.ScreenerSection{
		Mode:     string(ModeSeedGuardrailBlend),
		Limit:    3,
		Universe: []string{"AAPL", "MSFT", "JPM", "XOM"},
	}, []string{"XOM"}, nil)

	require.Len(t, symbols, 3)
	assert.Equal(t, "XOM", symbols[0], "seeds go first")
	for _, symbol := range symbols {
		assert.Contains(t, []string{"AAPL", "MSFT", "JPM", "XOM"}, symbol)
	}

	// Repeat runs over the deterministic broker select the same universe.
	again := s.SelectUniverse(config.ScreenerSection{
		Mode:     string(ModeSeedGuardrailBlend),
		Limit:    3,
		Universe: []string{"AAPL", "MSFT", "JPM", "XOM"},
	}, []string{"XOM"}, nil)
	assert.Equal(t, symbols, again)
}

func TestSeedPresetFallsBackToDefault(t *testing.T) {
	assert.Equal(t, seedPresets["stock"]["default"], SeedPreset("stock", "no_such_preset"))
	assert.Equal(t, seedPresets["stock"]["mega_cap"], SeedPreset("stock", "mega_cap"))
	assert.Equal(t, seedPresets["etf"]["default"], SeedPreset("etf", "default"))
	assert.NotEmpty(t, SeedPreset("bond", "anything"), "unknown asset types fall back to stocks")
}

func TestOptimizeAssetsTradabilityRequirements(t *testing.T) {
	a := asset("AAPL", 1000, 1e8, 10)
	a.Tradable = false
	b := asset("JPM", 900, 1e8, 10)
	b.Fractionable = false
	assets := []Asset{a, b}
	Rank(assets)

	out := OptimizeAssets(assets, Options{
		Mode:                  ModeGuardrailOnly,
		Limit:                 2,
		RequireBrokerTradable: true,
		RequireFractionable:   true,
	})
	assert.Empty(t, out)
}
