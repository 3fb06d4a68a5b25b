package screener

// seedPresets holds the operator-selectable seed lists per asset type. The
// trading-preferences blob names one per asset type; unknown names fall back
// to that type's default list.
var seedPresets = map[string]map[string][]string{
	"stock": {
		"default":  {"AAPL", "MSFT", "GOOGL", "AMZN", "NVDA", "META", "JPM", "JNJ", "XOM", "WMT"},
		"mega_cap": {"AAPL", "MSFT", "GOOGL", "AMZN", "NVDA", "META", "TSLA"},
		"dividend": {"JNJ", "PG", "KO", "PEP", "XOM", "CVX", "JPM", "MCD"},
	},
	"etf": {
		"default": {"SPY", "QQQ", "IWM", "DIA", "VTI", "VOO"},
		"broad":   {"SPY", "VTI", "VOO"},
	},
}

// SeedPreset returns the seed list for an asset type and preset name. Unknown
// asset types behave like "stock"; unknown preset names return the default.
func SeedPreset(assetType, preset string) []string {
	byName, ok := seedPresets[assetType]
	if !ok {
		byName = seedPresets["stock"]
	}
	if seeds, ok := byName[preset]; ok {
		return seeds
	}
	return byName["default"]
}
