package screener

// sectorMap attributes well-known US symbols to GICS-style sectors. Anything
// absent falls into "unknown", which the sector cap still counts.
var sectorMap = map[string]string{
	"AAPL": "technology",
	"MSFT": "technology",
	"NVDA": "technology",
	"AMD":  "technology",
	"INTC": "technology",
	"CRM":  "technology",
	"ORCL": "technology",
	"ADBE": "technology",

	"GOOGL": "communication",
	"GOOG":  "communication",
	"META":  "communication",
	"NFLX":  "communication",
	"DIS":   "communication",

	"AMZN": "consumer_discretionary",
	"TSLA": "consumer_discretionary",
	"HD":   "consumer_discretionary",
	"MCD":  "consumer_discretionary",
	"NKE":  "consumer_discretionary",

	"WMT": "consumer_staples",
	"PG":  "consumer_staples",
	"KO":  "consumer_staples",
	"PEP": "consumer_staples",
	"COST": "consumer_staples",

	"JPM": "financials",
	"BAC": "financials",
	"WFC": "financials",
	"GS":  "financials",
	"MS":  "financials",
	"V":   "financials",
	"MA":  "financials",

	"JNJ":  "healthcare",
	"PFE":  "healthcare",
	"UNH":  "healthcare",
	"MRK":  "healthcare",
	"ABBV": "healthcare",
	"LLY":  "healthcare",

	"XOM": "energy",
	"CVX": "energy",
	"COP": "energy",
	"SLB": "energy",

	"BA":  "industrials",
	"CAT": "industrials",
	"GE":  "industrials",
	"UPS": "industrials",

	"SPY": "etf",
	"QQQ": "etf",
	"IWM": "etf",
	"DIA": "etf",
	"VTI": "etf",
	"VOO": "etf",
}

// SectorOf returns the sector label for a symbol.
func SectorOf(symbol string) string {
	if s, ok := sectorMap[symbol]; ok {
		return s
	}
	return "unknown"
}
