package collect

import "strings"

// companyNames maps watchlist symbols to the names used in name-based source
// queries (HackerNews, GDELT). Symbols missing from the map fall back to the
// symbol itself.
var companyNames = map[string]string{
	"AAPL":  "Apple",
	"MSFT":  "Microsoft",
	"GOOGL": "Google",
	"GOOG":  "Google",
	"AMZN":  "Amazon",
	"META":  "Meta",
	"TSLA":  "Tesla",
	"NVDA":  "Nvidia",
	"AMD":   "AMD",
	"INTC":  "Intel",
	"NFLX":  "Netflix",
	"DIS":   "Disney",
	"BA":    "Boeing",
	"JPM":   "JPMorgan",
	"GS":    "Goldman Sachs",
	"BAC":   "Bank of America",
	"WFC":   "Wells Fargo",
	"V":     "Visa",
	"MA":    "Mastercard",
	"PYPL":  "PayPal",
	"SQ":    "Block",
	"COIN":  "Coinbase",
	"UBER":  "Uber",
	"LYFT":  "Lyft",
	"ABNB":  "Airbnb",
	"SHOP":  "Shopify",
	"CRM":   "Salesforce",
	"ORCL":  "Oracle",
	"IBM":   "IBM",
	"ADBE":  "Adobe",
	"PLTR":  "Palantir",
	"SNOW":  "Snowflake",
	"MDB":   "MongoDB",
	"DDOG":  "Datadog",
	"NET":   "Cloudflare",
	"CRWD":  "CrowdStrike",
	"ZM":    "Zoom",
	"SPOT":  "Spotify",
	"RDDT":  "Reddit",
	"F":     "Ford",
	"GM":    "General Motors",
	"XOM":   "Exxon",
	"CVX":   "Chevron",
	"PFE":   "Pfizer",
	"JNJ":   "Johnson & Johnson",
	"MRNA":  "Moderna",
	"WMT":   "Walmart",
	"TGT":   "Target",
	"COST":  "Costco",
	"KO":    "Coca-Cola",
	"PEP":   "Pepsi",
	"MCD":   "McDonald's",
	"SBUX":  "Starbucks",
	"NKE":   "Nike",
}

// CompanyName resolves a symbol to its company name for query building.
func CompanyName(symbol string) string {
	if name, ok := companyNames[strings.ToUpper(symbol)]; ok {
		return name
	}
	return symbol
}
