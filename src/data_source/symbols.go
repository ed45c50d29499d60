package datasource

import (
	"strings"

	"market-feeder/src/models"
)

// SymbolsFromConfig turns vendor symbol entries into Symbols. An entry is
// either "market:name" or a bare name, in which case guess picks the market.
func SymbolsFromConfig(vendor models.Vendor, entries []string, guess func(name string) models.MarketType) []models.Symbol {
	out := make([]models.Symbol, 0, len(entries))
	seen := make(map[models.Symbol]bool, len(entries))

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		var sym models.Symbol
		if market, name, ok := strings.Cut(entry, ":"); ok {
			sym = models.NewSymbol(name, models.MarketType(market), vendor)
		} else {
			sym = models.NewSymbol(entry, guess(entry), vendor)
		}

		if !seen[sym] {
			seen[sym] = true
			out = append(out, sym)
		}
	}
	return out
}
