// Package marketdata supplies coin universes, spot prices and historical
// series to the rebalancing core. The core stays pure: caching, retries and
// concurrency all live behind the Provider interface here.
package marketdata

import (
	"context"
	"sort"

	"github.com/coinfolio/rebalancer/pkg/types"
	"github.com/coinfolio/rebalancer/pkg/utils"
	"github.com/shopspring/decimal"
)

// Provider is the full market data surface consumed by the engine, the
// simulator and the API layer.
type Provider interface {
	// TopCoins returns up to limit coins ranked by descending market cap
	// with the excluded symbols removed. Ranks are dense starting at 1.
	TopCoins(ctx context.Context, limit int, excluded []string) ([]types.CoinSnapshot, error)

	// Prices returns current USD prices for the given symbols. Symbols the
	// provider cannot price are absent from the result, not an error.
	Prices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)

	// PriceSeries returns the full historical series for each symbol,
	// sorted ascending by date. A symbol that fails to fetch entirely is
	// an error; missing points within a series are not.
	PriceSeries(ctx context.Context, symbols []string) (map[string]types.CoinHistory, error)

	// AvailableCoins lists every symbol with a historical series.
	AvailableCoins(ctx context.Context) ([]string, error)

	// Search finds coins matching a free-text query.
	Search(ctx context.Context, query string, limit int) ([]types.CoinListing, error)
}

// RankPolicy controls how exclusions interact with universe truncation.
type RankPolicy int

const (
	// TruncateThenExclude takes the true top-limit coins by market cap and
	// removes excluded ones from that set, so the universe may hold fewer
	// than limit entries. This is the default.
	TruncateThenExclude RankPolicy = iota

	// ExcludeThenTruncate removes excluded coins first and backfills with
	// the next-ranked coins, so the universe holds limit entries whenever
	// enough coins exist.
	ExcludeThenTruncate
)

// ApplyRanking sorts coins by descending market cap, applies the exclusion
// policy and assigns dense 1-based ranks.
func ApplyRanking(coins []types.CoinSnapshot, limit int, excluded []string, policy RankPolicy) []types.CoinSnapshot {
	if limit < 0 {
		limit = 0
	}
	excludedSet := make(map[string]bool, len(excluded))
	for _, s := range utils.NormalizeSymbols(excluded) {
		excludedSet[s] = true
	}

	sorted := make([]types.CoinSnapshot, len(coins))
	copy(sorted, coins)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MarketCap.GreaterThan(sorted[j].MarketCap)
	})

	var universe []types.CoinSnapshot
	switch policy {
	case ExcludeThenTruncate:
		for _, c := range sorted {
			if len(universe) == limit {
				break
			}
			if !excludedSet[utils.NormalizeSymbol(c.Symbol)] {
				universe = append(universe, c)
			}
		}
	default: // TruncateThenExclude
		if len(sorted) > limit {
			sorted = sorted[:limit]
		}
		for _, c := range sorted {
			if !excludedSet[utils.NormalizeSymbol(c.Symbol)] {
				universe = append(universe, c)
			}
		}
	}

	for i := range universe {
		universe[i].Rank = i + 1
	}
	return universe
}
