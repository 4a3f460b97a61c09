package marketdata

import (
	"context"
	"sort"
	"strings"

	"github.com/coinfolio/rebalancer/internal/errs"
	"github.com/coinfolio/rebalancer/pkg/types"
	"github.com/coinfolio/rebalancer/pkg/utils"
	"github.com/shopspring/decimal"
)

// MemoryProvider serves market data from fixtures. Used in tests and for
// local development without network access.
type MemoryProvider struct {
	snapshots []types.CoinSnapshot
	histories map[string]types.CoinHistory
	policy    RankPolicy
}

// NewMemoryProvider builds a provider over the given current snapshots and
// historical series. Symbol keys are normalized to uppercase.
func NewMemoryProvider(snapshots []types.CoinSnapshot, histories map[string]types.CoinHistory) *MemoryProvider {
	normalized := make(map[string]types.CoinHistory, len(histories))
	for symbol, h := range histories {
		normalized[utils.NormalizeSymbol(symbol)] = h
	}
	return &MemoryProvider{
		snapshots: snapshots,
		histories: normalized,
		policy:    TruncateThenExclude,
	}
}

// SetPolicy overrides the default ranking policy.
func (p *MemoryProvider) SetPolicy(policy RankPolicy) { p.policy = policy }

// TopCoins implements Provider.
func (p *MemoryProvider) TopCoins(_ context.Context, limit int, excluded []string) ([]types.CoinSnapshot, error) {
	return ApplyRanking(p.snapshots, limit, excluded, p.policy), nil
}

// Prices implements Provider.
func (p *MemoryProvider) Prices(_ context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal)
	for _, symbol := range utils.NormalizeSymbols(symbols) {
		for _, snap := range p.snapshots {
			if snap.Symbol == symbol {
				prices[symbol] = snap.Price
				break
			}
		}
	}
	return prices, nil
}

// PriceSeries implements Provider. Requesting a symbol without a series is
// an error, matching the live provider's 404 behavior.
func (p *MemoryProvider) PriceSeries(_ context.Context, symbols []string) (map[string]types.CoinHistory, error) {
	result := make(map[string]types.CoinHistory, len(symbols))
	for _, symbol := range utils.NormalizeSymbols(symbols) {
		h, ok := p.histories[symbol]
		if !ok {
			return nil, errs.NotFound(symbol)
		}
		result[symbol] = h
	}
	return result, nil
}

// AvailableCoins implements Provider.
func (p *MemoryProvider) AvailableCoins(_ context.Context) ([]string, error) {
	symbols := make([]string, 0, len(p.histories))
	for symbol := range p.histories {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols, nil
}

// Search implements Provider.
func (p *MemoryProvider) Search(_ context.Context, query string, limit int) ([]types.CoinListing, error) {
	query = strings.ToLower(query)
	var listings []types.CoinListing
	for _, snap := range p.snapshots {
		if len(listings) == limit {
			break
		}
		if strings.Contains(strings.ToLower(snap.Symbol), query) ||
			strings.Contains(strings.ToLower(snap.Name), query) {
			listings = append(listings, types.CoinListing{Symbol: snap.Symbol, Name: snap.Name})
		}
	}
	return listings, nil
}
