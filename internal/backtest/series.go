package backtest

import (
	"sort"
	"time"

	"github.com/coinfolio/rebalancer/pkg/types"
	"github.com/shopspring/decimal"
)

// nearestPoint returns the history point closest to date by absolute day
// difference. No interpolation is performed between samples.
func nearestPoint(history types.CoinHistory, date time.Time) (types.HistoryPoint, bool) {
	points := history.Points
	if len(points) == 0 {
		return types.HistoryPoint{}, false
	}

	// Points are sorted ascending; find the first point not before date
	// and compare it with its predecessor.
	idx := sort.Search(len(points), func(i int) bool {
		return !points[i].Date.Before(date)
	})
	if idx == len(points) {
		return points[len(points)-1], true
	}
	if idx == 0 {
		return points[0], true
	}

	before, after := points[idx-1], points[idx]
	if date.Sub(before.Date) <= after.Date.Sub(date) {
		return before, true
	}
	return after, true
}

// priceOn returns the nearest price for symbol on date, zero when the symbol
// has no series or the series is empty.
func priceOn(series map[string]types.CoinHistory, symbol string, date time.Time) decimal.Decimal {
	if p, ok := nearestPoint(series[symbol], date); ok {
		return p.Price
	}
	return decimal.Zero
}

// marketCapOn returns the nearest market cap for symbol on date, zero when
// unavailable. A zero market cap keeps the coin out of the ranked universe
// for that date.
func marketCapOn(series map[string]types.CoinHistory, symbol string, date time.Time) decimal.Decimal {
	if p, ok := nearestPoint(series[symbol], date); ok {
		return p.MarketCap
	}
	return decimal.Zero
}

// topByMarketCap ranks the symbols with a positive market cap on date and
// returns up to limit of them, largest first. Ties break by symbol so runs
// are deterministic.
func topByMarketCap(series map[string]types.CoinHistory, date time.Time, limit int) []string {
	type ranked struct {
		symbol    string
		marketCap decimal.Decimal
	}
	coins := make([]ranked, 0, len(series))
	for symbol := range series {
		if mc := marketCapOn(series, symbol, date); mc.IsPositive() {
			coins = append(coins, ranked{symbol, mc})
		}
	}
	sort.Slice(coins, func(i, j int) bool {
		if coins[i].marketCap.Equal(coins[j].marketCap) {
			return coins[i].symbol < coins[j].symbol
		}
		return coins[i].marketCap.GreaterThan(coins[j].marketCap)
	})
	if len(coins) > limit {
		coins = coins[:limit]
	}
	symbols := make([]string, len(coins))
	for i, c := range coins {
		symbols[i] = c.symbol
	}
	return symbols
}
