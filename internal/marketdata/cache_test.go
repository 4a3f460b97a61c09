package marketdata

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coinfolio/rebalancer/pkg/types"
	"github.com/shopspring/decimal"
)

// countingProvider wraps MemoryProvider and counts delegate calls.
type countingProvider struct {
	*MemoryProvider
	topCalls    atomic.Int64
	seriesCalls atomic.Int64
}

func (c *countingProvider) TopCoins(ctx context.Context, limit int, excluded []string) ([]types.CoinSnapshot, error) {
	c.topCalls.Add(1)
	return c.MemoryProvider.TopCoins(ctx, limit, excluded)
}

func (c *countingProvider) PriceSeries(ctx context.Context, symbols []string) (map[string]types.CoinHistory, error) {
	c.seriesCalls.Add(1)
	return c.MemoryProvider.PriceSeries(ctx, symbols)
}

func testHistory(symbol string) types.CoinHistory {
	return types.CoinHistory{
		Symbol: symbol,
		Points: []types.HistoryPoint{
			{Date: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), Price: decimal.NewFromInt(100), MarketCap: decimal.NewFromInt(1000)},
		},
	}
}

func TestCachedTopCoins(t *testing.T) {
	inner := &countingProvider{MemoryProvider: NewMemoryProvider(
		[]types.CoinSnapshot{snap("BTC", 50000, 1e12)}, nil)}
	cached := NewCachedProvider(inner, DefaultCacheConfig(), nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := cached.TopCoins(ctx, 1, nil); err != nil {
			t.Fatalf("TopCoins failed: %v", err)
		}
	}
	if inner.topCalls.Load() != 1 {
		t.Errorf("delegate calls = %d, want 1", inner.topCalls.Load())
	}

	// Different arguments miss the cache.
	cached.TopCoins(ctx, 1, []string{"USDT"})
	if inner.topCalls.Load() != 2 {
		t.Errorf("delegate calls = %d, want 2", inner.topCalls.Load())
	}
}

func TestCachedSeriesFetchesOnlyMissing(t *testing.T) {
	inner := &countingProvider{MemoryProvider: NewMemoryProvider(nil, map[string]types.CoinHistory{
		"BTC": testHistory("BTC"),
		"ETH": testHistory("ETH"),
	})}
	cached := NewCachedProvider(inner, DefaultCacheConfig(), nil)

	ctx := context.Background()
	if _, err := cached.PriceSeries(ctx, []string{"BTC"}); err != nil {
		t.Fatalf("PriceSeries failed: %v", err)
	}

	// BTC is cached; only ETH should hit the delegate.
	result, err := cached.PriceSeries(ctx, []string{"BTC", "ETH"})
	if err != nil {
		t.Fatalf("PriceSeries failed: %v", err)
	}
	if len(result) != 2 {
		t.Errorf("result size = %d, want 2", len(result))
	}
	if inner.seriesCalls.Load() != 2 {
		t.Errorf("delegate calls = %d, want 2", inner.seriesCalls.Load())
	}
}

func TestCacheExpiry(t *testing.T) {
	inner := &countingProvider{MemoryProvider: NewMemoryProvider(
		[]types.CoinSnapshot{snap("BTC", 50000, 1e12)}, nil)}
	cached := NewCachedProvider(inner, CacheConfig{SpotTTL: time.Millisecond, HistoryTTL: time.Millisecond}, nil)

	ctx := context.Background()
	cached.TopCoins(ctx, 1, nil)
	time.Sleep(5 * time.Millisecond)
	cached.TopCoins(ctx, 1, nil)

	if inner.topCalls.Load() != 2 {
		t.Errorf("delegate calls = %d, want 2 after expiry", inner.topCalls.Load())
	}
}
