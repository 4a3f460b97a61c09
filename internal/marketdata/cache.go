package marketdata

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coinfolio/rebalancer/pkg/types"
	"github.com/coinfolio/rebalancer/pkg/utils"
	"github.com/shopspring/decimal"
)

type cacheEntry struct {
	v   any
	exp time.Time
}

// ttlCache is a minimal in-process TTL cache.
type ttlCache struct {
	mu sync.RWMutex
	m  map[string]cacheEntry
}

func newTTLCache() *ttlCache {
	return &ttlCache{m: make(map[string]cacheEntry)}
}

func (c *ttlCache) get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.m[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(e.exp) {
		c.mu.Lock()
		delete(c.m, key)
		c.mu.Unlock()
		return nil, false
	}
	return e.v, true
}

func (c *ttlCache) set(key string, v any, ttl time.Duration) {
	c.mu.Lock()
	c.m[key] = cacheEntry{v: v, exp: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// CacheConfig holds per-surface TTLs. Spot data changes fast, historical
// series are near-immutable.
type CacheConfig struct {
	SpotTTL    time.Duration
	HistoryTTL time.Duration
}

// DefaultCacheConfig mirrors the production cache windows: 5 minutes for
// spot data, 1 hour for historical series.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		SpotTTL:    5 * time.Minute,
		HistoryTTL: time.Hour,
	}
}

// CacheObserver receives cache hit and miss events for metrics recording.
type CacheObserver interface {
	RecordCacheEvent(prefix, event string)
}

// CachedProvider decorates a Provider with an in-process TTL cache so the
// core never depends on cache timing.
type CachedProvider struct {
	next     Provider
	config   CacheConfig
	cache    *ttlCache
	observer CacheObserver
}

// NewCachedProvider wraps next with caching. observer may be nil.
func NewCachedProvider(next Provider, config CacheConfig, observer CacheObserver) *CachedProvider {
	return &CachedProvider{next: next, config: config, cache: newTTLCache(), observer: observer}
}

func (p *CachedProvider) record(prefix, event string) {
	if p.observer != nil {
		p.observer.RecordCacheEvent(prefix, event)
	}
}

// TopCoins implements Provider.
func (p *CachedProvider) TopCoins(ctx context.Context, limit int, excluded []string) ([]types.CoinSnapshot, error) {
	key := fmt.Sprintf("top-coins-%d-%s", limit, strings.Join(utils.NormalizeSymbols(excluded), ","))
	if v, ok := p.cache.get(key); ok {
		p.record("top-coins", "hit")
		return v.([]types.CoinSnapshot), nil
	}
	p.record("top-coins", "miss")
	coins, err := p.next.TopCoins(ctx, limit, excluded)
	if err != nil {
		return nil, err
	}
	p.cache.set(key, coins, p.config.SpotTTL)
	return coins, nil
}

// Prices implements Provider.
func (p *CachedProvider) Prices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	sorted := utils.NormalizeSymbols(symbols)
	sort.Strings(sorted)
	key := "prices-" + strings.Join(sorted, ",")
	if v, ok := p.cache.get(key); ok {
		p.record("prices", "hit")
		return v.(map[string]decimal.Decimal), nil
	}
	p.record("prices", "miss")
	prices, err := p.next.Prices(ctx, symbols)
	if err != nil {
		return nil, err
	}
	p.cache.set(key, prices, p.config.SpotTTL)
	return prices, nil
}

// PriceSeries implements Provider. Series are cached per symbol so a request
// only fetches the symbols it is missing.
func (p *CachedProvider) PriceSeries(ctx context.Context, symbols []string) (map[string]types.CoinHistory, error) {
	result := make(map[string]types.CoinHistory, len(symbols))
	var missing []string
	for _, s := range utils.NormalizeSymbols(symbols) {
		if v, ok := p.cache.get("history-" + s); ok {
			p.record("history", "hit")
			result[s] = v.(types.CoinHistory)
		} else {
			p.record("history", "miss")
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		fetched, err := p.next.PriceSeries(ctx, missing)
		if err != nil {
			return nil, err
		}
		for s, h := range fetched {
			p.cache.set("history-"+s, h, p.config.HistoryTTL)
			result[s] = h
		}
	}
	return result, nil
}

// AvailableCoins implements Provider.
func (p *CachedProvider) AvailableCoins(ctx context.Context) ([]string, error) {
	if v, ok := p.cache.get("available-coins"); ok {
		p.record("available-coins", "hit")
		return v.([]string), nil
	}
	p.record("available-coins", "miss")
	coins, err := p.next.AvailableCoins(ctx)
	if err != nil {
		return nil, err
	}
	p.cache.set("available-coins", coins, p.config.HistoryTTL)
	return coins, nil
}

// Search implements Provider.
func (p *CachedProvider) Search(ctx context.Context, query string, limit int) ([]types.CoinListing, error) {
	key := fmt.Sprintf("search-%s-%d", strings.ToLower(query), limit)
	if v, ok := p.cache.get(key); ok {
		p.record("search", "hit")
		return v.([]types.CoinListing), nil
	}
	p.record("search", "miss")
	listings, err := p.next.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	p.cache.set(key, listings, p.config.SpotTTL)
	return listings, nil
}
