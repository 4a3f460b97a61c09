package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coinfolio/rebalancer/internal/errs"
	"github.com/coinfolio/rebalancer/internal/workers"
	"github.com/coinfolio/rebalancer/pkg/types"
	"github.com/coinfolio/rebalancer/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Observer receives provider-level events for metrics recording.
type Observer interface {
	RecordProviderRequest(endpoint, outcome string)
}

// ClientConfig configures the HTTP market data client.
type ClientConfig struct {
	BaseURL           string        // spot market API (CoinGecko-compatible)
	HistoricalBaseURL string        // blob store holding per-coin history JSON
	Timeout           time.Duration
	MaxRetries        int
	MaxConcurrent     int           // fan-out bound for historical series fetches
	Policy            RankPolicy
}

// DefaultClientConfig returns production defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:           "https://api.coingecko.com/api/v3",
		HistoricalBaseURL: "https://stcrypto9rc2a6.blob.core.windows.net/historical-data",
		Timeout:           15 * time.Second,
		MaxRetries:        3,
		MaxConcurrent:     5,
		Policy:            TruncateThenExclude,
	}
}

// Client fetches market data over HTTP. Historical series fetches fan out
// over a bounded worker pool.
type Client struct {
	logger   *zap.Logger
	config   ClientConfig
	http     *http.Client
	pool     *workers.Pool
	observer Observer
}

// NewClient creates a client and starts its fetch pool.
func NewClient(logger *zap.Logger, config ClientConfig, observer Observer) *Client {
	pool := workers.NewPool(logger, workers.Config{
		Name:        "marketdata",
		NumWorkers:  config.MaxConcurrent,
		QueueSize:   config.MaxConcurrent * 4,
		TaskTimeout: config.Timeout + 30*time.Second,
	})
	pool.Start()
	return &Client{
		logger:   logger,
		config:   config,
		http:     &http.Client{Timeout: config.Timeout},
		pool:     pool,
		observer: observer,
	}
}

// Close stops the fetch pool.
func (c *Client) Close() {
	c.pool.Stop()
}

type marketRow struct {
	Symbol       string  `json:"symbol"`
	Name         string  `json:"name"`
	CurrentPrice float64 `json:"current_price"`
	MarketCap    float64 `json:"market_cap"`
	Change24h    float64 `json:"price_change_percentage_24h"`
	TotalVolume  float64 `json:"total_volume"`
}

// TopCoins implements Provider.
func (c *Client) TopCoins(ctx context.Context, limit int, excluded []string) ([]types.CoinSnapshot, error) {
	excluded = utils.NormalizeSymbols(excluded)

	// Over-fetch so exclusions cannot starve the universe.
	q := url.Values{}
	q.Set("vs_currency", "usd")
	q.Set("order", "market_cap_desc")
	q.Set("per_page", fmt.Sprintf("%d", limit+len(excluded)))
	q.Set("page", "1")
	q.Set("sparkline", "false")
	q.Set("price_change_percentage", "24h")

	var rows []marketRow
	err := c.getJSON(ctx, c.config.BaseURL+"/coins/markets?"+q.Encode(), "", &rows)
	if err != nil {
		return nil, err
	}

	coins := make([]types.CoinSnapshot, 0, len(rows))
	for _, r := range rows {
		coins = append(coins, types.CoinSnapshot{
			Symbol:    utils.NormalizeSymbol(r.Symbol),
			Name:      r.Name,
			Price:     decimal.NewFromFloat(r.CurrentPrice),
			MarketCap: decimal.NewFromFloat(r.MarketCap),
			Change24h: r.Change24h,
			Volume24h: decimal.NewFromFloat(r.TotalVolume),
		})
	}
	return ApplyRanking(coins, limit, excluded, c.config.Policy), nil
}

// Prices implements Provider.
func (c *Client) Prices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	symbols = utils.NormalizeSymbols(symbols)
	if len(symbols) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	ids := make([]string, 0, len(symbols))
	for _, s := range symbols {
		ids = append(ids, geckoID(s))
	}

	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", "usd")

	var body map[string]struct {
		USD float64 `json:"usd"`
	}
	if err := c.getJSON(ctx, c.config.BaseURL+"/simple/price?"+q.Encode(), "", &body); err != nil {
		return nil, err
	}

	prices := make(map[string]decimal.Decimal, len(symbols))
	for _, s := range symbols {
		if row, ok := body[geckoID(s)]; ok {
			prices[s] = decimal.NewFromFloat(row.USD)
		}
	}
	return prices, nil
}

type historyBlob struct {
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
	Data   []struct {
		Date      string  `json:"date"`
		Price     float64 `json:"price"`
		MarketCap float64 `json:"marketCap"`
		Volume    float64 `json:"volume24h"`
	} `json:"data"`
}

// PriceSeries implements Provider. Fetches fan out over the worker pool; a
// symbol that fails entirely fails the whole call.
func (c *Client) PriceSeries(ctx context.Context, symbols []string) (map[string]types.CoinHistory, error) {
	symbols = utils.NormalizeSymbols(symbols)
	result := make(map[string]types.CoinHistory, len(symbols))

	var (
		mu       sync.Mutex
		firstErr error
		wg       sync.WaitGroup
	)
	for _, symbol := range symbols {
		symbol := symbol
		wg.Add(1)
		err := c.pool.Submit(workers.TaskFunc(func(taskCtx context.Context) error {
			defer wg.Done()
			history, err := c.fetchSeries(ctx, symbol)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return err
			}
			result[symbol] = history
			return nil
		}))
		if err != nil {
			wg.Done()
			return nil, fmt.Errorf("submitting fetch for %s: %w", symbol, err)
		}
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return result, nil
}

func (c *Client) fetchSeries(ctx context.Context, symbol string) (types.CoinHistory, error) {
	target := fmt.Sprintf("%s/%s.json", c.config.HistoricalBaseURL, strings.ToLower(symbol))

	var blob historyBlob
	err := errs.Retry(ctx, c.config.MaxRetries, func(ctx context.Context) error {
		return c.getJSON(ctx, target, symbol, &blob)
	})
	if err != nil {
		return types.CoinHistory{}, err
	}

	history := types.CoinHistory{Symbol: symbol, Name: blob.Name}
	for _, p := range blob.Data {
		date, err := time.Parse("2006-01-02", p.Date)
		if err != nil {
			c.logger.Warn("skipping point with bad date",
				zap.String("symbol", symbol),
				zap.String("date", p.Date),
			)
			continue
		}
		history.Points = append(history.Points, types.HistoryPoint{
			Date:      date,
			Price:     decimal.NewFromFloat(p.Price),
			MarketCap: decimal.NewFromFloat(p.MarketCap),
			Volume:    decimal.NewFromFloat(p.Volume),
		})
	}
	return CleanSeries(c.logger, history), nil
}

// AvailableCoins implements Provider.
func (c *Client) AvailableCoins(ctx context.Context) ([]string, error) {
	var symbols []string
	if err := c.getJSON(ctx, c.config.HistoricalBaseURL+"/index.json", "", &symbols); err != nil {
		return nil, err
	}
	return utils.NormalizeSymbols(symbols), nil
}

// Search implements Provider.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]types.CoinListing, error) {
	q := url.Values{}
	q.Set("query", query)

	var body struct {
		Coins []struct {
			Symbol string `json:"symbol"`
			Name   string `json:"name"`
			Thumb  string `json:"thumb"`
		} `json:"coins"`
	}
	if err := c.getJSON(ctx, c.config.BaseURL+"/search?"+q.Encode(), "", &body); err != nil {
		return nil, err
	}

	listings := make([]types.CoinListing, 0, limit)
	for _, coin := range body.Coins {
		if len(listings) == limit {
			break
		}
		listings = append(listings, types.CoinListing{
			Symbol: utils.NormalizeSymbol(coin.Symbol),
			Name:   coin.Name,
			Logo:   coin.Thumb,
		})
	}
	return listings, nil
}

// getJSON performs a GET and decodes the response, classifying failures.
func (c *Client) getJSON(ctx context.Context, target, symbol string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.record(target, "error")
		return errs.ClassifyFetch(err, symbol)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		c.record(target, fmt.Sprintf("http_%d", resp.StatusCode))
		return errs.ClassifyHTTP(resp.StatusCode, symbol, resp.Header.Get("Retry-After"), nil)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.record(target, "decode_error")
		return errs.ClassifyFetch(fmt.Errorf("decoding response: %w", err), symbol)
	}
	c.record(target, "ok")
	return nil
}

func (c *Client) record(target, outcome string) {
	if c.observer == nil {
		return
	}
	endpoint := target
	if u, err := url.Parse(target); err == nil {
		endpoint = u.Path
	}
	c.observer.RecordProviderRequest(endpoint, outcome)
}

// geckoID maps a ticker to its CoinGecko identifier. Unknown tickers fall
// back to the lowercased symbol, which matches for many smaller coins.
func geckoID(symbol string) string {
	if id, ok := geckoIDs[symbol]; ok {
		return id
	}
	return strings.ToLower(symbol)
}

var geckoIDs = map[string]string{
	"BTC":   "bitcoin",
	"ETH":   "ethereum",
	"BNB":   "binancecoin",
	"XRP":   "ripple",
	"ADA":   "cardano",
	"DOGE":  "dogecoin",
	"SOL":   "solana",
	"TRX":   "tron",
	"DOT":   "polkadot",
	"MATIC": "matic-network",
	"LTC":   "litecoin",
	"SHIB":  "shiba-inu",
	"AVAX":  "avalanche-2",
	"UNI":   "uniswap",
	"LINK":  "chainlink",
}
