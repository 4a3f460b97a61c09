package backtest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/coinfolio/rebalancer/internal/errs"
	"github.com/coinfolio/rebalancer/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type fakeLoader struct {
	series map[string]types.CoinHistory
}

func (f *fakeLoader) AvailableCoins(ctx context.Context) ([]string, error) {
	symbols := make([]string, 0, len(f.series))
	for symbol := range f.series {
		symbols = append(symbols, symbol)
	}
	return symbols, nil
}

func (f *fakeLoader) PriceSeries(ctx context.Context, symbols []string) (map[string]types.CoinHistory, error) {
	out := make(map[string]types.CoinHistory)
	for _, symbol := range symbols {
		if h, ok := f.series[symbol]; ok {
			out[symbol] = h
		}
	}
	return out, nil
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// flatSeries builds a daily-enough series with constant price and market cap
// spanning the given months.
func flatSeries(symbol string, price, marketCap float64, start time.Time, months int) types.CoinHistory {
	var points []types.HistoryPoint
	for i := 0; i <= months; i++ {
		points = append(points, types.HistoryPoint{
			Date:      start.AddDate(0, i, 0),
			Price:     decimal.NewFromFloat(price),
			MarketCap: decimal.NewFromFloat(marketCap),
		})
	}
	return types.CoinHistory{Symbol: symbol, Points: points}
}

// trendSeries builds a monthly series whose price grows by growth each month.
func trendSeries(symbol string, price, marketCap, growth float64, start time.Time, months int) types.CoinHistory {
	var points []types.HistoryPoint
	p := price
	for i := 0; i <= months; i++ {
		points = append(points, types.HistoryPoint{
			Date:      start.AddDate(0, i, 0),
			Price:     decimal.NewFromFloat(p),
			MarketCap: decimal.NewFromFloat(marketCap * p / price),
		})
		p *= 1 + growth
	}
	return types.CoinHistory{Symbol: symbol, Points: points}
}

func testConfig() types.BacktestConfig {
	return types.BacktestConfig{
		StartDate:             date(2020, time.January, 1),
		EndDate:               date(2020, time.July, 1),
		InitialValue:          decimal.NewFromInt(10000),
		RebalanceFrequency:    types.FrequencyMonthly,
		TransactionFeePercent: decimal.NewFromFloat(0.5),
		SlippagePercent:       decimal.Zero,
		MaxCoins:              2,
	}
}

func newTestSimulator(series map[string]types.CoinHistory) *Simulator {
	return NewSimulator(zap.NewNop(), &fakeLoader{series: series})
}

func TestRunProducesMonotonicHistory(t *testing.T) {
	start := date(2020, time.January, 1)
	sim := newTestSimulator(map[string]types.CoinHistory{
		"BTC": trendSeries("BTC", 10000, 200e9, 0.05, start, 6),
		"ETH": trendSeries("ETH", 200, 25e9, 0.03, start, 6),
		"SOL": flatSeries("SOL", 2, 1e9, start, 6),
	})

	result, err := sim.Run(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(result.PortfolioHistory) < 2 {
		t.Fatalf("expected at least 2 snapshots, got %d", len(result.PortfolioHistory))
	}
	for i := 1; i < len(result.PortfolioHistory); i++ {
		prev := result.PortfolioHistory[i-1].Date
		cur := result.PortfolioHistory[i].Date
		if !prev.Before(cur) {
			t.Errorf("snapshot dates not strictly increasing: %s then %s", prev, cur)
		}
	}

	first := result.PortfolioHistory[0]
	last := result.PortfolioHistory[len(result.PortfolioHistory)-1]
	if !first.Date.Equal(date(2020, time.January, 1)) {
		t.Errorf("first snapshot at %s, want start date", first.Date)
	}
	if !last.Date.Equal(date(2020, time.July, 1)) {
		t.Errorf("last snapshot at %s, want end date", last.Date)
	}

	if result.Metrics.NumberOfRebalances != len(result.RebalanceEvents) {
		t.Errorf("rebalance count %d does not match %d events",
			result.Metrics.NumberOfRebalances, len(result.RebalanceEvents))
	}
	if !strings.HasPrefix(result.ID, "run_") {
		t.Errorf("run ID %q missing run_ prefix", result.ID)
	}
}

func TestRunEqualWeightBootstrap(t *testing.T) {
	start := date(2020, time.January, 1)
	sim := newTestSimulator(map[string]types.CoinHistory{
		"BTC": flatSeries("BTC", 10000, 200e9, start, 6),
		"ETH": flatSeries("ETH", 200, 25e9, start, 6),
		"SOL": flatSeries("SOL", 2, 1e9, start, 6),
	})

	result, err := sim.Run(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	first := result.PortfolioHistory[0]
	if len(first.Holdings) != 2 {
		t.Fatalf("expected 2 initial holdings, got %d", len(first.Holdings))
	}
	btc, eth := first.Holdings["BTC"], first.Holdings["ETH"]
	if !btc.Value.Equal(eth.Value) {
		t.Errorf("initial holdings not equal weight: BTC %s vs ETH %s", btc.Value, eth.Value)
	}
	if !first.TotalValue.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("initial total value %s, want 10000", first.TotalValue)
	}
	if _, ok := first.Holdings["SOL"]; ok {
		t.Error("SOL should not be in the top 2 by market cap")
	}
}

func TestRunFlatMarketGrindsDownOnFees(t *testing.T) {
	// Equal-weight start against market-cap-weighted targets forces a
	// rebalance at every period even with constant prices, so fees
	// accumulate and the portfolio only ever loses value.
	start := date(2020, time.January, 1)
	sim := newTestSimulator(map[string]types.CoinHistory{
		"BTC": flatSeries("BTC", 10000, 200e9, start, 6),
		"ETH": flatSeries("ETH", 200, 25e9, start, 6),
	})

	result, err := sim.Run(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(result.RebalanceEvents) == 0 {
		t.Fatal("expected at least one rebalance event")
	}
	first := result.RebalanceEvents[0]
	if !first.AfterValue.LessThan(first.BeforeValue) {
		t.Errorf("fees should reduce value: before %s after %s", first.BeforeValue, first.AfterValue)
	}
	if !first.AfterValue.Equal(first.BeforeValue.Sub(first.Fees)) {
		t.Errorf("afterValue %s != beforeValue %s - fees %s",
			first.AfterValue, first.BeforeValue, first.Fees)
	}

	last := result.PortfolioHistory[len(result.PortfolioHistory)-1]
	if !last.TotalValue.LessThan(decimal.NewFromInt(10000)) {
		t.Errorf("flat market with fees should end below 10000, got %s", last.TotalValue)
	}
	if !result.Metrics.TotalReturn.IsNegative() {
		t.Errorf("expected negative total return, got %s", result.Metrics.TotalReturn)
	}
}

func TestRunLiquidatesDroppedCoin(t *testing.T) {
	start := date(2020, time.January, 1)
	// SOL starts with the second largest market cap, then collapses so ETH
	// overtakes it from February onward.
	sol := types.CoinHistory{Symbol: "SOL"}
	for i := 0; i <= 6; i++ {
		mc := 50e9
		if i >= 1 {
			mc = 1e9
		}
		sol.Points = append(sol.Points, types.HistoryPoint{
			Date:      start.AddDate(0, i, 0),
			Price:     decimal.NewFromInt(100),
			MarketCap: decimal.NewFromFloat(mc),
		})
	}
	sim := newTestSimulator(map[string]types.CoinHistory{
		"BTC": flatSeries("BTC", 10000, 200e9, start, 6),
		"ETH": flatSeries("ETH", 200, 25e9, start, 6),
		"SOL": sol,
	})

	result, err := sim.Run(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var liquidated bool
	for _, event := range result.RebalanceEvents {
		for _, trade := range event.Trades {
			if trade.Symbol == "SOL" && trade.Action == types.ActionSell && trade.TargetHolding.IsZero() {
				liquidated = true
			}
		}
	}
	if !liquidated {
		t.Error("expected a full liquidation SELL for SOL after it dropped out of the top 2")
	}

	last := result.PortfolioHistory[len(result.PortfolioHistory)-1]
	if _, ok := last.Holdings["SOL"]; ok {
		t.Error("SOL still held at the end of the run")
	}
}

func TestRunExcludedCoinsNeverHeld(t *testing.T) {
	start := date(2020, time.January, 1)
	sim := newTestSimulator(map[string]types.CoinHistory{
		"BTC": flatSeries("BTC", 10000, 200e9, start, 6),
		"ETH": flatSeries("ETH", 200, 25e9, start, 6),
		"SOL": flatSeries("SOL", 2, 1e9, start, 6),
	})

	config := testConfig()
	config.ExcludedCoins = []string{"btc"}

	result, err := sim.Run(context.Background(), config)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, snapshot := range result.PortfolioHistory {
		if _, ok := snapshot.Holdings["BTC"]; ok {
			t.Fatalf("excluded BTC held on %s", snapshot.Date)
		}
	}
}

func TestRunInsufficientData(t *testing.T) {
	// A series with no positive market cap is never rankable, so no coin
	// can be selected at the start date.
	start := date(2020, time.January, 1)
	zero := flatSeries("BTC", 10000, 0, start, 6)
	sim := newTestSimulator(map[string]types.CoinHistory{"BTC": zero})

	_, err := sim.Run(context.Background(), testConfig())
	if errs.CodeOf(err) != errs.CodeInsufficientData {
		t.Fatalf("expected INSUFFICIENT_DATA, got %v", err)
	}
}

func TestRunValidation(t *testing.T) {
	sim := newTestSimulator(nil)
	base := testConfig()

	tests := []struct {
		name   string
		mutate func(*types.BacktestConfig)
	}{
		{"start after end", func(c *types.BacktestConfig) { c.StartDate, c.EndDate = c.EndDate, c.StartDate }},
		{"zero initial value", func(c *types.BacktestConfig) { c.InitialValue = decimal.Zero }},
		{"bad frequency", func(c *types.BacktestConfig) { c.RebalanceFrequency = "weekly" }},
		{"maxCoins zero", func(c *types.BacktestConfig) { c.MaxCoins = 0 }},
		{"maxCoins too large", func(c *types.BacktestConfig) { c.MaxCoins = 51 }},
		{"negative fee", func(c *types.BacktestConfig) { c.TransactionFeePercent = decimal.NewFromInt(-1) }},
		{"negative slippage", func(c *types.BacktestConfig) { c.SlippagePercent = decimal.NewFromInt(-1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := base
			tt.mutate(&config)
			_, err := sim.Run(context.Background(), config)
			if errs.CodeOf(err) != errs.CodeValidation {
				t.Fatalf("expected VALIDATION_ERROR, got %v", err)
			}
		})
	}
}

func TestRunCancellation(t *testing.T) {
	start := date(2020, time.January, 1)
	sim := newTestSimulator(map[string]types.CoinHistory{
		"BTC": flatSeries("BTC", 10000, 200e9, start, 6),
		"ETH": flatSeries("ETH", 200, 25e9, start, 6),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := sim.Run(ctx, testConfig()); err == nil {
		t.Fatal("expected an error from a cancelled context")
	}
}

func TestRebalanceDates(t *testing.T) {
	config := types.BacktestConfig{
		StartDate:          date(2020, time.January, 15),
		EndDate:            date(2020, time.June, 1),
		RebalanceFrequency: types.FrequencyMonthly,
	}
	dates := rebalanceDates(config)

	if !dates[0].Equal(date(2020, time.January, 15)) {
		t.Errorf("first date %s, want start", dates[0])
	}
	if !dates[len(dates)-1].Equal(date(2020, time.June, 1)) {
		t.Errorf("last date %s, want end date forced", dates[len(dates)-1])
	}
	for i := 1; i < len(dates); i++ {
		if !dates[i-1].Before(dates[i]) {
			t.Errorf("dates not increasing at %d: %s then %s", i, dates[i-1], dates[i])
		}
	}

	config.RebalanceFrequency = types.FrequencyQuarterly
	quarterly := rebalanceDates(config)
	if len(quarterly) >= len(dates) {
		t.Errorf("quarterly should produce fewer dates than monthly: %d vs %d", len(quarterly), len(dates))
	}
}

func TestNearestPoint(t *testing.T) {
	history := types.CoinHistory{Points: []types.HistoryPoint{
		{Date: date(2020, time.January, 1), Price: decimal.NewFromInt(1)},
		{Date: date(2020, time.January, 10), Price: decimal.NewFromInt(2)},
		{Date: date(2020, time.January, 20), Price: decimal.NewFromInt(3)},
	}}

	tests := []struct {
		query time.Time
		want  int64
	}{
		{date(2019, time.December, 1), 1},  // before the series
		{date(2020, time.January, 4), 1},   // closer to the 1st
		{date(2020, time.January, 6), 2},   // closer to the 10th
		{date(2020, time.January, 10), 2},  // exact
		{date(2020, time.February, 15), 3}, // after the series
	}
	for _, tt := range tests {
		p, ok := nearestPoint(history, tt.query)
		if !ok {
			t.Fatalf("nearestPoint(%s) found nothing", tt.query)
		}
		if !p.Price.Equal(decimal.NewFromInt(tt.want)) {
			t.Errorf("nearestPoint(%s) price %s, want %d", tt.query, p.Price, tt.want)
		}
	}

	if _, ok := nearestPoint(types.CoinHistory{}, date(2020, time.January, 1)); ok {
		t.Error("empty series should report no point")
	}
}
