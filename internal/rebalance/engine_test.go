package rebalance_test

import (
	"context"
	"reflect"
	"testing"

	"github.com/coinfolio/rebalancer/internal/errs"
	"github.com/coinfolio/rebalancer/internal/marketdata"
	"github.com/coinfolio/rebalancer/internal/rebalance"
	"github.com/coinfolio/rebalancer/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var weightTolerance = decimal.NewFromFloat(1e-6)

func marketSnapshots() []types.CoinSnapshot {
	return []types.CoinSnapshot{
		{Symbol: "BTC", Name: "Bitcoin", Price: decimal.NewFromInt(50000), MarketCap: decimal.NewFromFloat(1e12)},
		{Symbol: "ETH", Name: "Ethereum", Price: decimal.NewFromInt(3000), MarketCap: decimal.NewFromFloat(4e11)},
		{Symbol: "USDT", Name: "Tether", Price: decimal.NewFromInt(1), MarketCap: decimal.NewFromFloat(1e11)},
	}
}

func newEngine(t *testing.T) *rebalance.Engine {
	t.Helper()
	provider := marketdata.NewMemoryProvider(marketSnapshots(), nil)
	return rebalance.NewEngine(zap.NewNop(), provider, decimal.Zero)
}

func TestCalculateCurrentValueAndWeights(t *testing.T) {
	engine := newEngine(t)
	portfolio := types.Portfolio{
		Holdings: []types.Holding{
			{Symbol: "BTC", Amount: decimal.NewFromFloat(0.5)},
			{Symbol: "ETH", Amount: decimal.NewFromInt(10)},
		},
		CashBalance: decimal.NewFromInt(5000),
	}

	result, err := engine.Calculate(context.Background(), portfolio, nil, 3)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}

	// 0.5*50000 + 10*3000 + 5000
	if !result.CurrentValue.Equal(decimal.NewFromInt(60000)) {
		t.Errorf("currentValue = %s, want 60000", result.CurrentValue)
	}

	// BTC weight = 1e12 / 1.5e12.
	wantBTC := decimal.NewFromFloat(100.0 * 10.0 / 15.0)
	var btcPct decimal.Decimal
	sum := decimal.Zero
	for _, a := range result.TargetAllocations {
		sum = sum.Add(a.TargetPercentage)
		if a.Symbol == "BTC" {
			btcPct = a.TargetPercentage
		}
	}
	if btcPct.Sub(wantBTC).Abs().GreaterThan(decimal.NewFromFloat(0.01)) {
		t.Errorf("BTC percentage = %s, want ~66.67", btcPct)
	}
	if sum.Sub(decimal.NewFromInt(100)).Abs().GreaterThan(weightTolerance) {
		t.Errorf("weights sum to %s, want 100", sum)
	}
}

func TestCalculateTradeConservation(t *testing.T) {
	engine := newEngine(t)
	portfolio := types.Portfolio{
		Holdings: []types.Holding{
			{Symbol: "BTC", Amount: decimal.NewFromInt(1)},
		},
		CashBalance: decimal.NewFromInt(10000),
	}

	result, err := engine.Calculate(context.Background(), portfolio, nil, 3)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}

	for _, trade := range result.Trades {
		signed := trade.Amount
		if trade.Action == types.ActionSell {
			signed = signed.Neg()
		}
		if !trade.CurrentHolding.Add(signed).Equal(trade.TargetHolding) {
			t.Errorf("%s: current %s + diff %s != target %s",
				trade.Symbol, trade.CurrentHolding, signed, trade.TargetHolding)
		}
	}
}

func TestCalculateExclusionInvariant(t *testing.T) {
	engine := newEngine(t)
	portfolio := types.Portfolio{CashBalance: decimal.NewFromInt(10000)}

	result, err := engine.Calculate(context.Background(), portfolio, []string{"usdt"}, 2)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}

	if len(result.TargetAllocations) > 2 {
		t.Errorf("universe size = %d, want <= 2", len(result.TargetAllocations))
	}
	for _, a := range result.TargetAllocations {
		if a.Symbol == "USDT" {
			t.Error("excluded coin in target allocations")
		}
	}
	for _, trade := range result.Trades {
		if trade.Symbol == "USDT" && trade.Action == types.ActionBuy {
			t.Error("excluded coin bought")
		}
	}
}

func TestCalculateLiquidatesDroppedHoldings(t *testing.T) {
	engine := newEngine(t)
	portfolio := types.Portfolio{
		Holdings: []types.Holding{
			{Symbol: "OBSCURE", Amount: decimal.NewFromInt(1000)},
		},
	}

	result, err := engine.Calculate(context.Background(), portfolio, nil, 1)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}

	var liquidations int
	for _, trade := range result.Trades {
		if trade.Symbol != "OBSCURE" {
			continue
		}
		liquidations++
		if trade.Action != types.ActionSell {
			t.Errorf("action = %s, want SELL", trade.Action)
		}
		if !trade.Amount.Equal(decimal.NewFromInt(1000)) {
			t.Errorf("amount = %s, want full 1000", trade.Amount)
		}
		if !trade.TargetHolding.IsZero() {
			t.Errorf("target = %s, want 0", trade.TargetHolding)
		}
	}
	if liquidations != 1 {
		t.Errorf("liquidation trades = %d, want exactly 1", liquidations)
	}
}

func TestCalculateSkipsTradesBelowThreshold(t *testing.T) {
	provider := marketdata.NewMemoryProvider([]types.CoinSnapshot{
		{Symbol: "BTC", Name: "Bitcoin", Price: decimal.NewFromInt(50000), MarketCap: decimal.NewFromFloat(1e12)},
	}, nil)
	engine := rebalance.NewEngine(zap.NewNop(), provider, decimal.Zero)

	// Single-coin universe: target is 100% of value. Holding 1 BTC plus
	// $0.50 cash puts the drift at exactly fifty cents.
	portfolio := types.Portfolio{
		Holdings:    []types.Holding{{Symbol: "BTC", Amount: decimal.NewFromInt(1)}},
		CashBalance: decimal.NewFromFloat(0.5),
	}

	result, err := engine.Calculate(context.Background(), portfolio, nil, 1)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	if len(result.Trades) != 0 {
		t.Errorf("trades = %d, want 0 (drift below $1)", len(result.Trades))
	}
}

func TestCalculateIdempotent(t *testing.T) {
	engine := newEngine(t)
	portfolio := types.Portfolio{
		Holdings: []types.Holding{
			{Symbol: "BTC", Amount: decimal.NewFromFloat(0.25)},
			{Symbol: "DOGE", Amount: decimal.NewFromInt(500)},
		},
		CashBalance: decimal.NewFromInt(2500),
	}

	first, err := engine.Calculate(context.Background(), portfolio, []string{"USDT"}, 2)
	if err != nil {
		t.Fatalf("first Calculate failed: %v", err)
	}
	second, err := engine.Calculate(context.Background(), portfolio, []string{"USDT"}, 2)
	if err != nil {
		t.Fatalf("second Calculate failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("identical inputs produced different results")
	}
}

func TestCalculateValidation(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		portfolio types.Portfolio
		maxCoins  int
	}{
		{"maxCoins too small", types.Portfolio{}, 0},
		{"maxCoins too large", types.Portfolio{}, 51},
		{"negative cash", types.Portfolio{CashBalance: decimal.NewFromInt(-1)}, 5},
		{"negative amount", types.Portfolio{Holdings: []types.Holding{
			{Symbol: "BTC", Amount: decimal.NewFromInt(-1)},
		}}, 5},
		{"duplicate symbol", types.Portfolio{Holdings: []types.Holding{
			{Symbol: "BTC", Amount: decimal.NewFromInt(1)},
			{Symbol: "btc", Amount: decimal.NewFromInt(2)},
		}}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Calculate(ctx, tt.portfolio, nil, tt.maxCoins)
			if errs.CodeOf(err) != errs.CodeValidation {
				t.Errorf("code = %s, want %s", errs.CodeOf(err), errs.CodeValidation)
			}
		})
	}
}
