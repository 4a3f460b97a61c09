// Package rebalance computes market-cap-weighted target allocations and the
// trades required to reach them.
package rebalance

import (
	"context"
	"fmt"

	"github.com/coinfolio/rebalancer/internal/errs"
	"github.com/coinfolio/rebalancer/pkg/types"
	"github.com/coinfolio/rebalancer/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MarketData is the slice of the market data provider the engine needs.
type MarketData interface {
	TopCoins(ctx context.Context, limit int, excluded []string) ([]types.CoinSnapshot, error)
	Prices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}

// MaxUniverseSize bounds maxCoins for both the engine and the backtest.
const MaxUniverseSize = 50

var (
	defaultFeeRate = decimal.NewFromFloat(0.005)
	// minTradeValue is the USD value below which drift trades are skipped.
	minTradeValue = decimal.NewFromInt(1)
	hundred       = decimal.NewFromInt(100)
)

// Engine calculates rebalancing recommendations. It holds no per-request
// state; a single Engine serves concurrent calls.
type Engine struct {
	logger  *zap.Logger
	market  MarketData
	feeRate decimal.Decimal
}

// NewEngine creates an engine. A zero feeRate selects the 0.5% default.
func NewEngine(logger *zap.Logger, market MarketData, feeRate decimal.Decimal) *Engine {
	if feeRate.IsZero() {
		feeRate = defaultFeeRate
	}
	return &Engine{logger: logger, market: market, feeRate: feeRate}
}

// Calculate produces target allocations and trades moving portfolio toward
// market-cap weights over the top maxCoins universe. Provider failures
// propagate classified; no partial result is ever returned.
func (e *Engine) Calculate(ctx context.Context, portfolio types.Portfolio, excludedCoins []string, maxCoins int) (*types.RebalanceResult, error) {
	if err := validatePortfolio(portfolio, maxCoins); err != nil {
		return nil, err
	}
	excludedCoins = utils.NormalizeSymbols(excludedCoins)

	universe, err := e.market.TopCoins(ctx, maxCoins, excludedCoins)
	if err != nil {
		return nil, fmt.Errorf("fetching coin universe: %w", err)
	}

	// Price the union of held symbols and universe symbols.
	union := make([]string, 0, len(portfolio.Holdings)+len(universe))
	for _, h := range portfolio.Holdings {
		union = append(union, h.Symbol)
	}
	for _, c := range universe {
		union = append(union, c.Symbol)
	}
	prices, err := e.market.Prices(ctx, utils.NormalizeSymbols(union))
	if err != nil {
		return nil, fmt.Errorf("fetching prices: %w", err)
	}
	// Universe snapshots carry prices too; use them where the spot quote
	// is missing.
	for _, c := range universe {
		if _, ok := prices[c.Symbol]; !ok {
			prices[c.Symbol] = c.Price
		}
	}

	// Current value: cash plus holdings at spot. An unpriced holding
	// contributes zero, it is not an error.
	held := make(map[string]decimal.Decimal, len(portfolio.Holdings))
	currentValue := portfolio.CashBalance
	for _, h := range portfolio.Holdings {
		symbol := utils.NormalizeSymbol(h.Symbol)
		held[symbol] = h.Amount
		currentValue = currentValue.Add(h.Amount.Mul(prices[symbol]))
	}

	totalMarketCap := decimal.Zero
	for _, c := range universe {
		totalMarketCap = totalMarketCap.Add(c.MarketCap)
	}

	result := &types.RebalanceResult{
		CurrentValue:      currentValue,
		TargetAllocations: []types.TargetAllocation{},
		Trades:            []types.Trade{},
	}

	inUniverse := make(map[string]bool, len(universe))
	if totalMarketCap.IsPositive() {
		for _, coin := range universe {
			price := prices[coin.Symbol]
			if !price.IsPositive() {
				e.logger.Warn("universe coin has no usable price", zap.String("symbol", coin.Symbol))
				continue
			}
			inUniverse[coin.Symbol] = true

			weight := coin.MarketCap.Div(totalMarketCap)
			targetValue := currentValue.Mul(weight)
			targetAmount := targetValue.Div(price)
			result.TargetAllocations = append(result.TargetAllocations, types.TargetAllocation{
				Symbol:           coin.Symbol,
				TargetPercentage: weight.Mul(hundred),
				TargetValue:      targetValue,
				TargetAmount:     targetAmount,
			})

			currentAmount := held[coin.Symbol]
			diff := targetAmount.Sub(currentAmount)
			tradeValue := diff.Abs().Mul(price)
			if tradeValue.LessThanOrEqual(minTradeValue) {
				continue
			}

			action := types.ActionBuy
			if diff.IsNegative() {
				action = types.ActionSell
			}
			trade := types.Trade{
				Symbol:         coin.Symbol,
				Action:         action,
				Amount:         diff.Abs(),
				Price:          price,
				Value:          tradeValue,
				Fee:            tradeValue.Mul(e.feeRate),
				CurrentHolding: currentAmount,
				TargetHolding:  targetAmount,
			}
			result.Trades = append(result.Trades, trade)
			if action == types.ActionBuy {
				result.Summary.TotalBuys = result.Summary.TotalBuys.Add(tradeValue)
			} else {
				result.Summary.TotalSells = result.Summary.TotalSells.Add(tradeValue)
			}
		}
	}

	// Holdings outside the universe are liquidated in full, below-threshold
	// values included.
	for _, h := range portfolio.Holdings {
		symbol := utils.NormalizeSymbol(h.Symbol)
		if inUniverse[symbol] || !h.Amount.IsPositive() {
			continue
		}
		price := prices[symbol]
		value := h.Amount.Mul(price)
		result.Trades = append(result.Trades, types.Trade{
			Symbol:         symbol,
			Action:         types.ActionSell,
			Amount:         h.Amount,
			Price:          price,
			Value:          value,
			Fee:            value.Mul(e.feeRate),
			CurrentHolding: h.Amount,
			TargetHolding:  decimal.Zero,
		})
		result.Summary.TotalSells = result.Summary.TotalSells.Add(value)
	}

	result.Summary.EstimatedFees = result.Summary.TotalBuys.Add(result.Summary.TotalSells).Mul(e.feeRate)
	return result, nil
}

func validatePortfolio(portfolio types.Portfolio, maxCoins int) error {
	if maxCoins < 1 || maxCoins > MaxUniverseSize {
		return errs.Validation("maxCoins must be between 1 and %d, got %d", MaxUniverseSize, maxCoins)
	}
	if portfolio.CashBalance.IsNegative() {
		return errs.Validation("cashBalance must not be negative")
	}
	seen := make(map[string]bool, len(portfolio.Holdings))
	for _, h := range portfolio.Holdings {
		symbol := utils.NormalizeSymbol(h.Symbol)
		if symbol == "" {
			return errs.Validation("holding symbol must not be empty")
		}
		if seen[symbol] {
			return errs.Validation("duplicate holding symbol %s", symbol)
		}
		seen[symbol] = true
		if h.Amount.IsNegative() {
			return errs.Validation("holding %s has negative amount", symbol)
		}
	}
	return nil
}
