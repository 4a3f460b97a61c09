package backtest

import (
	"math"

	"github.com/coinfolio/rebalancer/internal/errs"
	"github.com/coinfolio/rebalancer/pkg/types"
	"github.com/coinfolio/rebalancer/pkg/utils"
	"github.com/shopspring/decimal"
)

// riskFreeRate is the annual risk-free rate used for the Sharpe ratio.
const riskFreeRate = 0.03

const daysPerYear = 365.25

// MetricsCalculator derives summary statistics from a simulation's snapshot
// history. The statistical math runs on float64; results are converted back
// to decimal at the boundary.
type MetricsCalculator struct{}

func NewMetricsCalculator() *MetricsCalculator {
	return &MetricsCalculator{}
}

// Compute calculates performance metrics from the portfolio history and the
// rebalance events that produced it.
func (c *MetricsCalculator) Compute(history []types.PortfolioSnapshot, events []types.RebalanceEvent) (*types.BacktestMetrics, error) {
	if len(history) < 2 {
		return nil, errs.InsufficientData("need at least 2 snapshots to compute metrics, have %d", len(history))
	}

	initial, _ := history[0].TotalValue.Float64()
	final, _ := history[len(history)-1].TotalValue.Float64()
	if initial <= 0 {
		return nil, errs.Calculation("initial portfolio value is not positive")
	}

	totalReturn := (final - initial) / initial * 100

	years := utils.DaysBetween(history[0].Date, history[len(history)-1].Date) / daysPerYear
	annualized := 0.0
	if years > 0 && final > 0 {
		annualized = (math.Pow(final/initial, 1/years) - 1) * 100
	}

	returns := periodReturns(history)
	volatility := stddev(returns) * math.Sqrt(12) * 100

	sharpe := 0.0
	if volatility > 0 {
		sharpe = (annualized/100 - riskFreeRate) / (volatility / 100)
	}

	drawdown := maxDrawdown(history)
	wins := 0
	for _, r := range returns {
		if r > 0 {
			wins++
		}
	}
	winRate := 0.0
	if len(returns) > 0 {
		winRate = float64(wins) / float64(len(returns)) * 100
	}

	totalFees := decimal.Zero
	for _, event := range events {
		totalFees = totalFees.Add(event.Fees)
	}

	for name, v := range map[string]float64{
		"totalReturn":      totalReturn,
		"annualizedReturn": annualized,
		"volatility":       volatility,
		"sharpeRatio":      sharpe,
		"maxDrawdown":      drawdown,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errs.Calculation("%s is not finite", name)
		}
	}

	return &types.BacktestMetrics{
		TotalReturn:        decimal.NewFromFloat(totalReturn),
		AnnualizedReturn:   decimal.NewFromFloat(annualized),
		Volatility:         decimal.NewFromFloat(volatility),
		SharpeRatio:        decimal.NewFromFloat(sharpe),
		MaxDrawdown:        decimal.NewFromFloat(drawdown),
		WinRate:            decimal.NewFromFloat(winRate),
		TotalFees:          totalFees,
		NumberOfRebalances: len(events),
	}, nil
}

// periodReturns computes the fractional return between each consecutive
// snapshot pair. Periods starting from a non-positive value are skipped.
func periodReturns(history []types.PortfolioSnapshot) []float64 {
	returns := make([]float64, 0, len(history)-1)
	for i := 1; i < len(history); i++ {
		prev, _ := history[i-1].TotalValue.Float64()
		cur, _ := history[i].TotalValue.Float64()
		if prev > 0 {
			returns = append(returns, (cur-prev)/prev)
		}
	}
	return returns
}

// stddev is the population standard deviation.
func stddev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return math.Sqrt(variance)
}

// maxDrawdown is the largest peak-to-trough decline over the history,
// expressed as a positive percentage.
func maxDrawdown(history []types.PortfolioSnapshot) float64 {
	peak := 0.0
	worst := 0.0
	for _, snapshot := range history {
		value, _ := snapshot.TotalValue.Float64()
		if value > peak {
			peak = value
		}
		if peak > 0 {
			drawdown := (peak - value) / peak * 100
			if drawdown > worst {
				worst = drawdown
			}
		}
	}
	return worst
}
