// Package backtest simulates periodic market-cap-weighted rebalancing over
// historical price data and computes performance metrics for the run.
package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/coinfolio/rebalancer/internal/errs"
	"github.com/coinfolio/rebalancer/internal/rebalance"
	"github.com/coinfolio/rebalancer/pkg/types"
	"github.com/coinfolio/rebalancer/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// HistoryLoader is the slice of the market data provider the simulator
// needs. Fetch fan-out and caching live behind it.
type HistoryLoader interface {
	AvailableCoins(ctx context.Context) ([]string, error)
	PriceSeries(ctx context.Context, symbols []string) (map[string]types.CoinHistory, error)
}

// minTradeValue is the USD drift below which a rebalance trade is skipped.
var minTradeValue = decimal.NewFromInt(1)

var hundred = decimal.NewFromInt(100)

// Simulator runs historical rebalancing simulations. Each Run keeps all of
// its state on the stack, so a single Simulator serves concurrent runs; the
// progress channel is shared and carries the run ID.
type Simulator struct {
	logger   *zap.Logger
	loader   HistoryLoader
	metrics  *MetricsCalculator
	progress chan types.BacktestProgress
}

// NewSimulator creates a simulator.
func NewSimulator(logger *zap.Logger, loader HistoryLoader) *Simulator {
	return &Simulator{
		logger:   logger,
		loader:   loader,
		metrics:  NewMetricsCalculator(),
		progress: make(chan types.BacktestProgress, 64),
	}
}

// Progress returns the channel carrying progress updates for running
// simulations. Updates are dropped, never blocked on, when the channel is
// full.
func (s *Simulator) Progress() <-chan types.BacktestProgress {
	return s.progress
}

// Run executes the simulation described by config and returns the portfolio
// history, rebalance events and summary metrics.
func (s *Simulator) Run(ctx context.Context, config types.BacktestConfig) (*types.BacktestResult, error) {
	return s.RunWithID(ctx, utils.GenerateID("run"), config)
}

// RunWithID is Run with a caller-chosen run ID, so callers tracking the run
// externally can correlate progress updates before the result exists.
func (s *Simulator) RunWithID(ctx context.Context, id string, config types.BacktestConfig) (*types.BacktestResult, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}

	startedAt := time.Now()

	series, err := s.loadSeries(ctx, config)
	if err != nil {
		return nil, err
	}
	dates := rebalanceDates(config)

	s.logger.Info("starting backtest",
		zap.String("id", id),
		zap.Int("coins", len(series)),
		zap.Int("periods", len(dates)-1),
		zap.String("frequency", string(config.RebalanceFrequency)),
	)

	holdings := s.initialHoldings(config, series, dates[0])
	if len(holdings) == 0 {
		return nil, errs.InsufficientData("no coin has usable historical data at %s", dates[0].Format("2006-01-02"))
	}

	history := []types.PortfolioSnapshot{buildSnapshot(dates[0], holdings, series)}
	var events []types.RebalanceEvent

	feeRate := config.TransactionFeePercent.Add(config.SlippagePercent).Div(hundred)

	for i := 0; i < len(dates)-1; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		date, next := dates[i], dates[i+1]

		// Holdings are revalued at the rebalance date implicitly: amounts
		// are unchanged by price movement, only the valuation moves.
		event := s.rebalanceOn(config, holdings, date, series, feeRate)
		if event != nil {
			events = append(events, *event)
			holdings = cloneHoldings(event.PortfolioAfter)
		}

		snapshot := buildSnapshot(next, holdings, series)
		history = append(history, snapshot)

		s.sendProgress(types.BacktestProgress{
			ID:           id,
			Status:       "running",
			Progress:     float64(i+1) / float64(len(dates)-1) * 100,
			CurrentDate:  next,
			Rebalances:   len(events),
			CurrentValue: snapshot.TotalValue,
		})
	}

	if len(history) < 2 {
		return nil, errs.InsufficientData("only %d snapshots produced", len(history))
	}

	metrics, err := s.metrics.Compute(history, events)
	if err != nil {
		return nil, fmt.Errorf("computing metrics: %w", err)
	}

	result := &types.BacktestResult{
		ID:               id,
		Config:           config,
		PortfolioHistory: history,
		RebalanceEvents:  events,
		Metrics:          metrics,
		StartedAt:        startedAt,
		CompletedAt:      time.Now(),
		Duration:         time.Since(startedAt),
	}

	s.logger.Info("backtest completed",
		zap.String("id", id),
		zap.Duration("duration", result.Duration),
		zap.Int("rebalances", len(events)),
		zap.String("totalReturn", metrics.TotalReturn.String()),
	)
	return result, nil
}

// loadSeries fetches historical series for every available, non-excluded
// coin. Empty series are dropped: such coins are never rankable.
func (s *Simulator) loadSeries(ctx context.Context, config types.BacktestConfig) (map[string]types.CoinHistory, error) {
	available, err := s.loader.AvailableCoins(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing available coins: %w", err)
	}

	excluded := make(map[string]bool)
	for _, symbol := range utils.NormalizeSymbols(config.ExcludedCoins) {
		excluded[symbol] = true
	}
	candidates := make([]string, 0, len(available))
	for _, symbol := range available {
		if !excluded[symbol] {
			candidates = append(candidates, symbol)
		}
	}
	if len(candidates) == 0 {
		return nil, errs.InsufficientData("every available coin is excluded")
	}

	series, err := s.loader.PriceSeries(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("fetching historical series: %w", err)
	}
	for symbol, h := range series {
		if len(h.Points) == 0 {
			s.logger.Warn("dropping coin with empty series", zap.String("symbol", symbol))
			delete(series, symbol)
		}
	}
	return series, nil
}

// initialHoldings bootstraps the portfolio: the top maxCoins by market cap
// at the start date get an equal share of the initial value. Later periods
// use market-cap weights; the equal-weight start is deliberate.
func (s *Simulator) initialHoldings(config types.BacktestConfig, series map[string]types.CoinHistory, start time.Time) map[string]decimal.Decimal {
	top := topByMarketCap(series, start, config.MaxCoins)
	holdings := make(map[string]decimal.Decimal)
	if len(top) == 0 {
		return holdings
	}

	perCoin := config.InitialValue.Div(decimal.NewFromInt(int64(len(top))))
	for _, symbol := range top {
		price := priceOn(series, symbol, start)
		if price.IsPositive() {
			holdings[symbol] = perCoin.Div(price)
		}
	}
	return holdings
}

// rebalanceOn computes the trades moving holdings to market-cap weights on
// date. Returns nil when no trade crosses the threshold; holdings then pass
// through unchanged.
func (s *Simulator) rebalanceOn(
	config types.BacktestConfig,
	holdings map[string]decimal.Decimal,
	date time.Time,
	series map[string]types.CoinHistory,
	feeRate decimal.Decimal,
) *types.RebalanceEvent {
	currentValue := valueOf(holdings, date, series)
	if !currentValue.IsPositive() {
		return nil
	}

	top := topByMarketCap(series, date, config.MaxCoins)
	totalMarketCap := decimal.Zero
	for _, symbol := range top {
		totalMarketCap = totalMarketCap.Add(marketCapOn(series, symbol, date))
	}
	if !totalMarketCap.IsPositive() {
		return nil
	}

	inTop := make(map[string]bool, len(top))
	target := make(map[string]decimal.Decimal, len(top))
	var trades []types.Trade
	totalFees := decimal.Zero

	for _, symbol := range top {
		inTop[symbol] = true
		price := priceOn(series, symbol, date)
		if !price.IsPositive() {
			continue
		}

		weight := marketCapOn(series, symbol, date).Div(totalMarketCap)
		targetAmount := currentValue.Mul(weight).Div(price)
		target[symbol] = targetAmount

		currentAmount := holdings[symbol]
		diff := targetAmount.Sub(currentAmount)
		value := diff.Abs().Mul(price)
		if value.LessThanOrEqual(minTradeValue) {
			continue
		}

		action := types.ActionBuy
		if diff.IsNegative() {
			action = types.ActionSell
		}
		fee := value.Mul(feeRate)
		trades = append(trades, types.Trade{
			Symbol:         symbol,
			Action:         action,
			Amount:         diff.Abs(),
			Price:          price,
			Value:          value,
			Fee:            fee,
			CurrentHolding: currentAmount,
			TargetHolding:  targetAmount,
		})
		totalFees = totalFees.Add(fee)
	}

	// Holdings that fell out of the ranked set are liquidated in full,
	// whatever their value.
	for symbol, amount := range holdings {
		if inTop[symbol] || !amount.IsPositive() {
			continue
		}
		price := priceOn(series, symbol, date)
		if !price.IsPositive() {
			s.logger.Warn("cannot price dropped holding, removing without trade",
				zap.String("symbol", symbol),
				zap.Time("date", date),
			)
			continue
		}
		value := amount.Mul(price)
		fee := value.Mul(feeRate)
		trades = append(trades, types.Trade{
			Symbol:         symbol,
			Action:         types.ActionSell,
			Amount:         amount,
			Price:          price,
			Value:          value,
			Fee:            fee,
			CurrentHolding: amount,
			TargetHolding:  decimal.Zero,
		})
		totalFees = totalFees.Add(fee)
	}

	if len(trades) == 0 {
		return nil
	}

	afterValue := currentValue.Sub(totalFees)

	// Fees come out of the portfolio: scale the target composition down so
	// the post-rebalance holdings are worth afterValue.
	factor := afterValue.Div(currentValue)
	after := make(map[string]decimal.Decimal, len(target))
	for symbol, amount := range target {
		after[symbol] = amount.Mul(factor)
	}

	return &types.RebalanceEvent{
		Date:            date,
		BeforeValue:     currentValue,
		AfterValue:      afterValue,
		Trades:          trades,
		Fees:            totalFees,
		PortfolioBefore: cloneHoldings(holdings),
		PortfolioAfter:  after,
	}
}

func valueOf(holdings map[string]decimal.Decimal, date time.Time, series map[string]types.CoinHistory) decimal.Decimal {
	total := decimal.Zero
	for symbol, amount := range holdings {
		total = total.Add(amount.Mul(priceOn(series, symbol, date)))
	}
	return total
}

func buildSnapshot(date time.Time, holdings map[string]decimal.Decimal, series map[string]types.CoinHistory) types.PortfolioSnapshot {
	snapshot := types.PortfolioSnapshot{
		Date:     date,
		Holdings: make(map[string]types.HoldingSnapshot, len(holdings)),
	}
	for symbol, amount := range holdings {
		if !amount.IsPositive() {
			continue
		}
		value := amount.Mul(priceOn(series, symbol, date))
		snapshot.Holdings[symbol] = types.HoldingSnapshot{Amount: amount, Value: value}
		snapshot.TotalValue = snapshot.TotalValue.Add(value)
	}
	if snapshot.TotalValue.IsPositive() {
		for symbol, h := range snapshot.Holdings {
			h.Percentage = h.Value.Div(snapshot.TotalValue).Mul(hundred)
			snapshot.Holdings[symbol] = h
		}
	}
	return snapshot
}

func cloneHoldings(holdings map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(holdings))
	for symbol, amount := range holdings {
		out[symbol] = amount
	}
	return out
}

// rebalanceDates generates the simulation dates: start stepped by the
// configured frequency, with the end date forced as the final entry even
// when it does not align with the step.
func rebalanceDates(config types.BacktestConfig) []time.Time {
	start := utils.Midnight(config.StartDate)
	end := utils.Midnight(config.EndDate)

	var dates []time.Time
	for d := start; !d.After(end); d = stepDate(d, config.RebalanceFrequency) {
		dates = append(dates, d)
	}
	if !utils.SameDay(dates[len(dates)-1], end) {
		dates = append(dates, end)
	}
	return dates
}

func stepDate(d time.Time, frequency types.Frequency) time.Time {
	switch frequency {
	case types.FrequencyQuarterly:
		return d.AddDate(0, 3, 0)
	case types.FrequencyYearly:
		return d.AddDate(1, 0, 0)
	default:
		return d.AddDate(0, 1, 0)
	}
}

func (s *Simulator) sendProgress(update types.BacktestProgress) {
	select {
	case s.progress <- update:
	default:
		// Nobody listening fast enough, drop the update.
	}
}

// ValidateConfig checks a simulation config without running it.
func ValidateConfig(config types.BacktestConfig) error {
	if config.StartDate.IsZero() || config.EndDate.IsZero() {
		return errs.Validation("startDate and endDate are required")
	}
	if !config.StartDate.Before(config.EndDate) {
		return errs.Validation("startDate must be before endDate")
	}
	if !config.InitialValue.IsPositive() {
		return errs.Validation("initialValue must be positive")
	}
	if !config.RebalanceFrequency.Valid() {
		return errs.Validation("unsupported rebalance frequency %q", config.RebalanceFrequency)
	}
	if config.MaxCoins < 1 || config.MaxCoins > rebalance.MaxUniverseSize {
		return errs.Validation("maxCoins must be between 1 and %d, got %d", rebalance.MaxUniverseSize, config.MaxCoins)
	}
	if config.TransactionFeePercent.IsNegative() {
		return errs.Validation("transactionFeePercent must not be negative")
	}
	if config.SlippagePercent.IsNegative() {
		return errs.Validation("slippagePercent must not be negative")
	}
	return nil
}
