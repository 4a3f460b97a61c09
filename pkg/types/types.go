// Package types provides the shared domain types for the rebalancer backend.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeAction is the direction of a recommended trade.
type TradeAction string

const (
	ActionBuy  TradeAction = "BUY"
	ActionSell TradeAction = "SELL"
)

// Frequency is how often the backtest rebalances.
type Frequency string

const (
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyYearly    Frequency = "yearly"
)

// Valid reports whether the frequency is one of the supported values.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyMonthly, FrequencyQuarterly, FrequencyYearly:
		return true
	}
	return false
}

// Holding is a quantity of a single asset. Amount is a unit quantity,
// not a currency value.
type Holding struct {
	Symbol string          `json:"symbol"`
	Amount decimal.Decimal `json:"amount"`
}

// Portfolio is the caller's current position set.
type Portfolio struct {
	Holdings    []Holding       `json:"holdings"`
	CashBalance decimal.Decimal `json:"cashBalance"`
}

// CoinSnapshot is one coin in the ranked market universe.
type CoinSnapshot struct {
	Rank      int             `json:"rank"`
	Symbol    string          `json:"symbol"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	MarketCap decimal.Decimal `json:"marketCap"`
	Change24h float64         `json:"change24h"`
	Volume24h decimal.Decimal `json:"volume24h"`
}

// CoinListing is a lightweight search result.
type CoinListing struct {
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
	Logo   string `json:"logo,omitempty"`
}

// TargetAllocation is the market-cap-weighted target for one universe coin.
type TargetAllocation struct {
	Symbol           string          `json:"symbol"`
	TargetPercentage decimal.Decimal `json:"targetPercentage"`
	TargetValue      decimal.Decimal `json:"targetValue"`
	TargetAmount     decimal.Decimal `json:"targetAmount"`
}

// Trade is a recommended or simulated portfolio adjustment.
type Trade struct {
	Symbol         string          `json:"symbol"`
	Action         TradeAction     `json:"action"`
	Amount         decimal.Decimal `json:"amount"`
	Price          decimal.Decimal `json:"price"`
	Value          decimal.Decimal `json:"value"`
	Fee            decimal.Decimal `json:"fee"`
	CurrentHolding decimal.Decimal `json:"currentHolding"`
	TargetHolding  decimal.Decimal `json:"targetHolding"`
}

// RebalanceSummary totals the trades in a RebalanceResult.
type RebalanceSummary struct {
	TotalBuys     decimal.Decimal `json:"totalBuys"`
	TotalSells    decimal.Decimal `json:"totalSells"`
	EstimatedFees decimal.Decimal `json:"estimatedFees"`
}

// RebalanceResult is the output of a single rebalancing calculation.
type RebalanceResult struct {
	CurrentValue      decimal.Decimal    `json:"currentValue"`
	TargetAllocations []TargetAllocation `json:"targetAllocations"`
	Trades            []Trade            `json:"trades"`
	Summary           RebalanceSummary   `json:"summary"`
}

// HoldingSnapshot is one position inside a PortfolioSnapshot.
type HoldingSnapshot struct {
	Amount     decimal.Decimal `json:"amount"`
	Value      decimal.Decimal `json:"value"`
	Percentage decimal.Decimal `json:"percentage"`
}

// PortfolioSnapshot is the simulated portfolio state on one date.
type PortfolioSnapshot struct {
	Date       time.Time                  `json:"date"`
	TotalValue decimal.Decimal            `json:"totalValue"`
	Holdings   map[string]HoldingSnapshot `json:"holdings"`
}

// RebalanceEvent records one simulated rebalance that produced trades.
type RebalanceEvent struct {
	Date            time.Time                  `json:"date"`
	BeforeValue     decimal.Decimal            `json:"beforeValue"`
	AfterValue      decimal.Decimal            `json:"afterValue"`
	Trades          []Trade                    `json:"trades"`
	Fees            decimal.Decimal            `json:"fees"`
	PortfolioBefore map[string]decimal.Decimal `json:"portfolioBefore"`
	PortfolioAfter  map[string]decimal.Decimal `json:"portfolioAfter"`
}

// BacktestConfig configures a historical simulation run.
type BacktestConfig struct {
	StartDate             time.Time       `json:"startDate"`
	EndDate               time.Time       `json:"endDate"`
	InitialValue          decimal.Decimal `json:"initialValue"`
	RebalanceFrequency    Frequency       `json:"rebalanceFrequency"`
	TransactionFeePercent decimal.Decimal `json:"transactionFeePercent"`
	SlippagePercent       decimal.Decimal `json:"slippagePercent"`
	MaxCoins              int             `json:"maxCoins"`
	ExcludedCoins         []string        `json:"excludedCoins"`
}

// BacktestMetrics summarizes a completed simulation. Percentage fields are
// expressed in percent (34.2 means 34.2%), not fractions.
type BacktestMetrics struct {
	TotalReturn        decimal.Decimal `json:"totalReturn"`
	AnnualizedReturn   decimal.Decimal `json:"annualizedReturn"`
	Volatility         decimal.Decimal `json:"volatility"`
	SharpeRatio        decimal.Decimal `json:"sharpeRatio"`
	MaxDrawdown        decimal.Decimal `json:"maxDrawdown"`
	WinRate            decimal.Decimal `json:"winRate"`
	TotalFees          decimal.Decimal `json:"totalFees"`
	NumberOfRebalances int             `json:"numberOfRebalances"`
}

// BacktestResult is the full output of a simulation run.
type BacktestResult struct {
	ID               string              `json:"id"`
	Config           BacktestConfig      `json:"config"`
	PortfolioHistory []PortfolioSnapshot `json:"portfolioHistory"`
	RebalanceEvents  []RebalanceEvent    `json:"rebalanceEvents"`
	Metrics          *BacktestMetrics    `json:"metrics"`
	StartedAt        time.Time           `json:"startedAt"`
	CompletedAt      time.Time           `json:"completedAt"`
	Duration         time.Duration       `json:"duration"`
}

// BacktestProgress reports the state of a running simulation.
type BacktestProgress struct {
	ID           string          `json:"id"`
	Status       string          `json:"status"`   // "running", "completed", "failed"
	Progress     float64         `json:"progress"` // 0-100
	CurrentDate  time.Time       `json:"currentDate"`
	Rebalances   int             `json:"rebalances"`
	CurrentValue decimal.Decimal `json:"currentValue"`
	Error        string          `json:"error,omitempty"`
}

// HistoryPoint is one daily observation in a coin's historical series.
type HistoryPoint struct {
	Date      time.Time       `json:"date"`
	Price     decimal.Decimal `json:"price"`
	MarketCap decimal.Decimal `json:"marketCap"`
	Volume    decimal.Decimal `json:"volume"`
}

// CoinHistory is a coin's full historical series, sorted ascending by date.
type CoinHistory struct {
	Symbol string         `json:"symbol"`
	Name   string         `json:"name"`
	Points []HistoryPoint `json:"points"`
}
