package marketdata

import (
	"sort"
	"time"

	"github.com/coinfolio/rebalancer/pkg/types"
	"go.uber.org/zap"
)

// maxGapDays is the largest gap between consecutive points before the series
// is flagged in the logs. Nearest-date lookup still works across gaps.
const maxGapDays = 45

// CleanSeries drops unusable points (non-positive price), sorts the series
// ascending by date and logs quality problems. Market caps of zero are kept:
// the simulator treats them as "not rankable on that date".
func CleanSeries(logger *zap.Logger, history types.CoinHistory) types.CoinHistory {
	cleaned := types.CoinHistory{Symbol: history.Symbol, Name: history.Name}
	dropped := 0
	for _, p := range history.Points {
		if !p.Price.IsPositive() {
			dropped++
			continue
		}
		cleaned.Points = append(cleaned.Points, p)
	}
	if dropped > 0 {
		logger.Warn("dropped invalid history points",
			zap.String("symbol", history.Symbol),
			zap.Int("dropped", dropped),
		)
	}

	sort.SliceStable(cleaned.Points, func(i, j int) bool {
		return cleaned.Points[i].Date.Before(cleaned.Points[j].Date)
	})

	for i := 1; i < len(cleaned.Points); i++ {
		gap := cleaned.Points[i].Date.Sub(cleaned.Points[i-1].Date)
		if gap > maxGapDays*24*time.Hour {
			logger.Warn("large gap in history",
				zap.String("symbol", history.Symbol),
				zap.Time("from", cleaned.Points[i-1].Date),
				zap.Time("to", cleaned.Points[i].Date),
			)
		}
	}
	return cleaned
}
