package portfolio

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/papertrade/pkg/account"
)

// WinRate is wins / closing, or 0 when nothing was closed
func WinRate(wins, closing int) float64 {
	if closing == 0 {
		return 0
	}
	return float64(wins) / float64(closing)
}

// MaxDrawdown returns the largest peak-to-trough decline of values as a
// fraction of the peak (0.25 = 25%).
func MaxDrawdown(values []decimal.Decimal) float64 {
	var (
		peak  decimal.Decimal
		worst float64
	)
	for i, v := range values {
		if i == 0 || v.GreaterThan(peak) {
			peak = v
			continue
		}
		if !peak.IsPositive() {
			continue
		}
		dd := peak.Sub(v).Div(peak).InexactFloat64()
		if dd > worst {
			worst = dd
		}
	}
	return worst
}

// DailyReturns buckets the series by UTC day, keeps the last value of each
// day and returns the simple return between consecutive days.
func DailyReturns(points []account.EquityPoint) []float64 {
	if len(points) < 2 {
		return nil
	}
	sorted := append([]account.EquityPoint(nil), points...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	var closes []decimal.Decimal
	var lastDay time.Time
	for _, p := range sorted {
		day := p.Timestamp.UTC().Truncate(24 * time.Hour)
		if len(closes) > 0 && day.Equal(lastDay) {
			closes[len(closes)-1] = p.Value
			continue
		}
		closes = append(closes, p.Value)
		lastDay = day
	}

	out := make([]float64, 0, len(closes))
	for i := 1; i < len(closes); i++ {
		prev := closes[i-1]
		if !prev.IsPositive() {
			continue
		}
		out = append(out, closes[i].Div(prev).Sub(decimal.NewFromInt(1)).InexactFloat64())
	}
	return out
}

// Sharpe is mean(returns) / stddev(returns) using the sample deviation.
// Fewer than two returns or zero variance give 0.
func Sharpe(returns []float64) float64 {
	n := len(returns)
	if n < 2 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(n)

	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	variance := ss / float64(n-1)
	if variance <= 1e-18 {
		return 0
	}
	return mean / math.Sqrt(variance)
}

// PercentileRank places value among all values (value included):
// rank 1 is the highest, and percentile = (n - rank) / n × 100.
// Equal values share a rank.
func PercentileRank(value decimal.Decimal, all []decimal.Decimal) float64 {
	n := len(all)
	if n == 0 {
		return 0
	}
	rank := 1
	for _, v := range all {
		if v.GreaterThan(value) {
			rank++
		}
	}
	return float64(n-rank) / float64(n) * 100
}
