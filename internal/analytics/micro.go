// Package analytics implements the statistical estimators over market data:
// queue-fill probability, volume profile, and liquidity-wall persistence.
// All reports carry a quality_flags list that is empty on a clean computation;
// sparse data degrades the result and sets flags rather than failing.
package analytics

import (
	"math"

	"github.com/tapelens/tapelens/internal/domain"
)

// epsilon below which rates and quantities are treated as zero.
const epsilon = 1e-9

// bookImbalance returns the signed order book imbalance over the top depth
// levels: (bidQty - askQty) / (bidQty + askQty), in [-1, 1]. Zero when both
// sides are empty.
func bookImbalance(snap domain.OrderBookSnapshot, depth int) float64 {
	var bid, ask float64
	for i, lvl := range snap.Bids {
		if i >= depth {
			break
		}
		bid += lvl.Qty
	}
	for i, lvl := range snap.Asks {
		if i >= depth {
			break
		}
		ask += lvl.Qty
	}
	total := bid + ask
	if total < epsilon {
		return 0
	}
	return (bid - ask) / total
}

// staggeredImbalance computes the imbalance at increasing depths (5, 10, ...)
// and returns the mean and standard deviation. The spread of values across
// depths measures how stable the book's skew is.
func staggeredImbalance(snap domain.OrderBookSnapshot, step, windows int) (mean, stdev float64) {
	if step <= 0 || windows <= 0 {
		return 0, 0
	}
	vals := make([]float64, 0, windows)
	for i := 1; i <= windows; i++ {
		vals = append(vals, bookImbalance(snap, i*step))
	}
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	for _, v := range vals {
		stdev += (v - mean) * (v - mean)
	}
	stdev = math.Sqrt(stdev / float64(len(vals)))
	return mean, stdev
}

// flowStats summarizes the trade tape over a lookback window.
type flowStats struct {
	BuyVolume  float64
	SellVolume float64
	Count      int
	AvgQty     float64
	FirstPrice float64
	LastPrice  float64
}

// Imbalance returns (buy - sell) / total volume, in [-1, 1].
func (f flowStats) Imbalance() float64 {
	total := f.BuyVolume + f.SellVolume
	if total < epsilon {
		return 0
	}
	return (f.BuyVolume - f.SellVolume) / total
}

// Momentum returns the relative price change across the window.
func (f flowStats) Momentum() float64 {
	if f.FirstPrice < epsilon {
		return 0
	}
	return (f.LastPrice - f.FirstPrice) / f.FirstPrice
}

func tapeStats(trades []domain.TradeRecord) flowStats {
	var st flowStats
	var totalQty float64
	for _, tr := range trades {
		if tr.AggressorSide() == domain.SideBuy {
			st.BuyVolume += tr.Qty
		} else {
			st.SellVolume += tr.Qty
		}
		totalQty += tr.Qty
		st.Count++
		if st.FirstPrice == 0 {
			st.FirstPrice = tr.Price
		}
		st.LastPrice = tr.Price
	}
	if st.Count > 0 {
		st.AvgQty = totalQty / float64(st.Count)
	}
	return st
}

// opposingLevels returns the book side that trades against an order of the
// given side: asks for a resting buy, bids for a resting sell.
func opposingLevels(snap domain.OrderBookSnapshot, side domain.Side) []domain.PriceLevel {
	if side == domain.SideBuy {
		return snap.Asks
	}
	return snap.Bids
}

// wallRiskLevel classifies how lumpy the top opposing depth is: the largest
// single level measured against 5x the average of the top levels.
func wallRiskLevel(levels []domain.PriceLevel, topN int) string {
	if len(levels) == 0 {
		return "low"
	}
	if topN > len(levels) {
		topN = len(levels)
	}
	var sum, max float64
	for _, lvl := range levels[:topN] {
		sum += lvl.Qty
		if lvl.Qty > max {
			max = lvl.Qty
		}
	}
	avg := sum / float64(topN)
	if avg < epsilon {
		return "low"
	}
	switch ratio := max / avg; {
	case ratio >= 5:
		return "high"
	case ratio >= 3:
		return "medium"
	default:
		return "low"
	}
}

// microHealthScore folds spread, imbalance stability, flow balance, and depth
// lumpiness into a 0-100 market-health score. 100 is a tight, balanced, deep
// book with two-sided flow.
func microHealthScore(snap domain.OrderBookSnapshot, flow flowStats, obiStdev float64, wallRisk string) float64 {
	score := 100.0

	// Spread: no penalty at or under 1bp, full 25 at 10bp or wider.
	if bps := snap.SpreadBps(); bps > 1 {
		score -= math.Min(25, (bps-1)/9*25)
	}

	// Imbalance instability across staggered depths.
	score -= math.Min(25, obiStdev*100)

	// One-sided tape.
	score -= math.Min(25, math.Abs(flow.Imbalance())*25)

	// Lumpy opposing depth.
	switch wallRisk {
	case "high":
		score -= 25
	case "medium":
		score -= 12
	}

	return clamp(score, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

// median of a slice; the input is not modified.
func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
