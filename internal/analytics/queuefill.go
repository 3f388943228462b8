package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/tapelens/tapelens/internal/domain"
)

const (
	// Lookback window bounds for the trade tape.
	minLookback = 5 * time.Second
	maxLookback = 300 * time.Second

	// maxLevels bounds how many price levels one request may estimate.
	maxLevels = 5

	// bookDepth is the snapshot depth requested for queue estimation.
	bookDepth = 100

	// minTradeSample below which estimates are flagged low volume.
	minTradeSample = 10
)

// MarketSource is the cached view of the upstream REST data the estimators
// read from. Implemented by cache.MarketCache.
type MarketSource interface {
	OrderBook(ctx context.Context, symbol string, limit int) (domain.OrderBookSnapshot, []string, error)
	RecentTrades(ctx context.Context, symbol string, limit int) ([]domain.TradeRecord, []string, error)
}

// TapeSource is the live trade tape. Implemented by feed.TradeBuffer.
type TapeSource interface {
	WindowTrades(symbol string, window time.Duration) []domain.TradeRecord
	WindowComplete(symbol string, window time.Duration) bool
	Connected() bool
}

// QueueFillRequest asks for fill estimates at up to five resting price levels.
type QueueFillRequest struct {
	Symbol   string
	Side     domain.Side
	Prices   []float64
	OrderQty float64
	Lookback time.Duration
}

// LevelEstimate is the per-price result.
type LevelEstimate struct {
	Price            float64  `json:"price"`
	QueueQty         float64  `json:"queue_qty"`
	ConsumptionRate  float64  `json:"consumption_rate"`
	ETAMedianSec     *float64 `json:"eta_median_sec"`
	ETAP95Sec        *float64 `json:"eta_p95_sec"`
	FillProb30s      float64  `json:"fill_prob_30s"`
	FillProb60s      float64  `json:"fill_prob_60s"`
	AdverseSelection float64  `json:"adverse_selection"`
	Notes            []string `json:"notes,omitempty"`
}

// Recommendation names the level with the best probability/risk tradeoff.
type Recommendation struct {
	Price  float64 `json:"price"`
	Reason string  `json:"reason"`
}

// QueueFillReport is the full response for one request.
type QueueFillReport struct {
	Symbol       string          `json:"symbol"`
	Side         domain.Side     `json:"side"`
	LookbackSec  float64         `json:"lookback_sec"`
	Levels       []LevelEstimate `json:"levels"`
	MicroHealth  float64         `json:"micro_health"`
	WallRisk     string          `json:"wall_risk"`
	OBIMean      float64         `json:"obi_mean"`
	OBIStdev     float64         `json:"obi_stdev"`
	Recommended  *Recommendation `json:"recommended,omitempty"`
	QualityFlags []string        `json:"quality_flags"`
}

// QueueFillEstimator computes queue position, consumption rate, ETA
// percentiles, fill probabilities, and adverse-selection scores for resting
// limit orders.
type QueueFillEstimator struct {
	market   MarketSource
	tape     TapeSource
	registry *domain.SymbolRegistry
	logger   *slog.Logger
}

// NewQueueFillEstimator creates an estimator. tape may be nil, in which case
// trade flow always comes from the cached REST tape.
func NewQueueFillEstimator(market MarketSource, tape TapeSource, registry *domain.SymbolRegistry, logger *slog.Logger) *QueueFillEstimator {
	return &QueueFillEstimator{
		market:   market,
		tape:     tape,
		registry: registry,
		logger:   logger.With(slog.String("component", "queue_fill")),
	}
}

// Estimate validates the request, gathers the freshest book and tape, and
// returns per-level estimates plus a market summary. Sparse data degrades via
// quality flags; only invalid input or a cold failed fetch returns an error.
func (e *QueueFillEstimator) Estimate(ctx context.Context, req QueueFillRequest) (QueueFillReport, error) {
	if err := e.validate(&req); err != nil {
		return QueueFillReport{}, err
	}

	report := QueueFillReport{
		Symbol:       req.Symbol,
		Side:         req.Side,
		LookbackSec:  req.Lookback.Seconds(),
		QualityFlags: []string{},
	}

	snap, flags, err := e.market.OrderBook(ctx, req.Symbol, bookDepth)
	if err != nil {
		return QueueFillReport{}, fmt.Errorf("analytics: queue fill %s: %w", req.Symbol, err)
	}
	report.QualityFlags = mergeFlags(report.QualityFlags, flags)

	trades, tapeFlags := e.lookbackTrades(ctx, req.Symbol, req.Lookback)
	report.QualityFlags = mergeFlags(report.QualityFlags, tapeFlags)

	flow := tapeStats(trades)
	if flow.Count < minTradeSample {
		report.QualityFlags = mergeFlags(report.QualityFlags, []string{domain.FlagLowTradeVolume})
	}

	rate := e.consumptionRate(trades, req.Side, req.Lookback)
	if rate < epsilon {
		report.QualityFlags = mergeFlags(report.QualityFlags, []string{domain.FlagZeroConsumption})
	}

	if len(snap.Bids) == 0 && len(snap.Asks) == 0 {
		report.QualityFlags = mergeFlags(report.QualityFlags, []string{domain.FlagInsufficientData})
		return report, nil
	}

	obiMean, obiStdev := staggeredImbalance(snap, 5, 4)
	report.OBIMean = round4(obiMean)
	report.OBIStdev = round4(obiStdev)
	report.WallRisk = wallRiskLevel(opposingLevels(snap, req.Side), 20)
	report.MicroHealth = round2(microHealthScore(snap, flow, obiStdev, report.WallRisk))

	for _, price := range req.Prices {
		report.Levels = append(report.Levels, e.estimateLevel(snap, flow, req, price, rate))
	}
	report.Recommended = recommend(report.Levels)

	return report, nil
}

func (e *QueueFillEstimator) validate(req *QueueFillRequest) error {
	if _, err := e.registry.Validate(req.Symbol); err != nil {
		return err
	}
	if !req.Side.Valid() {
		return fmt.Errorf("analytics: side %q: %w", req.Side, domain.ErrValidation)
	}
	if len(req.Prices) == 0 || len(req.Prices) > maxLevels {
		return fmt.Errorf("analytics: %d price levels (1..%d allowed): %w", len(req.Prices), maxLevels, domain.ErrValidation)
	}
	for _, p := range req.Prices {
		if p <= 0 {
			return fmt.Errorf("analytics: price %v: %w", p, domain.ErrValidation)
		}
	}
	if req.OrderQty < 0 {
		return fmt.Errorf("analytics: order qty %v: %w", req.OrderQty, domain.ErrValidation)
	}
	if req.Lookback < minLookback {
		req.Lookback = minLookback
	}
	if req.Lookback > maxLookback {
		req.Lookback = maxLookback
	}
	return nil
}

// lookbackTrades prefers the live tape when it is connected and covers the
// window; otherwise it falls back to the cached REST tape.
func (e *QueueFillEstimator) lookbackTrades(ctx context.Context, symbol string, lookback time.Duration) ([]domain.TradeRecord, []string) {
	if e.tape != nil && e.tape.Connected() {
		trades := e.tape.WindowTrades(symbol, lookback)
		if e.tape.WindowComplete(symbol, lookback) {
			return trades, nil
		}
		if len(trades) > 0 {
			return trades, []string{domain.FlagIncompleteWindow}
		}
	}

	var flags []string
	if e.tape != nil && !e.tape.Connected() {
		flags = append(flags, domain.FlagWSDisconnected)
	}
	trades, fetchFlags, err := e.market.RecentTrades(ctx, symbol, 1000)
	if err != nil {
		e.logger.Warn("tape fallback fetch failed", slog.String("symbol", symbol), slog.Any("error", err))
		return nil, append(flags, domain.FlagInsufficientData)
	}
	return trades, mergeFlags(flags, fetchFlags)
}

// consumptionRate returns opposing-aggressor volume per second: sell
// aggressors consume resting buys and vice versa.
func (e *QueueFillEstimator) consumptionRate(trades []domain.TradeRecord, side domain.Side, lookback time.Duration) float64 {
	opp := side.Opposite()
	var vol float64
	for _, tr := range trades {
		if tr.AggressorSide() == opp {
			vol += tr.Qty
		}
	}
	secs := lookback.Seconds()
	if secs < epsilon {
		return 0
	}
	return vol / secs
}

func (e *QueueFillEstimator) estimateLevel(snap domain.OrderBookSnapshot, flow flowStats, req QueueFillRequest, price, rate float64) LevelEstimate {
	est := LevelEstimate{
		Price:           price,
		QueueQty:        queueAhead(snap, req.Side, price) + req.OrderQty,
		ConsumptionRate: round4(rate),
	}

	est.FillProb30s = fillProbability(est.QueueQty, rate, 30)
	est.FillProb60s = fillProbability(est.QueueQty, rate, 60)

	if est.QueueQty < epsilon {
		zero := 0.0
		est.ETAMedianSec = &zero
		est.ETAP95Sec = &zero
	} else if rate >= epsilon {
		p50 := round2(math.Ln2 * est.QueueQty / rate)
		p95 := round2(math.Log(20) * est.QueueQty / rate)
		est.ETAMedianSec = &p50
		est.ETAP95Sec = &p95
	}

	est.AdverseSelection, est.Notes = adverseSelection(snap, flow, req.Side, price)
	return est
}

// queueAhead sums the resting quantity that fills before an order at price:
// same-side depth at and better than the target price.
func queueAhead(snap domain.OrderBookSnapshot, side domain.Side, price float64) float64 {
	var qty float64
	if side == domain.SideBuy {
		for _, lvl := range snap.Bids {
			if lvl.Price >= price-epsilon {
				qty += lvl.Qty
			}
		}
	} else {
		for _, lvl := range snap.Asks {
			if lvl.Price <= price+epsilon {
				qty += lvl.Qty
			}
		}
	}
	return qty
}

// fillProbability is 1 - exp(-rate*t/queue), clamped to [0,1]. An empty
// queue fills immediately.
func fillProbability(queue, rate, horizonSec float64) float64 {
	if queue < epsilon {
		return 1
	}
	if rate < epsilon {
		return 0
	}
	return clamp(1-math.Exp(-rate*horizonSec/queue), 0, 1)
}

// adverseSelection scores 0-100 how likely a fill at price precedes further
// movement against the order. Contributions: tape flow opposing the order,
// book imbalance opposing, price momentum against, and outsized opposing
// trades. At most two notes accompany the score.
func adverseSelection(snap domain.OrderBookSnapshot, flow flowStats, side domain.Side, price float64) (float64, []string) {
	var score float64
	var notes []string

	// Positive opposition means flow/book/momentum working against the order.
	sign := 1.0
	if side == domain.SideBuy {
		sign = -1.0
	}

	switch opp := sign * flow.Imbalance(); {
	case opp > 0.3:
		score += 30
		notes = append(notes, "aggressive flow strongly against this side")
	case opp > 0.1:
		score += 15
		notes = append(notes, "aggressive flow leaning against this side")
	}

	switch opp := sign * bookImbalance(snap, 5); {
	case opp > 0.3:
		score += 25
		if len(notes) < 2 {
			notes = append(notes, "top-of-book depth skewed against this side")
		}
	case opp > 0.15:
		score += 10
		if len(notes) < 2 {
			notes = append(notes, "book depth leaning against this side")
		}
	}

	if sign*flow.Momentum() > 0.001 {
		score += 20
		if len(notes) < 2 {
			notes = append(notes, "price momentum moving through this level")
		}
	}

	if hasLargeOpposingTrade(flow, side) {
		score += 15
		if len(notes) < 2 {
			notes = append(notes, "outsized opposing prints on the tape")
		}
	}

	// Resting far through the mid fills mostly when price is running; a level
	// at or beyond mid on the wrong side adds distance risk.
	if mid := snap.MidPrice(); mid > 0 {
		if (side == domain.SideBuy && price >= mid) || (side == domain.SideSell && price <= mid) {
			score += 10
		}
	}

	return clamp(score, 0, 100), notes
}

// hasLargeOpposingTrade reports whether opposing volume dominates with few,
// large prints rather than steady flow.
func hasLargeOpposingTrade(flow flowStats, side domain.Side) bool {
	opp := flow.SellVolume
	if side == domain.SideSell {
		opp = flow.BuyVolume
	}
	if flow.Count == 0 || flow.AvgQty < epsilon {
		return false
	}
	return opp > 3*flow.AvgQty
}

// recommend picks the level minimizing -0.4*p60 + 0.006*adverse.
func recommend(levels []LevelEstimate) *Recommendation {
	if len(levels) == 0 {
		return nil
	}
	best := 0
	bestScore := math.Inf(1)
	for i, lvl := range levels {
		score := -0.4*lvl.FillProb60s + 0.006*lvl.AdverseSelection
		if score < bestScore {
			bestScore = score
			best = i
		}
	}
	lvl := levels[best]
	return &Recommendation{
		Price: lvl.Price,
		Reason: fmt.Sprintf("best fill odds for the risk: p60=%.2f, adverse=%.0f",
			lvl.FillProb60s, lvl.AdverseSelection),
	}
}

// mergeFlags appends flags not already present, preserving order.
func mergeFlags(dst, src []string) []string {
	for _, f := range src {
		seen := false
		for _, d := range dst {
			if d == f {
				seen = true
				break
			}
		}
		if !seen {
			dst = append(dst, f)
		}
	}
	return dst
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
