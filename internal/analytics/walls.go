package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/tapelens/tapelens/internal/cache"
	"github.com/tapelens/tapelens/internal/domain"
)

// BookSampler takes fresh order book snapshots, bypassing the read cache so
// consecutive samples are distinct. Implemented by cache.MarketCache.
type BookSampler interface {
	ForceOrderBook(ctx context.Context, symbol string, limit int) (domain.OrderBookSnapshot, []string, error)
}

// BurstSignal reports sustained high request demand. Implemented by
// governor.Governor.
type BurstSignal interface {
	BurstMode() bool
}

// WallConfig tunes the sampling session and candidate detection.
type WallConfig struct {
	Samples     int           // snapshots per session
	Interval    time.Duration // spacing between snapshots
	TopN        int           // book levels inspected per side
	SizeRatio   float64       // wall qty threshold vs median of top levels
	MinNotional float64       // ignore walls below this price*qty
	ToleranceBp float64       // price band for matching walls across samples
	ResultTTL   time.Duration // identical sessions within this window reuse the report
}

// DefaultWallConfig samples the book five times half a second apart and
// flags levels at 3x the median of the top twenty.
func DefaultWallConfig() WallConfig {
	return WallConfig{
		Samples:     5,
		Interval:    500 * time.Millisecond,
		TopN:        20,
		SizeRatio:   3.0,
		MinNotional: 50_000,
		ToleranceBp: 2,
		ResultTTL:   time.Minute,
	}
}

// Wall is one tracked resting level aggregated across the sampling session.
type Wall struct {
	Price       float64     `json:"price"`
	Side        domain.Side `json:"side"`
	AvgQty      float64     `json:"avg_qty"`
	MaxQty      float64     `json:"max_qty"`
	SizeRatio   float64     `json:"size_ratio"`
	Persistence float64     `json:"persistence"`
	SeenSamples int         `json:"seen_samples"`
}

// WallReport is the result of one sampling session.
type WallReport struct {
	Symbol       string        `json:"symbol"`
	Samples      int           `json:"samples"`
	IntervalMs   int64         `json:"interval_ms"`
	Walls        []Wall        `json:"walls"`
	SpoofRisk    float64       `json:"spoof_risk"`
	OBIMean      float64       `json:"obi_mean"`
	OBIStdev     float64       `json:"obi_stdev"`
	Magnets      []MagnetLevel `json:"magnets"`
	AvoidZones   []AvoidZone   `json:"avoid_zones"`
	QualityFlags []string      `json:"quality_flags"`
}

// WallTracker samples order book depth repeatedly, tracks which large levels
// persist across samples, and scores the likelihood that the big ones are
// spoofed.
type WallTracker struct {
	sampler  BookSampler
	burst    BurstSignal
	results  *cache.ResultCache
	registry *domain.SymbolRegistry
	cfg      WallConfig
	logger   *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewWallTracker creates a tracker. burst may be nil when no governor is
// wired, in which case sessions always run at full sample count.
func NewWallTracker(sampler BookSampler, burst BurstSignal, cfg WallConfig, registry *domain.SymbolRegistry, logger *slog.Logger) *WallTracker {
	return &WallTracker{
		sampler:  sampler,
		burst:    burst,
		results:  cache.NewResultCache(cfg.ResultTTL),
		registry: registry,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "wall_tracker")),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Track runs a sampling session for the symbol. Identical sessions within the
// result TTL return the cached report marked as a cache hit. Under governor
// burst mode the session degrades to a single sample instead of failing.
func (t *WallTracker) Track(ctx context.Context, symbol string) (WallReport, error) {
	info, err := t.registry.Validate(symbol)
	if err != nil {
		return WallReport{}, err
	}

	key := fmt.Sprintf("walls:%s:%d:%s", info.Symbol, t.cfg.Samples, t.cfg.Interval)
	v, cached, err := t.results.GetOrCompute(ctx, key, func(ctx context.Context) (any, error) {
		report, err := t.sample(ctx, info)
		if err != nil {
			return nil, err
		}
		return report, nil
	})
	if err != nil {
		return WallReport{}, err
	}

	report := v.(WallReport)
	if cached {
		report.QualityFlags = mergeFlags(report.QualityFlags, []string{domain.FlagCacheHit})
	}
	return report, nil
}

// sample takes the snapshots and aggregates them into a report.
func (t *WallTracker) sample(ctx context.Context, info domain.SymbolInfo) (WallReport, error) {
	n := t.cfg.Samples
	report := WallReport{
		Symbol:       info.Symbol,
		IntervalMs:   t.cfg.Interval.Milliseconds(),
		QualityFlags: []string{},
	}

	if t.burst != nil && t.burst.BurstMode() {
		n = 1
		report.QualityFlags = append(report.QualityFlags, domain.FlagBurstModeReduced)
		t.logger.Info("burst mode, reducing wall samples", slog.String("symbol", info.Symbol))
	}
	report.Samples = n
	if n < 3 {
		report.QualityFlags = mergeFlags(report.QualityFlags, []string{domain.FlagLowSampleCount})
	}

	var snaps []domain.OrderBookSnapshot
	for i := 0; i < n; i++ {
		if i > 0 {
			if err := t.sleep(ctx, t.cfg.Interval); err != nil {
				return WallReport{}, fmt.Errorf("analytics: wall sample %s: %w", info.Symbol, err)
			}
		}
		snap, flags, err := t.sampler.ForceOrderBook(ctx, info.Symbol, t.cfg.TopN)
		if err != nil {
			return WallReport{}, fmt.Errorf("analytics: wall sample %s: %w", info.Symbol, err)
		}
		report.QualityFlags = mergeFlags(report.QualityFlags, flags)
		snaps = append(snaps, snap)
	}

	report.OBIMean, report.OBIStdev = sampleImbalance(snaps, t.cfg.TopN)
	report.Walls = t.aggregateWalls(snaps, info)
	report.SpoofRisk = spoofRisk(report.Walls)
	report.Magnets, report.AvoidZones = wallLevels(report.Walls)
	return report, nil
}

// candidate is one large level observed in one sample.
type candidate struct {
	side   domain.Side
	price  float64
	qty    float64
	ratio  float64
	sample int
}

// detectCandidates flags levels whose quantity exceeds SizeRatio times the
// median of the side's top levels and whose notional clears the floor.
func (t *WallTracker) detectCandidates(snap domain.OrderBookSnapshot, sample int) []candidate {
	var out []candidate
	for _, side := range []domain.Side{domain.SideBuy, domain.SideSell} {
		levels := snap.Bids
		if side == domain.SideSell {
			levels = snap.Asks
		}
		if len(levels) > t.cfg.TopN {
			levels = levels[:t.cfg.TopN]
		}
		if len(levels) == 0 {
			continue
		}
		qtys := make([]float64, len(levels))
		for i, lvl := range levels {
			qtys[i] = lvl.Qty
		}
		med := median(qtys)
		if med < epsilon {
			continue
		}
		for _, lvl := range levels {
			if lvl.Qty >= t.cfg.SizeRatio*med && lvl.Price*lvl.Qty >= t.cfg.MinNotional {
				out = append(out, candidate{
					side:   side,
					price:  lvl.Price,
					qty:    lvl.Qty,
					ratio:  lvl.Qty / med,
					sample: sample,
				})
			}
		}
	}
	return out
}

// aggregateWalls groups candidates across samples by side and price within
// the tolerance band. Persistence is the fraction of samples in which the
// wall appeared.
func (t *WallTracker) aggregateWalls(snaps []domain.OrderBookSnapshot, info domain.SymbolInfo) []Wall {
	type group struct {
		side    domain.Side
		price   float64
		qtys    []float64
		ratio   float64
		samples map[int]struct{}
	}
	var groups []*group

	for i, snap := range snaps {
		for _, c := range t.detectCandidates(snap, i) {
			tol := c.price * t.cfg.ToleranceBp / 10_000
			var g *group
			for _, existing := range groups {
				if existing.side == c.side && math.Abs(existing.price-c.price) <= tol {
					g = existing
					break
				}
			}
			if g == nil {
				g = &group{side: c.side, price: c.price, samples: make(map[int]struct{})}
				groups = append(groups, g)
			}
			g.qtys = append(g.qtys, c.qty)
			if c.ratio > g.ratio {
				g.ratio = c.ratio
			}
			g.samples[c.sample] = struct{}{}
		}
	}

	walls := make([]Wall, 0, len(groups))
	for _, g := range groups {
		var sum, max float64
		for _, q := range g.qtys {
			sum += q
			if q > max {
				max = q
			}
		}
		walls = append(walls, Wall{
			Price:       info.SnapToTick(g.price),
			Side:        g.side,
			AvgQty:      round4(sum / float64(len(g.qtys))),
			MaxQty:      max,
			SizeRatio:   round2(g.ratio),
			Persistence: round4(float64(len(g.samples)) / float64(len(snaps))),
			SeenSamples: len(g.samples),
		})
	}
	sort.Slice(walls, func(i, j int) bool {
		if walls[i].Persistence != walls[j].Persistence {
			return walls[i].Persistence > walls[j].Persistence
		}
		return walls[i].AvgQty > walls[j].AvgQty
	})
	return walls
}

// spoofRisk scores 0-100: large walls that vanish between samples, unstable
// sizes, and walls that reappear at shifting prices all push the score up.
// A book whose walls persist through every sample scores zero.
func spoofRisk(walls []Wall) float64 {
	if len(walls) == 0 {
		return 0
	}

	var brief, jumping int
	var covSum float64
	for _, w := range walls {
		if w.Persistence < 0.5 {
			brief++
		}
		if w.SeenSamples == 1 {
			jumping++
		}
		// Spread between peak and average size relative to average.
		if w.AvgQty > epsilon {
			covSum += (w.MaxQty - w.AvgQty) / w.AvgQty
		}
	}

	var score float64
	switch frac := float64(brief) / float64(len(walls)); {
	case frac >= 0.5:
		score += 40
	case frac >= 0.25:
		score += 20
	}
	switch cov := covSum / float64(len(walls)); {
	case cov >= 0.5:
		score += 40
	case cov >= 0.25:
		score += 20
	}
	if jumping >= 3 {
		score += 20
	}
	return clamp(score, 0, 100)
}

// wallLevels derives magnets from the most persistent heavy walls and avoid
// zones from the large short-lived ones.
func wallLevels(walls []Wall) ([]MagnetLevel, []AvoidZone) {
	var magnets []MagnetLevel
	var avoid []AvoidZone

	ranked := make([]Wall, len(walls))
	copy(ranked, walls)
	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].Persistence*ranked[i].AvgQty > ranked[j].Persistence*ranked[j].AvgQty
	})
	for _, w := range ranked {
		if w.Persistence < 0.6 {
			continue
		}
		magnets = append(magnets, MagnetLevel{Price: w.Price, Volume: w.AvgQty, Kind: "wall"})
		if len(magnets) == 3 {
			break
		}
	}

	for _, w := range walls {
		if w.Persistence < 0.4 {
			avoid = append(avoid, AvoidZone{
				PriceRange: PriceRange{Low: w.Price, High: w.Price},
				Reason:     "large wall with low persistence, likely spoofed",
			})
		}
	}
	return magnets, avoid
}

// sampleImbalance is the mean and stdev of the top-of-book imbalance across
// the session's snapshots.
func sampleImbalance(snaps []domain.OrderBookSnapshot, depth int) (mean, stdev float64) {
	if len(snaps) == 0 {
		return 0, 0
	}
	vals := make([]float64, len(snaps))
	for i, snap := range snaps {
		vals[i] = bookImbalance(snap, depth)
	}
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	for _, v := range vals {
		stdev += (v - mean) * (v - mean)
	}
	stdev = math.Sqrt(stdev / float64(len(vals)))
	return round4(mean), round4(stdev)
}
