package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/tapelens/tapelens/internal/domain"
)

const (
	// targetBins drives automatic bin sizing: price span divided by this,
	// snapped up to a round increment.
	targetBins = 75

	// minProfileTrades below which the profile is not computed.
	minProfileTrades = 10

	// lowSampleTrades below which the profile is flagged low sample.
	lowSampleTrades = 100

	// minProfileBins below which node/gap detection is unreliable.
	minProfileBins = 5

	// hvnRatio and lvnRatio classify bins against the mean bin volume.
	hvnRatio = 1.5
	lvnRatio = 1.0 / 1.5

	// gapRatio marks a bin as near-zero for single-print detection.
	gapRatio = 0.3
)

// Bin size ladders by price magnitude: span/targetBins is snapped up to the
// nearest entry so bins land on round prices.
var (
	binLadderLarge = []float64{5, 10, 25, 50, 100}
	binLadderSmall = []float64{1, 2, 5, 10, 25}
)

// ProfileRequest asks for a volume profile over a trailing window.
type ProfileRequest struct {
	Symbol  string
	Window  time.Duration
	BinSize float64 // 0 = automatic
	Live    bool    // read the streaming tape instead of fetching history
}

// ProfileBin is one price bucket. Price is the bin's lower bound.
type ProfileBin struct {
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
}

// PriceRange is an inclusive price band.
type PriceRange struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// MagnetLevel is a price the market tends to revisit, ranked strongest first.
type MagnetLevel struct {
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
	Kind   string  `json:"kind"` // "vpoc" or "hvn"
}

// AvoidZone is a price band where resting orders fill poorly, with the reason.
type AvoidZone struct {
	PriceRange
	Reason string `json:"reason"`
}

// ProfileReport is the computed volume profile.
type ProfileReport struct {
	Symbol        string        `json:"symbol"`
	WindowStart   time.Time     `json:"window_start"`
	WindowEnd     time.Time     `json:"window_end"`
	BinSize       float64       `json:"bin_size"`
	Bins          []ProfileBin  `json:"bins"`
	VPOC          float64       `json:"vpoc"`
	ValueAreaLow  float64       `json:"value_area_low"`
	ValueAreaHigh float64       `json:"value_area_high"`
	HVNs          []float64     `json:"hvns"`
	LVNs          []float64     `json:"lvns"`
	GapZones      []PriceRange  `json:"gap_zones"`
	Magnets       []MagnetLevel `json:"magnets"`
	AvoidZones    []AvoidZone   `json:"avoid_zones"`
	TradeCount    int           `json:"trade_count"`
	TotalVolume   float64       `json:"total_volume"`
	QualityFlags  []string      `json:"quality_flags"`
}

// HistoricalTrades fetches the trade tape for an absolute time range,
// bypassing the short-TTL cache. Implemented by the upstream client.
type HistoricalTrades interface {
	FetchTradesRange(ctx context.Context, symbol string, start, end time.Time) ([]domain.TradeRecord, error)
}

// VolumeProfiler bins traded volume by price and derives the structural
// levels: VPOC, value area, volume nodes, gaps, magnets, and avoid zones.
type VolumeProfiler struct {
	history  HistoricalTrades
	tape     TapeSource
	registry *domain.SymbolRegistry
	logger   *slog.Logger

	now func() time.Time
}

// NewVolumeProfiler creates a profiler. tape may be nil when only historical
// profiles are needed.
func NewVolumeProfiler(history HistoricalTrades, tape TapeSource, registry *domain.SymbolRegistry, logger *slog.Logger) *VolumeProfiler {
	return &VolumeProfiler{
		history:  history,
		tape:     tape,
		registry: registry,
		logger:   logger.With(slog.String("component", "volume_profile")),
		now:      time.Now,
	}
}

// Profile computes the volume profile for the request. Live requests read the
// streaming tape and degrade with flags when the stream is down or the tape
// does not cover the window; historical requests fetch the range upstream.
func (p *VolumeProfiler) Profile(ctx context.Context, req ProfileRequest) (ProfileReport, error) {
	info, err := p.registry.Validate(req.Symbol)
	if err != nil {
		return ProfileReport{}, err
	}
	if req.Window <= 0 {
		return ProfileReport{}, fmt.Errorf("analytics: profile window %v: %w", req.Window, domain.ErrValidation)
	}
	if req.BinSize < 0 {
		return ProfileReport{}, fmt.Errorf("analytics: bin size %v: %w", req.BinSize, domain.ErrValidation)
	}

	end := p.now()
	start := end.Add(-req.Window)

	var trades []domain.TradeRecord
	var flags []string
	if req.Live {
		if p.tape == nil {
			return ProfileReport{}, fmt.Errorf("analytics: profile %s: no live tape: %w", req.Symbol, domain.ErrValidation)
		}
		trades = p.tape.WindowTrades(req.Symbol, req.Window)
		if !p.tape.Connected() {
			flags = append(flags, domain.FlagWSDisconnected)
		}
		if !p.tape.WindowComplete(req.Symbol, req.Window) {
			flags = append(flags, domain.FlagIncompleteWindow)
		}
	} else {
		var fetchErr error
		trades, fetchErr = p.history.FetchTradesRange(ctx, req.Symbol, start, end)
		if fetchErr != nil {
			return ProfileReport{}, fmt.Errorf("analytics: profile %s: %w", req.Symbol, fetchErr)
		}
	}

	report := buildProfile(req.Symbol, trades, req.BinSize, info)
	report.WindowStart = start
	report.WindowEnd = end
	report.QualityFlags = mergeFlags(report.QualityFlags, flags)
	return report, nil
}

// buildProfile runs the bin logic shared by live and historical profiles.
func buildProfile(symbol string, trades []domain.TradeRecord, binSize float64, info domain.SymbolInfo) ProfileReport {
	report := ProfileReport{
		Symbol:       symbol,
		TradeCount:   len(trades),
		QualityFlags: []string{},
	}

	if len(trades) < minProfileTrades {
		report.QualityFlags = append(report.QualityFlags, domain.FlagInsufficientData)
		return report
	}
	if len(trades) < lowSampleTrades {
		report.QualityFlags = append(report.QualityFlags, domain.FlagLowSampleSize)
	}

	lo, hi := trades[0].Price, trades[0].Price
	var lastPrice, totalVol float64
	for _, tr := range trades {
		lo = math.Min(lo, tr.Price)
		hi = math.Max(hi, tr.Price)
		lastPrice = tr.Price
		totalVol += tr.Qty
	}

	if binSize == 0 {
		binSize = autoBinSize(lo, hi)
	}
	report.BinSize = binSize
	report.TotalVolume = totalVol

	// Floor-bin each trade, then materialize the contiguous bin range so
	// gaps appear as explicit zero bins.
	vols := make(map[int64]float64)
	for _, tr := range trades {
		vols[int64(math.Floor(tr.Price/binSize))] += tr.Qty
	}
	loIdx := int64(math.Floor(lo / binSize))
	hiIdx := int64(math.Floor(hi / binSize))
	bins := make([]ProfileBin, 0, hiIdx-loIdx+1)
	for i := loIdx; i <= hiIdx; i++ {
		bins = append(bins, ProfileBin{
			Price:  info.SnapToTick(float64(i) * binSize),
			Volume: vols[i],
		})
	}
	report.Bins = bins

	if len(bins) < minProfileBins {
		report.QualityFlags = append(report.QualityFlags, domain.FlagInsufficientBins)
	}

	vpocIdx := pocIndex(bins)
	report.VPOC = bins[vpocIdx].Price

	vaLo, vaHi := valueArea(bins, vpocIdx, totalVol)
	report.ValueAreaLow = bins[vaLo].Price
	report.ValueAreaHigh = bins[vaHi].Price

	mean := totalVol / float64(len(bins))
	report.HVNs = volumeNodes(bins, mean*hvnRatio, true, 3)
	report.LVNs = volumeNodes(bins, mean*lvnRatio, false, 3)
	report.GapZones = gapZones(bins, mean*gapRatio)

	report.Magnets = magnetLevels(bins, vpocIdx, report.HVNs, lastPrice)
	report.AvoidZones = avoidZones(report.LVNs, report.GapZones)

	return report
}

// autoBinSize snaps span/targetBins up to a round increment scaled to the
// price magnitude.
func autoBinSize(lo, hi float64) float64 {
	raw := (hi - lo) / targetBins
	ladder := binLadderSmall
	if (lo+hi)/2 > 10000 {
		ladder = binLadderLarge
	}
	for _, step := range ladder {
		if raw <= step {
			return step
		}
	}
	return ladder[len(ladder)-1]
}

// pocIndex returns the index of the max-volume bin, preferring the lower
// price on ties.
func pocIndex(bins []ProfileBin) int {
	best := 0
	for i, b := range bins {
		if b.Volume > bins[best].Volume {
			best = i
		}
	}
	return best
}

// valueArea expands from the point of control, repeatedly adding whichever
// adjacent bin has the larger volume (the lower bin on ties), until the
// included volume reaches 70% of the total.
func valueArea(bins []ProfileBin, vpocIdx int, totalVol float64) (lo, hi int) {
	lo, hi = vpocIdx, vpocIdx
	included := bins[vpocIdx].Volume
	target := 0.7 * totalVol

	for included < target {
		lowVol, highVol := math.Inf(-1), math.Inf(-1)
		if lo > 0 {
			lowVol = bins[lo-1].Volume
		}
		if hi < len(bins)-1 {
			highVol = bins[hi+1].Volume
		}
		if math.IsInf(lowVol, -1) && math.IsInf(highVol, -1) {
			break
		}
		if lowVol >= highVol {
			lo--
			included += lowVol
		} else {
			hi++
			included += highVol
		}
	}
	return lo, hi
}

// volumeNodes returns bin prices whose volume is above (or below) the
// threshold, ranked by volume and truncated to limit. Low nodes exclude
// zero-volume bins, which belong to gap zones instead.
func volumeNodes(bins []ProfileBin, threshold float64, above bool, limit int) []float64 {
	type node struct {
		price, vol float64
	}
	var nodes []node
	for _, b := range bins {
		if above && b.Volume >= threshold {
			nodes = append(nodes, node{b.Price, b.Volume})
		}
		if !above && b.Volume > 0 && b.Volume <= threshold {
			nodes = append(nodes, node{b.Price, b.Volume})
		}
	}
	sort.Slice(nodes, func(i, j int) bool {
		if above {
			return nodes[i].vol > nodes[j].vol
		}
		return nodes[i].vol < nodes[j].vol
	})
	if len(nodes) > limit {
		nodes = nodes[:limit]
	}
	out := make([]float64, len(nodes))
	for i, n := range nodes {
		out[i] = n.price
	}
	return out
}

// gapZones returns maximal runs of near-zero bins. A run qualifies when it
// spans at least two bins, or is a single near-zero bin strictly between
// populated bins.
func gapZones(bins []ProfileBin, threshold float64) []PriceRange {
	var zones []PriceRange
	runStart := -1
	for i := 0; i <= len(bins); i++ {
		nearZero := i < len(bins) && bins[i].Volume <= threshold
		if nearZero {
			if runStart < 0 {
				runStart = i
			}
			continue
		}
		if runStart >= 0 {
			runLen := i - runStart
			interior := runStart > 0 && i < len(bins)
			if runLen >= 2 || (runLen == 1 && interior) {
				zones = append(zones, PriceRange{
					Low:  bins[runStart].Price,
					High: bins[i-1].Price,
				})
			}
			runStart = -1
		}
	}
	return zones
}

// magnetLevels ranks the VPOC and high-volume nodes by volume, breaking ties
// by proximity to the current price.
func magnetLevels(bins []ProfileBin, vpocIdx int, hvns []float64, lastPrice float64) []MagnetLevel {
	byPrice := make(map[float64]float64, len(bins))
	for _, b := range bins {
		byPrice[b.Price] = b.Volume
	}

	magnets := []MagnetLevel{{
		Price:  bins[vpocIdx].Price,
		Volume: bins[vpocIdx].Volume,
		Kind:   "vpoc",
	}}
	for _, price := range hvns {
		if price == bins[vpocIdx].Price {
			continue
		}
		magnets = append(magnets, MagnetLevel{Price: price, Volume: byPrice[price], Kind: "hvn"})
	}
	sort.Slice(magnets, func(i, j int) bool {
		if magnets[i].Volume != magnets[j].Volume {
			return magnets[i].Volume > magnets[j].Volume
		}
		return math.Abs(magnets[i].Price-lastPrice) < math.Abs(magnets[j].Price-lastPrice)
	})
	return magnets
}

// avoidZones annotates low-volume nodes and gap zones with reasons.
func avoidZones(lvns []float64, gaps []PriceRange) []AvoidZone {
	var zones []AvoidZone
	for _, price := range lvns {
		zones = append(zones, AvoidZone{
			PriceRange: PriceRange{Low: price, High: price},
			Reason:     "thin volume node, price tends to move through quickly",
		})
	}
	for _, gap := range gaps {
		zones = append(zones, AvoidZone{
			PriceRange: gap,
			Reason:     "single-print gap, little two-way trade established here",
		})
	}
	return zones
}
