package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapelens/tapelens/internal/domain"
)

// fakeSampler returns one snapshot per call, cycling through the sequence.
type fakeSampler struct {
	snaps []domain.OrderBookSnapshot
	calls int
}

func (f *fakeSampler) ForceOrderBook(ctx context.Context, symbol string, limit int) (domain.OrderBookSnapshot, []string, error) {
	snap := f.snaps[f.calls%len(f.snaps)]
	f.calls++
	return snap, nil, nil
}

type fakeBurst struct{ on bool }

func (f *fakeBurst) BurstMode() bool { return f.on }

// flatBook builds a bid/ask book of uniform unit levels, with an optional
// bid wall of wallQty at wallPrice (0 disables the wall).
func flatBook(wallPrice, wallQty float64) domain.OrderBookSnapshot {
	snap := domain.OrderBookSnapshot{Symbol: "BTCUSDT"}
	for i := 0; i < 20; i++ {
		price := 100 - 0.1*float64(i+1)
		lvl := domain.PriceLevel{Price: price, Qty: 1000}
		if wallQty > 0 && price == wallPrice {
			lvl.Qty = wallQty
		}
		snap.Bids = append(snap.Bids, lvl)
		snap.Asks = append(snap.Asks, domain.PriceLevel{Price: 100 + 0.1*float64(i+1), Qty: 1000})
	}
	return snap
}

func wallTestConfig() WallConfig {
	cfg := DefaultWallConfig()
	cfg.Interval = time.Millisecond
	cfg.MinNotional = 0
	return cfg
}

func newTracker(sampler BookSampler, burst BurstSignal, cfg WallConfig) *WallTracker {
	return NewWallTracker(sampler, burst, cfg, domain.DefaultSymbolRegistry(), discardLogger())
}

func TestPersistenceScenario(t *testing.T) {
	// A 50k-unit bid wall at 99.5 present in samples 1, 2, and 4 of 5.
	with := flatBook(99.5, 50_000)
	without := flatBook(0, 0)
	sampler := &fakeSampler{snaps: []domain.OrderBookSnapshot{with, with, without, with, without}}

	report, err := newTracker(sampler, nil, wallTestConfig()).Track(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, report.Walls, 1)

	wall := report.Walls[0]
	assert.Equal(t, 99.5, wall.Price)
	assert.Equal(t, domain.SideBuy, wall.Side)
	assert.Equal(t, 0.6, wall.Persistence)
	assert.Equal(t, 3, wall.SeenSamples)
}

func TestFullyPersistentWallScoresOne(t *testing.T) {
	with := flatBook(99.5, 50_000)
	sampler := &fakeSampler{snaps: []domain.OrderBookSnapshot{with}}

	report, err := newTracker(sampler, nil, wallTestConfig()).Track(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, report.Walls, 1)

	assert.Equal(t, 1.0, report.Walls[0].Persistence)
	assert.Zero(t, report.SpoofRisk)
	require.NotEmpty(t, report.Magnets)
	assert.Equal(t, 99.5, report.Magnets[0].Price)
}

func TestPersistenceBounds(t *testing.T) {
	with := flatBook(99.5, 50_000)
	without := flatBook(0, 0)
	sampler := &fakeSampler{snaps: []domain.OrderBookSnapshot{with, without, without, without, without}}

	report, err := newTracker(sampler, nil, wallTestConfig()).Track(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	for _, wall := range report.Walls {
		assert.GreaterOrEqual(t, wall.Persistence, 0.0)
		assert.LessOrEqual(t, wall.Persistence, 1.0)
	}
}

func TestBriefWallRaisesSpoofRisk(t *testing.T) {
	with := flatBook(99.5, 80_000)
	without := flatBook(0, 0)
	sampler := &fakeSampler{snaps: []domain.OrderBookSnapshot{with, without, without, without, without}}

	report, err := newTracker(sampler, nil, wallTestConfig()).Track(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, report.Walls, 1)
	assert.Equal(t, 0.2, report.Walls[0].Persistence)
	assert.GreaterOrEqual(t, report.SpoofRisk, 40.0)

	// A one-sample wall is a spoof candidate, never a magnet.
	assert.Empty(t, report.Magnets)
	require.Len(t, report.AvoidZones, 1)
	assert.Equal(t, 99.5, report.AvoidZones[0].Low)
}

func TestBurstModeReducesSamples(t *testing.T) {
	with := flatBook(99.5, 50_000)
	sampler := &fakeSampler{snaps: []domain.OrderBookSnapshot{with}}

	report, err := newTracker(sampler, &fakeBurst{on: true}, wallTestConfig()).Track(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	assert.Equal(t, 1, report.Samples)
	assert.Equal(t, 1, sampler.calls)
	assert.Contains(t, report.QualityFlags, domain.FlagBurstModeReduced)
	assert.Contains(t, report.QualityFlags, domain.FlagLowSampleCount)
}

func TestRepeatSessionServedFromResultCache(t *testing.T) {
	with := flatBook(99.5, 50_000)
	sampler := &fakeSampler{snaps: []domain.OrderBookSnapshot{with}}
	tracker := newTracker(sampler, nil, wallTestConfig())
	ctx := context.Background()

	first, err := tracker.Track(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.NotContains(t, first.QualityFlags, domain.FlagCacheHit)
	calls := sampler.calls

	second, err := tracker.Track(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Contains(t, second.QualityFlags, domain.FlagCacheHit)
	assert.Equal(t, calls, sampler.calls)
	assert.Equal(t, first.Walls, second.Walls)
}

func TestTrackValidatesSymbol(t *testing.T) {
	tracker := newTracker(&fakeSampler{snaps: []domain.OrderBookSnapshot{flatBook(0, 0)}}, nil, wallTestConfig())

	_, err := tracker.Track(context.Background(), "DOGEUSDT")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestNoWallsOnUniformBook(t *testing.T) {
	sampler := &fakeSampler{snaps: []domain.OrderBookSnapshot{flatBook(0, 0)}}

	report, err := newTracker(sampler, nil, wallTestConfig()).Track(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, report.Walls)
	assert.Zero(t, report.SpoofRisk)
}
