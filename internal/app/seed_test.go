package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapelens/tapelens/internal/cache"
	"github.com/tapelens/tapelens/internal/domain"
	"github.com/tapelens/tapelens/internal/feed"
)

type fakeMarketSource struct {
	trades map[string][]domain.TradeRecord
}

func (f *fakeMarketSource) FetchOrderBook(context.Context, string, int) (domain.OrderBookSnapshot, error) {
	return domain.OrderBookSnapshot{}, nil
}

func (f *fakeMarketSource) FetchRecentTrades(_ context.Context, symbol string, _ int) ([]domain.TradeRecord, error) {
	return f.trades[symbol], nil
}

func (f *fakeMarketSource) FetchTradesRange(context.Context, string, time.Time, time.Time) ([]domain.TradeRecord, error) {
	return nil, nil
}

func (f *fakeMarketSource) FetchMarkPrice(context.Context, string) (domain.MarkPriceInfo, error) {
	return domain.MarkPriceInfo{}, nil
}

func TestSeedBufferPrimesTapes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	src := &fakeMarketSource{trades: map[string][]domain.TradeRecord{
		"BTCUSDT": someTrades(5),
	}}

	deps := &Dependencies{
		Registry: domain.NewSymbolRegistry([]domain.SymbolInfo{
			{Symbol: "BTCUSDT", TickSize: 0.1, StepSize: 0.001},
		}),
		Market: cache.NewMarketCache(src, cache.Config{
			OrderBookTTL: time.Second,
			TradesTTL:    time.Second,
			MarkPriceTTL: time.Second,
		}, logger),
		Buffer: feed.NewTradeBuffer(feed.BufferConfig{
			Retention: time.Hour,
			MaxTrades: 100,
		}, nil),
	}

	seedBuffer(context.Background(), deps, logger)

	tape := deps.Buffer.WindowTrades("BTCUSDT", time.Hour)
	require.Len(t, tape, 5)
	assert.Equal(t, int64(1), tape[0].AggTradeID)
}
