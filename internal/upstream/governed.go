package upstream

import (
	"context"
	"time"

	"github.com/tapelens/tapelens/internal/domain"
)

// Limiter gates and retries upstream calls. Implemented by governor.Governor.
type Limiter interface {
	Do(ctx context.Context, op string, fn func(context.Context) error) error
}

// Governed wraps a MarketDataSource so every call passes through the rate
// governor's budget and backoff policy.
type Governed struct {
	src domain.MarketDataSource
	gov Limiter
}

// NewGoverned wraps src with the given limiter.
func NewGoverned(src domain.MarketDataSource, gov Limiter) *Governed {
	return &Governed{src: src, gov: gov}
}

func (g *Governed) FetchOrderBook(ctx context.Context, symbol string, limit int) (domain.OrderBookSnapshot, error) {
	var snap domain.OrderBookSnapshot
	err := g.gov.Do(ctx, "depth", func(ctx context.Context) error {
		var err error
		snap, err = g.src.FetchOrderBook(ctx, symbol, limit)
		return err
	})
	return snap, err
}

func (g *Governed) FetchRecentTrades(ctx context.Context, symbol string, limit int) ([]domain.TradeRecord, error) {
	var trades []domain.TradeRecord
	err := g.gov.Do(ctx, "agg_trades", func(ctx context.Context) error {
		var err error
		trades, err = g.src.FetchRecentTrades(ctx, symbol, limit)
		return err
	})
	return trades, err
}

func (g *Governed) FetchTradesRange(ctx context.Context, symbol string, start, end time.Time) ([]domain.TradeRecord, error) {
	var trades []domain.TradeRecord
	err := g.gov.Do(ctx, "agg_trades_range", func(ctx context.Context) error {
		var err error
		trades, err = g.src.FetchTradesRange(ctx, symbol, start, end)
		return err
	})
	return trades, err
}

func (g *Governed) FetchMarkPrice(ctx context.Context, symbol string) (domain.MarkPriceInfo, error) {
	var info domain.MarkPriceInfo
	err := g.gov.Do(ctx, "premium_index", func(ctx context.Context) error {
		var err error
		info, err = g.src.FetchMarkPrice(ctx, symbol)
		return err
	})
	return info, err
}

// Compile-time interface check.
var _ domain.MarketDataSource = (*Governed)(nil)
