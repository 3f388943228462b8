// Package cache provides the read-through market data cache that sits between
// the analytics layer and the upstream REST client. It coalesces concurrent
// refreshes for the same key, serves entries within a short per-kind TTL, and
// falls back to the last good value when a refresh fails.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tapelens/tapelens/internal/domain"
)

// Config holds the per-kind freshness windows.
type Config struct {
	OrderBookTTL time.Duration
	TradesTTL    time.Duration
	MarkPriceTTL time.Duration
}

// DefaultConfig keeps order books and trades fresh to 500ms and mark price
// to 1s, which is tighter than the upstream update cadence for either.
func DefaultConfig() Config {
	return Config{
		OrderBookTTL: 500 * time.Millisecond,
		TradesTTL:    500 * time.Millisecond,
		MarkPriceTTL: time.Second,
	}
}

type entry struct {
	value     any
	fetchedAt time.Time
}

// MarketCache is a read-through cache over a domain.MarketDataSource.
//
// Key schema:
//
//	book:{symbol}:{limit}    - order book snapshot
//	trades:{symbol}:{limit}  - recent aggregated trades
//	mark:{symbol}            - mark price and funding info
type MarketCache struct {
	src    domain.MarketDataSource
	cfg    Config
	logger *slog.Logger

	sf      singleflight.Group
	mu      sync.Mutex
	entries map[string]entry

	now func() time.Time
}

// NewMarketCache creates a MarketCache over the given source.
func NewMarketCache(src domain.MarketDataSource, cfg Config, logger *slog.Logger) *MarketCache {
	return &MarketCache{
		src:     src,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "cache")),
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

func bookKey(symbol string, limit int) string   { return fmt.Sprintf("book:%s:%d", symbol, limit) }
func tradesKey(symbol string, limit int) string { return fmt.Sprintf("trades:%s:%d", symbol, limit) }
func markKey(symbol string) string              { return "mark:" + symbol }

// OrderBook returns a cached order book snapshot, refreshing it when older
// than the order book TTL. The flags slice carries STALE when the refresh
// failed and a previous snapshot was served instead.
func (mc *MarketCache) OrderBook(ctx context.Context, symbol string, limit int) (domain.OrderBookSnapshot, []string, error) {
	v, flags, err := mc.get(ctx, bookKey(symbol, limit), mc.cfg.OrderBookTTL, func(ctx context.Context) (any, error) {
		return mc.src.FetchOrderBook(ctx, symbol, limit)
	})
	if err != nil {
		return domain.OrderBookSnapshot{}, nil, err
	}
	return v.(domain.OrderBookSnapshot), flags, nil
}

// ForceOrderBook bypasses the TTL and always refreshes from the source.
// The wall tracker uses it to take distinct samples in a tight loop.
// On refresh failure it falls back to the last cached snapshot, flagged STALE.
func (mc *MarketCache) ForceOrderBook(ctx context.Context, symbol string, limit int) (domain.OrderBookSnapshot, []string, error) {
	v, flags, err := mc.get(ctx, bookKey(symbol, limit), 0, func(ctx context.Context) (any, error) {
		return mc.src.FetchOrderBook(ctx, symbol, limit)
	})
	if err != nil {
		return domain.OrderBookSnapshot{}, nil, err
	}
	return v.(domain.OrderBookSnapshot), flags, nil
}

// RecentTrades returns cached recent aggregated trades for the symbol.
func (mc *MarketCache) RecentTrades(ctx context.Context, symbol string, limit int) ([]domain.TradeRecord, []string, error) {
	v, flags, err := mc.get(ctx, tradesKey(symbol, limit), mc.cfg.TradesTTL, func(ctx context.Context) (any, error) {
		return mc.src.FetchRecentTrades(ctx, symbol, limit)
	})
	if err != nil {
		return nil, nil, err
	}
	return v.([]domain.TradeRecord), flags, nil
}

// MarkPrice returns the cached mark price info for the symbol.
func (mc *MarketCache) MarkPrice(ctx context.Context, symbol string) (domain.MarkPriceInfo, []string, error) {
	v, flags, err := mc.get(ctx, markKey(symbol), mc.cfg.MarkPriceTTL, func(ctx context.Context) (any, error) {
		return mc.src.FetchMarkPrice(ctx, symbol)
	})
	if err != nil {
		return domain.MarkPriceInfo{}, nil, err
	}
	return v.(domain.MarkPriceInfo), flags, nil
}

// get serves the cached entry when fresher than ttl, otherwise refreshes via
// fetch under single-flight so concurrent misses for the same key produce one
// upstream call. A failed refresh falls back to the last good value with the
// STALE flag; with no previous value the error is returned.
func (mc *MarketCache) get(ctx context.Context, key string, ttl time.Duration, fetch func(context.Context) (any, error)) (any, []string, error) {
	mc.mu.Lock()
	e, ok := mc.entries[key]
	now := mc.now()
	mc.mu.Unlock()

	if ok && ttl > 0 && now.Sub(e.fetchedAt) < ttl {
		return e.value, []string{domain.FlagCacheHit}, nil
	}

	v, err, shared := mc.sf.Do(key, func() (any, error) {
		fresh, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		mc.mu.Lock()
		mc.entries[key] = entry{value: fresh, fetchedAt: mc.now()}
		mc.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		if ok {
			mc.logger.Warn("refresh failed, serving stale entry",
				slog.String("key", key),
				slog.Duration("age", now.Sub(e.fetchedAt)),
				slog.Any("error", err),
			)
			return e.value, []string{domain.FlagStale}, nil
		}
		return nil, nil, fmt.Errorf("cache: refresh %s: %w", key, err)
	}

	var flags []string
	if shared {
		flags = []string{domain.FlagCacheHit}
	}
	return v, flags, nil
}

// Invalidate drops any cached entries for the symbol.
func (mc *MarketCache) Invalidate(symbol string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	for k := range mc.entries {
		if keySymbol(k) == symbol {
			delete(mc.entries, k)
		}
	}
}

func keySymbol(key string) string {
	start := -1
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			if start < 0 {
				start = i + 1
				continue
			}
			return key[start:i]
		}
	}
	if start >= 0 {
		return key[start:]
	}
	return ""
}
