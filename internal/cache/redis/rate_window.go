package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tapelens/tapelens/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

// RateWindow implements domain.RateWindow using a sliding-window counter
// backed by Redis sorted sets and an atomic Lua script. Multiple processes
// sharing the same Redis and key draw from one budget.
type RateWindow struct {
	rdb           *redis.Client
	slidingWindow *redis.Script
}

// NewRateWindow creates a RateWindow backed by the given Client.
func NewRateWindow(c *Client) *RateWindow {
	return &RateWindow{
		rdb:           c.rdb,
		slidingWindow: redis.NewScript(slidingWindowLua),
	}
}

func rateWindowKey(key string) string {
	return "ratewindow:" + key
}

// Allow checks whether a request for the given key is permitted under the
// sliding window. It returns whether the request was counted and the number
// of requests currently in the window.
func (rw *RateWindow) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int64, error) {
	now := time.Now().UnixMicro()
	windowMicro := window.Microseconds()

	result, err := rw.slidingWindow.Run(
		ctx,
		rw.rdb,
		[]string{rateWindowKey(key)},
		now,
		windowMicro,
		limit,
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis: rate window allow %s: %w", key, err)
	}

	if len(result) < 2 {
		return false, 0, fmt.Errorf("redis: rate window allow %s: unexpected result length %d", key, len(result))
	}

	return result[0] == 1, result[1], nil
}

// Used reports the number of requests currently in the window for key,
// without recording one. Expired entries are pruned first so the count decays
// while the caller is idle.
func (rw *RateWindow) Used(ctx context.Context, key string, window time.Duration) (int64, error) {
	cutoff := time.Now().UnixMicro() - window.Microseconds()
	rkey := rateWindowKey(key)

	pipe := rw.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "-inf", fmt.Sprintf("%d", cutoff))
	card := pipe.ZCard(ctx, rkey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis: rate window used %s: %w", key, err)
	}
	return card.Val(), nil
}

// Compile-time interface check.
var _ domain.RateWindow = (*RateWindow)(nil)
