package governor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapelens/tapelens/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMemoryWindowDeniesAtLimit(t *testing.T) {
	w := NewMemoryWindow()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := w.Allow(ctx, "k", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed)
	}
	allowed, used, err := w.Allow(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, int64(3), used)
}

func TestMemoryWindowExpiresOldStamps(t *testing.T) {
	w := NewMemoryWindow()
	now := time.Now()
	w.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := w.Allow(ctx, "k", 2, time.Second)
		require.NoError(t, err)
		require.True(t, allowed)
	}
	allowed, _, err := w.Allow(ctx, "k", 2, time.Second)
	require.NoError(t, err)
	require.False(t, allowed)

	now = now.Add(2 * time.Second)
	allowed, used, err := w.Allow(ctx, "k", 2, time.Second)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(1), used)
}

func TestDoPassesThroughNonThrottleErrors(t *testing.T) {
	g := New(DefaultConfig(), nil, testLogger())
	boom := errors.New("boom")

	calls := 0
	err := g.Do(context.Background(), "test", func(context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesThrottleThenSucceeds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	g := New(cfg, nil, testLogger())

	calls := 0
	err := g.Do(context.Background(), "test", func(context.Context) error {
		calls++
		if calls < 3 {
			return domain.ErrRateLimited
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	cfg.MaxRetries = 2
	g := New(cfg, nil, testLogger())

	calls := 0
	err := g.Do(context.Background(), "test", func(context.Context) error {
		calls++
		return domain.ErrRateLimited
	})
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, 3, calls) // initial attempt plus two retries
}

func TestDoBlocksWhenBudgetExhausted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Budget = 1
	g := New(cfg, nil, testLogger())

	err := g.Do(context.Background(), "test", func(context.Context) error { return nil })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	err = g.Do(ctx, "test", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBurstMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Budget = 10
	cfg.BurstThreshold = 0.8
	g := New(cfg, nil, testLogger())

	ctx := context.Background()
	for i := 0; i < 7; i++ {
		require.NoError(t, g.Do(ctx, "test", func(context.Context) error { return nil }))
	}
	assert.False(t, g.BurstMode())

	require.NoError(t, g.Do(ctx, "test", func(context.Context) error { return nil }))
	assert.True(t, g.BurstMode())
}

func TestMemoryWindowUsedDoesNotConsume(t *testing.T) {
	w := NewMemoryWindow()
	ctx := context.Background()

	allowed, _, err := w.Allow(ctx, "k", 2, time.Minute)
	require.NoError(t, err)
	require.True(t, allowed)

	for i := 0; i < 5; i++ {
		used, err := w.Used(ctx, "k", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), used)
	}

	allowed, _, err = w.Allow(ctx, "k", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestBurstModeClearsAfterIdleWindow(t *testing.T) {
	w := NewMemoryWindow()
	now := time.Now()
	w.now = func() time.Time { return now }

	cfg := DefaultConfig()
	cfg.Budget = 10
	cfg.Window = time.Second
	cfg.BurstThreshold = 0.8
	g := New(cfg, w, testLogger())

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		require.NoError(t, g.Do(ctx, "test", func(context.Context) error { return nil }))
	}
	require.True(t, g.BurstMode())

	// The whole window passes with no further requests.
	now = now.Add(2 * time.Second)
	assert.False(t, g.BurstMode())
}
