// Package governor centralizes rate-limit handling for every upstream call.
// Callers never implement their own backoff: they wrap each request in Do and
// consult BurstMode before issuing repeated snapshot requests.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/tapelens/tapelens/internal/domain"
)

// waitPollInterval is how often Do re-checks the window while the local
// budget is exhausted.
const waitPollInterval = 50 * time.Millisecond

// Config holds the request budget and backoff policy.
type Config struct {
	Budget         int           // max requests per window (upstream weight budget)
	Window         time.Duration // sliding window length
	MaxRetries     int           // retries after an upstream throttle signal
	BaseDelay      time.Duration // first backoff delay
	MaxDelay       time.Duration // backoff cap
	JitterFactor   float64       // +/- fraction of the delay added as jitter
	BurstThreshold float64       // window utilization at which burst mode engages
}

// DefaultConfig matches the upstream 1200-weight-per-minute budget.
func DefaultConfig() Config {
	return Config{
		Budget:         1200,
		Window:         time.Minute,
		MaxRetries:     3,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		JitterFactor:   0.3,
		BurstThreshold: 0.8,
	}
}

// Governor gates all upstream REST calls behind a sliding-window budget and
// retries throttled calls with exponential backoff and jitter.
type Governor struct {
	cfg    Config
	window domain.RateWindow
	key    string
	used   atomic.Int64
	logger *slog.Logger
}

// New creates a Governor over the given window counter. A nil window falls
// back to an in-process MemoryWindow.
func New(cfg Config, window domain.RateWindow, logger *slog.Logger) *Governor {
	if window == nil {
		window = NewMemoryWindow()
	}
	return &Governor{
		cfg:    cfg,
		window: window,
		key:    "upstream",
		logger: logger.With(slog.String("component", "governor")),
	}
}

// Do runs fn under the request budget. When the budget is exhausted it waits
// for headroom; when fn reports an upstream throttle (ErrRateLimited) it
// backs off exponentially with jitter and retries up to MaxRetries times
// before surfacing ErrRateLimited. Other errors pass through untouched.
func (g *Governor) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if err := g.acquire(ctx); err != nil {
			return fmt.Errorf("governor: %s: %w", op, err)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrRateLimited) {
			return err
		}
		if attempt >= g.cfg.MaxRetries {
			return fmt.Errorf("governor: %s: retries exhausted: %w", op, domain.ErrRateLimited)
		}

		delay := g.backoffDelay(attempt)
		g.logger.Warn("upstream throttled, backing off",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("governor: %s: %w", op, ctx.Err())
		case <-timer.C:
		}
	}
}

// BurstMode reports sustained high local demand. Callers such as the wall
// tracker reduce repeated snapshot counts to 1 instead of failing outright.
// It re-reads the window so utilization decays while no requests are made;
// if the read fails it falls back to the count seen by the last acquire.
func (g *Governor) BurstMode() bool {
	used := g.used.Load()
	ctx, cancel := context.WithTimeout(context.Background(), waitPollInterval)
	defer cancel()
	if current, err := g.window.Used(ctx, g.key, g.cfg.Window); err == nil {
		used = current
		g.used.Store(current)
	}
	return float64(used) >= g.cfg.BurstThreshold*float64(g.cfg.Budget)
}

// acquire blocks until the sliding window has headroom for one request.
func (g *Governor) acquire(ctx context.Context) error {
	for {
		allowed, used, err := g.window.Allow(ctx, g.key, g.cfg.Budget, g.cfg.Window)
		if err != nil {
			return err
		}
		g.used.Store(used)
		if allowed {
			return nil
		}

		timer := time.NewTimer(waitPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// backoffDelay is base*2^attempt capped at MaxDelay, with +/- JitterFactor
// randomization so concurrent retries do not synchronize.
func (g *Governor) backoffDelay(attempt int) time.Duration {
	delay := g.cfg.BaseDelay << uint(attempt)
	if delay > g.cfg.MaxDelay || delay <= 0 {
		delay = g.cfg.MaxDelay
	}
	jitter := time.Duration((rand.Float64()*2 - 1) * g.cfg.JitterFactor * float64(delay))
	delay += jitter
	if delay < 0 {
		delay = 0
	}
	return delay
}
