package governor

import (
	"context"
	"sync"
	"time"

	"github.com/tapelens/tapelens/internal/domain"
)

// MemoryWindow is an in-process sliding-window request counter. It is the
// default RateWindow when no shared counter is configured.
type MemoryWindow struct {
	mu    sync.Mutex
	stamp map[string][]time.Time
	now   func() time.Time
}

// NewMemoryWindow creates an empty in-process window counter.
func NewMemoryWindow() *MemoryWindow {
	return &MemoryWindow{
		stamp: make(map[string][]time.Time),
		now:   time.Now,
	}
}

// Allow prunes timestamps outside the window, then records the request if the
// budget permits. It never returns an error.
func (w *MemoryWindow) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-window)
	stamps := w.stamp[key]

	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= limit {
		w.stamp[key] = kept
		return false, int64(len(kept)), nil
	}

	kept = append(kept, now)
	w.stamp[key] = kept
	return true, int64(len(kept)), nil
}

// Used prunes timestamps outside the window and reports how many remain,
// without recording a request. It never returns an error.
func (w *MemoryWindow) Used(_ context.Context, key string, window time.Duration) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-window)
	stamps := w.stamp[key]

	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.stamp[key] = kept
	return int64(len(kept)), nil
}

// Compile-time interface check.
var _ domain.RateWindow = (*MemoryWindow)(nil)
