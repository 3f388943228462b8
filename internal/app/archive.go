package app

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tapelens/tapelens/internal/domain"
	"github.com/tapelens/tapelens/internal/feed"
)

// archiveQueueDepth bounds the eviction backlog. The buffer evicts at most a
// few batches per minute per symbol, so a full queue means the archive
// backends are badly behind and dropping is the right call.
const archiveQueueDepth = 64

// evictedBatch is one buffer eviction awaiting archival.
type evictedBatch struct {
	symbol string
	trades []domain.TradeRecord
}

// archiveWorker moves buffer evictions off the feed's append path. Enqueue
// never blocks; batches are flushed by a single background goroutine and
// dropped with a warning when the queue is full.
type archiveWorker struct {
	flush  feed.EvictHandler
	queue  chan evictedBatch
	logger *slog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newArchiveWorker(flush feed.EvictHandler, logger *slog.Logger) *archiveWorker {
	w := &archiveWorker{
		flush:  flush,
		queue:  make(chan evictedBatch, archiveQueueDepth),
		logger: logger.With(slog.String("component", "archive_worker")),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Enqueue hands a batch to the background worker without blocking the caller.
func (w *archiveWorker) Enqueue(symbol string, trades []domain.TradeRecord) {
	select {
	case w.queue <- evictedBatch{symbol: symbol, trades: trades}:
	default:
		w.logger.Warn("archive queue full, dropping evicted batch",
			slog.String("symbol", symbol),
			slog.Int("count", len(trades)))
	}
}

// Close stops accepting batches, flushes whatever is queued, and waits for
// the worker goroutine to finish.
func (w *archiveWorker) Close() {
	w.closeOnce.Do(func() { close(w.queue) })
	w.wg.Wait()
}

func (w *archiveWorker) run() {
	defer w.wg.Done()
	for batch := range w.queue {
		w.flush(batch.symbol, batch.trades)
	}
}

// seedBuffer primes each symbol's tape with the latest REST trades so live
// analytics have data before the stream delivers its first message. The
// snapshot then gets dropped from the cache; stream-backed reads supersede it.
func seedBuffer(ctx context.Context, deps *Dependencies, logger *slog.Logger) {
	log := logger.With(slog.String("component", "seed"))
	for _, symbol := range deps.Registry.Symbols() {
		trades, _, err := deps.Market.RecentTrades(ctx, symbol, seedTradeCount)
		if err != nil {
			log.Warn("buffer seed fetch failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()))
			continue
		}
		added := deps.Buffer.Backfill(symbol, trades)
		deps.Market.Invalidate(symbol)
		log.Info("seeded trade buffer",
			slog.String("symbol", symbol),
			slog.Int("added", added))
	}
}

// seedTradeCount is the REST snapshot size used to prime each tape.
const seedTradeCount = 1000
