package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/tapelens/tapelens/internal/analytics"
	"github.com/tapelens/tapelens/internal/domain"
)

// pruneInterval is how often the archive retention pruner runs.
const pruneInterval = time.Hour

// rangeReader serves archived trades for an absolute time range.
type rangeReader interface {
	TradesInRange(ctx context.Context, symbol string, start, end time.Time) ([]domain.TradeRecord, error)
}

// tradeHistory serves historical trade ranges archive-first. Ranges already
// persisted locally cost nothing against the upstream request budget; the
// upstream fetch remains the fallback for ranges the archive does not cover.
type tradeHistory struct {
	archive  rangeReader
	upstream analytics.HistoricalTrades
	logger   *slog.Logger
}

func newTradeHistory(archive rangeReader, upstream analytics.HistoricalTrades, logger *slog.Logger) *tradeHistory {
	return &tradeHistory{
		archive:  archive,
		upstream: upstream,
		logger:   logger.With(slog.String("component", "trade_history")),
	}
}

// FetchTradesRange tries the archive first and falls back to the upstream
// client when the archive errors or has no rows for the range.
func (h *tradeHistory) FetchTradesRange(ctx context.Context, symbol string, start, end time.Time) ([]domain.TradeRecord, error) {
	if h.archive != nil {
		trades, err := h.archive.TradesInRange(ctx, symbol, start, end)
		if err == nil && len(trades) > 0 {
			return trades, nil
		}
		if err != nil {
			h.logger.Warn("archive range query failed, falling back to upstream",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()))
		}
	}
	return h.upstream.FetchTradesRange(ctx, symbol, start, end)
}

// pruner deletes archived trades older than a cutoff.
type pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// runArchivePruner deletes archive rows past the retention horizon once per
// interval until ctx is cancelled. retention <= 0 disables pruning.
func runArchivePruner(ctx context.Context, p pruner, retention, interval time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		return
	}
	log := logger.With(slog.String("component", "archive_pruner"))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cutoff := time.Now().Add(-retention)
		removed, err := p.PruneBefore(ctx, cutoff)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("archive prune failed", slog.String("error", err.Error()))
			continue
		}
		if removed > 0 {
			log.Info("pruned archived trades",
				slog.Int64("removed", removed),
				slog.Time("cutoff", cutoff))
		}
	}
}
