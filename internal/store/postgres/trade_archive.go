package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tapelens/tapelens/internal/domain"
)

const tradeColumns = "agg_trade_id, symbol, price, qty, trade_time, is_buyer_maker"

// TradeArchive persists trades that age out of the in-memory buffer so
// historical profile queries can be served without hitting the upstream API.
type TradeArchive struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewTradeArchive creates a trade archive backed by the given client.
func NewTradeArchive(client *Client, logger *slog.Logger) *TradeArchive {
	return &TradeArchive{
		pool:   client.Pool(),
		logger: logger.With(slog.String("component", "trade_archive")),
	}
}

// InsertBatch writes trades in a single batch. Duplicate (symbol,
// agg_trade_id) pairs are skipped, so re-archiving an overlapping window is
// safe.
func (a *TradeArchive) InsertBatch(ctx context.Context, trades []domain.TradeRecord) error {
	if len(trades) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, t := range trades {
		batch.Queue(`
			INSERT INTO trades (agg_trade_id, symbol, price, qty, trade_time, is_buyer_maker)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (symbol, agg_trade_id) DO NOTHING`,
			t.AggTradeID, t.Symbol, t.Price, t.Qty, t.Timestamp.UTC(), t.IsBuyerMaker,
		)
	}

	results := a.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range trades {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("postgres: insert trade batch: %w", err)
		}
	}
	return nil
}

// TradesInRange returns archived trades for a symbol within [start, end],
// ordered by trade id ascending.
func (a *TradeArchive) TradesInRange(ctx context.Context, symbol string, start, end time.Time) ([]domain.TradeRecord, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE symbol = $1 AND trade_time >= $2 AND trade_time <= $3
		ORDER BY agg_trade_id ASC`,
		symbol, start.UTC(), end.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: query trades: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

// PruneBefore deletes archived trades older than the cutoff and returns the
// number of rows removed.
func (a *TradeArchive) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := a.pool.Exec(ctx,
		"DELETE FROM trades WHERE trade_time < $1", cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune trades: %w", err)
	}
	return tag.RowsAffected(), nil
}

// EvictHandler adapts the archive into a buffer eviction callback. Archive
// failures are logged and dropped; eviction must never block the feed.
func (a *TradeArchive) EvictHandler(timeout time.Duration) func(symbol string, trades []domain.TradeRecord) {
	return func(symbol string, trades []domain.TradeRecord) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := a.InsertBatch(ctx, trades); err != nil {
			a.logger.Warn("failed to archive evicted trades",
				slog.String("symbol", symbol),
				slog.Int("count", len(trades)),
				slog.String("error", err.Error()))
		}
	}
}

func scanTrades(rows pgx.Rows) ([]domain.TradeRecord, error) {
	var trades []domain.TradeRecord
	for rows.Next() {
		var t domain.TradeRecord
		if err := rows.Scan(&t.AggTradeID, &t.Symbol, &t.Price, &t.Qty, &t.Timestamp, &t.IsBuyerMaker); err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate trades: %w", err)
	}
	return trades, nil
}
