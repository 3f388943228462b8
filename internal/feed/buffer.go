// Package feed maintains the live trade tape: a websocket stream of
// aggregated trades per symbol feeding an in-memory time-windowed buffer
// that the analytics layer reads from.
package feed

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tapelens/tapelens/internal/domain"
)

// EvictHandler receives trades as they age out of the buffer. The archive
// pipeline uses it to persist the tape before it is lost.
type EvictHandler func(symbol string, trades []domain.TradeRecord)

// BufferConfig bounds the per-symbol tape.
type BufferConfig struct {
	Retention time.Duration // how long trades are kept
	MaxTrades int           // hard cap per symbol
}

// DefaultBufferConfig retains 35 minutes of tape, enough headroom for a
// 30 minute analysis window, capped at 200k trades per symbol.
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		Retention: 35 * time.Minute,
		MaxTrades: 200_000,
	}
}

// BufferStats describes the current state of one symbol's tape.
type BufferStats struct {
	Symbol    string
	Count     int
	OldestAt  time.Time
	NewestAt  time.Time
	Connected bool
}

type symbolTape struct {
	trades []domain.TradeRecord
	lastID int64
}

// TradeBuffer holds recent aggregated trades per symbol in arrival order.
// Appends are deduplicated by aggregate trade ID, which is strictly
// increasing per symbol upstream, so an ID at or below the last accepted
// one is dropped. Reads return copies.
type TradeBuffer struct {
	cfg     BufferConfig
	onEvict EvictHandler

	mu    sync.Mutex
	tapes map[string]*symbolTape

	connected atomic.Bool

	now func() time.Time
}

// NewTradeBuffer creates an empty buffer. onEvict may be nil.
func NewTradeBuffer(cfg BufferConfig, onEvict EvictHandler) *TradeBuffer {
	return &TradeBuffer{
		cfg:     cfg,
		onEvict: onEvict,
		tapes:   make(map[string]*symbolTape),
		now:     time.Now,
	}
}

// Append adds a trade to its symbol's tape. It reports false when the trade
// was dropped as a duplicate or out-of-order arrival.
func (b *TradeBuffer) Append(tr domain.TradeRecord) bool {
	b.mu.Lock()
	tape, ok := b.tapes[tr.Symbol]
	if !ok {
		tape = &symbolTape{}
		b.tapes[tr.Symbol] = tape
	}
	if tape.lastID != 0 && tr.AggTradeID <= tape.lastID {
		b.mu.Unlock()
		return false
	}
	tape.trades = append(tape.trades, tr)
	tape.lastID = tr.AggTradeID

	evicted := b.evictLocked(tr.Symbol, tape)
	b.mu.Unlock()

	if len(evicted) > 0 && b.onEvict != nil {
		b.onEvict(tr.Symbol, evicted)
	}
	return true
}

// Backfill seeds a symbol's tape from a REST trade fetch before the stream
// has produced anything. Trades must be in ascending aggregate trade ID
// order; entries at or before the current tape head are skipped.
func (b *TradeBuffer) Backfill(symbol string, trades []domain.TradeRecord) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	tape, ok := b.tapes[symbol]
	if !ok {
		tape = &symbolTape{}
		b.tapes[symbol] = tape
	}

	added := 0
	for _, tr := range trades {
		if tape.lastID != 0 && tr.AggTradeID <= tape.lastID {
			continue
		}
		tape.trades = append(tape.trades, tr)
		tape.lastID = tr.AggTradeID
		added++
	}
	b.evictLocked(symbol, tape)
	return added
}

// WindowTrades returns a copy of the trades for symbol whose timestamp falls
// within the trailing window.
func (b *TradeBuffer) WindowTrades(symbol string, window time.Duration) []domain.TradeRecord {
	cutoff := b.now().Add(-window)

	b.mu.Lock()
	defer b.mu.Unlock()

	tape, ok := b.tapes[symbol]
	if !ok {
		return nil
	}

	// Trades are appended in timestamp order, so find the first in-window
	// index and copy from there.
	start := len(tape.trades)
	for i, tr := range tape.trades {
		if !tr.Timestamp.Before(cutoff) {
			start = i
			break
		}
	}
	out := make([]domain.TradeRecord, len(tape.trades)-start)
	copy(out, tape.trades[start:])
	return out
}

// WindowComplete reports whether the tape reaches back far enough to cover
// the full trailing window. Analytics over a shorter tape flag the result
// as covering an incomplete window.
func (b *TradeBuffer) WindowComplete(symbol string, window time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	tape, ok := b.tapes[symbol]
	if !ok || len(tape.trades) == 0 {
		return false
	}
	return !tape.trades[0].Timestamp.After(b.now().Add(-window))
}

// Stats returns the tape state for symbol.
func (b *TradeBuffer) Stats(symbol string) BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := BufferStats{Symbol: symbol, Connected: b.connected.Load()}
	tape, ok := b.tapes[symbol]
	if !ok || len(tape.trades) == 0 {
		return st
	}
	st.Count = len(tape.trades)
	st.OldestAt = tape.trades[0].Timestamp
	st.NewestAt = tape.trades[len(tape.trades)-1].Timestamp
	return st
}

// SetConnected records the stream connection state.
func (b *TradeBuffer) SetConnected(up bool) {
	b.connected.Store(up)
}

// Connected reports whether the stream is currently attached.
func (b *TradeBuffer) Connected() bool {
	return b.connected.Load()
}

// evictLocked drops trades older than the retention window or beyond the
// count cap and returns them oldest-first. Caller must hold b.mu.
func (b *TradeBuffer) evictLocked(symbol string, tape *symbolTape) []domain.TradeRecord {
	cutoff := b.now().Add(-b.cfg.Retention)

	drop := 0
	for drop < len(tape.trades) && tape.trades[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if over := len(tape.trades) - b.cfg.MaxTrades; over > drop {
		drop = over
	}
	if drop == 0 {
		return nil
	}

	evicted := make([]domain.TradeRecord, drop)
	copy(evicted, tape.trades[:drop])
	tape.trades = append(tape.trades[:0], tape.trades[drop:]...)
	return evicted
}
