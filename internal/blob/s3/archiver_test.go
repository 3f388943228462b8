package s3blob

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapelens/tapelens/internal/domain"
)

func sampleBatch() []domain.TradeRecord {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	return []domain.TradeRecord{
		{AggTradeID: 100, Symbol: "BTCUSDT", Price: 42000.5, Qty: 0.25, Timestamp: base, IsBuyerMaker: false},
		{AggTradeID: 101, Symbol: "BTCUSDT", Price: 42001.0, Qty: 1.5, Timestamp: base.Add(time.Second), IsBuyerMaker: true},
		{AggTradeID: 105, Symbol: "BTCUSDT", Price: 41999.9, Qty: 0.01, Timestamp: base.Add(2 * time.Second), IsBuyerMaker: false},
	}
}

func TestBatchKeyPartitionsBySymbolAndDay(t *testing.T) {
	key := batchKey("BTCUSDT", sampleBatch())
	assert.Equal(t, "trades/BTCUSDT/2026-08-30/100-105.jsonl", key)
}

func TestJSONLRoundTrip(t *testing.T) {
	batch := sampleBatch()

	buf, err := marshalJSONL(batch)
	require.NoError(t, err)

	// One compact line per trade.
	lines := strings.Split(strings.TrimRight(string(buf), "\n"), "\n")
	assert.Len(t, lines, len(batch))
	assert.Contains(t, lines[0], `"agg_trade_id":100`)

	decoded, err := unmarshalJSONL(bytes.NewReader(buf))
	require.NoError(t, err)
	require.Len(t, decoded, len(batch))
	for i := range batch {
		assert.Equal(t, batch[i].AggTradeID, decoded[i].AggTradeID)
		assert.Equal(t, batch[i].Price, decoded[i].Price)
		assert.Equal(t, batch[i].IsBuyerMaker, decoded[i].IsBuyerMaker)
		assert.True(t, batch[i].Timestamp.Equal(decoded[i].Timestamp))
	}
}

func TestUnmarshalJSONLRejectsGarbage(t *testing.T) {
	_, err := unmarshalJSONL(strings.NewReader(`{"agg_trade_id":1}` + "\nnot json\n"))
	assert.Error(t, err)
}
