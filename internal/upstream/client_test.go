package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapelens/tapelens/internal/domain"
)

// fullPage renders a full upstream page of 1000 trades inside the window.
func fullPage(startID int64, base time.Time) string {
	var sb strings.Builder
	sb.WriteString("[")
	for i := int64(0); i < 1000; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, `{"a":%d,"p":"100","q":"1","T":%d,"m":false}`, startID+i, base.UnixMilli())
	}
	sb.WriteString("]")
	return sb.String()
}

func TestFetchOrderBookParsesLevels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/depth", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		w.Write([]byte(`{
			"lastUpdateId": 7,
			"E": 1700000000000,
			"bids": [["42000.5","1.25"],["42000.4","2"]],
			"asks": [["42000.6","0.5"]]
		}`))
	}))
	defer srv.Close()

	snap, err := New(srv.URL).FetchOrderBook(context.Background(), "BTCUSDT", 100)
	require.NoError(t, err)

	assert.Equal(t, int64(7), snap.LastUpdateID)
	require.Len(t, snap.Bids, 2)
	assert.Equal(t, 42000.5, snap.Bids[0].Price)
	assert.Equal(t, 1.25, snap.Bids[0].Qty)
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, 42000.6, snap.Asks[0].Price)
	assert.InDelta(t, 42000.55, snap.MidPrice(), 1e-9)
}

func TestThrottleStatusMapsToRateLimited(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusTeapot} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			w.Write([]byte(`{"code":-1003,"msg":"Too many requests"}`))
		}))

		_, err := New(srv.URL).FetchOrderBook(context.Background(), "BTCUSDT", 100)
		assert.ErrorIs(t, err, domain.ErrRateLimited, "status %d", status)
		srv.Close()
	}
}

func TestThrottleCodeMapsToRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1015,"msg":"Too many new orders"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).FetchOrderBook(context.Background(), "BTCUSDT", 100)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestNonThrottleErrorMapsToUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).FetchOrderBook(context.Background(), "BTCUSDT", 100)
	assert.ErrorIs(t, err, domain.ErrUpstream)
	assert.NotErrorIs(t, err, domain.ErrRateLimited)
}

func TestFetchRecentTrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/aggTrades", r.URL.Path)
		w.Write([]byte(`[
			{"a":1,"p":"100.5","q":"2","T":1700000000000,"m":true},
			{"a":2,"p":"100.6","q":"1","T":1700000000100,"m":false}
		]`))
	}))
	defer srv.Close()

	trades, err := New(srv.URL).FetchRecentTrades(context.Background(), "BTCUSDT", 500)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, int64(1), trades[0].AggTradeID)
	assert.Equal(t, domain.SideSell, trades[0].AggressorSide())
	assert.Equal(t, domain.SideBuy, trades[1].AggressorSide())
}

func TestFetchTradesRangePagination(t *testing.T) {
	base := time.UnixMilli(1700000000000)
	end := base.Add(time.Minute)

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch calls {
		case 1:
			assert.NotEmpty(t, r.URL.Query().Get("startTime"))
			// A full page forces a follow-up request by id.
			w.Write([]byte(fullPage(1, base)))
		case 2:
			assert.Equal(t, "1001", r.URL.Query().Get("fromId"))
			w.Write([]byte(`[{"a":1001,"p":"100","q":"1","T":1700000000500,"m":false}]`))
		default:
			t.Errorf("unexpected extra request %d", calls)
		}
	}))
	defer srv.Close()

	trades, err := New(srv.URL).FetchTradesRange(context.Background(), "BTCUSDT", base, end)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Len(t, trades, 1001)
	assert.Equal(t, int64(1001), trades[len(trades)-1].AggTradeID)
}

func TestFetchTradesRangeStopsAtEnd(t *testing.T) {
	base := time.UnixMilli(1700000000000)
	end := base.Add(200 * time.Millisecond)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"a":1,"p":"100","q":"1","T":1700000000000,"m":false},
			{"a":2,"p":"100","q":"1","T":1700000000100,"m":false},
			{"a":3,"p":"100","q":"1","T":1700000000300,"m":false}
		]`))
	}))
	defer srv.Close()

	trades, err := New(srv.URL).FetchTradesRange(context.Background(), "BTCUSDT", base, end)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, int64(2), trades[1].AggTradeID)
}

func TestFetchMarkPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/premiumIndex", r.URL.Path)
		w.Write([]byte(`{
			"symbol":"BTCUSDT",
			"markPrice":"42000.10",
			"indexPrice":"42001.00",
			"lastFundingRate":"0.0001",
			"nextFundingTime":1700003600000,
			"time":1700000000000
		}`))
	}))
	defer srv.Close()

	info, err := New(srv.URL).FetchMarkPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 42000.10, info.MarkPrice)
	assert.Equal(t, 42001.00, info.IndexPrice)
	assert.Equal(t, 0.0001, info.LastFundingRate)
}
