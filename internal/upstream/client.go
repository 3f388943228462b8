// Package upstream is the REST client for the exchange's public futures
// market data endpoints: order book depth, aggregated trades, and mark price.
// Throttling responses are surfaced as ErrRateLimited so the rate governor
// can back off; everything else maps to ErrUpstream.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tapelens/tapelens/internal/domain"
)

const (
	// aggTradesPageLimit is the upstream per-request cap for aggTrades.
	aggTradesPageLimit = 1000

	// maxAggTradePages bounds range fetches so a wide window cannot spin
	// the client through an unbounded number of pages.
	maxAggTradePages = 20
)

// Client talks to the futures REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client for the given API root, e.g. "https://fapi.binance.com".
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError is the upstream error envelope.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// throttled reports whether a response indicates rate limiting: HTTP 429,
// the IP-ban precursor 418, or the request-weight error codes.
func throttled(status int, apiCode int) bool {
	if status == http.StatusTooManyRequests || status == http.StatusTeapot {
		return true
	}
	return apiCode == -1003 || apiCode == -1015
}

// get performs a GET and decodes the body into out.
func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("upstream: build request %s: %w", path, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upstream: %s: %w: %v", path, domain.ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("upstream: read %s: %w: %v", path, domain.ErrUpstream, err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		_ = json.Unmarshal(body, &apiErr)
		if throttled(resp.StatusCode, apiErr.Code) {
			return fmt.Errorf("upstream: %s: status %d code %d: %w", path, resp.StatusCode, apiErr.Code, domain.ErrRateLimited)
		}
		return fmt.Errorf("upstream: %s: status %d: %s: %w", path, resp.StatusCode, apiErr.Msg, domain.ErrUpstream)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("upstream: decode %s: %w: %v", path, domain.ErrUpstream, err)
	}
	return nil
}

// depthResponse is the wire form of the depth endpoint: levels as
// [price, qty] decimal-string pairs.
type depthResponse struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	EventTime    int64       `json:"E"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// FetchOrderBook returns a depth snapshot. Bids arrive best-first descending,
// asks best-first ascending.
func (c *Client) FetchOrderBook(ctx context.Context, symbol string, limit int) (domain.OrderBookSnapshot, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))

	var resp depthResponse
	if err := c.get(ctx, "/fapi/v1/depth", params, &resp); err != nil {
		return domain.OrderBookSnapshot{}, err
	}

	snap := domain.OrderBookSnapshot{
		Symbol:       symbol,
		Timestamp:    time.UnixMilli(resp.EventTime),
		LastUpdateID: resp.LastUpdateID,
	}
	if resp.EventTime == 0 {
		snap.Timestamp = time.Now()
	}

	var err error
	if snap.Bids, err = parseLevels(resp.Bids); err != nil {
		return domain.OrderBookSnapshot{}, fmt.Errorf("upstream: depth %s bids: %w", symbol, err)
	}
	if snap.Asks, err = parseLevels(resp.Asks); err != nil {
		return domain.OrderBookSnapshot{}, fmt.Errorf("upstream: depth %s asks: %w", symbol, err)
	}
	return snap, nil
}

func parseLevels(raw [][2]string) ([]domain.PriceLevel, error) {
	levels := make([]domain.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		price, err := strconv.ParseFloat(pair[0], 64)
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", pair[0], domain.ErrUpstream)
		}
		qty, err := strconv.ParseFloat(pair[1], 64)
		if err != nil {
			return nil, fmt.Errorf("qty %q: %w", pair[1], domain.ErrUpstream)
		}
		levels = append(levels, domain.PriceLevel{Price: price, Qty: qty})
	}
	return levels, nil
}

// aggTrade is the wire form of one aggregated trade.
type aggTrade struct {
	AggTradeID   int64  `json:"a"`
	Price        string `json:"p"`
	Qty          string `json:"q"`
	Timestamp    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

func (t aggTrade) toDomain(symbol string) (domain.TradeRecord, error) {
	price, err := strconv.ParseFloat(t.Price, 64)
	if err != nil {
		return domain.TradeRecord{}, fmt.Errorf("trade price %q: %w", t.Price, domain.ErrUpstream)
	}
	qty, err := strconv.ParseFloat(t.Qty, 64)
	if err != nil {
		return domain.TradeRecord{}, fmt.Errorf("trade qty %q: %w", t.Qty, domain.ErrUpstream)
	}
	return domain.TradeRecord{
		AggTradeID:   t.AggTradeID,
		Symbol:       symbol,
		Price:        price,
		Qty:          qty,
		Timestamp:    time.UnixMilli(t.Timestamp),
		IsBuyerMaker: t.IsBuyerMaker,
	}, nil
}

// FetchRecentTrades returns the most recent aggregated trades, oldest first.
func (c *Client) FetchRecentTrades(ctx context.Context, symbol string, limit int) ([]domain.TradeRecord, error) {
	if limit <= 0 || limit > aggTradesPageLimit {
		limit = aggTradesPageLimit
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))

	var raw []aggTrade
	if err := c.get(ctx, "/fapi/v1/aggTrades", params, &raw); err != nil {
		return nil, err
	}
	return c.convertTrades(symbol, raw)
}

// FetchTradesRange pages through aggregated trades for [start, end). Pages
// advance by the last trade id seen, so no trade is skipped or duplicated.
func (c *Client) FetchTradesRange(ctx context.Context, symbol string, start, end time.Time) ([]domain.TradeRecord, error) {
	var out []domain.TradeRecord
	fromID := int64(-1)

	for page := 0; page < maxAggTradePages; page++ {
		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("limit", strconv.Itoa(aggTradesPageLimit))
		if fromID >= 0 {
			params.Set("fromId", strconv.FormatInt(fromID, 10))
		} else {
			params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
			params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
		}

		var raw []aggTrade
		if err := c.get(ctx, "/fapi/v1/aggTrades", params, &raw); err != nil {
			return nil, err
		}
		if len(raw) == 0 {
			break
		}

		trades, err := c.convertTrades(symbol, raw)
		if err != nil {
			return nil, err
		}
		done := false
		for _, tr := range trades {
			if !tr.Timestamp.Before(end) {
				done = true
				break
			}
			out = append(out, tr)
		}
		if done || len(raw) < aggTradesPageLimit {
			break
		}
		fromID = raw[len(raw)-1].AggTradeID + 1
	}
	return out, nil
}

func (c *Client) convertTrades(symbol string, raw []aggTrade) ([]domain.TradeRecord, error) {
	trades := make([]domain.TradeRecord, 0, len(raw))
	for _, t := range raw {
		tr, err := t.toDomain(symbol)
		if err != nil {
			return nil, err
		}
		trades = append(trades, tr)
	}
	return trades, nil
}

// premiumIndexResponse is the wire form of the mark price endpoint.
type premiumIndexResponse struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

// FetchMarkPrice returns the mark price and funding state for a symbol.
func (c *Client) FetchMarkPrice(ctx context.Context, symbol string) (domain.MarkPriceInfo, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var resp premiumIndexResponse
	if err := c.get(ctx, "/fapi/v1/premiumIndex", params, &resp); err != nil {
		return domain.MarkPriceInfo{}, err
	}

	mark, err := strconv.ParseFloat(resp.MarkPrice, 64)
	if err != nil {
		return domain.MarkPriceInfo{}, fmt.Errorf("upstream: mark price %q: %w", resp.MarkPrice, domain.ErrUpstream)
	}
	index, _ := strconv.ParseFloat(resp.IndexPrice, 64)
	funding, _ := strconv.ParseFloat(resp.LastFundingRate, 64)

	return domain.MarkPriceInfo{
		Symbol:          resp.Symbol,
		MarkPrice:       mark,
		IndexPrice:      index,
		LastFundingRate: funding,
		NextFundingTime: time.UnixMilli(resp.NextFundingTime),
		Timestamp:       time.UnixMilli(resp.Time),
	}, nil
}

// Compile-time interface check.
var _ domain.MarketDataSource = (*Client)(nil)
