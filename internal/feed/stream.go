package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tapelens/tapelens/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second

	// stableConnAge is how long a connection must stay up before a subsequent
	// drop restarts the backoff from reconnectDelay.
	stableConnAge = 30 * time.Second
)

// aggTradeMessage is the combined-stream envelope for an aggregated trade.
// Prices and quantities arrive as decimal strings.
type aggTradeMessage struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType    string `json:"e"`
		EventTime    int64  `json:"E"`
		Symbol       string `json:"s"`
		AggTradeID   int64  `json:"a"`
		Price        string `json:"p"`
		Qty          string `json:"q"`
		TradeTime    int64  `json:"T"`
		IsBuyerMaker bool   `json:"m"`
	} `json:"data"`
}

// TradeStream connects to the futures combined websocket stream, subscribes
// to the aggTrade stream for each configured symbol, and appends every trade
// to the buffer. It reconnects with exponential backoff on disconnect and
// keeps the buffer's connection state current.
type TradeStream struct {
	wsURL   string
	symbols []string
	buf     *TradeBuffer
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewTradeStream creates a stream for the given symbols.
//
// wsURL is the combined stream endpoint, e.g. "wss://fstream.binance.com/stream".
func NewTradeStream(wsURL string, symbols []string, buf *TradeBuffer, logger *slog.Logger) *TradeStream {
	return &TradeStream{
		wsURL:   wsURL,
		symbols: symbols,
		buf:     buf,
		logger:  logger.With(slog.String("component", "trade_stream")),
		done:    make(chan struct{}),
	}
}

// streamURL builds the combined-stream URL with one aggTrade stream per symbol.
func (s *TradeStream) streamURL() string {
	names := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		names = append(names, strings.ToLower(sym)+"@aggTrade")
	}
	return s.wsURL + "?streams=" + strings.Join(names, "/")
}

// Run connects and consumes trades until ctx is cancelled or Close is called.
// On disconnect it marks the buffer disconnected and reconnects with
// exponential backoff.
func (s *TradeStream) Run(ctx context.Context) error {
	if len(s.symbols) == 0 {
		s.logger.Info("no symbols to stream, exiting")
		return nil
	}

	delay := reconnectDelay
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		default:
		}

		started := time.Now()
		err := s.runConnection(ctx)
		s.buf.SetConnected(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-s.done:
			return nil
		default:
		}

		delay = backoffAfter(delay, time.Since(started))
		s.logger.Warn("stream disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// backoffAfter returns the delay to wait before the next dial. A connection
// that stayed up for stableConnAge restarts the backoff from the base;
// otherwise the accumulated delay stands.
func backoffAfter(accumulated, connectedFor time.Duration) time.Duration {
	if connectedFor >= stableConnAge {
		return reconnectDelay
	}
	return accumulated
}

// Close stops the stream.
func (s *TradeStream) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// runConnection dials, reads until the connection drops, and returns the
// read error. A successful dial resets nothing here; the caller owns backoff.
func (s *TradeStream) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := dialer.DialContext(dialCtx, s.streamURL(), nil)
	cancel()
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	s.buf.SetConnected(true)
	s.logger.Info("stream connected", slog.Int("symbols", len(s.symbols)))

	stop := make(chan struct{})
	defer close(stop)
	go s.pingLoop(conn, stop)

	// The read loop blocks in ReadMessage; closing the conn is the only way
	// to unblock it when the stream goes quiet during shutdown.
	go func() {
		select {
		case <-stop:
			return
		case <-ctx.Done():
		case <-s.done:
		}
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		)
		_ = conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-s.done:
				return fmt.Errorf("feed: %w", domain.ErrWSDisconnect)
			default:
			}
			return fmt.Errorf("feed: read: %w", err)
		}
		s.handleMessage(message)
	}
}

// pingLoop keeps the connection alive until stop is closed.
func (s *TradeStream) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-s.done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses an aggTrade envelope and appends it to the buffer.
// Unparseable messages are dropped.
func (s *TradeStream) handleMessage(raw []byte) {
	var msg aggTradeMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Data.EventType != "aggTrade" {
		return
	}

	price, err := strconv.ParseFloat(msg.Data.Price, 64)
	if err != nil {
		return
	}
	qty, err := strconv.ParseFloat(msg.Data.Qty, 64)
	if err != nil {
		return
	}

	s.buf.Append(domain.TradeRecord{
		AggTradeID:   msg.Data.AggTradeID,
		Symbol:       msg.Data.Symbol,
		Price:        price,
		Qty:          qty,
		Timestamp:    time.UnixMilli(msg.Data.TradeTime),
		IsBuyerMaker: msg.Data.IsBuyerMaker,
	})
}
