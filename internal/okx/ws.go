// ws.go implements WebSocket feeds for real-time OKX data.
//
// Two independent feeds run concurrently:
//
//   - Public feed:   subscribes "books" per instrument, receives order book
//     snapshots and sequenced deltas.
//
//   - Business feed: subscribes "candle<tf>" per (instrument, timeframe) and
//     "trades-all" per instrument.
//
// Both feeds auto-reconnect with exponential backoff (1s → 30s max) and
// re-send all tracked subscriptions on reconnection. A read deadline (60s)
// ensures silent server failures are detected within ~2 missed pings.
package okx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"okx-swap-agent/pkg/types"
)

const (
	pingInterval     = 20 * time.Second // OKX closes idle connections after 30s
	readTimeout      = 60 * time.Second // ~2 missed pongs triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	bookBufferSize   = 512              // sequenced deltas, must not drop under burst
	candleBufferSize = 256              // buffer for candle events
	tradeBufferSize  = 256              // buffer for trade events
)

// errNotConnected is returned by writes attempted before the first connect;
// Subscribe treats it as deferred, not failed.
var errNotConnected = errors.New("websocket not connected")

// BookUpdate is one books-channel frame: a snapshot or a sequenced delta.
type BookUpdate struct {
	Symbol string
	Action string // "snapshot" or "update"
	Data   types.WSBookData
}

// CandleUpdate is one candle-channel frame.
type CandleUpdate struct {
	Symbol    string
	Timeframe types.Timeframe
	Candle    types.Candle
}

// TradeUpdate is one trades-all frame.
type TradeUpdate struct {
	Symbol string
	Trade  types.Trade
}

// WSFeed manages a single WebSocket connection (public or business).
// It handles connection lifecycle, subscription tracking, message routing,
// and automatic reconnection with exponential backoff.
type WSFeed struct {
	url    string
	name   string // "public" or "business", for logging
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   []types.WSArg

	// Typed event channels — consumers read from these via accessor methods
	bookCh   chan BookUpdate
	candleCh chan CandleUpdate
	tradeCh  chan TradeUpdate

	connected chan struct{} // signalled on every successful (re)connect

	logger *slog.Logger
}

// NewFeed creates a WebSocket feed for the given endpoint.
func NewFeed(wsURL, name string, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:       wsURL,
		name:      name,
		bookCh:    make(chan BookUpdate, bookBufferSize),
		candleCh:  make(chan CandleUpdate, candleBufferSize),
		tradeCh:   make(chan TradeUpdate, tradeBufferSize),
		connected: make(chan struct{}, 1),
		logger:    logger.With("component", "ws_"+name),
	}
}

// BookEvents returns a read-only channel of book updates.
func (f *WSFeed) BookEvents() <-chan BookUpdate { return f.bookCh }

// CandleEvents returns a read-only channel of candle updates.
func (f *WSFeed) CandleEvents() <-chan CandleUpdate { return f.candleCh }

// TradeEvents returns a read-only channel of trade updates.
func (f *WSFeed) TradeEvents() <-chan TradeUpdate { return f.tradeCh }

// Connected returns a channel that receives a signal after each successful
// connect, once the subscriptions have been sent.
func (f *WSFeed) Connected() <-chan struct{} { return f.connected }

// Subscribe registers channel args and, if connected, sends the subscribe op.
// Registered args are replayed automatically after every reconnect.
func (f *WSFeed) Subscribe(args []types.WSArg) error {
	f.subscribedMu.Lock()
	f.subscribed = append(f.subscribed, args...)
	f.subscribedMu.Unlock()

	err := f.writeJSON(types.WSSubscribeMsg{Op: "subscribe", Args: args})
	if errors.Is(err, errNotConnected) {
		// Sent on next connect via sendSubscriptions
		return nil
	}
	return err
}

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendSubscriptions(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "feed", f.name)
	select {
	case f.connected <- struct{}{}:
	default:
	}

	// Start ping goroutine
	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *WSFeed) sendSubscriptions() error {
	f.subscribedMu.RLock()
	args := make([]types.WSArg, len(f.subscribed))
	copy(args, f.subscribed)
	f.subscribedMu.RUnlock()

	if len(args) == 0 {
		return nil
	}
	return f.writeJSON(types.WSSubscribeMsg{Op: "subscribe", Args: args})
}

func (f *WSFeed) dispatchMessage(data []byte) {
	if string(data) == "pong" {
		return
	}

	var msg types.WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	if msg.Event != "" {
		switch msg.Event {
		case "subscribe":
			f.logger.Info("subscribed", "channel", msg.Arg.Channel, "inst", msg.Arg.InstID)
		case "error":
			f.logger.Error("subscription error", "code", msg.Code, "msg", msg.Msg)
		default:
			f.logger.Debug("ws event", "event", msg.Event)
		}
		return
	}
	if len(msg.Data) == 0 {
		return
	}

	switch {
	case msg.Arg.Channel == "books":
		var rows []types.WSBookData
		if err := json.Unmarshal(msg.Data, &rows); err != nil {
			f.logger.Error("unmarshal book data", "error", err)
			return
		}
		for _, row := range rows {
			evt := BookUpdate{Symbol: msg.Arg.InstID, Action: msg.Action, Data: row}
			select {
			case f.bookCh <- evt:
			default:
				f.logger.Warn("book channel full, dropping event", "inst", msg.Arg.InstID)
			}
		}

	case strings.HasPrefix(msg.Arg.Channel, "candle"):
		tf := types.Timeframe(strings.TrimPrefix(msg.Arg.Channel, "candle"))
		var rows []types.Candle
		if err := json.Unmarshal(msg.Data, &rows); err != nil {
			f.logger.Error("unmarshal candle data", "error", err)
			return
		}
		for _, row := range rows {
			evt := CandleUpdate{Symbol: msg.Arg.InstID, Timeframe: tf, Candle: row}
			select {
			case f.candleCh <- evt:
			default:
				f.logger.Warn("candle channel full, dropping event",
					"inst", msg.Arg.InstID, "tf", tf)
			}
		}

	case msg.Arg.Channel == "trades-all":
		var rows []types.WSTradeData
		if err := json.Unmarshal(msg.Data, &rows); err != nil {
			f.logger.Error("unmarshal trade data", "error", err)
			return
		}
		for _, row := range rows {
			evt := TradeUpdate{
				Symbol: msg.Arg.InstID,
				Trade: types.Trade{
					ID:    row.TradeID,
					Ts:    atoi64(row.Ts),
					Price: atof(row.Px),
					Size:  atof(row.Sz),
					Side:  types.Side(row.Side),
				},
			}
			select {
			case f.tradeCh <- evt:
			default:
				f.logger.Warn("trade channel full, dropping event", "id", row.TradeID)
			}
		}

	default:
		f.logger.Debug("unknown ws channel", "channel", msg.Arg.Channel)
	}
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("ping")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *WSFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return errNotConnected
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *WSFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return errNotConnected
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
