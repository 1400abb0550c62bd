// ws.go implements WebSocket feeds for real-time exchange data.
//
// Two independent feeds run concurrently:
//
//   - Market feed (public): subscribes by asset ID, receives "book" snapshots,
//     "price_change" deltas, "best_bid_ask" top-of-book pushes,
//     "last_trade_price" prints, and "tick_size_change" updates.
//
//   - User feed (authenticated): subscribes by condition ID, receives
//     "trade" fills and "order" lifecycle events.
//
// Both feeds auto-reconnect with exponential backoff (1s -> 30s max) and
// re-subscribe to all tracked IDs on reconnection. A read deadline (90s)
// ensures silent server failures are detected within ~2 missed pings. Every
// reconnect is reported on ConnStateCh so RiskManager and OrderbookManager
// can apply the staleness/disconnect contracts in spec §4.1/§4.2.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"activequoter/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	readBufferSize   = 256              // buffer for book/price/bba events
	tradeBufferSize  = 64               // buffer for trade/order events
)

// ConnState reports a feed's connection lifecycle to interested observers
// (RiskManager for the hard/soft fault contract, OrderbookManager for the
// "require a fresh book snapshot before serving stale assets" contract).
type ConnState struct {
	Connected bool
	Err       error // non-nil when Connected is false and caused by an error
	At        time.Time
}

// WSFeed manages a single WebSocket connection (market or user channel).
// It handles connection lifecycle, subscription tracking, message routing,
// and automatic reconnection with exponential backoff.
type WSFeed struct {
	url         string
	conn        *websocket.Conn
	connMu      sync.Mutex
	auth        *Auth // nil for market channel, set for user channel
	channelType string

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	bookCh        chan types.WSBookEvent
	priceChangeCh chan types.WSPriceChangeEvent
	bestBidAskCh  chan types.WSBestBidAskEvent
	lastTradeCh   chan types.WSLastTradePriceEvent
	tickSizeCh    chan types.WSTickSizeChangeEvent
	tradeCh       chan types.WSTradeEvent
	orderCh       chan types.WSOrderEvent
	connStateCh   chan ConnState

	logger *slog.Logger
}

// NewMarketFeed creates a WebSocket feed for the market channel (public).
func NewMarketFeed(wsURL string, logger *slog.Logger) *WSFeed {
	return newFeed(wsURL, nil, "market", logger)
}

// NewUserFeed creates a WebSocket feed for the user channel (authenticated).
func NewUserFeed(wsURL string, auth *Auth, logger *slog.Logger) *WSFeed {
	return newFeed(wsURL, auth, "user", logger)
}

func newFeed(wsURL string, auth *Auth, channelType string, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:           wsURL,
		auth:          auth,
		channelType:   channelType,
		subscribed:    make(map[string]bool),
		bookCh:        make(chan types.WSBookEvent, readBufferSize),
		priceChangeCh: make(chan types.WSPriceChangeEvent, readBufferSize),
		bestBidAskCh:  make(chan types.WSBestBidAskEvent, readBufferSize),
		lastTradeCh:   make(chan types.WSLastTradePriceEvent, readBufferSize),
		tickSizeCh:    make(chan types.WSTickSizeChangeEvent, readBufferSize),
		tradeCh:       make(chan types.WSTradeEvent, tradeBufferSize),
		orderCh:       make(chan types.WSOrderEvent, tradeBufferSize),
		connStateCh:   make(chan ConnState, 8),
		logger:        logger.With("component", "ws_"+channelType),
	}
}

func (f *WSFeed) BookEvents() <-chan types.WSBookEvent                 { return f.bookCh }
func (f *WSFeed) PriceChangeEvents() <-chan types.WSPriceChangeEvent    { return f.priceChangeCh }
func (f *WSFeed) BestBidAskEvents() <-chan types.WSBestBidAskEvent      { return f.bestBidAskCh }
func (f *WSFeed) LastTradePriceEvents() <-chan types.WSLastTradePriceEvent { return f.lastTradeCh }
func (f *WSFeed) TickSizeChangeEvents() <-chan types.WSTickSizeChangeEvent { return f.tickSizeCh }
func (f *WSFeed) TradeEvents() <-chan types.WSTradeEvent                { return f.tradeCh }
func (f *WSFeed) OrderEvents() <-chan types.WSOrderEvent                 { return f.orderCh }

// ConnStateCh reports connect/disconnect transitions for this feed.
func (f *WSFeed) ConnStateCh() <-chan ConnState { return f.connStateCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.emitConnState(ConnState{Connected: false, Err: err, At: time.Now()})
		f.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds asset IDs (market channel) or condition IDs (user channel).
func (f *WSFeed) Subscribe(ctx context.Context, ids []string) error {
	f.subscribedMu.Lock()
	for _, id := range ids {
		f.subscribed[id] = true
	}
	f.subscribedMu.Unlock()

	msg := types.WSUpdateMsg{Operation: "subscribe"}
	if f.channelType == "market" {
		msg.AssetIDs = ids
	} else {
		msg.Markets = ids
	}
	return f.writeJSON(msg)
}

// Unsubscribe removes IDs from the subscription.
func (f *WSFeed) Unsubscribe(ctx context.Context, ids []string) error {
	f.subscribedMu.Lock()
	for _, id := range ids {
		delete(f.subscribed, id)
	}
	f.subscribedMu.Unlock()

	msg := types.WSUpdateMsg{Operation: "unsubscribe"}
	if f.channelType == "market" {
		msg.AssetIDs = ids
	} else {
		msg.Markets = ids
	}
	return f.writeJSON(msg)
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

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "channel", f.channelType)
	f.emitConnState(ConnState{Connected: true, At: time.Now()})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

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

func (f *WSFeed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	ids := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		ids = append(ids, id)
	}
	f.subscribedMu.RUnlock()

	if f.channelType == "market" {
		return f.writeJSON(types.WSSubscribeMsg{Type: "market", AssetIDs: ids})
	}
	return f.writeJSON(types.WSSubscribeMsg{Type: "user", Auth: f.auth.WSAuthPayload(), Markets: ids})
}

func (f *WSFeed) dispatchMessage(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "book":
		var evt types.WSBookEvent
		if f.unmarshalOrLog(data, &evt, "book") {
			select {
			case f.bookCh <- evt:
			default:
				f.logger.Warn("book channel full, dropping event", "asset", evt.AssetID)
			}
		}

	case "price_change":
		var evt types.WSPriceChangeEvent
		if f.unmarshalOrLog(data, &evt, "price_change") {
			select {
			case f.priceChangeCh <- evt:
			default:
				f.logger.Warn("price_change channel full, dropping event")
			}
		}

	case "best_bid_ask":
		var evt types.WSBestBidAskEvent
		if f.unmarshalOrLog(data, &evt, "best_bid_ask") {
			select {
			case f.bestBidAskCh <- evt:
			default:
				f.logger.Warn("best_bid_ask channel full, dropping event", "asset", evt.AssetID)
			}
		}

	case "last_trade_price":
		var evt types.WSLastTradePriceEvent
		if f.unmarshalOrLog(data, &evt, "last_trade_price") {
			select {
			case f.lastTradeCh <- evt:
			default:
				f.logger.Warn("last_trade_price channel full, dropping event", "asset", evt.AssetID)
			}
		}

	case "tick_size_change":
		var evt types.WSTickSizeChangeEvent
		if f.unmarshalOrLog(data, &evt, "tick_size_change") {
			select {
			case f.tickSizeCh <- evt:
			default:
				f.logger.Warn("tick_size_change channel full, dropping event", "asset", evt.AssetID)
			}
		}

	case "trade":
		var evt types.WSTradeEvent
		if f.unmarshalOrLog(data, &evt, "trade") {
			select {
			case f.tradeCh <- evt:
			default:
				f.logger.Warn("trade channel full, dropping event", "id", evt.ID)
			}
		}

	case "order":
		var evt types.WSOrderEvent
		if f.unmarshalOrLog(data, &evt, "order") {
			select {
			case f.orderCh <- evt:
			default:
				f.logger.Warn("order channel full, dropping event", "id", evt.ID)
			}
		}

	case "new_market", "market_resolved":
		f.logger.Debug("ignoring event", "type", envelope.EventType)

	default:
		f.logger.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

func (f *WSFeed) unmarshalOrLog(data []byte, v interface{}, kind string) bool {
	if err := json.Unmarshal(data, v); err != nil {
		f.logger.Error("unmarshal ws event", "kind", kind, "error", err)
		return false
	}
	return true
}

func (f *WSFeed) emitConnState(s ConnState) {
	select {
	case f.connStateCh <- s:
	default:
		select {
		case <-f.connStateCh:
		default:
		}
		f.connStateCh <- s
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
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *WSFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *WSFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
