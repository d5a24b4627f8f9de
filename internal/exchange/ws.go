// ws.go implements the market-data WebSocket feed.
//
// A single public market-channel connection subscribes by token ID and
// receives "book" snapshots and "price_change" deltas. Each message is
// collapsed to a top-of-book snapshot and pushed into the sink; quoting
// only ever looks at the best level.
//
// The feed auto-reconnects with exponential backoff (1s → 30s max) and
// re-subscribes to all tracked tokens on reconnection. A read deadline
// (90s) ensures silent server failures are detected within ~2 missed pings.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"updown-mm/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
)

// BookSink receives top-of-book updates from the feed. Implemented by the
// market-data cache; called from the feed's read goroutine.
type BookSink interface {
	SetTopOfBook(tokenID string, tob types.TopOfBook)
}

// MarketFeed manages the market-channel WebSocket connection. It handles
// connection lifecycle, subscription tracking, message parsing, and
// automatic reconnection with exponential backoff.
type MarketFeed struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string]bool // token IDs

	sink   BookSink
	logger *slog.Logger
}

// NewMarketFeed creates a WebSocket feed for the public market channel.
// Updates are written into sink as they arrive.
func NewMarketFeed(wsURL string, sink BookSink, logger *slog.Logger) *MarketFeed {
	return &MarketFeed{
		url:        wsURL,
		subscribed: make(map[string]bool),
		sink:       sink,
		logger:     logger.With("component", "ws_market"),
	}
}

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *MarketFeed) Run(ctx context.Context) error {
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

// wsUpdateMsg is the subscribe/unsubscribe frame for an open connection.
type wsUpdateMsg struct {
	Operation string   `json:"operation"`
	AssetIDs  []string `json:"assets_ids"`
}

// wsSubscribeMsg is the initial subscription frame sent after connecting.
type wsSubscribeMsg struct {
	Type     string   `json:"type"`
	AssetIDs []string `json:"assets_ids"`
}

// SetSubscribed replaces the tracked token set with tokens, diffing against
// the current set and sending incremental subscribe/unsubscribe frames.
// Called by the engine after each discovery refresh. Write errors are
// logged, not returned: the reconnect path re-subscribes from the tracked
// set, so a failed frame self-heals.
func (f *MarketFeed) SetSubscribed(tokens []string) {
	want := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		want[t] = true
	}

	f.subscribedMu.Lock()
	var added, removed []string
	for t := range want {
		if !f.subscribed[t] {
			added = append(added, t)
		}
	}
	for t := range f.subscribed {
		if !want[t] {
			removed = append(removed, t)
		}
	}
	f.subscribed = want
	f.subscribedMu.Unlock()

	if len(added) > 0 {
		if err := f.writeJSON(wsUpdateMsg{Operation: "subscribe", AssetIDs: added}); err != nil {
			f.logger.Warn("subscribe failed", "error", err, "tokens", len(added))
		}
	}
	if len(removed) > 0 {
		if err := f.writeJSON(wsUpdateMsg{Operation: "unsubscribe", AssetIDs: removed}); err != nil {
			f.logger.Warn("unsubscribe failed", "error", err, "tokens", len(removed))
		}
	}
}

// Close gracefully closes the connection.
func (f *MarketFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *MarketFeed) connectAndRead(ctx context.Context) error {
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

	f.logger.Info("websocket connected", "url", f.url)

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

func (f *MarketFeed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	ids := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		ids = append(ids, id)
	}
	f.subscribedMu.RUnlock()

	return f.writeJSON(wsSubscribeMsg{Type: "market", AssetIDs: ids})
}

// wsLevel is one price level in a book snapshot.
type wsLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// wsBookEvent is a full order book snapshot. Bids are sorted best-first.
type wsBookEvent struct {
	AssetID string    `json:"asset_id"`
	Bids    []wsLevel `json:"bids"`
	Asks    []wsLevel `json:"asks"`
}

// wsPriceChangeEvent carries the new best levels after a delta.
type wsPriceChangeEvent struct {
	AssetID     string `json:"asset_id"`
	BestBid     string `json:"best_bid"`
	BestBidSize string `json:"best_bid_size"`
	BestAsk     string `json:"best_ask"`
	BestAskSize string `json:"best_ask_size"`
}

func (f *MarketFeed) dispatchMessage(data []byte) {
	// Peek at event_type to route
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "book":
		var evt wsBookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal book event", "error", err)
			return
		}
		f.applyBook(evt)

	case "price_change":
		var evt wsPriceChangeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal price_change event", "error", err)
			return
		}
		f.applyPriceChange(evt)

	case "last_trade_price", "tick_size_change", "new_market", "market_resolved":
		// Informational events we don't need to process
		f.logger.Debug("ignoring event", "type", envelope.EventType)

	default:
		f.logger.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

// applyBook collapses a full book snapshot to its best levels.
func (f *MarketFeed) applyBook(evt wsBookEvent) {
	if evt.AssetID == "" {
		return
	}
	tob := types.TopOfBook{UpdatedAt: time.Now()}
	if len(evt.Bids) > 0 {
		tob.BestBid = parseLevel(evt.Bids[0].Price)
		tob.BestBidSize = parseLevel(evt.Bids[0].Size)
	}
	if len(evt.Asks) > 0 {
		tob.BestAsk = parseLevel(evt.Asks[0].Price)
		tob.BestAskSize = parseLevel(evt.Asks[0].Size)
	}
	f.sink.SetTopOfBook(evt.AssetID, tob)
}

func (f *MarketFeed) applyPriceChange(evt wsPriceChangeEvent) {
	if evt.AssetID == "" {
		return
	}
	f.sink.SetTopOfBook(evt.AssetID, types.TopOfBook{
		BestBid:     parseLevel(evt.BestBid),
		BestBidSize: parseLevel(evt.BestBidSize),
		BestAsk:     parseLevel(evt.BestAsk),
		BestAskSize: parseLevel(evt.BestAskSize),
		UpdatedAt:   time.Now(),
	})
}

// parseLevel converts a feed price/size string, treating garbage as zero.
func parseLevel(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (f *MarketFeed) pingLoop(ctx context.Context) {
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

func (f *MarketFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *MarketFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
