// Package events publishes order lifecycle events for downstream analytics.
//
// Every order placement and cancellation emits exactly one OrderLifecycle
// event, tagged with a closed Action/Reason vocabulary. Publishing is
// fire-and-forget: a slow or broken consumer never blocks the trading loop.
package events

import (
	"log/slog"
	"sync"
	"time"

	"updown-mm/pkg/types"
)

// TypeOrderStatus is the event type for order lifecycle events.
const TypeOrderStatus = "executor.order.status"

// BookSnapshot is the top-of-book attached to an event, as the strategy saw
// it at decision time. Prices are stringified decimals.
type BookSnapshot struct {
	BestBid     string `json:"bestBid,omitempty"`
	BestBidSize string `json:"bestBidSize,omitempty"`
	BestAsk     string `json:"bestAsk,omitempty"`
	BestAskSize string `json:"bestAskSize,omitempty"`
	AgeMillis   int64  `json:"ageMillis,omitempty"`
}

// SnapshotOf converts a top-of-book value for event payloads.
func SnapshotOf(tob types.TopOfBook, now time.Time) *BookSnapshot {
	if tob.UpdatedAt.IsZero() {
		return nil
	}
	return &BookSnapshot{
		BestBid:     tob.BestBid.String(),
		BestBidSize: tob.BestBidSize.String(),
		BestAsk:     tob.BestAsk.String(),
		BestAskSize: tob.BestAskSize.String(),
		AgeMillis:   now.Sub(tob.UpdatedAt).Milliseconds(),
	}
}

// OrderLifecycle is the payload of every order placement/cancellation event.
// Field names are part of the downstream contract; optional fields are
// omitted rather than zeroed.
type OrderLifecycle struct {
	Strategy   string       `json:"strategy"`
	RunID      string       `json:"runId"`
	Action     types.Action `json:"action"`
	Reason     types.Reason `json:"reason"`
	MarketSlug string       `json:"marketSlug"`
	MarketType string       `json:"marketType"`
	TokenID    string       `json:"tokenId"`
	Direction  string       `json:"direction"`

	SecondsToEnd int64  `json:"secondsToEnd"`
	TickSize     string `json:"tickSize,omitempty"`

	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	OrderID string `json:"orderId,omitempty"`
	Price   string `json:"price,omitempty"`
	Size    string `json:"size,omitempty"`

	// Replacement context: set when this placement replaces a cancelled order.
	ReplacedOrderID   string `json:"replacedOrderId,omitempty"`
	ReplacedPrice     string `json:"replacedPrice,omitempty"`
	ReplacedSize      string `json:"replacedSize,omitempty"`
	ReplacedAgeMillis int64  `json:"replacedAgeMillis,omitempty"`

	// Cancellation context: how old the cancelled order was.
	OrderAgeMillis int64 `json:"orderAgeMillis,omitempty"`

	Book         *BookSnapshot `json:"book,omitempty"`
	OtherTokenID string        `json:"otherTokenId,omitempty"`
	OtherBook    *BookSnapshot `json:"otherBook,omitempty"`
}

// Publisher delivers events to a destination. Implementations must not
// block the caller.
type Publisher interface {
	// Publish emits one event. key is the partition/grouping key
	// (the market slug).
	Publish(eventType, key string, payload any)
	// IsEnabled reports whether events actually go anywhere, so callers
	// can skip building expensive payloads.
	IsEnabled() bool
}

// LogPublisher writes events to the structured log. The default sink.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a publisher backed by the given logger.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With("component", "events")}
}

func (p *LogPublisher) Publish(eventType, key string, payload any) {
	p.logger.Info("event", "type", eventType, "key", key, "payload", payload)
}

func (p *LogPublisher) IsEnabled() bool { return true }

// NopPublisher drops everything.
type NopPublisher struct{}

func (NopPublisher) Publish(eventType, key string, payload any) {}
func (NopPublisher) IsEnabled() bool                            { return false }

// Event is one published event as seen by Hub subscribers.
type Event struct {
	Type    string    `json:"type"`
	Key     string    `json:"key"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Hub fans events out to in-process subscribers (the status server's
// WebSocket stream) in addition to an inner publisher. Subscriber channels
// are buffered; a full subscriber drops events rather than blocking.
type Hub struct {
	inner Publisher

	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewHub wraps inner with subscriber fan-out.
func NewHub(inner Publisher) *Hub {
	return &Hub{inner: inner, subs: make(map[chan Event]struct{})}
}

func (h *Hub) Publish(eventType, key string, payload any) {
	h.inner.Publish(eventType, key, payload)

	evt := Event{Type: eventType, Key: key, Payload: payload, At: time.Now()}
	h.mu.Lock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	h.mu.Unlock()
}

func (h *Hub) IsEnabled() bool { return true }

// Subscribe registers a new subscriber. The returned cancel function must
// be called to release it.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
	return ch, cancel
}
