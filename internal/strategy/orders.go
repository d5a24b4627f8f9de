// orders.go manages the resting order per market leg: placement,
// replacement, cancellation, and fill detection via status polling.
//
// At most one order rests per token. Replacement is cancel-then-place and
// is throttled by the minimum replace age so quotes do not churn every
// tick. Polling compares the executor's matched size against the last
// observation; any increase is booked as a fill into inventory and the
// unbooked-exposure bucket.
package strategy

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"updown-mm/internal/config"
	"updown-mm/internal/events"
	"updown-mm/pkg/types"
)

const (
	statusPollInterval = time.Second
	staleOrderTimeout  = 5 * time.Minute
	strategyName       = "complete-set-mm"
)

// Executor is the slice of the exchange client the order manager uses.
type Executor interface {
	PlaceLimit(ctx context.Context, tokenID string, side types.Side, price, size decimal.Decimal, orderType types.OrderType) (types.PlaceResult, error)
	Cancel(ctx context.Context, orderID string) (bool, error)
	GetOrder(ctx context.Context, orderID string) (types.OrderStatus, error)
}

// BookLookup is the slice of the market-data cache the order manager uses
// for event payloads.
type BookLookup interface {
	Get(tokenID string) (types.TopOfBook, bool)
}

// OrderState is the manager's view of one resting order.
type OrderState struct {
	OrderID   string
	Market    types.Market
	Direction types.Direction
	TokenID   string

	Price    decimal.Decimal
	Size     decimal.Decimal
	Matched  decimal.Decimal // matched size at last poll
	TickSize decimal.Decimal

	PlacedAt   time.Time
	LastPollAt time.Time
}

// Remaining returns the unmatched size at last observation.
func (o *OrderState) Remaining() decimal.Decimal {
	return o.Size.Sub(o.Matched)
}

// OrderManager owns the resting orders, keyed by token ID. Single-writer:
// only the evaluation goroutine calls its methods.
type OrderManager struct {
	exec     Executor
	books    BookLookup
	pub      events.Publisher
	inv      *InventoryStore
	unbooked *UnbookedFills
	cfg      config.StrategyConfig
	runID    string
	logger   *slog.Logger

	orders map[string]*OrderState

	now func() time.Time
}

// NewOrderManager creates an order manager. runID tags every event emitted
// by this process.
func NewOrderManager(exec Executor, books BookLookup, pub events.Publisher, inv *InventoryStore, unbooked *UnbookedFills, cfg config.StrategyConfig, runID string, logger *slog.Logger) *OrderManager {
	return &OrderManager{
		exec:     exec,
		books:    books,
		pub:      pub,
		inv:      inv,
		unbooked: unbooked,
		cfg:      cfg,
		runID:    runID,
		logger:   logger.With("component", "orders"),
		orders:   make(map[string]*OrderState),
		now:      time.Now,
	}
}

// Order returns the resting order for a token, if any.
func (m *OrderManager) Order(tokenID string) (*OrderState, bool) {
	st, ok := m.orders[tokenID]
	return st, ok
}

// OpenNotional returns price × remaining summed over all resting orders.
func (m *OrderManager) OpenNotional() decimal.Decimal {
	total := decimal.Zero
	for _, st := range m.orders {
		total = total.Add(st.Price.Mul(st.Remaining()))
	}
	return total
}

// Open returns a copy of all resting orders, for status snapshots.
func (m *OrderManager) Open() []OrderState {
	out := make([]OrderState, 0, len(m.orders))
	for _, st := range m.orders {
		out = append(out, *st)
	}
	return out
}

// Place submits a BUY order for one leg and tracks it. replaced carries
// the order this placement supersedes, when part of a replace. Returns
// false when the executor rejected the order.
func (m *OrderManager) Place(ctx context.Context, mkt types.Market, dir types.Direction, price, size, tick decimal.Decimal, orderType types.OrderType, reason types.Reason, replaced *OrderState) bool {
	tokenID := mkt.TokenFor(dir)
	now := m.now()

	result, err := m.exec.PlaceLimit(ctx, tokenID, types.BUY, price, size, orderType)
	success := err == nil && result.OrderID != ""

	evt := m.baseEvent(mkt, dir, tokenID, types.ActionPlace, reason, now)
	evt.Success = success
	evt.OrderID = result.OrderID
	evt.Price = price.String()
	evt.Size = size.String()
	evt.TickSize = tick.String()
	if err != nil {
		evt.Error = err.Error()
	} else if result.ErrorMsg != "" {
		evt.Error = result.ErrorMsg
	}
	if replaced != nil {
		evt.ReplacedOrderID = replaced.OrderID
		evt.ReplacedPrice = replaced.Price.String()
		evt.ReplacedSize = replaced.Size.String()
		evt.ReplacedAgeMillis = now.Sub(replaced.PlacedAt).Milliseconds()
	}
	m.pub.Publish(events.TypeOrderStatus, mkt.Slug, evt)

	if !success {
		m.logger.Warn("place failed",
			"market", mkt.Slug, "direction", dir,
			"price", price, "size", size, "error", err,
		)
		return false
	}

	m.orders[tokenID] = &OrderState{
		OrderID:    result.OrderID,
		Market:     mkt,
		Direction:  dir,
		TokenID:    tokenID,
		Price:      price,
		Size:       size,
		TickSize:   tick,
		PlacedAt:   now,
		LastPollAt: now,
	}
	m.logger.Info("order placed",
		"market", mkt.Slug, "direction", dir,
		"order_id", result.OrderID, "price", price, "size", size, "reason", reason,
	)
	return true
}

// Cancel cancels a resting order and stops tracking it. The order is
// dropped from tracking even when the executor call fails: a cancel that
// errored is most often an already-dead order, and status polling would
// have reaped it anyway.
func (m *OrderManager) Cancel(ctx context.Context, st *OrderState, reason types.Reason) bool {
	now := m.now()
	ok, err := m.exec.Cancel(ctx, st.OrderID)
	success := err == nil && ok

	evt := m.baseEvent(st.Market, st.Direction, st.TokenID, types.ActionCancel, reason, now)
	evt.Success = success
	evt.OrderID = st.OrderID
	evt.Price = st.Price.String()
	evt.Size = st.Size.String()
	evt.TickSize = st.TickSize.String()
	evt.OrderAgeMillis = now.Sub(st.PlacedAt).Milliseconds()
	if err != nil {
		evt.Error = err.Error()
	}
	m.pub.Publish(events.TypeOrderStatus, st.Market.Slug, evt)

	delete(m.orders, st.TokenID)

	if !success {
		m.logger.Warn("cancel failed",
			"market", st.Market.Slug, "order_id", st.OrderID, "error", err,
		)
	}
	return success
}

// Reconcile drives one leg toward the desired quote. An existing order is
// kept when it already matches, or when it is too young to replace;
// otherwise it is cancelled with the matching replace reason and the new
// quote placed.
func (m *OrderManager) Reconcile(ctx context.Context, mkt types.Market, dir types.Direction, price, size, tick decimal.Decimal) {
	tokenID := mkt.TokenFor(dir)
	st, ok := m.orders[tokenID]
	if !ok {
		m.Place(ctx, mkt, dir, price, size, tick, types.OrderTypeGTC, types.ReasonQuote, nil)
		return
	}

	priceChanged := !st.Price.Equal(price)
	sizeChanged := !st.Size.Equal(size)
	if !priceChanged && !sizeChanged {
		return
	}
	if m.now().Sub(st.PlacedAt) < m.cfg.MinReplaceAge() {
		return
	}

	var reason types.Reason
	switch {
	case priceChanged && sizeChanged:
		reason = types.ReasonReplacePriceAndSize
	case priceChanged:
		reason = types.ReasonReplacePrice
	default:
		reason = types.ReasonReplaceSize
	}

	replaced := *st
	m.Cancel(ctx, st, reason)
	m.Place(ctx, mkt, dir, price, size, tick, types.OrderTypeGTC, types.ReasonReplace, &replaced)
}

// PollAll checks the status of every resting order due for a poll. Fills
// are booked into inventory and unbooked exposure; terminal orders are
// dropped; orders resting beyond the stale timeout are cancelled.
func (m *OrderManager) PollAll(ctx context.Context) {
	now := m.now()
	for _, st := range m.snapshotOrders() {
		if now.Sub(st.LastPollAt) < statusPollInterval {
			continue
		}
		m.poll(ctx, st, now)
	}
}

// snapshotOrders copies the order list so poll/cancel can mutate the map.
func (m *OrderManager) snapshotOrders() []*OrderState {
	out := make([]*OrderState, 0, len(m.orders))
	for _, st := range m.orders {
		out = append(out, st)
	}
	return out
}

func (m *OrderManager) poll(ctx context.Context, st *OrderState, now time.Time) {
	status, err := m.exec.GetOrder(ctx, st.OrderID)
	if err != nil {
		// Transient: keep the order, try again next interval.
		st.LastPollAt = now
		m.logger.Debug("status poll failed", "order_id", st.OrderID, "error", err)
		return
	}
	st.LastPollAt = now

	matched := effectiveMatched(status, st.Size)
	if matched != nil && matched.GreaterThan(st.Matched) {
		delta := matched.Sub(st.Matched)
		st.Matched = *matched
		m.bookFill(st, delta, now)
	}

	if isFinished(status, st) {
		delete(m.orders, st.TokenID)
		m.logger.Info("order finished",
			"market", st.Market.Slug, "order_id", st.OrderID,
			"status", status.Status, "matched", st.Matched,
		)
		return
	}

	if now.Sub(st.PlacedAt) > staleOrderTimeout {
		m.Cancel(ctx, st, types.ReasonStaleTimeout)
	}
}

// effectiveMatched normalizes the executor's fill fields: prefer the
// matched size, fall back to size − remaining. nil means the executor
// reported neither.
func effectiveMatched(status types.OrderStatus, size decimal.Decimal) *decimal.Decimal {
	if status.Matched != nil {
		return status.Matched
	}
	if status.Remaining != nil {
		d := size.Sub(*status.Remaining)
		return &d
	}
	return nil
}

func isFinished(status types.OrderStatus, st *OrderState) bool {
	if status.Remaining != nil && !status.Remaining.IsPositive() {
		return true
	}
	if st.Matched.GreaterThanOrEqual(st.Size) {
		return true
	}
	return types.TerminalStatus(status.Status)
}

func (m *OrderManager) bookFill(st *OrderState, delta decimal.Decimal, now time.Time) {
	m.unbooked.Add(st.TokenID, st.Price, delta)
	if st.Direction == types.UP {
		m.inv.AddUp(st.Market.Slug, delta, now, st.Price)
	} else {
		m.inv.AddDown(st.Market.Slug, delta, now, st.Price)
	}
	m.logger.Info("fill detected",
		"market", st.Market.Slug, "direction", st.Direction,
		"shares", delta, "price", st.Price,
	)
}

// CancelMarket cancels both legs of a market.
func (m *OrderManager) CancelMarket(ctx context.Context, mkt types.Market, reason types.Reason) {
	for _, tokenID := range mkt.TokenIDs() {
		if st, ok := m.orders[tokenID]; ok {
			m.Cancel(ctx, st, reason)
		}
	}
}

// CancelAll cancels every resting order. Used at shutdown.
func (m *OrderManager) CancelAll(ctx context.Context, reason types.Reason) {
	for _, st := range m.snapshotOrders() {
		m.Cancel(ctx, st, reason)
	}
}

// baseEvent fills the fields common to every order lifecycle event,
// including the top-of-book for both legs as the strategy last saw them.
func (m *OrderManager) baseEvent(mkt types.Market, dir types.Direction, tokenID string, action types.Action, reason types.Reason, now time.Time) *events.OrderLifecycle {
	evt := &events.OrderLifecycle{
		Strategy:     strategyName,
		RunID:        m.runID,
		Action:       action,
		Reason:       reason,
		MarketSlug:   mkt.Slug,
		MarketType:   string(mkt.Type),
		TokenID:      tokenID,
		Direction:    string(dir),
		SecondsToEnd: mkt.SecondsToEnd(now),
	}
	if !m.pub.IsEnabled() {
		return evt
	}
	if tob, ok := m.books.Get(tokenID); ok {
		evt.Book = events.SnapshotOf(tob, now)
	}
	otherToken := mkt.TokenFor(dir.Opposite())
	evt.OtherTokenID = otherToken
	if tob, ok := m.books.Get(otherToken); ok {
		evt.OtherBook = events.SnapshotOf(tob, now)
	}
	return evt
}
