package strategy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"updown-mm/internal/events"
	"updown-mm/pkg/types"
)

// fakeExec is an in-memory Executor for tests.
type fakeExec struct {
	seq      int
	placed   []placeCall
	canceled []string

	placeErr    error
	rejectMsg   string
	cancelErr   error
	statuses    map[string]types.OrderStatus
	statusErr   error
	statusCalls int
	positions   []types.Position
}

type placeCall struct {
	tokenID   string
	side      types.Side
	price     decimal.Decimal
	size      decimal.Decimal
	orderType types.OrderType
}

func (f *fakeExec) PlaceLimit(ctx context.Context, tokenID string, side types.Side, price, size decimal.Decimal, orderType types.OrderType) (types.PlaceResult, error) {
	if f.placeErr != nil {
		return types.PlaceResult{}, f.placeErr
	}
	if f.rejectMsg != "" {
		return types.PlaceResult{ErrorMsg: f.rejectMsg, Raw: []byte(f.rejectMsg)}, nil
	}
	f.seq++
	f.placed = append(f.placed, placeCall{tokenID, side, price, size, orderType})
	return types.PlaceResult{OrderID: fmt.Sprintf("ord-%d", f.seq)}, nil
}

func (f *fakeExec) Cancel(ctx context.Context, orderID string) (bool, error) {
	if f.cancelErr != nil {
		return false, f.cancelErr
	}
	f.canceled = append(f.canceled, orderID)
	return true, nil
}

func (f *fakeExec) GetOrder(ctx context.Context, orderID string) (types.OrderStatus, error) {
	f.statusCalls++
	if f.statusErr != nil {
		return types.OrderStatus{}, f.statusErr
	}
	return f.statuses[orderID], nil
}

func (f *fakeExec) GetPositions(ctx context.Context) ([]types.Position, error) {
	return f.positions, nil
}

// fakeBooks serves canned top-of-book values.
type fakeBooks struct {
	books map[string]types.TopOfBook
}

func (f *fakeBooks) Get(tokenID string) (types.TopOfBook, bool) {
	tob, ok := f.books[tokenID]
	return tob, ok
}

// capturePub records every published event payload.
type capturePub struct {
	events []*events.OrderLifecycle
}

func (p *capturePub) Publish(eventType, key string, payload any) {
	if evt, ok := payload.(*events.OrderLifecycle); ok {
		p.events = append(p.events, evt)
	}
}

func (p *capturePub) IsEnabled() bool { return true }

func (p *capturePub) withReason(action types.Action, reason types.Reason) []*events.OrderLifecycle {
	var out []*events.OrderLifecycle
	for _, e := range p.events {
		if e.Action == action && e.Reason == reason {
			out = append(out, e)
		}
	}
	return out
}

func testMarket() types.Market {
	return types.Market{
		Slug:        "btc-updown-15m-1759400100",
		UpTokenID:   "tok-up",
		DownTokenID: "tok-down",
		EndTime:     time.Now().Add(10 * time.Minute),
		Type:        types.MarketType15M,
	}
}

type managerFixture struct {
	mgr  *OrderManager
	exec *fakeExec
	pub  *capturePub
	inv  *InventoryStore
	unb  *UnbookedFills
	now  time.Time
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	exec := &fakeExec{statuses: make(map[string]types.OrderStatus)}
	pub := &capturePub{}
	inv := NewInventoryStore()
	unb := &UnbookedFills{}
	books := &fakeBooks{books: map[string]types.TopOfBook{}}

	mgr := NewOrderManager(exec, books, pub, inv, unb, testStrategyConfig(), "test-run", testLogger())
	fx := &managerFixture{mgr: mgr, exec: exec, pub: pub, inv: inv, unb: unb, now: time.Now()}
	mgr.now = func() time.Time { return fx.now }
	return fx
}

func (fx *managerFixture) advance(d time.Duration) { fx.now = fx.now.Add(d) }

func TestPlaceTracksOrder(t *testing.T) {
	t.Parallel()
	fx := newManagerFixture(t)
	mkt := testMarket()

	ok := fx.mgr.Place(context.Background(), mkt, types.UP, d("0.49"), d("19"), d("0.01"), types.OrderTypeGTC, types.ReasonQuote, nil)
	require.True(t, ok)

	st, found := fx.mgr.Order("tok-up")
	require.True(t, found)
	assert.Equal(t, "ord-1", st.OrderID)
	assert.True(t, st.Price.Equal(d("0.49")))

	places := fx.pub.withReason(types.ActionPlace, types.ReasonQuote)
	require.Len(t, places, 1)
	assert.True(t, places[0].Success)
	assert.Equal(t, "ord-1", places[0].OrderID)
	assert.Equal(t, "BUY", string(fx.exec.placed[0].side))
}

func TestPlaceFailureEmitsEventWithoutTracking(t *testing.T) {
	t.Parallel()
	fx := newManagerFixture(t)
	fx.exec.placeErr = fmt.Errorf("executor down")

	ok := fx.mgr.Place(context.Background(), testMarket(), types.UP, d("0.49"), d("19"), d("0.01"), types.OrderTypeGTC, types.ReasonQuote, nil)
	assert.False(t, ok)

	_, found := fx.mgr.Order("tok-up")
	assert.False(t, found)

	places := fx.pub.withReason(types.ActionPlace, types.ReasonQuote)
	require.Len(t, places, 1)
	assert.False(t, places[0].Success)
	assert.Contains(t, places[0].Error, "executor down")
}

func TestPlaceRejectionSurfacesExecutorMessage(t *testing.T) {
	t.Parallel()
	fx := newManagerFixture(t)
	fx.exec.rejectMsg = "insufficient balance"

	ok := fx.mgr.Place(context.Background(), testMarket(), types.UP, d("0.49"), d("19"), d("0.01"), types.OrderTypeGTC, types.ReasonQuote, nil)
	assert.False(t, ok)

	places := fx.pub.withReason(types.ActionPlace, types.ReasonQuote)
	require.Len(t, places, 1)
	assert.False(t, places[0].Success)
	assert.Equal(t, "insufficient balance", places[0].Error)
}

func TestReconcileReplacesOnPrice(t *testing.T) {
	t.Parallel()
	fx := newManagerFixture(t)
	mkt := testMarket()
	ctx := context.Background()

	fx.mgr.Place(ctx, mkt, types.UP, d("0.49"), d("19"), d("0.01"), types.OrderTypeGTC, types.ReasonQuote, nil)
	fx.advance(2 * time.Second)

	fx.mgr.Reconcile(ctx, mkt, types.UP, d("0.50"), d("19"), d("0.01"))

	cancels := fx.pub.withReason(types.ActionCancel, types.ReasonReplacePrice)
	require.Len(t, cancels, 1)
	assert.Equal(t, "ord-1", cancels[0].OrderID)

	places := fx.pub.withReason(types.ActionPlace, types.ReasonReplace)
	require.Len(t, places, 1)
	assert.Equal(t, "ord-1", places[0].ReplacedOrderID)
	assert.Equal(t, "0.49", places[0].ReplacedPrice)
	assert.Equal(t, int64(2000), places[0].ReplacedAgeMillis)

	st, found := fx.mgr.Order("tok-up")
	require.True(t, found)
	assert.Equal(t, "ord-2", st.OrderID)
	assert.True(t, st.Price.Equal(d("0.50")))
}

func TestReconcileReplaceReasons(t *testing.T) {
	t.Parallel()
	fx := newManagerFixture(t)
	mkt := testMarket()
	ctx := context.Background()

	fx.mgr.Place(ctx, mkt, types.UP, d("0.49"), d("19"), d("0.01"), types.OrderTypeGTC, types.ReasonQuote, nil)
	fx.advance(2 * time.Second)
	fx.mgr.Reconcile(ctx, mkt, types.UP, d("0.49"), d("17"), d("0.01"))
	require.Len(t, fx.pub.withReason(types.ActionCancel, types.ReasonReplaceSize), 1)

	fx.advance(2 * time.Second)
	fx.mgr.Reconcile(ctx, mkt, types.UP, d("0.50"), d("19"), d("0.01"))
	require.Len(t, fx.pub.withReason(types.ActionCancel, types.ReasonReplacePriceAndSize), 1)
}

func TestReconcileKeepsYoungOrder(t *testing.T) {
	t.Parallel()
	fx := newManagerFixture(t)
	mkt := testMarket()
	ctx := context.Background()

	fx.mgr.Place(ctx, mkt, types.UP, d("0.49"), d("19"), d("0.01"), types.OrderTypeGTC, types.ReasonQuote, nil)
	fx.advance(500 * time.Millisecond) // below min replace age (1s)

	fx.mgr.Reconcile(ctx, mkt, types.UP, d("0.50"), d("19"), d("0.01"))

	st, found := fx.mgr.Order("tok-up")
	require.True(t, found)
	assert.Equal(t, "ord-1", st.OrderID)
	assert.Empty(t, fx.exec.canceled)
}

func TestReconcileKeepsMatchingOrder(t *testing.T) {
	t.Parallel()
	fx := newManagerFixture(t)
	mkt := testMarket()
	ctx := context.Background()

	fx.mgr.Place(ctx, mkt, types.UP, d("0.49"), d("19"), d("0.01"), types.OrderTypeGTC, types.ReasonQuote, nil)
	fx.advance(5 * time.Second)

	fx.mgr.Reconcile(ctx, mkt, types.UP, d("0.49"), d("19"), d("0.01"))
	assert.Empty(t, fx.exec.canceled)
	assert.Len(t, fx.exec.placed, 1)
}

func TestPollBooksFillAndRemovesTerminal(t *testing.T) {
	t.Parallel()
	fx := newManagerFixture(t)
	mkt := testMarket()
	ctx := context.Background()

	fx.mgr.Place(ctx, mkt, types.UP, d("0.49"), d("19"), d("0.01"), types.OrderTypeGTC, types.ReasonQuote, nil)

	matched, remaining := d("19"), d("0")
	fx.exec.statuses["ord-1"] = types.OrderStatus{
		Status: "FILLED", Matched: &matched, Remaining: &remaining,
	}

	fx.advance(2 * time.Second)
	fx.mgr.PollAll(ctx)

	_, found := fx.mgr.Order("tok-up")
	assert.False(t, found)

	inv := fx.inv.Get(mkt.Slug)
	assert.True(t, inv.UpShares.Equal(d("19")), "up shares = %s", inv.UpShares)
	assert.Equal(t, fx.now, inv.LastUpFillAt)
	assert.True(t, inv.LastUpFillPrice.Equal(d("0.49")))

	// 19 × 0.49 = 9.31 unbooked notional, booked against the UP token
	assert.True(t, fx.unb.Total().Equal(d("9.31")), "unbooked = %s", fx.unb.Total())
	assert.True(t, fx.unb.Token("tok-up").Equal(d("9.31")))
}

func TestPollPartialFillKeepsOrder(t *testing.T) {
	t.Parallel()
	fx := newManagerFixture(t)
	mkt := testMarket()
	ctx := context.Background()

	fx.mgr.Place(ctx, mkt, types.DOWN, d("0.48"), d("10"), d("0.01"), types.OrderTypeGTC, types.ReasonQuote, nil)

	matched := d("4")
	fx.exec.statuses["ord-1"] = types.OrderStatus{Status: "LIVE", Matched: &matched}

	fx.advance(2 * time.Second)
	fx.mgr.PollAll(ctx)

	st, found := fx.mgr.Order("tok-down")
	require.True(t, found)
	assert.True(t, st.Matched.Equal(d("4")))
	assert.True(t, fx.inv.Get(mkt.Slug).DownShares.Equal(d("4")))

	// second poll with the same matched size books nothing new
	fx.advance(2 * time.Second)
	fx.mgr.PollAll(ctx)
	assert.True(t, fx.inv.Get(mkt.Slug).DownShares.Equal(d("4")))
}

func TestPollDerivesMatchedFromRemaining(t *testing.T) {
	t.Parallel()
	fx := newManagerFixture(t)
	mkt := testMarket()
	ctx := context.Background()

	fx.mgr.Place(ctx, mkt, types.UP, d("0.49"), d("10"), d("0.01"), types.OrderTypeGTC, types.ReasonQuote, nil)

	remaining := d("7")
	fx.exec.statuses["ord-1"] = types.OrderStatus{Status: "LIVE", Remaining: &remaining}

	fx.advance(2 * time.Second)
	fx.mgr.PollAll(ctx)

	assert.True(t, fx.inv.Get(mkt.Slug).UpShares.Equal(d("3")))
}

func TestPollTransientErrorKeepsOrder(t *testing.T) {
	t.Parallel()
	fx := newManagerFixture(t)
	ctx := context.Background()

	fx.mgr.Place(ctx, testMarket(), types.UP, d("0.49"), d("19"), d("0.01"), types.OrderTypeGTC, types.ReasonQuote, nil)

	fx.exec.statusErr = fmt.Errorf("timeout")
	fx.advance(2 * time.Second)
	fx.mgr.PollAll(ctx)

	_, found := fx.mgr.Order("tok-up")
	assert.True(t, found)
}

func TestPollRespectsInterval(t *testing.T) {
	t.Parallel()
	fx := newManagerFixture(t)
	ctx := context.Background()

	fx.mgr.Place(ctx, testMarket(), types.UP, d("0.49"), d("19"), d("0.01"), types.OrderTypeGTC, types.ReasonQuote, nil)
	fx.exec.statuses["ord-1"] = types.OrderStatus{Status: "LIVE"}

	// under a second since placement: no poll yet
	fx.advance(500 * time.Millisecond)
	fx.mgr.PollAll(ctx)
	assert.Equal(t, 0, fx.exec.statusCalls)

	fx.advance(600 * time.Millisecond)
	fx.mgr.PollAll(ctx)
	assert.Equal(t, 1, fx.exec.statusCalls)
}

func TestPollStaleTimeout(t *testing.T) {
	t.Parallel()
	fx := newManagerFixture(t)
	ctx := context.Background()

	fx.mgr.Place(ctx, testMarket(), types.UP, d("0.49"), d("19"), d("0.01"), types.OrderTypeGTC, types.ReasonQuote, nil)
	fx.exec.statuses["ord-1"] = types.OrderStatus{Status: "LIVE"}

	fx.advance(301 * time.Second)
	fx.mgr.PollAll(ctx)

	cancels := fx.pub.withReason(types.ActionCancel, types.ReasonStaleTimeout)
	require.Len(t, cancels, 1)
	_, found := fx.mgr.Order("tok-up")
	assert.False(t, found)
}

func TestCancelAllShutdown(t *testing.T) {
	t.Parallel()
	fx := newManagerFixture(t)
	mkt := testMarket()
	ctx := context.Background()

	fx.mgr.Place(ctx, mkt, types.UP, d("0.49"), d("19"), d("0.01"), types.OrderTypeGTC, types.ReasonQuote, nil)
	fx.mgr.Place(ctx, mkt, types.DOWN, d("0.48"), d("19"), d("0.01"), types.OrderTypeGTC, types.ReasonQuote, nil)

	fx.mgr.CancelAll(ctx, types.ReasonShutdown)

	assert.Len(t, fx.pub.withReason(types.ActionCancel, types.ReasonShutdown), 2)
	assert.Empty(t, fx.mgr.Open())
}

func TestOpenNotional(t *testing.T) {
	t.Parallel()
	fx := newManagerFixture(t)
	mkt := testMarket()
	ctx := context.Background()

	fx.mgr.Place(ctx, mkt, types.UP, d("0.50"), d("10"), d("0.01"), types.OrderTypeGTC, types.ReasonQuote, nil)
	fx.mgr.Place(ctx, mkt, types.DOWN, d("0.40"), d("10"), d("0.01"), types.OrderTypeGTC, types.ReasonQuote, nil)

	// 0.50·10 + 0.40·10 = 9
	assert.True(t, fx.mgr.OpenNotional().Equal(d("9")), "notional = %s", fx.mgr.OpenNotional())
}
