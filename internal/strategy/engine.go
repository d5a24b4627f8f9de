// engine.go runs the evaluation loop.
//
// One goroutine owns all trading state. Each tick it refreshes discovery
// and positions on their own cadences, evaluates every live market, and
// polls resting orders for fills. Per-market evaluation is a gate
// pipeline: lifetime → configured time window → book freshness → top-ups
// → edge → quote reconciliation. The first gate that fires ends the
// market's evaluation for that tick.
package strategy

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"updown-mm/internal/config"
	"updown-mm/internal/events"
	"updown-mm/internal/market"
	"updown-mm/pkg/types"
)

const (
	startupDelay      = time.Second
	discoveryInterval = 30 * time.Second
)

// MarketSource supplies the live market set. Implemented by
// market.Discovery.
type MarketSource interface {
	Refresh(ctx context.Context)
	Active() []types.Market
	ActiveTokens() map[string]bool
}

// Feed is the slice of the WebSocket feed the engine drives.
type Feed interface {
	SetSubscribed(tokens []string)
}

// TickSource supplies per-token price granularity.
type TickSource interface {
	GetTickSize(ctx context.Context, tokenID string) (decimal.Decimal, error)
}

// Engine owns the evaluation loop and all single-writer trading state.
type Engine struct {
	cfg       config.StrategyConfig
	source    MarketSource
	feed      Feed
	ticks     TickSource
	books     *market.TOBCache
	orders    *OrderManager
	inv       *InventoryStore
	unbooked  *UnbookedFills
	positions *PositionsCache
	calc      *Calculator
	pub       events.Publisher
	logger    *slog.Logger

	runID string

	lastDiscovery time.Time

	// snapshot is republished after every tick for the status server.
	snapshot atomic.Pointer[Snapshot]

	now func() time.Time
}

// Deps bundles the collaborators of the engine.
type Deps struct {
	Source    MarketSource
	Feed      Feed
	Executor  Executor
	Ticks     TickSource
	Positions PositionsSource
	Books     *market.TOBCache
	Publisher events.Publisher
}

// NewEngine wires the evaluation loop. Each process run gets a fresh runID
// carried on every published event.
func NewEngine(cfg config.StrategyConfig, deps Deps, logger *slog.Logger) *Engine {
	runID := uuid.NewString()
	inv := NewInventoryStore()
	unbooked := &UnbookedFills{}

	e := &Engine{
		cfg:       cfg,
		source:    deps.Source,
		feed:      deps.Feed,
		ticks:     deps.Ticks,
		books:     deps.Books,
		inv:       inv,
		unbooked:  unbooked,
		positions: NewPositionsCache(deps.Positions, logger),
		calc:      NewCalculator(cfg),
		pub:       deps.Publisher,
		logger:    logger.With("component", "engine"),
		runID:     runID,
		now:       time.Now,
	}
	e.orders = NewOrderManager(deps.Executor, deps.Books, deps.Publisher, inv, unbooked, cfg, runID, logger)
	e.snapshot.Store(&Snapshot{RunID: runID})
	return e
}

// RunID returns this process run's identifier.
func (e *Engine) RunID() string { return e.runID }

// Run executes the evaluation loop until ctx is cancelled, then cancels
// every resting order.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("engine starting", "run_id", e.runID, "tick", e.cfg.RefreshInterval())

	// Let the feed connect and the first discovery land before quoting.
	select {
	case <-ctx.Done():
		return
	case <-time.After(startupDelay):
	}

	ticker := time.NewTicker(e.cfg.RefreshInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

func (e *Engine) shutdown() {
	// The loop context is gone; give cancels their own short deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.orders.CancelAll(ctx, types.ReasonShutdown)
	e.logger.Info("engine stopped")
}

// Tick runs one full evaluation pass.
func (e *Engine) Tick(ctx context.Context) {
	now := e.now()

	if now.Sub(e.lastDiscovery) >= discoveryInterval || e.lastDiscovery.IsZero() {
		e.lastDiscovery = now
		e.source.Refresh(ctx)
		tokens := e.source.ActiveTokens()
		subs := make([]string, 0, len(tokens))
		for t := range tokens {
			subs = append(subs, t)
		}
		e.feed.SetSubscribed(subs)
		e.books.Prune(tokens)
	}

	if e.positions.RefreshIfStale(ctx, now) {
		e.unbooked.Reset()
		e.syncInventory()
	}

	for _, mkt := range e.source.Active() {
		e.evaluate(ctx, mkt, now)
	}

	e.orders.PollAll(ctx)
	e.publishSnapshot(now)
}

// evaluate runs the gate pipeline for one market.
func (e *Engine) evaluate(ctx context.Context, mkt types.Market, now time.Time) {
	secondsToEnd := mkt.SecondsToEnd(now)

	// Lifetime gate: ended markets and markets not yet started get no
	// orders at all.
	lifetime := int64(mkt.Type.Lifetime() / time.Second)
	if secondsToEnd <= 0 || secondsToEnd > lifetime {
		e.orders.CancelMarket(ctx, mkt, types.ReasonOutsideLifetime)
		if secondsToEnd <= 0 {
			e.inv.Drop(mkt.Slug)
		}
		return
	}

	// Configured trading window.
	if secondsToEnd < int64(e.cfg.MinSecondsToEnd) || secondsToEnd > int64(e.cfg.MaxSecondsToEnd) {
		e.orders.CancelMarket(ctx, mkt, types.ReasonOutsideTimeWindow)
		return
	}

	tick, err := e.ticks.GetTickSize(ctx, mkt.UpTokenID)
	if err != nil {
		e.logger.Debug("tick size unavailable", "market", mkt.Slug, "error", err)
		return
	}

	// Book freshness: a leg with a stale or unusable book gets its order
	// pulled, and without both books there is no complete-set math.
	upBook, upOK := e.books.Fresh(mkt.UpTokenID, now)
	downBook, downOK := e.books.Fresh(mkt.DownTokenID, now)
	if !upOK {
		e.cancelLeg(ctx, mkt, types.UP, types.ReasonBookStale)
	}
	if !downOK {
		e.cancelLeg(ctx, mkt, types.DOWN, types.ReasonBookStale)
	}
	if !upOK || !downOK {
		return
	}

	if e.fastTopUp(ctx, mkt, upBook, downBook, now) {
		return
	}
	if e.endTopUp(ctx, mkt, upBook, downBook, secondsToEnd, now) {
		return
	}
	if e.takerSet(ctx, mkt, upBook, downBook, tick, secondsToEnd) {
		return
	}

	e.quote(ctx, mkt, upBook, downBook, tick, secondsToEnd)
}

func (e *Engine) cancelLeg(ctx context.Context, mkt types.Market, dir types.Direction, reason types.Reason) {
	if st, ok := e.orders.Order(mkt.TokenFor(dir)); ok {
		e.orders.Cancel(ctx, st, reason)
	}
}

// quote reconciles the resting maker quotes on both legs.
func (e *Engine) quote(ctx context.Context, mkt types.Market, upBook, downBook types.TopOfBook, tick decimal.Decimal, secondsToEnd int64) {
	inv := e.inv.Get(mkt.Slug)
	imbalance := inv.Imbalance()

	upPrice, upOK := e.calc.EntryPrice(upBook, tick, e.calc.SkewTicks(imbalance, types.UP))
	downPrice, downOK := e.calc.EntryPrice(downBook, tick, e.calc.SkewTicks(imbalance, types.DOWN))
	if !upOK || !downOK {
		// No computable quote: keep whatever is resting.
		return
	}

	if PlannedEdge(upPrice, downPrice).LessThan(decimal.NewFromFloat(e.cfg.CompleteSetMinEdge)) {
		e.orders.CancelMarket(ctx, mkt, types.ReasonInsufficientEdge)
		return
	}

	upBias, downBias := e.calc.BiasFactors(upBook, downBook)
	exposure := e.exposure()
	series := mkt.Series()

	if size, ok := e.calc.CapSize(e.calc.DesiredSize(series, secondsToEnd, upPrice), upPrice, exposure, upBias); ok {
		e.orders.Reconcile(ctx, mkt, types.UP, upPrice, size, tick)
	}
	if size, ok := e.calc.CapSize(e.calc.DesiredSize(series, secondsToEnd, downPrice), downPrice, exposure, downBias); ok {
		e.orders.Reconcile(ctx, mkt, types.DOWN, downPrice, size, tick)
	}
}

// syncInventory overwrites each live market's share counts with the
// confirmed positions listing. The listing is authoritative; fills booked
// by polling since the last refresh either show up here or were phantom.
// Fill timestamps and top-up stamps survive, only the counts are replaced.
func (e *Engine) syncInventory() {
	for _, mkt := range e.source.Active() {
		inv := e.inv.Get(mkt.Slug)
		inv.UpShares = e.positions.Shares(mkt.UpTokenID)
		inv.DownShares = e.positions.Shares(mkt.DownTokenID)
	}
}

// exposure is the capital already committed: resting orders, confirmed
// positions, and fills not yet visible in the positions listing.
func (e *Engine) exposure() decimal.Decimal {
	return e.orders.OpenNotional().
		Add(e.positions.TotalNotional()).
		Add(e.unbooked.Total())
}

// fastTopUp hedges a fresh one-sided fill: shortly after the leading leg
// fills, buy the lagging leg at the ask to complete the set before the
// price runs away. Fires at most once per cooldown, and only inside the
// configured seconds-after-fill window.
func (e *Engine) fastTopUp(ctx context.Context, mkt types.Market, upBook, downBook types.TopOfBook, now time.Time) bool {
	if !e.cfg.CompleteSetFastTopUpEnabled {
		return false
	}
	inv := e.inv.Get(mkt.Slug)
	imbalance := inv.Imbalance()
	deficit := imbalance.Abs()
	if deficit.LessThan(decimal.NewFromFloat(e.cfg.FastTopUpMinShares)) {
		return false
	}
	if now.Sub(inv.LastTopUpAt) < e.cfg.FastTopUpCooldown() {
		return false
	}

	// Positive imbalance: UP leads, DOWN lags.
	lagging := types.DOWN
	leadFillAt, leadFillPrice := inv.LastUpFillAt, inv.LastUpFillPrice
	laggingBook := downBook
	if imbalance.IsNegative() {
		lagging = types.UP
		leadFillAt, leadFillPrice = inv.LastDownFillAt, inv.LastDownFillPrice
		laggingBook = upBook
	}

	if leadFillAt.IsZero() {
		return false
	}
	sinceFill := now.Sub(leadFillAt)
	if sinceFill < time.Duration(e.cfg.FastTopUpMinSecondsAfterFill)*time.Second ||
		sinceFill > time.Duration(e.cfg.FastTopUpMaxSecondsAfterFill)*time.Second {
		return false
	}

	ask := laggingBook.BestAsk
	if !ask.IsPositive() {
		return false
	}
	// Taker guard: never lift a wide book.
	if laggingBook.Spread().GreaterThan(decimal.NewFromFloat(e.cfg.TakerModeMaxSpread)) {
		return false
	}
	// The set must still be profitable at the taker price.
	edge := one.Sub(leadFillPrice.Add(ask))
	if edge.LessThan(decimal.NewFromFloat(e.cfg.FastTopUpMinEdge)) {
		return false
	}

	return e.placeTopUp(ctx, mkt, lagging, ask, deficit, types.ReasonFastTopUp, now)
}

// endTopUp closes the remaining inventory gap near the market's end, when
// holding an incomplete set to resolution risks the full one-sided loss.
// Uses confirmed positions, not session fills, so gaps carried in from a
// previous run are closed too.
func (e *Engine) endTopUp(ctx context.Context, mkt types.Market, upBook, downBook types.TopOfBook, secondsToEnd int64, now time.Time) bool {
	if !e.cfg.CompleteSetTopUpEnabled {
		return false
	}
	if secondsToEnd > int64(e.cfg.CompleteSetTopUpSecondsToEnd) {
		return false
	}
	inv := e.inv.Get(mkt.Slug)
	if now.Sub(inv.LastTopUpAt) < e.cfg.FastTopUpCooldown() {
		return false
	}

	imbalance := e.positions.Shares(mkt.UpTokenID).Sub(e.positions.Shares(mkt.DownTokenID))
	deficit := imbalance.Abs()
	if deficit.LessThan(decimal.NewFromFloat(e.cfg.CompleteSetTopUpMinShares)) {
		return false
	}

	lagging := types.DOWN
	laggingBook := downBook
	if imbalance.IsNegative() {
		lagging = types.UP
		laggingBook = upBook
	}
	ask := laggingBook.BestAsk
	if !ask.IsPositive() {
		return false
	}
	if laggingBook.Spread().GreaterThan(decimal.NewFromFloat(e.cfg.TakerModeMaxSpread)) {
		return false
	}

	return e.placeTopUp(ctx, mkt, lagging, ask, deficit, types.ReasonTopUp, now)
}

// placeTopUp submits a taker buy on the lagging leg. Any resting maker
// order on that token is pulled first so the two never race. LastTopUpAt
// advances even on failure: a rejecting executor must not be retried
// every tick.
func (e *Engine) placeTopUp(ctx context.Context, mkt types.Market, lagging types.Direction, ask, deficit decimal.Decimal, reason types.Reason, now time.Time) bool {
	size, ok := e.calc.CapSize(deficit, ask, e.exposure(), 1)
	if !ok {
		return false
	}

	if st, found := e.orders.Order(mkt.TokenFor(lagging)); found {
		e.orders.Cancel(ctx, st, types.ReasonReplacePriceAndSize)
	}

	tick, err := e.ticks.GetTickSize(ctx, mkt.UpTokenID)
	if err != nil {
		tick = decimal.RequireFromString("0.01")
	}

	e.inv.Get(mkt.Slug).LastTopUpAt = now
	e.orders.Place(ctx, mkt, lagging, ask, size, tick, types.OrderTypeFOK, reason, nil)
	return true
}

// takerSet lifts both asks when the combined price is already below the
// edge threshold and both books are tight. Off by default.
func (e *Engine) takerSet(ctx context.Context, mkt types.Market, upBook, downBook types.TopOfBook, tick decimal.Decimal, secondsToEnd int64) bool {
	if !e.cfg.TakerModeEnabled {
		return false
	}
	maxSpread := decimal.NewFromFloat(e.cfg.TakerModeMaxSpread)
	if upBook.Spread().GreaterThan(maxSpread) || downBook.Spread().GreaterThan(maxSpread) {
		return false
	}
	if PlannedEdge(upBook.BestAsk, downBook.BestAsk).LessThan(decimal.NewFromFloat(e.cfg.CompleteSetMinEdge)) {
		return false
	}

	series := mkt.Series()
	exposure := e.exposure()
	placed := false
	for _, dir := range []types.Direction{types.UP, types.DOWN} {
		book := upBook
		if dir == types.DOWN {
			book = downBook
		}
		desired := e.calc.DesiredSize(series, secondsToEnd, book.BestAsk)
		size, ok := e.calc.CapSize(desired, book.BestAsk, exposure, 1)
		if !ok {
			continue
		}
		if st, found := e.orders.Order(mkt.TokenFor(dir)); found {
			e.orders.Cancel(ctx, st, types.ReasonReplacePriceAndSize)
		}
		e.orders.Place(ctx, mkt, dir, book.BestAsk, size, tick, types.OrderTypeFOK, types.ReasonTaker, nil)
		placed = true
	}
	return placed
}
