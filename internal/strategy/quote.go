// quote.go computes entry prices and sizes for the complete-set quotes.
//
// Entry price: join one tick above the best bid, skewed toward the lagging
// leg by inventory imbalance, capped at the mid so we never cross. Wide
// books (spread ≥ 0.20) quote relative to the mid instead of the bid.
//
// Size: the four known series use a fixed share schedule that shrinks as
// the market approaches its end; unknown series fall back to configured
// notional sizing. Every size then passes through the bankroll caps.
package strategy

import (
	"math"

	"github.com/shopspring/decimal"

	"updown-mm/internal/config"
	"updown-mm/pkg/types"
)

const wideSpreadThreshold = "0.20"

var (
	one        = decimal.NewFromInt(1)
	minPrice   = decimal.RequireFromString("0.01")
	maxPrice   = decimal.RequireFromString("0.99")
	minSize    = decimal.RequireFromString("0.01")
	wideSpread = decimal.RequireFromString(wideSpreadThreshold)
)

// sizeStep is one row of a series size schedule: up to Bound seconds before
// the end (inclusive), quote Shares.
type sizeStep struct {
	Bound  int64
	Shares int64
}

// sizeSchedules maps each known series to its share schedule. The final
// entry of each table is the open-ended size used beyond the last bound.
var sizeSchedules = map[types.Series]struct {
	steps    []sizeStep
	terminal int64
}{
	types.SeriesBTC15M: {
		steps:    []sizeStep{{60, 11}, {180, 13}, {300, 17}, {600, 19}},
		terminal: 20,
	},
	types.SeriesETH15M: {
		steps:    []sizeStep{{60, 8}, {180, 10}, {300, 12}, {600, 13}},
		terminal: 14,
	},
	types.SeriesBTC1H: {
		steps:    []sizeStep{{60, 9}, {180, 10}, {300, 11}, {600, 12}, {900, 14}, {1200, 15}, {1800, 17}},
		terminal: 18,
	},
	types.SeriesETH1H: {
		steps:    []sizeStep{{60, 7}, {300, 8}, {600, 9}, {900, 11}, {1200, 12}, {1800, 13}},
		terminal: 14,
	},
}

// Calculator derives quote prices and sizes from config and live state.
type Calculator struct {
	cfg config.StrategyConfig
}

// NewCalculator creates a Calculator for the given strategy config.
func NewCalculator(cfg config.StrategyConfig) *Calculator {
	return &Calculator{cfg: cfg}
}

// SkewTicks converts an inventory imbalance into a signed tick adjustment
// for one leg. The lagging leg is quoted more aggressively (positive skew),
// the leading leg more passively (negative), ramping linearly until the
// imbalance reaches the configured reference share count.
func (c *Calculator) SkewTicks(imbalance decimal.Decimal, leg types.Direction) int {
	if c.cfg.CompleteSetMaxSkewTicks <= 0 || imbalance.IsZero() {
		return 0
	}
	ref := c.cfg.CompleteSetImbalanceSharesForMaxSkew
	if ref <= 0 {
		return 0
	}

	frac := math.Min(1, math.Abs(imbalance.InexactFloat64())/ref)
	magnitude := int(math.Round(frac * float64(c.cfg.CompleteSetMaxSkewTicks)))

	// Positive imbalance means UP leads, so DOWN is the lagging leg.
	lagging := types.DOWN
	if imbalance.IsNegative() {
		lagging = types.UP
	}
	if leg == lagging {
		return magnitude
	}
	return -magnitude
}

// EntryPrice computes the BUY limit price for one leg. ok is false when no
// valid price exists (the caller keeps its current orders in that case).
func (c *Calculator) EntryPrice(tob types.TopOfBook, tick decimal.Decimal, skewTicks int) (decimal.Decimal, bool) {
	if !tob.Valid() || tick.IsZero() {
		return decimal.Decimal{}, false
	}

	improve := int64(c.cfg.ImproveTicks)
	mid := tob.Mid()

	var price decimal.Decimal
	if tob.Spread().GreaterThanOrEqual(wideSpread) {
		// Wide book: the bid is too far away to join. Quote below the mid,
		// with skew pulling the lagging leg back toward it.
		back := improve - int64(skewTicks)
		if back < 0 {
			back = 0
		}
		price = mid.Sub(tick.Mul(decimal.NewFromInt(back)))
	} else {
		price = tob.BestBid.Add(tick.Mul(decimal.NewFromInt(improve + int64(skewTicks))))
		if price.GreaterThan(mid) {
			price = mid
		}
	}

	// Align to the tick grid, rounding down.
	price = price.Div(tick).Floor().Mul(tick)

	// Clamp into the valid price band before the ask check.
	if price.GreaterThan(maxPrice) {
		price = maxPrice
	}
	if price.LessThan(minPrice) {
		price = minPrice
	}
	// Never cross the ask: maker pricing stays passive. If backing off the
	// ask leaves no room above the floor, there is no quote.
	if price.GreaterThanOrEqual(tob.BestAsk) {
		price = tob.BestAsk.Sub(tick)
	}
	if price.LessThan(minPrice) {
		return decimal.Decimal{}, false
	}
	return price, true
}

// ScheduledSize returns the share size for a known series at the given
// seconds-to-end, or ok=false for unknown series.
func ScheduledSize(series types.Series, secondsToEnd int64) (decimal.Decimal, bool) {
	sched, ok := sizeSchedules[series]
	if !ok {
		return decimal.Decimal{}, false
	}
	for _, step := range sched.steps {
		if secondsToEnd <= step.Bound {
			return decimal.NewFromInt(step.Shares), true
		}
	}
	return decimal.NewFromInt(sched.terminal), true
}

// DesiredSize returns the pre-cap quote size for one leg: the series
// schedule when known, otherwise the configured fallback (fixed share
// count, or a bankroll fraction converted to shares at the entry price).
func (c *Calculator) DesiredSize(series types.Series, secondsToEnd int64, price decimal.Decimal) decimal.Decimal {
	if size, ok := ScheduledSize(series, secondsToEnd); ok {
		return size
	}
	if c.cfg.QuoteSizeBankrollFraction > 0 && price.IsPositive() {
		notional := decimal.NewFromFloat(c.cfg.BankrollUsd * c.cfg.QuoteSizeBankrollFraction)
		return notional.Div(price)
	}
	return decimal.NewFromFloat(c.cfg.QuoteSize)
}

// CapSize applies the bankroll caps to a desired size, in order:
//
//  1. per-order bankroll fraction
//  2. total bankroll fraction minus current exposure
//  3. absolute per-order notional cap
//
// biasFactor scales the desired size before the caps. The result is
// truncated to 2 decimals; ok is false when nothing placeable remains.
func (c *Calculator) CapSize(desired, price, exposure decimal.Decimal, biasFactor float64) (decimal.Decimal, bool) {
	if price.IsZero() || !desired.IsPositive() {
		return decimal.Decimal{}, false
	}

	size := desired
	if biasFactor > 0 && biasFactor != 1 {
		size = size.Mul(decimal.NewFromFloat(biasFactor))
	}

	bankroll := decimal.NewFromFloat(c.cfg.BankrollUsd)

	if c.cfg.MaxOrderBankrollFraction > 0 {
		limit := bankroll.Mul(decimal.NewFromFloat(c.cfg.MaxOrderBankrollFraction)).Div(price)
		if size.GreaterThan(limit) {
			size = limit
		}
	}
	if c.cfg.MaxTotalBankrollFraction > 0 {
		budget := bankroll.Mul(decimal.NewFromFloat(c.cfg.MaxTotalBankrollFraction)).Sub(exposure)
		if !budget.IsPositive() {
			return decimal.Decimal{}, false
		}
		limit := budget.Div(price)
		if size.GreaterThan(limit) {
			size = limit
		}
	}
	if c.cfg.MaxOrderNotionalUsd > 0 {
		limit := decimal.NewFromFloat(c.cfg.MaxOrderNotionalUsd).Div(price)
		if size.GreaterThan(limit) {
			size = limit
		}
	}

	size = size.Truncate(2)
	if size.LessThan(minSize) {
		return decimal.Decimal{}, false
	}
	return size, true
}

// PlannedEdge is the complete-set margin at the planned entry prices:
// 1 − (pUp + pDown). Quoting only proceeds when it clears the configured
// minimum.
func PlannedEdge(upPrice, downPrice decimal.Decimal) decimal.Decimal {
	return one.Sub(upPrice.Add(downPrice))
}

// BiasFactors returns the per-leg size multipliers from displayed bid-size
// imbalance. When one side of the book shows materially more bid size, the
// favored leg is scaled up by the configured factor and the other scaled
// down by its reciprocal. Returns (1, 1) when bias is disabled or the
// imbalance is within the threshold.
func (c *Calculator) BiasFactors(upBook, downBook types.TopOfBook) (up, down float64) {
	up, down = 1, 1
	if !c.cfg.DirectionalBiasEnabled || c.cfg.DirectionalBiasFactor <= 1 {
		return up, down
	}

	total := upBook.BestBidSize.Add(downBook.BestBidSize)
	if !total.IsPositive() {
		return up, down
	}
	imbalance := upBook.BestBidSize.Sub(downBook.BestBidSize).Div(total).InexactFloat64()

	if math.Abs(imbalance) < c.cfg.ImbalanceThreshold {
		return up, down
	}
	f := c.cfg.DirectionalBiasFactor
	if imbalance > 0 {
		return f, 1 / f
	}
	return 1 / f, f
}
