package strategy

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"updown-mm/internal/config"
	"updown-mm/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testStrategyConfig() config.StrategyConfig {
	return config.StrategyConfig{
		Enabled:                              true,
		RefreshMillis:                        250,
		MinReplaceMillis:                     1000,
		MaxSecondsToEnd:                      3600,
		BankrollUsd:                          1000,
		MaxOrderBankrollFraction:             0.1,
		MaxTotalBankrollFraction:             1.0,
		ImproveTicks:                         1,
		CompleteSetMinEdge:                   0.01,
		CompleteSetMaxSkewTicks:              3,
		CompleteSetImbalanceSharesForMaxSkew: 40,
		CompleteSetTopUpEnabled:              true,
		CompleteSetTopUpSecondsToEnd:         60,
		CompleteSetTopUpMinShares:            10,
		CompleteSetFastTopUpEnabled:          true,
		FastTopUpMinShares:                   1,
		FastTopUpMinSecondsAfterFill:         2,
		FastTopUpMaxSecondsAfterFill:         120,
		FastTopUpCooldownMillis:              5000,
		TakerModeMaxSpread:                   0.02,
	}
}

func book(bid, ask string) types.TopOfBook {
	return types.TopOfBook{
		BestBid: d(bid), BestAsk: d(ask),
		BestBidSize: d("100"), BestAskSize: d("100"),
	}
}

func TestEntryPriceJoinsBid(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testStrategyConfig())

	// bid 0.48 + 1 tick = 0.49, below mid 0.495
	price, ok := calc.EntryPrice(book("0.48", "0.51"), d("0.01"), 0)
	require.True(t, ok)
	assert.True(t, price.Equal(d("0.49")), "price = %s", price)
}

func TestEntryPriceCappedAtMid(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testStrategyConfig())

	// bid + 3 ticks would be 0.51, above mid 0.495 → capped and floored to 0.49
	price, ok := calc.EntryPrice(book("0.48", "0.51"), d("0.01"), 2)
	require.True(t, ok)
	assert.True(t, price.Equal(d("0.49")), "price = %s", price)
}

func TestEntryPriceWideSpreadQuotesFromMid(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testStrategyConfig())

	// spread 0.40 ≥ 0.20: mid 0.40 minus improve ticks → 0.39
	price, ok := calc.EntryPrice(book("0.20", "0.60"), d("0.01"), 0)
	require.True(t, ok)
	assert.True(t, price.Equal(d("0.39")), "price = %s", price)

	// positive skew pulls the lagging leg back up to the mid
	price, ok = calc.EntryPrice(book("0.20", "0.60"), d("0.01"), 2)
	require.True(t, ok)
	assert.True(t, price.Equal(d("0.40")), "price = %s", price)
}

func TestEntryPriceNeverCrossesAsk(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testStrategyConfig())

	// bid + 4 ticks = 0.52 ≥ ask 0.50 and above mid; capped to mid 0.495,
	// floored to 0.49
	price, ok := calc.EntryPrice(book("0.48", "0.50"), d("0.01"), 3)
	require.True(t, ok)
	assert.True(t, price.LessThan(d("0.50")), "price = %s", price)
}

func TestEntryPriceClampsToFloor(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testStrategyConfig())

	// tick grid lands below 0.01 → quote at the floor
	price, ok := calc.EntryPrice(book("0.001", "0.012"), d("0.01"), 0)
	require.True(t, ok)
	assert.True(t, price.Equal(d("0.01")), "price = %s", price)

	// an ask already at the floor leaves no room to quote below it
	_, ok = calc.EntryPrice(book("0.001", "0.01"), d("0.01"), 0)
	assert.False(t, ok)
}

func TestEntryPriceInvalidBook(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testStrategyConfig())

	_, ok := calc.EntryPrice(types.TopOfBook{}, d("0.01"), 0)
	assert.False(t, ok)

	_, ok = calc.EntryPrice(book("0.50", "0.50"), d("0.01"), 0)
	assert.False(t, ok)
}

func TestSkewTicksRampsWithImbalance(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testStrategyConfig()) // max 3 ticks at 40 shares

	// UP leads by 40 → DOWN (lagging) gets +3, UP gets −3
	assert.Equal(t, 3, calc.SkewTicks(d("40"), types.DOWN))
	assert.Equal(t, -3, calc.SkewTicks(d("40"), types.UP))

	// half the reference → round(1.5) = 2
	assert.Equal(t, 2, calc.SkewTicks(d("20"), types.DOWN))

	// beyond the reference still saturates at max
	assert.Equal(t, 3, calc.SkewTicks(d("80"), types.DOWN))

	// DOWN leads → UP is lagging
	assert.Equal(t, 3, calc.SkewTicks(d("-40"), types.UP))
	assert.Equal(t, 0, calc.SkewTicks(decimal.Zero, types.UP))
}

func TestScheduledSize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		series types.Series
		sToEnd int64
		want   int64
	}{
		{types.SeriesBTC15M, 600, 19}, // inclusive bound
		{types.SeriesBTC15M, 601, 20},
		{types.SeriesBTC15M, 60, 11},
		{types.SeriesBTC15M, 30, 11},
		{types.SeriesETH15M, 300, 12},
		{types.SeriesETH15M, 900, 14},
		{types.SeriesBTC1H, 1800, 17},
		{types.SeriesBTC1H, 3000, 18},
		{types.SeriesETH1H, 100, 8},
		{types.SeriesETH1H, 2000, 14},
	}
	for _, tt := range tests {
		got, ok := ScheduledSize(tt.series, tt.sToEnd)
		require.True(t, ok, "%s/%d", tt.series, tt.sToEnd)
		assert.True(t, got.Equal(decimal.NewFromInt(tt.want)),
			"%s at %ds: got %s, want %d", tt.series, tt.sToEnd, got, tt.want)
	}

	_, ok := ScheduledSize(types.SeriesUnknown, 600)
	assert.False(t, ok)
}

func TestCapSizePerOrderFraction(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testStrategyConfig()) // bankroll 1000, 10% per order

	// 1000·0.1/0.50 = 200 shares max
	size, ok := calc.CapSize(d("500"), d("0.50"), decimal.Zero, 1)
	require.True(t, ok)
	assert.True(t, size.Equal(d("200")), "size = %s", size)
}

func TestCapSizeTotalBudgetExhausted(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	cfg.MaxTotalBankrollFraction = 0.5
	calc := NewCalculator(cfg)

	// budget 500, exposure 500 → nothing placeable
	_, ok := calc.CapSize(d("10"), d("0.50"), d("500"), 1)
	assert.False(t, ok)

	// budget 500, exposure 499.5 → 1 share at 0.50
	size, ok := calc.CapSize(d("10"), d("0.50"), d("499.5"), 1)
	require.True(t, ok)
	assert.True(t, size.Equal(d("1")), "size = %s", size)
}

func TestCapSizeTruncatesAndRejectsDust(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testStrategyConfig())

	size, ok := calc.CapSize(d("19.999"), d("0.50"), decimal.Zero, 1)
	require.True(t, ok)
	assert.True(t, size.Equal(d("19.99")), "size = %s", size)

	_, ok = calc.CapSize(d("0.004"), d("0.50"), decimal.Zero, 1)
	assert.False(t, ok)
}

func TestPlannedEdge(t *testing.T) {
	t.Parallel()
	assert.True(t, PlannedEdge(d("0.49"), d("0.49")).Equal(d("0.02")))
	assert.True(t, PlannedEdge(d("0.61"), d("0.42")).IsNegative())
}

func TestBiasFactorsNeutralCases(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	cfg.DirectionalBiasEnabled = true
	cfg.DirectionalBiasFactor = 2
	cfg.ImbalanceThreshold = 0.3
	calc := NewCalculator(cfg)

	// empty bid sizes must not divide by zero
	up, down := calc.BiasFactors(types.TopOfBook{}, types.TopOfBook{})
	assert.Equal(t, 1.0, up)
	assert.Equal(t, 1.0, down)

	// balanced books stay neutral
	up, down = calc.BiasFactors(book("0.48", "0.51"), book("0.48", "0.51"))
	assert.Equal(t, 1.0, up)
	assert.Equal(t, 1.0, down)
}

func TestBiasFactorsFavorsHeavierSide(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	cfg.DirectionalBiasEnabled = true
	cfg.DirectionalBiasFactor = 2
	cfg.ImbalanceThreshold = 0.3
	calc := NewCalculator(cfg)

	upBook := types.TopOfBook{BestBid: d("0.48"), BestAsk: d("0.51"), BestBidSize: d("400"), BestAskSize: d("100")}
	downBook := types.TopOfBook{BestBid: d("0.48"), BestAsk: d("0.51"), BestBidSize: d("100"), BestAskSize: d("100")}

	// imbalance (400−100)/500 = 0.6 > 0.3 → UP scaled up, DOWN down
	up, down := calc.BiasFactors(upBook, downBook)
	assert.Equal(t, 2.0, up)
	assert.Equal(t, 0.5, down)

	up, down = calc.BiasFactors(downBook, upBook)
	assert.Equal(t, 0.5, up)
	assert.Equal(t, 2.0, down)
}
