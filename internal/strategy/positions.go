// positions.go tracks capital at risk: confirmed positions from the
// executor, plus fills the positions endpoint has not caught up with yet.
//
// Exposure feeding the bankroll caps is the sum of three terms:
//
//	open resting orders  (price × remaining, from the order manager)
//	confirmed positions  (initial value, from the positions cache)
//	unbooked fills       (fills seen by status polling but not yet
//	                      reflected in the positions listing)
//
// The unbooked bucket resets on every successful positions refresh, so a
// fill is never counted twice for long.
package strategy

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"updown-mm/pkg/types"
)

const positionsTTL = 5 * time.Second

// PositionsSource is the slice of the executor client the cache needs.
type PositionsSource interface {
	GetPositions(ctx context.Context) ([]types.Position, error)
}

// PositionsCache caches the executor's positions listing with a short TTL.
// Refresh is called from the evaluation loop; a failed refresh keeps the
// previous data rather than zeroing exposure.
type PositionsCache struct {
	source PositionsSource
	logger *slog.Logger

	sharesByToken   map[string]decimal.Decimal
	notionalByToken map[string]decimal.Decimal
	totalNotional   decimal.Decimal
	fetchedAt       time.Time
}

// NewPositionsCache creates an empty cache over source.
func NewPositionsCache(source PositionsSource, logger *slog.Logger) *PositionsCache {
	return &PositionsCache{
		source:          source,
		logger:          logger.With("component", "positions"),
		sharesByToken:   make(map[string]decimal.Decimal),
		notionalByToken: make(map[string]decimal.Decimal),
	}
}

// RefreshIfStale re-fetches positions when the cache has expired. Returns
// true when a refresh actually happened (the caller resets unbooked fills
// on that signal).
func (p *PositionsCache) RefreshIfStale(ctx context.Context, now time.Time) bool {
	if now.Sub(p.fetchedAt) < positionsTTL {
		return false
	}

	positions, err := p.source.GetPositions(ctx)
	if err != nil {
		p.logger.Warn("positions refresh failed, keeping stale data", "error", err)
		// Push the next attempt out a little so a dead endpoint is not
		// hammered every tick.
		p.fetchedAt = now.Add(-positionsTTL + time.Second)
		return false
	}

	shares := make(map[string]decimal.Decimal, len(positions))
	notional := make(map[string]decimal.Decimal, len(positions))
	total := decimal.Zero
	for _, pos := range positions {
		if pos.Redeemable || !pos.Size.IsPositive() {
			continue
		}
		shares[pos.Asset] = shares[pos.Asset].Add(pos.Size)
		notional[pos.Asset] = notional[pos.Asset].Add(pos.InitialValue)
		total = total.Add(pos.InitialValue)
	}

	p.sharesByToken = shares
	p.notionalByToken = notional
	p.totalNotional = total
	p.fetchedAt = now
	return true
}

// Shares returns confirmed shares held for a token.
func (p *PositionsCache) Shares(tokenID string) decimal.Decimal {
	return p.sharesByToken[tokenID]
}

// TotalNotional returns the USD value paid for all open positions.
func (p *PositionsCache) TotalNotional() decimal.Decimal {
	return p.totalNotional
}

// UnbookedFills accumulates the notional of fills detected by order status
// polling that the positions listing does not show yet, per token and as a
// running total. Single-writer.
type UnbookedFills struct {
	byToken map[string]decimal.Decimal
	total   decimal.Decimal
}

// Add books price × shares of freshly detected fill against the token.
func (u *UnbookedFills) Add(tokenID string, price, shares decimal.Decimal) {
	if u.byToken == nil {
		u.byToken = make(map[string]decimal.Decimal)
	}
	notional := price.Mul(shares)
	u.byToken[tokenID] = u.byToken[tokenID].Add(notional)
	u.total = u.total.Add(notional)
}

// Token returns the unbooked notional for one token.
func (u *UnbookedFills) Token(tokenID string) decimal.Decimal {
	return u.byToken[tokenID]
}

// Total returns the accumulated unbooked notional.
func (u *UnbookedFills) Total() decimal.Decimal {
	return u.total
}

// Reset clears the bucket after a positions refresh has absorbed the fills.
func (u *UnbookedFills) Reset() {
	u.byToken = nil
	u.total = decimal.Zero
}
