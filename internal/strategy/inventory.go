// Package strategy implements the complete-set quoting strategy.
//
// The strategy buys both legs of a binary up/down market below combined
// cost 1.00: hold N UP and N DOWN shares to end and redeem the set for
// N dollars. Quoting keeps resting BUY orders on both legs; rebalancing
// (top-ups) closes inventory gaps when one leg fills and the other lags.
//
// Everything in this package runs on a single evaluation goroutine. The
// order map, inventory, and unbooked fills have exactly one writer and
// need no locks; data shared with other goroutines (top-of-book, status
// snapshots) crosses package boundaries as immutable values.
package strategy

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketInventory tracks per-market holdings: how many shares of each leg
// are held, and when/at what price the last fill on each leg landed. Share
// counts are updated live as polling detects fills and overwritten from
// the confirmed positions listing on each refresh (positions win). Fill
// timestamps only move when this run watches a fill happen.
type MarketInventory struct {
	UpShares   decimal.Decimal
	DownShares decimal.Decimal

	LastUpFillAt   time.Time
	LastDownFillAt time.Time

	LastUpFillPrice   decimal.Decimal
	LastDownFillPrice decimal.Decimal

	// LastTopUpAt throttles fast top-ups (cooldown), set on every top-up
	// attempt whether or not the order went through.
	LastTopUpAt time.Time
}

// Imbalance returns UpShares − DownShares: positive means UP leads.
func (inv *MarketInventory) Imbalance() decimal.Decimal {
	return inv.UpShares.Sub(inv.DownShares)
}

// InventoryStore holds per-market inventory, keyed by slug. Single-writer;
// only the evaluation goroutine touches it.
type InventoryStore struct {
	byMarket map[string]*MarketInventory
}

// NewInventoryStore creates an empty store.
func NewInventoryStore() *InventoryStore {
	return &InventoryStore{byMarket: make(map[string]*MarketInventory)}
}

// Get returns the inventory for a market, creating it on first use.
func (s *InventoryStore) Get(slug string) *MarketInventory {
	inv, ok := s.byMarket[slug]
	if !ok {
		inv = &MarketInventory{}
		s.byMarket[slug] = inv
	}
	return inv
}

// AddUp books a fill of delta UP shares at the given price.
func (s *InventoryStore) AddUp(slug string, delta decimal.Decimal, at time.Time, price decimal.Decimal) {
	inv := s.Get(slug)
	inv.UpShares = inv.UpShares.Add(delta)
	inv.LastUpFillAt = at
	inv.LastUpFillPrice = price
}

// AddDown books a fill of delta DOWN shares at the given price.
func (s *InventoryStore) AddDown(slug string, delta decimal.Decimal, at time.Time, price decimal.Decimal) {
	inv := s.Get(slug)
	inv.DownShares = inv.DownShares.Add(delta)
	inv.LastDownFillAt = at
	inv.LastDownFillPrice = price
}

// Drop forgets a market's inventory once it has ended.
func (s *InventoryStore) Drop(slug string) {
	delete(s.byMarket, slug)
}
