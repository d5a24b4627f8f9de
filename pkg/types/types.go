// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — order sides, market
// metadata, top-of-book snapshots, and order lifecycle tags. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled: stays on book until filled or cancelled
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill: taker order, all-or-nothing
)

// Direction identifies one leg of a binary up/down market.
type Direction string

const (
	UP   Direction = "UP"
	DOWN Direction = "DOWN"
)

// Opposite returns the other leg.
func (d Direction) Opposite() Direction {
	if d == UP {
		return DOWN
	}
	return UP
}

// MarketType distinguishes the two market durations we trade.
type MarketType string

const (
	MarketType15M MarketType = "15m"
	MarketType1H  MarketType = "1h"
)

// Lifetime returns the nominal duration of a market of this type.
func (t MarketType) Lifetime() time.Duration {
	if t == MarketType1H {
		return time.Hour
	}
	return 15 * time.Minute
}

// Series identifies the (asset, duration) family a market belongs to.
// The series selects the size schedule and lifetime filter.
type Series string

const (
	SeriesBTC15M  Series = "btc-15m"
	SeriesETH15M  Series = "eth-15m"
	SeriesBTC1H   Series = "btc-1h"
	SeriesETH1H   Series = "eth-1h"
	SeriesUnknown Series = ""
)

// SeriesFromSlug classifies a market slug into its series.
// 15-minute slugs look like "btc-updown-15m-1759400100"; 1-hour slugs look
// like "bitcoin-up-or-down-october-2-5pm-et".
func SeriesFromSlug(slug string) Series {
	s := strings.ToLower(slug)
	switch {
	case strings.HasPrefix(s, "btc-updown-15m-"):
		return SeriesBTC15M
	case strings.HasPrefix(s, "eth-updown-15m-"):
		return SeriesETH15M
	case strings.HasPrefix(s, "bitcoin-up-or-down-"):
		return SeriesBTC1H
	case strings.HasPrefix(s, "ethereum-up-or-down-"):
		return SeriesETH1H
	default:
		return SeriesUnknown
	}
}

// MarketType returns the duration class for the series.
func (s Series) MarketType() MarketType {
	switch s {
	case SeriesBTC1H, SeriesETH1H:
		return MarketType1H
	default:
		return MarketType15M
	}
}

// ————————————————————————————————————————————————————————————————————————
// Order lifecycle tags
// ————————————————————————————————————————————————————————————————————————

// Action is what happened to an order: it was placed or cancelled.
type Action string

const (
	ActionPlace  Action = "PLACE"
	ActionCancel Action = "CANCEL"
)

// Reason tags why an order was placed or cancelled. These are closed
// enumerations; downstream analytics key on the exact strings.
type Reason string

const (
	ReasonQuote               Reason = "QUOTE"
	ReasonReplace             Reason = "REPLACE"
	ReasonTopUp               Reason = "TOP_UP"
	ReasonFastTopUp           Reason = "FAST_TOP_UP"
	ReasonTaker               Reason = "TAKER"
	ReasonBookStale           Reason = "BOOK_STALE"
	ReasonOutsideTimeWindow   Reason = "OUTSIDE_TIME_WINDOW"
	ReasonOutsideLifetime     Reason = "OUTSIDE_LIFETIME"
	ReasonReplacePrice        Reason = "REPLACE_PRICE"
	ReasonReplaceSize         Reason = "REPLACE_SIZE"
	ReasonReplacePriceAndSize Reason = "REPLACE_PRICE_AND_SIZE"
	ReasonStaleTimeout        Reason = "STALE_TIMEOUT"
	ReasonShutdown            Reason = "SHUTDOWN"
	ReasonInsufficientEdge    Reason = "INSUFFICIENT_EDGE"
)

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// Market is one live up/down market: a slug plus its two outcome tokens.
// Immutable after creation; discovery drops it from the active set when
// EndTime passes.
type Market struct {
	Slug        string
	UpTokenID   string
	DownTokenID string
	EndTime     time.Time
	Type        MarketType
}

// Series classifies the market by slug.
func (m Market) Series() Series { return SeriesFromSlug(m.Slug) }

// TokenIDs returns both outcome token IDs, UP first.
func (m Market) TokenIDs() []string {
	return []string{m.UpTokenID, m.DownTokenID}
}

// TokenFor returns the token ID for the given leg.
func (m Market) TokenFor(d Direction) string {
	if d == UP {
		return m.UpTokenID
	}
	return m.DownTokenID
}

// DirectionOf maps a token ID back to its leg. ok is false for foreign tokens.
func (m Market) DirectionOf(tokenID string) (Direction, bool) {
	switch tokenID {
	case m.UpTokenID:
		return UP, true
	case m.DownTokenID:
		return DOWN, true
	}
	return "", false
}

// SecondsToEnd returns the whole seconds until the market ends (negative
// once it has ended).
func (m Market) SecondsToEnd(now time.Time) int64 {
	return int64(m.EndTime.Sub(now) / time.Second)
}

// ————————————————————————————————————————————————————————————————————————
// Top of book
// ————————————————————————————————————————————————————————————————————————

// TOBMaxAge is how long a top-of-book snapshot stays usable. Quotes are
// never derived from a book older than this.
const TOBMaxAge = 2 * time.Second

// TopOfBook is an immutable snapshot of one token's best bid and ask.
// A zero UpdatedAt means the token has never been seen on the feed.
type TopOfBook struct {
	BestBid     decimal.Decimal
	BestBidSize decimal.Decimal
	BestAsk     decimal.Decimal
	BestAskSize decimal.Decimal
	UpdatedAt   time.Time
}

// Mid returns (bestBid + bestAsk) / 2.
func (t TopOfBook) Mid() decimal.Decimal {
	return t.BestBid.Add(t.BestAsk).Div(decimal.NewFromInt(2))
}

// Spread returns bestAsk − bestBid.
func (t TopOfBook) Spread() decimal.Decimal {
	return t.BestAsk.Sub(t.BestBid)
}

// IsStale reports whether the snapshot is older than TOBMaxAge, or was
// never populated.
func (t TopOfBook) IsStale(now time.Time) bool {
	if t.UpdatedAt.IsZero() {
		return true
	}
	return now.Sub(t.UpdatedAt) > TOBMaxAge
}

// Valid reports whether the book is in a quotable state: at least one side
// nonzero and bid strictly below ask. A 0.50/0.50 book is not valid.
func (t TopOfBook) Valid() bool {
	if t.BestBid.IsZero() && t.BestAsk.IsZero() {
		return false
	}
	return t.BestBid.LessThan(t.BestAsk)
}

// ————————————————————————————————————————————————————————————————————————
// Executor contract payloads
// ————————————————————————————————————————————————————————————————————————

// PlaceResult is the outcome of submitting a limit order. OrderID is empty
// when the executor accepted the request but returned no id (treated as a
// failed placement); ErrorMsg carries the executor's rejection message.
type PlaceResult struct {
	OrderID  string
	ErrorMsg string
	Raw      []byte // executor response body, for event payloads
}

// OrderStatus is the normalized view of an executor get-order response.
// Matched and Remaining are nil when the executor omitted them; "absent"
// and "0" mean different things during fill detection.
type OrderStatus struct {
	Status    string
	Matched   *decimal.Decimal
	Remaining *decimal.Decimal
	Mode      string
}

// terminalStatuses are substrings that mark an order as finished, matched
// case-insensitively against the executor's status string.
var terminalStatuses = []string{
	"FILLED", "CANCELED", "CANCELLED", "EXPIRED", "REJECTED", "FAILED", "DONE", "CLOSED",
}

// TerminalStatus reports whether the status string names a terminal state.
func TerminalStatus(status string) bool {
	s := strings.ToUpper(status)
	for _, t := range terminalStatuses {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// Position is one row of the executor's positions listing.
type Position struct {
	Asset        string          // token ID
	Size         decimal.Decimal // shares held
	InitialValue decimal.Decimal // USD paid to open
	Redeemable   bool
}
