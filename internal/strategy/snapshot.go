// snapshot.go publishes an immutable view of the engine state after every
// tick. The status server reads it lock-free via an atomic pointer; the
// trading loop never blocks on an observer.
package strategy

import (
	"time"
)

// Snapshot is a point-in-time view of the engine. All fields are plain
// values; nothing aliases live trading state.
type Snapshot struct {
	RunID     string           `json:"runId"`
	UpdatedAt time.Time        `json:"updatedAt"`
	Exposure  string           `json:"exposure"`
	Markets   []MarketSnapshot `json:"markets"`
	Orders    []OrderSnapshot  `json:"orders"`
}

// MarketSnapshot is one live market's state.
type MarketSnapshot struct {
	Slug         string `json:"slug"`
	Type         string `json:"type"`
	SecondsToEnd int64  `json:"secondsToEnd"`

	UpBid   string `json:"upBid,omitempty"`
	UpAsk   string `json:"upAsk,omitempty"`
	DownBid string `json:"downBid,omitempty"`
	DownAsk string `json:"downAsk,omitempty"`

	UpShares   string `json:"upShares"`
	DownShares string `json:"downShares"`
}

// OrderSnapshot is one resting order.
type OrderSnapshot struct {
	OrderID    string `json:"orderId"`
	MarketSlug string `json:"marketSlug"`
	Direction  string `json:"direction"`
	Price      string `json:"price"`
	Size       string `json:"size"`
	Matched    string `json:"matched"`
	AgeMillis  int64  `json:"ageMillis"`
}

// Latest returns the most recently published snapshot. Safe from any
// goroutine.
func (e *Engine) Latest() *Snapshot {
	return e.snapshot.Load()
}

func (e *Engine) publishSnapshot(now time.Time) {
	markets := e.source.Active()
	snap := &Snapshot{
		RunID:     e.runID,
		UpdatedAt: now,
		Exposure:  e.exposure().String(),
		Markets:   make([]MarketSnapshot, 0, len(markets)),
	}

	for _, mkt := range markets {
		ms := MarketSnapshot{
			Slug:         mkt.Slug,
			Type:         string(mkt.Type),
			SecondsToEnd: mkt.SecondsToEnd(now),
		}
		if tob, ok := e.books.Get(mkt.UpTokenID); ok {
			ms.UpBid, ms.UpAsk = tob.BestBid.String(), tob.BestAsk.String()
		}
		if tob, ok := e.books.Get(mkt.DownTokenID); ok {
			ms.DownBid, ms.DownAsk = tob.BestBid.String(), tob.BestAsk.String()
		}
		inv := e.inv.Get(mkt.Slug)
		ms.UpShares = inv.UpShares.String()
		ms.DownShares = inv.DownShares.String()
		snap.Markets = append(snap.Markets, ms)
	}

	for _, st := range e.orders.Open() {
		snap.Orders = append(snap.Orders, OrderSnapshot{
			OrderID:    st.OrderID,
			MarketSlug: st.Market.Slug,
			Direction:  string(st.Direction),
			Price:      st.Price.String(),
			Size:       st.Size.String(),
			Matched:    st.Matched.String(),
			AgeMillis:  now.Sub(st.PlacedAt).Milliseconds(),
		})
	}

	e.snapshot.Store(snap)
}
