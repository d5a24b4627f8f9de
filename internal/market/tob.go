// Package market tracks the tradable market set and live top-of-book data.
//
// Discovery (discovery.go) maintains the set of active up/down markets by
// enumerating candidate slugs and resolving them against the events API.
// The TOB cache (this file) holds the latest best bid/ask per token, fed by
// the market WebSocket.
package market

import (
	"sync"
	"time"

	"updown-mm/pkg/types"
)

// TOBCache holds the latest top-of-book snapshot per token ID. Written by
// the feed goroutine, read by the strategy loop; values are copied out so
// readers never hold a reference into the map.
type TOBCache struct {
	mu    sync.RWMutex
	books map[string]types.TopOfBook
}

// NewTOBCache creates an empty cache.
func NewTOBCache() *TOBCache {
	return &TOBCache{books: make(map[string]types.TopOfBook)}
}

// SetTopOfBook stores the latest snapshot for a token.
func (c *TOBCache) SetTopOfBook(tokenID string, tob types.TopOfBook) {
	c.mu.Lock()
	c.books[tokenID] = tob
	c.mu.Unlock()
}

// Get returns the latest snapshot for a token. ok is false if the token
// has never been seen on the feed.
func (c *TOBCache) Get(tokenID string) (types.TopOfBook, bool) {
	c.mu.RLock()
	tob, ok := c.books[tokenID]
	c.mu.RUnlock()
	return tob, ok
}

// Fresh returns the snapshot only if it is present, recent and quotable.
func (c *TOBCache) Fresh(tokenID string, now time.Time) (types.TopOfBook, bool) {
	tob, ok := c.Get(tokenID)
	if !ok || tob.IsStale(now) || !tob.Valid() {
		return types.TopOfBook{}, false
	}
	return tob, true
}

// Prune drops snapshots for tokens not in keep. Called after discovery
// refreshes so dead markets do not accumulate.
func (c *TOBCache) Prune(keep map[string]bool) {
	c.mu.Lock()
	for token := range c.books {
		if !keep[token] {
			delete(c.books, token)
		}
	}
	c.mu.Unlock()
}
