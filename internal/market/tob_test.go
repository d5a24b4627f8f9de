package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"updown-mm/pkg/types"
)

func tob(bid, ask string, at time.Time) types.TopOfBook {
	return types.TopOfBook{
		BestBid:   decimal.RequireFromString(bid),
		BestAsk:   decimal.RequireFromString(ask),
		UpdatedAt: at,
	}
}

func TestTOBCacheSetGet(t *testing.T) {
	t.Parallel()
	c := NewTOBCache()
	now := time.Now()

	_, ok := c.Get("tok")
	assert.False(t, ok)

	c.SetTopOfBook("tok", tob("0.48", "0.51", now))
	got, ok := c.Get("tok")
	require.True(t, ok)
	assert.True(t, got.BestBid.Equal(decimal.RequireFromString("0.48")))
}

func TestTOBCacheFresh(t *testing.T) {
	t.Parallel()
	c := NewTOBCache()
	now := time.Now()

	c.SetTopOfBook("fresh", tob("0.48", "0.51", now.Add(-time.Second)))
	c.SetTopOfBook("stale", tob("0.48", "0.51", now.Add(-3*time.Second)))
	c.SetTopOfBook("crossed", tob("0.52", "0.50", now))

	_, ok := c.Fresh("fresh", now)
	assert.True(t, ok)

	_, ok = c.Fresh("stale", now)
	assert.False(t, ok)

	_, ok = c.Fresh("crossed", now)
	assert.False(t, ok)

	_, ok = c.Fresh("missing", now)
	assert.False(t, ok)
}

func TestTOBCachePrune(t *testing.T) {
	t.Parallel()
	c := NewTOBCache()
	now := time.Now()

	c.SetTopOfBook("keep", tob("0.48", "0.51", now))
	c.SetTopOfBook("drop", tob("0.48", "0.51", now))

	c.Prune(map[string]bool{"keep": true})

	_, ok := c.Get("keep")
	assert.True(t, ok)
	_, ok = c.Get("drop")
	assert.False(t, ok)
}
