package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"updown-mm/pkg/types"
)

func TestHubFanOut(t *testing.T) {
	t.Parallel()
	hub := NewHub(NopPublisher{})

	ch, cancel := hub.Subscribe(4)
	defer cancel()

	hub.Publish(TypeOrderStatus, "btc-updown-15m-1", &OrderLifecycle{Action: types.ActionPlace})

	select {
	case evt := <-ch:
		assert.Equal(t, TypeOrderStatus, evt.Type)
		assert.Equal(t, "btc-updown-15m-1", evt.Key)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestHubFullSubscriberDropsNotBlocks(t *testing.T) {
	t.Parallel()
	hub := NewHub(NopPublisher{})

	ch, cancel := hub.Subscribe(1)
	defer cancel()

	// second publish must not block even though nobody reads
	hub.Publish(TypeOrderStatus, "a", nil)
	hub.Publish(TypeOrderStatus, "b", nil)

	evt := <-ch
	assert.Equal(t, "a", evt.Key)
}

func TestHubCancelledSubscriberIgnored(t *testing.T) {
	t.Parallel()
	hub := NewHub(NopPublisher{})

	_, cancel := hub.Subscribe(1)
	cancel()

	// must not panic or block
	hub.Publish(TypeOrderStatus, "a", nil)
}

func TestOrderLifecycleJSONContract(t *testing.T) {
	t.Parallel()
	evt := &OrderLifecycle{
		Strategy:   "complete-set-mm",
		RunID:      "run-1",
		Action:     types.ActionPlace,
		Reason:     types.ReasonQuote,
		MarketSlug: "btc-updown-15m-1",
		TokenID:    "tok-u",
		Direction:  "UP",
		Success:    true,
		OrderID:    "ord-1",
		Price:      "0.49",
		Size:       "19",
	}

	raw, err := json.Marshal(evt)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))

	// downstream analytics key on these exact names
	assert.Equal(t, "PLACE", m["action"])
	assert.Equal(t, "QUOTE", m["reason"])
	assert.Equal(t, "ord-1", m["orderId"])
	assert.Contains(t, m, "marketSlug")
	assert.Contains(t, m, "tokenId")
	// optional fields are omitted, not zeroed
	assert.NotContains(t, m, "replacedOrderId")
	assert.NotContains(t, m, "error")
}

func TestSnapshotOf(t *testing.T) {
	t.Parallel()
	now := time.Now()

	assert.Nil(t, SnapshotOf(types.TopOfBook{}, now))

	snap := SnapshotOf(types.TopOfBook{
		BestBid:   decimal.RequireFromString("0.48"),
		BestAsk:   decimal.RequireFromString("0.51"),
		UpdatedAt: now.Add(-500 * time.Millisecond),
	}, now)
	require.NotNil(t, snap)
	assert.Equal(t, "0.48", snap.BestBid)
	assert.Equal(t, int64(500), snap.AgeMillis)
}
