package exchange

import (
	"context"
	"testing"
	"time"
)

func TestNewRateLimiterExecutorBudgets(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter()

	tests := []struct {
		name     string
		bucket   *TokenBucket
		capacity float64
		rate     float64
	}{
		{"order", rl.Order, 350, 50},
		{"cancel", rl.Cancel, 300, 30},
		{"query", rl.Query, 150, 15},
	}
	for _, tt := range tests {
		if tt.bucket.capacity != tt.capacity {
			t.Errorf("%s capacity = %v, want %v", tt.name, tt.bucket.capacity, tt.capacity)
		}
		if tt.bucket.rate != tt.rate {
			t.Errorf("%s rate = %v, want %v", tt.name, tt.bucket.rate, tt.rate)
		}
		if tt.bucket.tokens != tt.capacity {
			t.Errorf("%s bucket must start at full burst, got %v", tt.name, tt.bucket.tokens)
		}
	}
}

func TestRateLimiterCategoriesAreIndependent(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter()

	// Draining status-poll budget must not touch order or cancel budgets.
	for i := 0; i < 10; i++ {
		if err := rl.Query.Wait(context.Background()); err != nil {
			t.Fatalf("Query.Wait() returned error: %v", err)
		}
	}
	if rl.Query.tokens > 145 {
		t.Errorf("query tokens = %v, want well below capacity after 10 waits", rl.Query.tokens)
	}
	if rl.Order.tokens != 350 || rl.Cancel.tokens != 300 {
		t.Errorf("order/cancel buckets drained: %v / %v", rl.Order.tokens, rl.Cancel.tokens)
	}
}

func TestTokenBucketBurstThenBlocks(t *testing.T) {
	t.Parallel()
	// 2-token burst refilling at 10/sec: two immediate, the third ~100ms
	tb := NewTokenBucket(2, 10)

	for i := 0; i < 2; i++ {
		start := time.Now()
		if err := tb.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() returned error: %v", err)
		}
		if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
			t.Errorf("burst token %d took %v, expected immediate", i, elapsed)
		}
	}

	start := time.Now()
	if err := tb.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)

	if elapsed < 50*time.Millisecond {
		t.Errorf("expected blocking ~100ms, got %v", elapsed)
	}
	if elapsed > 300*time.Millisecond {
		t.Errorf("blocked too long: %v", elapsed)
	}
}

func TestTokenBucketContextCancelled(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 0.1) // very slow refill

	// Exhaust the token, then give the next wait a 50ms budget.
	_ = tb.Wait(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := tb.Wait(ctx); err == nil {
		t.Error("expected context error, got nil")
	}
}
