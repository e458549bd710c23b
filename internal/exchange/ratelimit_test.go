package exchange

import (
	"context"
	"testing"
	"time"
)

func TestBudgetWaitImmediate(t *testing.T) {
	t.Parallel()
	b := NewBudget(1, 5)

	// Burst capacity should be consumable without blocking.
	for i := 0; i < 5; i++ {
		start := time.Now()
		if err := b.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() returned error: %v", err)
		}
		if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
			t.Errorf("Wait() took %v, expected immediate (slot %d)", elapsed, i)
		}
	}
}

func TestBudgetWaitBlocks(t *testing.T) {
	t.Parallel()
	// 1 burst, refills at 10/sec, so the second Wait blocks ~100ms.
	b := NewBudget(10, 1)

	if err := b.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := b.Wait(context.Background()); err != nil {
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

func TestBudgetContextCancelled(t *testing.T) {
	t.Parallel()
	b := NewBudget(0.1, 1) // very slow refill

	// Exhaust the burst.
	_ = b.Wait(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := b.Wait(ctx); err == nil {
		t.Error("expected context error, got nil")
	}
}

func TestBlacklistBanAndExpiry(t *testing.T) {
	t.Parallel()
	b := &Blacklist{
		until: make(map[string]time.Time),
		ttl:   50 * time.Millisecond,
	}

	if b.Banned("BTCUSDT") {
		t.Error("fresh blacklist should ban nothing")
	}

	b.Ban("BTCUSDT")
	if !b.Banned("BTCUSDT") {
		t.Error("BTCUSDT should be banned right after Ban")
	}
	if b.Banned("ETHUSDT") {
		t.Error("ETHUSDT was never banned")
	}
	if got := b.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}

	time.Sleep(80 * time.Millisecond)

	if b.Banned("BTCUSDT") {
		t.Error("ban should have expired")
	}
	if got := b.Len(); got != 0 {
		t.Errorf("Len() after expiry = %d, want 0", got)
	}
}

func TestBlacklistDefaultTTL(t *testing.T) {
	t.Parallel()
	b := NewBlacklist()
	if b.ttl != blacklistTTL {
		t.Errorf("ttl = %v, want %v", b.ttl, blacklistTTL)
	}

	b.Ban("DEADUSDT")
	if !b.Banned("DEADUSDT") {
		t.Error("DEADUSDT should be banned")
	}
}
