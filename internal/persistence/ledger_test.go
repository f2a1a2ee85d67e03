package persistence

import (
	"context"
	"math"
	"testing"
	"time"
)

func TestRecordSpend_AndSum(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	entries := []float64{0.01, 0.02, 0.005}
	for _, amount := range entries {
		err := store.RecordSpend(ctx, SpendEntry{
			Identity:  "user-1",
			GoalID:    "goal-1",
			Delegatee: "scout",
			Model:     "claude-sonnet",
			AmountUSD: amount,
			TokensIn:  100,
			TokensOut: 50,
		})
		if err != nil {
			t.Fatalf("record spend: %v", err)
		}
	}

	since := time.Now().UTC().Add(-time.Hour)
	total, err := store.SpendSince(ctx, "user-1", since)
	if err != nil {
		t.Fatalf("spend since: %v", err)
	}
	if math.Abs(total-0.035) > 1e-9 {
		t.Fatalf("total = %v, want 0.035", total)
	}
}

func TestSpendSince_IdentityIsolation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.RecordSpend(ctx, SpendEntry{Identity: "a", AmountUSD: 1.0}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.RecordSpend(ctx, SpendEntry{Identity: "b", AmountUSD: 2.0}); err != nil {
		t.Fatalf("record: %v", err)
	}

	since := time.Now().UTC().Add(-time.Hour)
	got, err := store.SpendSince(ctx, "a", since)
	if err != nil {
		t.Fatalf("spend since: %v", err)
	}
	if got != 1.0 {
		t.Fatalf("identity a total = %v, want 1.0", got)
	}
}

func TestSpendSince_EmptyLedger(t *testing.T) {
	store := openTestStore(t)
	got, err := store.SpendSince(context.Background(), "nobody", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("spend since: %v", err)
	}
	if got != 0 {
		t.Fatalf("total = %v, want 0", got)
	}
}

func TestUsageByDay_Grouping(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.RecordSpend(ctx, SpendEntry{Identity: "user-1", AmountUSD: 0.10, TokensIn: 10, TokensOut: 5}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	days, err := store.UsageByDay(ctx, "user-1", 7)
	if err != nil {
		t.Fatalf("usage by day: %v", err)
	}
	if len(days) != 1 {
		t.Fatalf("day rows = %d, want 1 (all entries today)", len(days))
	}
	if days[0].Entries != 3 {
		t.Fatalf("entries = %d, want 3", days[0].Entries)
	}
	if math.Abs(days[0].AmountUSD-0.30) > 1e-9 {
		t.Fatalf("day total = %v, want 0.30", days[0].AmountUSD)
	}
	if days[0].TokensIn != 30 {
		t.Fatalf("tokens_in = %d, want 30", days[0].TokensIn)
	}
}
