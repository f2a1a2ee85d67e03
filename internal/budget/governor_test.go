package budget

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/basket/go-helm/internal/persistence"
)

func openTestGovernor(t *testing.T, limitUSD float64) *Governor {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewGovernor(store, limitUSD, nil, nil)
}

func TestCheckBudget_UnderLimit(t *testing.T) {
	g := openTestGovernor(t, 5.00)
	ctx := context.Background()

	if _, err := g.RecordUsage(ctx, UsageEvent{Identity: "alice", AmountUSD: 3.00}); err != nil {
		t.Fatalf("record usage: %v", err)
	}

	st, err := g.CheckBudget(ctx, "alice")
	if err != nil {
		t.Fatalf("check budget: %v", err)
	}
	if !st.Allowed {
		t.Fatal("expected allowed under limit")
	}
	if math.Abs(st.MonthlySpendUSD-3.00) > 1e-9 {
		t.Fatalf("monthly_spend_usd = %v, want 3.00", st.MonthlySpendUSD)
	}
	if st.MonthlyLimitUSD != 5.00 {
		t.Fatalf("monthly_limit_usd = %v, want 5.00", st.MonthlyLimitUSD)
	}
	if math.Abs(st.UtilizationPercent-60.0) > 1e-9 {
		t.Fatalf("utilization_percent = %v, want 60", st.UtilizationPercent)
	}
}

func TestCheckBudget_Exhausted(t *testing.T) {
	g := openTestGovernor(t, 2.00)
	ctx := context.Background()

	if _, err := g.RecordUsage(ctx, UsageEvent{Identity: "alice", AmountUSD: 2.50}); err != nil {
		t.Fatalf("record usage: %v", err)
	}

	st, err := g.CheckBudget(ctx, "alice")
	if err != nil {
		t.Fatalf("check budget: %v", err)
	}
	if st.Allowed {
		t.Fatal("expected not allowed once spend reaches the limit")
	}
	if st.UtilizationPercent < 100 {
		t.Fatalf("utilization_percent = %v, want >= 100", st.UtilizationPercent)
	}
}

func TestCheckBudget_ZeroLimitIsUnlimited(t *testing.T) {
	g := openTestGovernor(t, 0)
	ctx := context.Background()

	if _, err := g.RecordUsage(ctx, UsageEvent{Identity: "alice", AmountUSD: 999.0}); err != nil {
		t.Fatalf("record usage: %v", err)
	}

	st, err := g.CheckBudget(ctx, "alice")
	if err != nil {
		t.Fatalf("check budget: %v", err)
	}
	if !st.Allowed {
		t.Fatal("zero limit must mean unlimited")
	}
	if st.UtilizationPercent != 0 {
		t.Fatalf("utilization_percent = %v, want 0 for unlimited", st.UtilizationPercent)
	}
}

func TestCheckBudget_PerIdentityOverride(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	g := NewGovernor(store, 1.00, map[string]float64{"vip": 100.00}, nil)
	ctx := context.Background()

	if _, err := g.RecordUsage(ctx, UsageEvent{Identity: "vip", AmountUSD: 5.00}); err != nil {
		t.Fatalf("record usage: %v", err)
	}
	if _, err := g.RecordUsage(ctx, UsageEvent{Identity: "bob", AmountUSD: 5.00}); err != nil {
		t.Fatalf("record usage: %v", err)
	}

	vip, err := g.CheckBudget(ctx, "vip")
	if err != nil {
		t.Fatalf("check budget vip: %v", err)
	}
	if !vip.Allowed {
		t.Fatal("vip should be under its 100.00 override")
	}
	bob, err := g.CheckBudget(ctx, "bob")
	if err != nil {
		t.Fatalf("check budget bob: %v", err)
	}
	if bob.Allowed {
		t.Fatal("bob should have exhausted the 1.00 default")
	}
}

func TestCheckBudget_IdentitiesIsolated(t *testing.T) {
	g := openTestGovernor(t, 10.00)
	ctx := context.Background()

	if _, err := g.RecordUsage(ctx, UsageEvent{Identity: "alice", AmountUSD: 4.00}); err != nil {
		t.Fatalf("record usage: %v", err)
	}

	st, err := g.CheckBudget(ctx, "bob")
	if err != nil {
		t.Fatalf("check budget: %v", err)
	}
	if st.MonthlySpendUSD != 0 {
		t.Fatalf("bob's spend = %v, want 0 (alice's rows must not leak)", st.MonthlySpendUSD)
	}
}

func TestRecordUsage_PricesFromModelTable(t *testing.T) {
	g := openTestGovernor(t, 10.00)
	ctx := context.Background()

	amount, err := g.RecordUsage(ctx, UsageEvent{
		Identity:  "alice",
		Model:     "gpt-4o",
		TokensIn:  1000,
		TokensOut: 500,
	})
	if err != nil {
		t.Fatalf("record usage: %v", err)
	}
	if amount < 0.007 || amount > 0.008 {
		t.Fatalf("priced amount = %v, want ~0.0075", amount)
	}

	st, err := g.CheckBudget(ctx, "alice")
	if err != nil {
		t.Fatalf("check budget: %v", err)
	}
	if math.Abs(st.MonthlySpendUSD-amount) > 1e-9 {
		t.Fatalf("ledger shows %v, want %v", st.MonthlySpendUSD, amount)
	}
}

func TestEstimateCost_KnownModel(t *testing.T) {
	cost := EstimateCost("gpt-4o", 1000, 500)
	if cost < 0.007 || cost > 0.008 {
		t.Fatalf("expected ~0.0075, got %f", cost)
	}
}

func TestEstimateCost_UnknownModel(t *testing.T) {
	cost := EstimateCost("unknown-model-xyz", 1000, 500)
	if cost != 0.0 {
		t.Fatalf("expected 0.0 for unknown model, got %f", cost)
	}
}

func TestEstimateCost_GeminiModel(t *testing.T) {
	// Gemini 2.5 Flash: $0.075 per 1M prompt, $0.30 per 1M completion
	cost := EstimateCost("gemini-2.5-flash", 1000000, 1000000)
	expected := 0.075 + 0.30 // $0.375
	if cost != expected {
		t.Fatalf("expected %f, got %f", expected, cost)
	}
}

func TestGetUsageSummary_Totals(t *testing.T) {
	g := openTestGovernor(t, 10.00)
	ctx := context.Background()

	if _, err := g.RecordUsage(ctx, UsageEvent{Identity: "alice", AmountUSD: 0.25, TokensIn: 100, TokensOut: 50}); err != nil {
		t.Fatalf("record usage: %v", err)
	}
	if _, err := g.RecordUsage(ctx, UsageEvent{Identity: "alice", AmountUSD: 0.75, TokensIn: 200, TokensOut: 80}); err != nil {
		t.Fatalf("record usage: %v", err)
	}

	sum, err := g.GetUsageSummary(ctx, "alice", 7)
	if err != nil {
		t.Fatalf("usage summary: %v", err)
	}
	if math.Abs(sum.TotalUSD-1.00) > 1e-9 {
		t.Fatalf("total_usd = %v, want 1.00", sum.TotalUSD)
	}
	if sum.TotalTokensIn != 300 || sum.TotalTokensOut != 130 {
		t.Fatalf("token totals = %d/%d, want 300/130", sum.TotalTokensIn, sum.TotalTokensOut)
	}
	if len(sum.Days) != 1 {
		t.Fatalf("days = %d, want 1 (same-day rows grouped)", len(sum.Days))
	}
}
