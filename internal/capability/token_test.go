package capability

import (
	"testing"
	"time"
)

func TestMint_PopulatesFields(t *testing.T) {
	tok := Mint("scout", "goal-1", []string{"read_exa"}, []string{"write_crm"}, 300)
	if tok.TokenID == "" {
		t.Fatal("expected non-empty token_id")
	}
	if tok.Delegatee != "scout" {
		t.Fatalf("delegatee = %q, want scout", tok.Delegatee)
	}
	if tok.GoalID != "goal-1" {
		t.Fatalf("goal_id = %q, want goal-1", tok.GoalID)
	}
	if tok.TimeLimitSeconds != 300 {
		t.Fatalf("time_limit_seconds = %d, want 300", tok.TimeLimitSeconds)
	}
	if tok.CreatedAt.IsZero() {
		t.Fatal("expected created_at to be set")
	}
}

func TestMint_CopiesActionSlices(t *testing.T) {
	allowed := []string{"read_exa"}
	tok := Mint("scout", "goal-1", allowed, nil, 300)
	allowed[0] = "mutated"
	if !tok.CanPerform("read_exa") {
		t.Fatal("token must not share backing array with caller slice")
	}
}

func TestIsValid_FreshToken(t *testing.T) {
	tok := Mint("scout", "goal-1", []string{"read_exa"}, nil, 300)
	if !tok.IsValid() {
		t.Fatal("fresh token with 300s limit should be valid")
	}
}

func TestIsValid_ZeroLimitExpiredImmediately(t *testing.T) {
	tok := Mint("scout", "goal-1", []string{"read_exa"}, nil, 0)
	if tok.IsValid() {
		t.Fatal("token with time_limit_seconds=0 must be invalid immediately")
	}
}

func TestIsValid_ExpiredByClock(t *testing.T) {
	tok := Mint("scout", "goal-1", []string{"read_exa"}, nil, 60)
	tok.CreatedAt = time.Now().UTC().Add(-2 * time.Minute)
	if tok.IsValid() {
		t.Fatal("token past its expiry must be invalid")
	}
}

func TestCanPerform_DenyWins(t *testing.T) {
	// Action present in both sets must be refused.
	tok := Mint("scout", "goal-1", []string{"read_exa", "write_crm"}, []string{"write_crm"}, 300)
	if tok.CanPerform("write_crm") {
		t.Fatal("denied action must be refused even when also allowed")
	}
	if !tok.CanPerform("read_exa") {
		t.Fatal("allowed-only action should pass")
	}
}

func TestCanPerform_NotListed(t *testing.T) {
	tok := Mint("scout", "goal-1", []string{"read_exa"}, nil, 300)
	if tok.CanPerform("write_crm") {
		t.Fatal("unlisted action must be refused")
	}
}

func TestCanPerform_EmptySets(t *testing.T) {
	tok := Mint("scout", "goal-1", nil, nil, 300)
	if tok.CanPerform("anything") {
		t.Fatal("token with no allowed actions authorizes nothing")
	}
}

func TestRemaining_ExpiredIsZero(t *testing.T) {
	tok := Mint("scout", "goal-1", nil, nil, 0)
	if got := tok.Remaining(); got != 0 {
		t.Fatalf("Remaining = %v, want 0", got)
	}
}
