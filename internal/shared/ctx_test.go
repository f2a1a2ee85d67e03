package shared

import (
	"context"
	"testing"
)

func TestGoalID_RoundTrip(t *testing.T) {
	ctx := WithGoalID(context.Background(), "goal-1")
	if got := GoalID(ctx); got != "goal-1" {
		t.Fatalf("GoalID = %q, want goal-1", got)
	}
}

func TestGoalID_Absent(t *testing.T) {
	if got := GoalID(context.Background()); got != "" {
		t.Fatalf("GoalID on empty ctx = %q, want empty", got)
	}
}

func TestTraceID_AbsentReturnsDash(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("TraceID on empty ctx = %q, want -", got)
	}
}

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := WithTraceID(context.Background(), "t-42")
	if got := TraceID(ctx); got != "t-42" {
		t.Fatalf("TraceID = %q, want t-42", got)
	}
}

func TestIdentity_DefaultWhenAbsent(t *testing.T) {
	if got := Identity(context.Background()); got != DefaultIdentity {
		t.Fatalf("Identity on empty ctx = %q, want %q", got, DefaultIdentity)
	}
}

func TestDelegatee_RoundTrip(t *testing.T) {
	ctx := WithDelegatee(context.Background(), "scout")
	if got := Delegatee(ctx); got != "scout" {
		t.Fatalf("Delegatee = %q, want scout", got)
	}
}

func TestNewRunID_Unique(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	if a == b {
		t.Fatalf("NewRunID returned duplicate %q", a)
	}
	if a == "" {
		t.Fatal("NewRunID returned empty string")
	}
}
