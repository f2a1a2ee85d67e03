package engine

import (
	"strings"
	"testing"
)

func TestNewState_Defaults(t *testing.T) {
	st := NewState("run-1", "goal-1", "map the territory", "", 0)
	if st.MaxIterations != DefaultMaxIterations {
		t.Fatalf("expected default max iterations %d, got %d", DefaultMaxIterations, st.MaxIterations)
	}
	if st.Identity != "default" {
		t.Fatalf("expected default identity, got %q", st.Identity)
	}
	if st.Iteration != 0 {
		t.Fatalf("expected iteration 0, got %d", st.Iteration)
	}
	if st.Terminal() {
		t.Fatal("fresh state should not be terminal")
	}
	if st.RetryCounts == nil {
		t.Fatal("expected initialized retry counts")
	}
}

func TestState_Terminal(t *testing.T) {
	st := NewState("run-1", "goal-1", "g", "", 5)
	st.IsComplete = true
	if !st.Terminal() {
		t.Fatal("complete state should be terminal")
	}

	st = NewState("run-2", "goal-1", "g", "", 5)
	st.IsBlocked = true
	if !st.Terminal() {
		t.Fatal("blocked state should be terminal")
	}
}

func TestState_RetryCounts(t *testing.T) {
	st := NewState("run-1", "goal-1", "g", "", 5)
	if st.retryCount("scout") != 0 {
		t.Fatalf("expected 0 retries, got %d", st.retryCount("scout"))
	}
	st.bumpRetry("scout")
	st.bumpRetry("scout")
	if st.retryCount("scout") != 2 {
		t.Fatalf("expected 2 retries, got %d", st.retryCount("scout"))
	}
	if st.retryCount("builder") != 0 {
		t.Fatalf("retries should be tracked per delegatee, got %d for builder", st.retryCount("builder"))
	}
}

func TestState_CheckpointRoundTrip(t *testing.T) {
	st := NewState("run-1", "goal-1", "map the territory", "ops", 7)
	st.Iteration = 3
	st.CurrentPhase = PhaseAct
	st.Synthesis = Synthesis{
		Patterns:         []string{"traffic spikes at noon"},
		RecommendedFocus: "watch the noon window",
	}
	st.LastDecision = &Decision{Action: "delegate", Agent: "scout", Reasoning: "need fresh data"}
	st.appendLog(PhaseLog{Phase: PhasePerceive, Iteration: 3, OutputSummary: "5 observations"})
	st.bumpRetry("scout")

	cp, err := st.Checkpoint()
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if !strings.Contains(cp, `"goal_id":"goal-1"`) {
		t.Fatalf("expected goal_id in checkpoint, got: %s", cp)
	}

	restored, err := RestoreState(cp)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.RunID != "run-1" || restored.GoalID != "goal-1" {
		t.Fatalf("expected ids preserved, got run=%s goal=%s", restored.RunID, restored.GoalID)
	}
	if restored.Iteration != 3 {
		t.Fatalf("expected iteration 3, got %d", restored.Iteration)
	}
	if restored.MaxIterations != 7 {
		t.Fatalf("expected max iterations 7, got %d", restored.MaxIterations)
	}
	if restored.Identity != "ops" {
		t.Fatalf("expected identity ops, got %q", restored.Identity)
	}
	if len(restored.PhaseLogs) != 1 {
		t.Fatalf("expected 1 phase log, got %d", len(restored.PhaseLogs))
	}
	if restored.LastDecision == nil || restored.LastDecision.Agent != "scout" {
		t.Fatalf("expected last decision preserved, got %+v", restored.LastDecision)
	}
	if restored.Synthesis.RecommendedFocus != "watch the noon window" {
		t.Fatalf("expected synthesis preserved, got %+v", restored.Synthesis)
	}
	if restored.retryCount("scout") != 1 {
		t.Fatalf("expected retry count preserved, got %d", restored.retryCount("scout"))
	}
}

func TestRestoreState_Invalid(t *testing.T) {
	if _, err := RestoreState("not json"); err == nil {
		t.Fatal("expected error for invalid checkpoint")
	}
}

func TestRestoreState_EmptyObject(t *testing.T) {
	st, err := RestoreState("{}")
	if err != nil {
		t.Fatalf("restore empty object: %v", err)
	}
	if st.RunID != "" {
		t.Fatalf("expected zero state, got run_id %q", st.RunID)
	}
	if st.RetryCounts == nil {
		t.Fatal("expected retry counts re-initialized")
	}
}

func TestSynthesis_Empty(t *testing.T) {
	if !(Synthesis{}).Empty() {
		t.Fatal("zero synthesis should be empty")
	}
	if (Synthesis{Patterns: []string{"x"}}).Empty() {
		t.Fatal("synthesis with a pattern should not be empty")
	}
	if (Synthesis{RecommendedFocus: "x"}).Empty() {
		t.Fatal("synthesis with a focus should not be empty")
	}
}
