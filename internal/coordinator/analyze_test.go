package coordinator

import (
	"testing"
	"time"

	"github.com/basket/go-helm/internal/agent"
	"github.com/basket/go-helm/internal/trace"
)

func newTestCoordinator() *Coordinator {
	return New(DefaultConfig(), nil, nil, nil, nil, nil, nil)
}

// healthyEval passes every failure check so tests can break one condition
// at a time.
func healthyEval() Evaluation {
	return Evaluation{
		GoalID:             "goal-1",
		AgentType:          agent.TypeScout,
		Confidence:         0.9,
		Data:               "three qualified leads",
		DataTimestamp:      time.Now().Add(-time.Hour),
		ExecutionTimeMS:    800,
		ExpectedDurationMS: 1000,
	}
}

func TestAnalyzeFailure_LowConfidence(t *testing.T) {
	c := newTestCoordinator()
	eval := healthyEval()
	eval.Confidence = 0.3

	fa := c.AnalyzeFailure(eval)
	if fa == nil {
		t.Fatal("expected a failure analysis")
	}
	if fa.Trigger != TriggerLowConfidence {
		t.Fatalf("trigger = %q, want low_confidence", fa.Trigger)
	}
	if !fa.Recoverable {
		t.Fatal("low confidence must be recoverable")
	}
	if fa.Severity < 0.5 || fa.Severity > 1 {
		t.Fatalf("severity = %v", fa.Severity)
	}
}

func TestAnalyzeFailure_NoResults(t *testing.T) {
	c := newTestCoordinator()
	eval := healthyEval()
	eval.Data = "   "
	eval.Items = nil

	fa := c.AnalyzeFailure(eval)
	if fa == nil || fa.Trigger != TriggerNoResults {
		t.Fatalf("analysis = %+v, want no_results", fa)
	}
}

func TestAnalyzeFailure_StaleData(t *testing.T) {
	c := newTestCoordinator()
	eval := healthyEval()
	eval.DataTimestamp = time.Now().Add(-25 * time.Hour)

	fa := c.AnalyzeFailure(eval)
	if fa == nil || fa.Trigger != TriggerStaleData {
		t.Fatalf("analysis = %+v, want stale_data", fa)
	}
}

func TestAnalyzeFailure_Timeout(t *testing.T) {
	c := newTestCoordinator()
	eval := healthyEval()
	eval.ExecutionTimeMS = 5000
	eval.ExpectedDurationMS = 1000

	fa := c.AnalyzeFailure(eval)
	if fa == nil || fa.Trigger != TriggerTimeout {
		t.Fatalf("analysis = %+v, want timeout", fa)
	}
}

func TestAnalyzeFailure_VerificationFailed(t *testing.T) {
	c := newTestCoordinator()
	eval := healthyEval()
	eval.Verification = &trace.VerificationResult{Passed: false, Score: 0.4, Details: "claims not supported"}

	fa := c.AnalyzeFailure(eval)
	if fa == nil || fa.Trigger != TriggerVerificationFailed {
		t.Fatalf("analysis = %+v, want verification_failed", fa)
	}
	if !fa.Recoverable {
		t.Fatal("partial verification score must stay recoverable")
	}
}

func TestAnalyzeFailure_ZeroScoreUnrecoverable(t *testing.T) {
	c := newTestCoordinator()
	eval := healthyEval()
	eval.Verification = &trace.VerificationResult{Passed: false, Score: 0}

	fa := c.AnalyzeFailure(eval)
	if fa == nil || fa.Trigger != TriggerVerificationFailed {
		t.Fatalf("analysis = %+v, want verification_failed", fa)
	}
	if fa.Recoverable {
		t.Fatal("zero-score verification failure must be unrecoverable")
	}
}

func TestAnalyzeFailure_PrecedenceConfidenceBeatsEmpty(t *testing.T) {
	c := newTestCoordinator()
	eval := healthyEval()
	eval.Confidence = 0.1
	eval.Data = ""

	fa := c.AnalyzeFailure(eval)
	if fa == nil || fa.Trigger != TriggerLowConfidence {
		t.Fatalf("analysis = %+v, low_confidence must win over no_results", fa)
	}
}

func TestAnalyzeFailure_PrecedenceStaleBeatsTimeout(t *testing.T) {
	c := newTestCoordinator()
	eval := healthyEval()
	eval.DataTimestamp = time.Now().Add(-48 * time.Hour)
	eval.ExecutionTimeMS = 9000
	eval.ExpectedDurationMS = 1000

	fa := c.AnalyzeFailure(eval)
	if fa == nil || fa.Trigger != TriggerStaleData {
		t.Fatalf("analysis = %+v, stale_data must win over timeout", fa)
	}
}

func TestAnalyzeFailure_Healthy(t *testing.T) {
	c := newTestCoordinator()
	if fa := c.AnalyzeFailure(healthyEval()); fa != nil {
		t.Fatalf("expected nil analysis, got %+v", fa)
	}
}

func TestAnalyzeFailure_UnknownFreshnessNotStale(t *testing.T) {
	c := newTestCoordinator()
	eval := healthyEval()
	eval.DataTimestamp = time.Time{}

	if fa := c.AnalyzeFailure(eval); fa != nil {
		t.Fatalf("zero data timestamp must not read as stale, got %+v", fa)
	}
}

func TestAnalyzeFailure_CustomThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConfidenceFloor = 0.8
	cfg.TimeoutFactor = 10.0
	c := New(cfg, nil, nil, nil, nil, nil, nil)

	eval := healthyEval()
	eval.Confidence = 0.7
	fa := c.AnalyzeFailure(eval)
	if fa == nil || fa.Trigger != TriggerLowConfidence {
		t.Fatalf("raised floor must catch 0.7, got %+v", fa)
	}

	eval = healthyEval()
	eval.ExecutionTimeMS = 5000
	eval.ExpectedDurationMS = 1000
	if fa := c.AnalyzeFailure(eval); fa != nil {
		t.Fatalf("5x run under a 10x factor must pass, got %+v", fa)
	}
}
