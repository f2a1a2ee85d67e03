// Package coordinator decides what happens after a delegation comes back:
// accept the output, retry, hand the work to a different agent type,
// supplement it, or escalate to a human. The policy is rule-based; no
// reasoning-model call happens here, so identical inputs always yield the
// same decision.
package coordinator

import (
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-helm/internal/agent"
	"github.com/basket/go-helm/internal/trace"
)

// Trigger names the first failure condition that matched.
type Trigger string

const (
	TriggerLowConfidence      Trigger = "low_confidence"
	TriggerNoResults          Trigger = "no_results"
	TriggerStaleData          Trigger = "stale_data"
	TriggerTimeout            Trigger = "timeout"
	TriggerVerificationFailed Trigger = "verification_failed"
	TriggerBudgetExhausted    Trigger = "budget_exhausted"
)

// Evaluation describes one completed delegation for quality review.
// ExecutionTimeMS is the measured duration of a call that finished;
// a hung call never reaches this code.
type Evaluation struct {
	GoalID             string                    `json:"goal_id"`
	AgentType          agent.Type                `json:"agent_type"`
	Confidence         float64                   `json:"confidence"`
	Data               string                    `json:"data,omitempty"`
	Items              []string                  `json:"items,omitempty"`
	DataTimestamp      time.Time                 `json:"data_timestamp"`
	ExecutionTimeMS    int64                     `json:"execution_time_ms"`
	ExpectedDurationMS int64                     `json:"expected_duration_ms"`
	Verification       *trace.VerificationResult `json:"verification,omitempty"`
	PartialResults     string                    `json:"partial_results,omitempty"`
	RetryCount         int                       `json:"retry_count"`
}

// FailureAnalysis classifies what went wrong with a delegation.
type FailureAnalysis struct {
	Trigger     Trigger `json:"trigger"`
	Severity    float64 `json:"severity"`
	Details     string  `json:"details"`
	Recoverable bool    `json:"recoverable"`
}

// AnalyzeFailure classifies the evaluation against the configured
// thresholds. First match wins; ordering is part of the contract:
// confidence, then empty results, then staleness, then duration, then
// verification. Returns nil when nothing is wrong.
func (c *Coordinator) AnalyzeFailure(eval Evaluation) *FailureAnalysis {
	cfg := c.config()
	if eval.Confidence < cfg.ConfidenceFloor {
		return &FailureAnalysis{
			Trigger:     TriggerLowConfidence,
			Severity:    clampSeverity(1 - eval.Confidence),
			Details:     fmt.Sprintf("confidence %.2f below floor %.2f", eval.Confidence, cfg.ConfidenceFloor),
			Recoverable: true,
		}
	}

	if strings.TrimSpace(eval.Data) == "" && len(eval.Items) == 0 {
		return &FailureAnalysis{
			Trigger:     TriggerNoResults,
			Severity:    0.8,
			Details:     "all result-bearing fields are empty",
			Recoverable: true,
		}
	}

	if !eval.DataTimestamp.IsZero() {
		age := time.Since(eval.DataTimestamp)
		if age > cfg.StaleAfter {
			return &FailureAnalysis{
				Trigger:     TriggerStaleData,
				Severity:    0.5,
				Details:     fmt.Sprintf("underlying data is %s old (threshold %s)", age.Round(time.Minute), cfg.StaleAfter),
				Recoverable: true,
			}
		}
	}

	if eval.ExpectedDurationMS > 0 &&
		float64(eval.ExecutionTimeMS) > float64(eval.ExpectedDurationMS)*cfg.TimeoutFactor {
		return &FailureAnalysis{
			Trigger:     TriggerTimeout,
			Severity:    0.6,
			Details:     fmt.Sprintf("ran %dms against an expected %dms", eval.ExecutionTimeMS, eval.ExpectedDurationMS),
			Recoverable: true,
		}
	}

	if eval.Verification != nil && !eval.Verification.Passed {
		details := eval.Verification.Details
		if details == "" {
			details = "verification failed"
		}
		return &FailureAnalysis{
			Trigger:  TriggerVerificationFailed,
			Severity: 0.9,
			Details:  details,
			// A zero verification score means nothing in the output held
			// up; another attempt from the same inputs cannot fix that.
			Recoverable: eval.Verification.Score > 0,
		}
	}

	return nil
}

func clampSeverity(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// transient reports whether a failure looks like it could pass on a plain
// retry of the same agent.
func transient(t Trigger) bool {
	return t == TriggerTimeout || t == TriggerStaleData
}

// moderate is the severity band where supplementing partial output beats
// discarding it.
func moderate(severity float64) bool {
	return severity >= 0.3 && severity <= 0.7
}
