package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-helm/internal/agent"
	"github.com/basket/go-helm/internal/audit"
	"github.com/basket/go-helm/internal/budget"
	"github.com/basket/go-helm/internal/bus"
	"github.com/basket/go-helm/internal/otel"
	"github.com/basket/go-helm/internal/shared"
	"github.com/basket/go-helm/internal/trace"
)

// DecisionType is the coordinator's verdict on a delegation.
type DecisionType string

const (
	DecisionProceed    DecisionType = "proceed"
	DecisionRetrySame  DecisionType = "retry_same"
	DecisionReDelegate DecisionType = "re_delegate"
	DecisionAugment    DecisionType = "augment"
	DecisionEscalate   DecisionType = "escalate"
)

// Decision tells the loop what to do next. Consumed immediately; nothing
// here is persisted beyond the audit record.
type Decision struct {
	Type            DecisionType     `json:"type"`
	FailureAnalysis *FailureAnalysis `json:"failure_analysis,omitempty"`
	TargetAgent     agent.Type       `json:"target_agent,omitempty"`
	RetryParams     map[string]any   `json:"retry_params,omitempty"`
	PartialResults  string           `json:"partial_results,omitempty"`
	Reasoning       string           `json:"reasoning"`
	RetryCount      int              `json:"retry_count"`
}

// TaskCharacteristics carries per-task context the evaluation itself does
// not know. AlreadyTried left nil means "derive it from the trace tree".
type TaskCharacteristics struct {
	RiskScore    float64      `json:"risk_score"`
	AlreadyTried []agent.Type `json:"already_tried,omitempty"`
	TimeoutMS    int64        `json:"timeout_ms,omitempty"`
}

// Config holds the failure thresholds. Zero values fall back to defaults.
type Config struct {
	ConfidenceFloor float64       `yaml:"confidence_floor"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	TimeoutFactor   float64       `yaml:"timeout_factor"`
	RiskCeiling     float64       `yaml:"risk_ceiling"`
	MaxRetries      int           `yaml:"max_retries"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		ConfidenceFloor: 0.5,
		StaleAfter:      24 * time.Hour,
		TimeoutFactor:   2.0,
		RiskCeiling:     0.7,
		MaxRetries:      2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConfidenceFloor <= 0 {
		c.ConfidenceFloor = d.ConfidenceFloor
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.TimeoutFactor <= 0 {
		c.TimeoutFactor = d.TimeoutFactor
	}
	if c.RiskCeiling <= 0 {
		c.RiskCeiling = d.RiskCeiling
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	return c
}

// Coordinator evaluates delegation outcomes. Stateless per call: budget and
// tried-agent state are fetched fresh, so concurrent goals need no locking.
type Coordinator struct {
	mu       sync.RWMutex
	cfg      Config
	governor *budget.Governor
	traces   *trace.Service
	auditor  *audit.Recorder
	bus      *bus.Bus
	metrics  *otel.Metrics
	logger   *slog.Logger
}

// New builds a coordinator. governor and traces may be nil in tests; a nil
// governor behaves as an unlimited budget, a nil trace service disables
// tried-agent derivation and checkpointing.
func New(cfg Config, governor *budget.Governor, traces *trace.Service, auditor *audit.Recorder, eventBus *bus.Bus, metrics *otel.Metrics, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:      cfg.withDefaults(),
		governor: governor,
		traces:   traces,
		auditor:  auditor,
		bus:      eventBus,
		metrics:  metrics,
		logger:   logger,
	}
}

// Reload swaps the thresholds. The config watcher calls this when
// config.yaml changes; in-flight evaluations keep the snapshot they started
// with.
func (c *Coordinator) Reload(cfg Config) {
	cfg = cfg.withDefaults()
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	c.logger.Info("coordinator thresholds reloaded",
		"confidence_floor", cfg.ConfidenceFloor,
		"stale_after", cfg.StaleAfter,
		"timeout_factor", cfg.TimeoutFactor,
		"risk_ceiling", cfg.RiskCeiling,
		"max_retries", cfg.MaxRetries)
}

// config returns the current threshold snapshot.
func (c *Coordinator) config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// EvaluateOutput applies the decision policy in order: budget first (an
// exhausted budget escalates no matter what else is true), then the failure
// analysis, the re-delegation table, risk, retry budget, and finally
// partial-result augmentation. Always returns a decision.
func (c *Coordinator) EvaluateOutput(ctx context.Context, eval Evaluation, chars TaskCharacteristics) *Decision {
	cfg := c.config()
	if st, exhausted := c.budgetExhausted(ctx); exhausted {
		return c.finish(ctx, eval, &Decision{
			Type: DecisionEscalate,
			FailureAnalysis: &FailureAnalysis{
				Trigger:     TriggerBudgetExhausted,
				Severity:    1.0,
				Details:     fmt.Sprintf("%.2f of %.2f USD spent", st.MonthlySpendUSD, st.MonthlyLimitUSD),
				Recoverable: false,
			},
			PartialResults: eval.PartialResults,
			Reasoning:      fmt.Sprintf("budget exhausted: %.2f of %.2f USD spent", st.MonthlySpendUSD, st.MonthlyLimitUSD),
			RetryCount:     eval.RetryCount,
		})
	}

	analysis := c.AnalyzeFailure(eval)
	if analysis == nil {
		return c.finish(ctx, eval, &Decision{
			Type:       DecisionProceed,
			Reasoning:  "no failure detected",
			RetryCount: eval.RetryCount,
		})
	}

	base := Decision{
		FailureAnalysis: analysis,
		PartialResults:  eval.PartialResults,
		RetryCount:      eval.RetryCount,
	}

	alternates := Alternates(eval.AgentType)
	if len(alternates) == 0 {
		d := base
		d.Type = DecisionEscalate
		d.Reasoning = fmt.Sprintf("%s after %s: no alternate agent types exist for %q", analysis.Trigger, analysis.Details, eval.AgentType)
		return c.finish(ctx, eval, &d)
	}
	if chars.RiskScore >= cfg.RiskCeiling {
		d := base
		d.Type = DecisionEscalate
		d.Reasoning = fmt.Sprintf("risk score %.2f at or above ceiling %.2f", chars.RiskScore, cfg.RiskCeiling)
		return c.finish(ctx, eval, &d)
	}

	if eval.RetryCount == 0 {
		if target, ok := ReDelegationTarget(eval.AgentType, c.triedAgents(ctx, eval, chars)); ok {
			d := base
			d.Type = DecisionReDelegate
			d.TargetAgent = target
			d.Reasoning = fmt.Sprintf("first failure (%s); handing off %s -> %s", analysis.Trigger, eval.AgentType, target)
			return c.finish(ctx, eval, &d)
		}
	}

	if eval.RetryCount < cfg.MaxRetries && transient(analysis.Trigger) {
		d := base
		d.Type = DecisionRetrySame
		d.RetryParams = map[string]any{"timeout_ms": retryTimeoutMS(eval, chars)}
		d.Reasoning = fmt.Sprintf("%s looks transient; retry %d of %d with a longer timeout", analysis.Trigger, eval.RetryCount+1, cfg.MaxRetries)
		return c.finish(ctx, eval, &d)
	}

	if eval.PartialResults != "" && moderate(analysis.Severity) {
		d := base
		d.Type = DecisionAugment
		if target, ok := ReDelegationTarget(eval.AgentType, c.triedAgents(ctx, eval, chars)); ok {
			d.TargetAgent = target
		}
		d.Reasoning = fmt.Sprintf("partial results exist and severity %.2f is moderate; supplementing instead of discarding", analysis.Severity)
		return c.finish(ctx, eval, &d)
	}

	d := base
	d.Type = DecisionEscalate
	d.Reasoning = fmt.Sprintf("no recovery path remains after %s (retry %d)", analysis.Trigger, eval.RetryCount)
	return c.finish(ctx, eval, &d)
}

// CheckpointPartialResults saves whatever partial output exists before an
// execution line is abandoned. Fail-open: an audit write that cannot happen
// must not take down an already-degraded goal, so errors are logged and
// swallowed.
func (c *Coordinator) CheckpointPartialResults(ctx context.Context, goalID string, delegatee agent.Type, partial string) {
	if c.traces == nil || partial == "" {
		return
	}
	if err := c.traces.SavePartial(ctx, goalID, string(delegatee), partial); err != nil {
		c.logger.Warn("checkpoint of partial results failed",
			"goal_id", goalID,
			"delegatee", delegatee,
			"error", err)
	}
}

func (c *Coordinator) budgetExhausted(ctx context.Context) (budget.Status, bool) {
	if c.governor == nil {
		return budget.Status{Allowed: true}, false
	}
	st, err := c.governor.CheckBudget(ctx, shared.Identity(ctx))
	if err != nil {
		// A failed read is not an exhausted budget. Proceed and let the
		// accounting catch up.
		c.logger.Warn("budget check failed", "error", err)
		return budget.Status{Allowed: true}, false
	}
	if c.metrics != nil {
		c.metrics.BudgetUtilization.Record(ctx, st.UtilizationPercent)
	}
	return st, !st.Allowed
}

// triedAgents resolves which agent types already touched this goal, from
// the durable trace tree unless the caller supplied the list.
func (c *Coordinator) triedAgents(ctx context.Context, eval Evaluation, chars TaskCharacteristics) []agent.Type {
	if chars.AlreadyTried != nil {
		return chars.AlreadyTried
	}
	if c.traces == nil || eval.GoalID == "" {
		return nil
	}
	names, err := c.traces.TriedDelegatees(ctx, eval.GoalID)
	if err != nil {
		c.logger.Warn("could not derive tried delegatees from trace tree", "goal_id", eval.GoalID, "error", err)
		return nil
	}
	out := make([]agent.Type, 0, len(names))
	for _, n := range names {
		out = append(out, agent.Type(n))
	}
	return out
}

func retryTimeoutMS(eval Evaluation, chars TaskCharacteristics) int64 {
	base := chars.TimeoutMS
	if base <= 0 {
		base = eval.ExpectedDurationMS
	}
	if base <= 0 {
		base = eval.ExecutionTimeMS
	}
	return base * 2
}

// finish records the decision on every observability surface before
// returning it: structured log, audit trail, metrics, and the event bus.
func (c *Coordinator) finish(ctx context.Context, eval Evaluation, d *Decision) *Decision {
	trigger := ""
	if d.FailureAnalysis != nil {
		trigger = string(d.FailureAnalysis.Trigger)
	}

	c.logger.Info("coordinator decision",
		"goal_id", eval.GoalID,
		"agent_type", eval.AgentType,
		"decision", d.Type,
		"trigger", trigger,
		"reasoning", d.Reasoning)

	if c.auditor != nil {
		c.auditor.Record(audit.CategoryDecision, string(d.Type), fmt.Sprintf("%s/%s", eval.GoalID, eval.AgentType), d.Reasoning, "")
	}
	if c.metrics != nil {
		c.metrics.Decisions.Add(ctx, 1, metric.WithAttributes(
			otel.AttrDecision.String(string(d.Type)),
			otel.AttrAgentType.String(string(eval.AgentType)),
		))
		if d.Type == DecisionEscalate {
			c.metrics.Escalations.Add(ctx, 1)
		}
	}
	if c.bus != nil {
		c.bus.Publish(bus.TopicDecisionMade, bus.DecisionEvent{
			GoalID:    eval.GoalID,
			Delegatee: string(eval.AgentType),
			Type:      string(d.Type),
			Trigger:   trigger,
			Reasoning: d.Reasoning,
		})
		if d.Type == DecisionEscalate {
			c.bus.Publish(bus.TopicEscalation, bus.EscalationEvent{
				GoalID:    eval.GoalID,
				Delegatee: string(eval.AgentType),
				Trigger:   trigger,
				Reasoning: d.Reasoning,
			})
		}
	}
	return d
}
