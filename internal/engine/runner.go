package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/go-helm/internal/agent"
	"github.com/basket/go-helm/internal/budget"
	"github.com/basket/go-helm/internal/bus"
	"github.com/basket/go-helm/internal/capability"
	"github.com/basket/go-helm/internal/coordinator"
	"github.com/basket/go-helm/internal/memory"
	"github.com/basket/go-helm/internal/otel"
	"github.com/basket/go-helm/internal/persistence"
	"github.com/basket/go-helm/internal/shared"
	"github.com/basket/go-helm/internal/trace"
	"go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	defaultPerTierLimit = 8
	phaseSummaryMax     = 240

	// loopDelegator is the delegator recorded on traces the loop opens.
	loopDelegator = "loop"
)

// Config bounds the loop.
type Config struct {
	// MaxIterations is the fail-safe bound on cycles per run. Default 10.
	MaxIterations int

	// PerTierLimit caps observations read from each memory tier during
	// perceive. Default 8.
	PerTierLimit int

	// SystemPrompt overrides the built-in reasoner system prompt.
	SystemPrompt string

	// Model is the reasoner model name, used for spend accounting only.
	Model string
}

// Deps are the collaborators a Runner drives. Traces, Coord, Governor, Bus,
// Metrics and Tracer may be nil; a nil collaborator disables its concern.
type Deps struct {
	Reasoner   Reasoner
	Tiers      []memory.Tier
	Dispatcher *agent.Dispatcher
	Coord      *coordinator.Coordinator
	Traces     *trace.Service
	Governor   *budget.Governor
	Store      *persistence.Store
	Bus        *bus.Bus
	Metrics    *otel.Metrics
	Tracer     oteltrace.Tracer
	Logger     *slog.Logger
}

// Runner advances one goal run through perceive-reason-decide-act cycles.
// A Runner may serve many runs; each run's State has a single writer.
type Runner struct {
	cfg        Config
	reasoner   Reasoner
	tiers      []memory.Tier
	dispatcher *agent.Dispatcher
	coord      *coordinator.Coordinator
	traces     *trace.Service
	governor   *budget.Governor
	store      *persistence.Store
	bus        *bus.Bus
	metrics    *otel.Metrics
	tracer     oteltrace.Tracer
	logger     *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg Config, deps Deps) *Runner {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.PerTierLimit <= 0 {
		cfg.PerTierLimit = defaultPerTierLimit
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:        cfg,
		reasoner:   deps.Reasoner,
		tiers:      deps.Tiers,
		dispatcher: deps.Dispatcher,
		coord:      deps.Coord,
		traces:     deps.Traces,
		governor:   deps.Governor,
		store:      deps.Store,
		bus:        deps.Bus,
		metrics:    deps.Metrics,
		tracer:     deps.Tracer,
		logger:     logger,
	}
}

// Run drives the loop until the goal completes, blocks, or the iteration
// bound is hit. The context aborts the run between iterations.
func (r *Runner) Run(ctx context.Context, st *State) error {
	ctx = shared.WithGoalID(shared.WithRunID(shared.WithIdentity(ctx, st.Identity), st.RunID), st.GoalID)
	r.publishLoop(bus.TopicLoopStarted, st, "", "")
	r.logger.Info("run started", "run_id", st.RunID, "goal_id", st.GoalID, "max_iterations", st.MaxIterations)

	for !st.Terminal() {
		if st.Iteration >= st.MaxIterations {
			st.IsBlocked = true
			st.Outcome = fmt.Sprintf("max iterations reached (%d)", st.MaxIterations)
			break
		}
		select {
		case <-ctx.Done():
			r.checkpoint(context.WithoutCancel(ctx), st)
			r.publishLoop(bus.TopicLoopCanceled, st, "", "canceled")
			return ctx.Err()
		default:
		}

		if err := r.RunIteration(ctx, st, st.GoalText); err != nil {
			r.checkpoint(context.WithoutCancel(ctx), st)
			if ctx.Err() != nil {
				r.publishLoop(bus.TopicLoopCanceled, st, "", "canceled")
			} else {
				r.publishLoop(bus.TopicLoopFailed, st, "", err.Error())
			}
			return err
		}
		r.checkpoint(ctx, st)
	}

	r.checkpoint(ctx, st)
	if r.metrics != nil {
		r.metrics.LoopIterations.Record(ctx, int64(st.Iteration),
			metric.WithAttributes(otel.AttrGoalID.String(st.GoalID)))
	}

	if st.IsComplete {
		r.publishLoop(bus.TopicLoopCompleted, st, "", st.Outcome)
		r.logger.Info("run completed", "run_id", st.RunID, "goal_id", st.GoalID, "iterations", st.Iteration)
	} else {
		r.publishLoop(bus.TopicLoopBlocked, st, "", st.Outcome)
		r.logger.Info("run blocked", "run_id", st.RunID, "goal_id", st.GoalID, "iterations", st.Iteration, "outcome", st.Outcome)
	}
	return nil
}

// RunIteration executes one perceive-reason-decide-act cycle. A terminal
// decide skips act, leaving three phase logs for the cycle instead of four.
func (r *Runner) RunIteration(ctx context.Context, st *State, goal string) error {
	iterCtx := ctx
	if r.tracer != nil {
		var span oteltrace.Span
		iterCtx, span = otel.StartSpan(ctx, r.tracer, "loop.iteration",
			otel.AttrGoalID.String(st.GoalID),
			otel.AttrRunID.String(st.RunID),
			otel.AttrIteration.Int(st.Iteration),
		)
		defer span.End()
	}

	// Perceive.
	st.CurrentPhase = PhasePerceive
	perceiveStart := time.Now()
	observations, obsCount := r.perceive(iterCtx, st.GoalID)
	r.logPhase(iterCtx, st, PhaseLog{
		Phase:         PhasePerceive,
		Iteration:     st.Iteration,
		InputSummary:  shared.Truncate(goal, phaseSummaryMax),
		OutputSummary: fmt.Sprintf("%d observations from %d tiers", obsCount, len(r.tiers)),
		TokensUsed:    shared.EstimateTokens(observations),
		DurationMS:    time.Since(perceiveStart).Milliseconds(),
	})
	if err := ctx.Err(); err != nil {
		return err
	}

	// Reason.
	st.CurrentPhase = PhaseReason
	reasonStart := time.Now()
	syn, reasonRaw := r.reason(iterCtx, goal, observations)
	st.Synthesis = syn
	reasonOut := "empty synthesis"
	if !syn.Empty() {
		reasonOut = shared.Truncate(reasonRaw, phaseSummaryMax)
	}
	r.logPhase(iterCtx, st, PhaseLog{
		Phase:         PhaseReason,
		Iteration:     st.Iteration,
		InputSummary:  shared.Truncate(observations, phaseSummaryMax),
		OutputSummary: reasonOut,
		TokensUsed:    shared.EstimateTokens(reasonRaw),
		DurationMS:    time.Since(reasonStart).Milliseconds(),
	})
	if err := ctx.Err(); err != nil {
		return err
	}

	// Decide.
	st.CurrentPhase = PhaseDecide
	decideStart := time.Now()
	dec, decideRaw := r.decide(iterCtx, st, goal)
	st.LastDecision = &dec
	r.logPhase(iterCtx, st, PhaseLog{
		Phase:         PhaseDecide,
		Iteration:     st.Iteration,
		InputSummary:  shared.Truncate(goal, phaseSummaryMax),
		OutputSummary: shared.Truncate(fmt.Sprintf("%s %s", dec.Action, dec.Agent), phaseSummaryMax),
		TokensUsed:    shared.EstimateTokens(decideRaw),
		DurationMS:    time.Since(decideStart).Milliseconds(),
	})

	switch dec.Action {
	case ActionComplete:
		st.IsComplete = true
		st.Outcome = outcomeOrDefault(dec.Reasoning, "goal achieved")
		return nil
	case ActionBlocked:
		st.IsBlocked = true
		st.Outcome = outcomeOrDefault(dec.Reasoning, "blocked")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Act.
	st.CurrentPhase = PhaseAct
	r.act(iterCtx, st, dec)
	st.Iteration++
	return nil
}

// perceive reads a bounded snapshot from every configured memory tier. A
// failing tier contributes nothing and never aborts the phase.
func (r *Runner) perceive(ctx context.Context, goalID string) (string, int) {
	var sb strings.Builder
	total := 0
	for _, tier := range r.tiers {
		obs, err := tier.Read(ctx, goalID, r.cfg.PerTierLimit)
		if err != nil {
			r.logger.Warn("memory tier read failed", "tier", tier.Name(), "goal_id", goalID, "error", err)
			continue
		}
		if len(obs) == 0 {
			continue
		}
		total += len(obs)
		if formatted := memory.NewBlock(tier.Name(), obs).Format(); formatted != "" {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(formatted)
		}
	}
	return sb.String(), total
}

// reason asks the Reasoner to synthesize the observations. Malformed output
// falls back to an empty synthesis; the loop continues.
func (r *Runner) reason(ctx context.Context, goal, observations string) (Synthesis, string) {
	prompt := synthesisPrompt(goal, observations)
	raw, err := r.reasoner.Generate(ctx, prompt, r.systemPrompt())
	if err != nil {
		r.logger.Warn("reason phase generate failed", "error", err)
		return Synthesis{}, ""
	}
	r.recordReasonerSpend(ctx, prompt, raw)

	validJSON, _, valMsg, retryErr := ValidateAndRetry(ctx, r.reasoner, synthesisValidator, prompt, r.systemPrompt(), raw)
	if retryErr != nil {
		r.logger.Warn("reason phase retry failed", "error", retryErr)
		return Synthesis{}, raw
	}
	syn, ok := parseSynthesis(validJSON)
	if !ok {
		r.logger.Debug("reason phase output malformed, continuing with empty synthesis", "validation", valMsg)
		return Synthesis{}, raw
	}
	return syn, raw
}

// decide asks the Reasoner to choose the next action. Output that stays
// malformed after retries blocks the run; the loop cannot dispatch an agent
// it cannot name.
func (r *Runner) decide(ctx context.Context, st *State, goal string) (Decision, string) {
	prompt := decisionPrompt(goal, st.Synthesis, r.dispatchableProfiles(), st.Iteration, st.MaxIterations)
	raw, err := r.reasoner.Generate(ctx, prompt, r.systemPrompt())
	if err != nil {
		r.logger.Warn("decide phase generate failed", "error", err)
		return Decision{Action: ActionBlocked, Reasoning: fmt.Sprintf("reasoner unavailable: %v", err)}, ""
	}
	r.recordReasonerSpend(ctx, prompt, raw)

	validJSON, _, valMsg, retryErr := ValidateAndRetry(ctx, r.reasoner, decisionValidator, prompt, r.systemPrompt(), raw)
	if retryErr != nil {
		r.logger.Warn("decide phase retry failed", "error", retryErr)
		return Decision{Action: ActionBlocked, Reasoning: fmt.Sprintf("reasoner unavailable: %v", retryErr)}, raw
	}
	dec, ok := parseDecision(validJSON)
	if !ok {
		r.logger.Warn("decide phase output malformed after retries", "validation", valMsg)
		return Decision{Action: ActionBlocked, Reasoning: "decide output malformed after retries"}, raw
	}
	return dec, raw
}

// act dispatches the chosen agent under a token scoped to its profile, wraps
// the dispatch in a delegation trace, and routes quality failures through the
// coordinator. Exactly one act phase log is appended regardless of retries.
func (r *Runner) act(ctx context.Context, st *State, dec Decision) {
	actStart := time.Now()
	agentType := agent.Type(strings.ToLower(strings.TrimSpace(dec.Agent)))

	actCtx := ctx
	if r.tracer != nil {
		var span oteltrace.Span
		actCtx, span = otel.StartSpan(ctx, r.tracer, "loop.act",
			otel.AttrGoalID.String(st.GoalID),
			otel.AttrAgentType.String(string(agentType)),
		)
		defer span.End()
	}

	profile, ok := profileFor(r.dispatcher, agentType)
	if !ok {
		r.logger.Warn("decide chose unknown agent", "agent", dec.Agent, "goal_id", st.GoalID)
		r.logPhase(actCtx, st, PhaseLog{
			Phase:         PhaseAct,
			Iteration:     st.Iteration,
			InputSummary:  shared.Truncate(dec.Reasoning, phaseSummaryMax),
			OutputSummary: fmt.Sprintf("unknown agent type %q, nothing dispatched", dec.Agent),
			DurationMS:    time.Since(actStart).Milliseconds(),
		})
		return
	}

	task := taskFromDecision(st.GoalText, dec)
	outcome, tokens := r.delegate(actCtx, st, agentType, profile, task)

	r.logPhase(actCtx, st, PhaseLog{
		Phase:         PhaseAct,
		Iteration:     st.Iteration,
		InputSummary:  shared.Truncate(task.Description, phaseSummaryMax),
		OutputSummary: shared.Truncate(outcome, phaseSummaryMax),
		TokensUsed:    tokens,
		DurationMS:    time.Since(actStart).Milliseconds(),
	})
}

// delegate runs one delegation: mint, dispatch, trace, evaluate. Returns the
// act outcome summary and the tokens consumed, including coordinator-driven
// retries and augments.
func (r *Runner) delegate(ctx context.Context, st *State, agentType agent.Type, profile agent.Profile, task agent.Task) (string, int) {
	token := profile.Mint(st.GoalID)
	traceID := r.openTrace(ctx, st.GoalID, agentType, task.Description)

	res := r.dispatch(ctx, agentType, task, token)
	tokens := res.TokensUsed
	r.recordAgentSpend(ctx, st, agentType, res)

	if r.coord == nil {
		r.closeTraceFromResult(ctx, traceID, res)
		return resultSummary(agentType, res), tokens
	}

	eval := r.buildEvaluation(st, agentType, task, res)
	cdec := r.coord.EvaluateOutput(ctx, eval, coordinator.TaskCharacteristics{
		RiskScore:    riskFromParameters(task.Parameters),
		AlreadyTried: r.alreadyTried(ctx, st.GoalID),
		TimeoutMS:    task.TimeoutMS,
	})

	switch cdec.Type {
	case coordinator.DecisionProceed:
		r.closeTraceFromResult(ctx, traceID, res)
		return resultSummary(agentType, res), tokens

	case coordinator.DecisionRetrySame:
		st.bumpRetry(string(agentType))
		r.failTrace(ctx, traceID, firstNonEmpty(res.Error, cdec.Reasoning))
		retryTask := task
		if ms, ok := timeoutFromParams(cdec.RetryParams); ok {
			retryTask.TimeoutMS = ms
		}
		retryToken := profile.Mint(st.GoalID)
		retryTraceID := r.openTrace(ctx, st.GoalID, agentType, "retry: "+retryTask.Description)
		retryRes := r.dispatch(ctx, agentType, retryTask, retryToken)
		tokens += retryRes.TokensUsed
		r.recordAgentSpend(ctx, st, agentType, retryRes)
		r.closeTraceFromResult(ctx, retryTraceID, retryRes)
		return "retried: " + resultSummary(agentType, retryRes), tokens

	case coordinator.DecisionReDelegate:
		r.reDelegateTrace(ctx, traceID, res)
		target := cdec.TargetAgent
		targetProfile, ok := profileFor(r.dispatcher, target)
		if !ok {
			r.coord.CheckpointPartialResults(ctx, st.GoalID, agentType, cdec.PartialResults)
			return fmt.Sprintf("re-delegation target %q unavailable", target), tokens
		}
		altToken := targetProfile.Mint(st.GoalID)
		altTraceID := r.openTrace(ctx, st.GoalID, target, task.Description)
		altRes := r.dispatch(ctx, target, task, altToken)
		tokens += altRes.TokensUsed
		r.recordAgentSpend(ctx, st, target, altRes)
		r.closeTraceFromResult(ctx, altTraceID, altRes)
		return fmt.Sprintf("re-delegated to %s: %s", target, resultSummary(target, altRes)), tokens

	case coordinator.DecisionAugment:
		// Partial results stay; a second agent supplements them.
		r.closeTraceFromResult(ctx, traceID, res)
		target := cdec.TargetAgent
		targetProfile, ok := profileFor(r.dispatcher, target)
		if !ok {
			return fmt.Sprintf("augment target %q unavailable, keeping partial results", target), tokens
		}
		augTask := task
		augTask.Description = "augment partial results: " + task.Description
		augToken := targetProfile.Mint(st.GoalID)
		augTraceID := r.openTrace(ctx, st.GoalID, target, augTask.Description)
		augRes := r.dispatch(ctx, target, augTask, augToken)
		tokens += augRes.TokensUsed
		r.recordAgentSpend(ctx, st, target, augRes)
		r.closeTraceFromResult(ctx, augTraceID, augRes)
		return fmt.Sprintf("augmented by %s: %s", target, resultSummary(target, augRes)), tokens

	case coordinator.DecisionEscalate:
		r.coord.CheckpointPartialResults(ctx, st.GoalID, agentType, cdec.PartialResults)
		r.failTrace(ctx, traceID, firstNonEmpty(res.Error, cdec.Reasoning))
		st.IsBlocked = true
		st.Outcome = "escalated: " + cdec.Reasoning
		return "escalated: " + cdec.Reasoning, tokens

	default:
		r.closeTraceFromResult(ctx, traceID, res)
		return resultSummary(agentType, res), tokens
	}
}

// dispatch runs the agent under the task's timeout when one is set.
func (r *Runner) dispatch(ctx context.Context, agentType agent.Type, task agent.Task, token *capability.Token) agent.Result {
	if task.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(task.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	return r.dispatcher.Dispatch(ctx, agentType, task, token)
}

func (r *Runner) systemPrompt() string {
	if r.cfg.SystemPrompt != "" {
		return r.cfg.SystemPrompt
	}
	return reasonerSystemPrompt
}

// dispatchableProfiles lists every agent the decide phase may choose.
func (r *Runner) dispatchableProfiles() []agent.Profile {
	if r.dispatcher == nil {
		return nil
	}
	return r.dispatcher.Profiles()
}

// buildEvaluation converts a dispatch result for the coordinator. Agents may
// wrap their data in a result envelope carrying confidence, items, and the
// data timestamp; without one, success maps to high confidence and failure
// to zero.
func (r *Runner) buildEvaluation(st *State, agentType agent.Type, task agent.Task, res agent.Result) coordinator.Evaluation {
	eval := coordinator.Evaluation{
		GoalID:             st.GoalID,
		AgentType:          agentType,
		Data:               res.Data,
		ExecutionTimeMS:    res.ExecutionTimeMS,
		ExpectedDurationMS: task.ExpectedDurationMS,
		RetryCount:         st.retryCount(string(agentType)),
		PartialResults:     res.Data,
	}
	if res.Success {
		eval.Confidence = 0.9
	}

	var env resultEnvelope
	if res.Data != "" && json.Unmarshal([]byte(extractJSON(res.Data)), &env) == nil {
		if env.Confidence != nil {
			eval.Confidence = *env.Confidence
		}
		if len(env.Items) > 0 {
			eval.Items = env.Items
		}
		if env.DataTimestamp != "" {
			if ts, err := time.Parse(time.RFC3339, env.DataTimestamp); err == nil {
				eval.DataTimestamp = ts
			}
		}
	}
	return eval
}

// resultEnvelope is the optional structured wrapper agent handlers may emit
// around their data.
type resultEnvelope struct {
	Confidence    *float64 `json:"confidence"`
	DataTimestamp string   `json:"data_timestamp"`
	Items         []string `json:"items"`
	CostUSD       float64  `json:"cost_usd"`
}

// alreadyTried lists delegatees the goal's trace tree already records, so
// the coordinator does not re-delegate to an agent that has failed before.
func (r *Runner) alreadyTried(ctx context.Context, goalID string) []agent.Type {
	if r.traces == nil {
		return nil
	}
	names, err := r.traces.TriedDelegatees(ctx, goalID)
	if err != nil {
		r.logger.Warn("list tried delegatees failed", "goal_id", goalID, "error", err)
		return nil
	}
	out := make([]agent.Type, 0, len(names))
	for _, n := range names {
		out = append(out, agent.Type(n))
	}
	return out
}

func (r *Runner) openTrace(ctx context.Context, goalID string, delegatee agent.Type, input string) string {
	if r.traces == nil {
		return ""
	}
	traceID, err := r.traces.Start(ctx, goalID, loopDelegator, string(delegatee), input)
	if err != nil {
		r.logger.Warn("open delegation trace failed", "goal_id", goalID, "delegatee", delegatee, "error", err)
		return ""
	}
	return traceID
}

func (r *Runner) closeTraceFromResult(ctx context.Context, traceID string, res agent.Result) {
	if r.traces == nil || traceID == "" {
		return
	}
	if !res.Success {
		r.failTrace(ctx, traceID, res.Error)
		return
	}
	var env resultEnvelope
	cost := 0.0
	if res.Data != "" && json.Unmarshal([]byte(extractJSON(res.Data)), &env) == nil {
		cost = env.CostUSD
	}
	if err := r.traces.Complete(ctx, traceID, res.Data, cost, res.ExecutionTimeMS, nil, persistence.TraceStatusCompleted); err != nil {
		r.logger.Warn("close delegation trace failed", "trace_id", traceID, "error", err)
	}
}

func (r *Runner) failTrace(ctx context.Context, traceID, errMsg string) {
	if r.traces == nil || traceID == "" {
		return
	}
	if err := r.traces.Fail(ctx, traceID, errMsg); err != nil {
		r.logger.Warn("fail delegation trace failed", "trace_id", traceID, "error", err)
	}
}

func (r *Runner) reDelegateTrace(ctx context.Context, traceID string, res agent.Result) {
	if r.traces == nil || traceID == "" {
		return
	}
	if err := r.traces.Complete(ctx, traceID, res.Data, 0, res.ExecutionTimeMS, nil, persistence.TraceStatusReDelegated); err != nil {
		r.logger.Warn("mark trace re_delegated failed", "trace_id", traceID, "error", err)
	}
}

// recordReasonerSpend accounts a reason/decide call against the ledger. The
// governor is consulted elsewhere; failures here never gate the loop.
func (r *Runner) recordReasonerSpend(ctx context.Context, prompt, reply string) {
	if r.governor == nil {
		return
	}
	_, err := r.governor.RecordUsage(ctx, budget.UsageEvent{
		Identity:  shared.Identity(ctx),
		GoalID:    shared.GoalID(ctx),
		Delegatee: "reasoner",
		Model:     r.cfg.Model,
		TokensIn:  shared.EstimateTokens(prompt),
		TokensOut: shared.EstimateTokens(reply),
	})
	if err != nil {
		r.logger.Warn("record reasoner usage failed", "error", err)
	}
}

func (r *Runner) recordAgentSpend(ctx context.Context, st *State, agentType agent.Type, res agent.Result) {
	if r.governor == nil || res.TokensUsed == 0 {
		return
	}
	var env resultEnvelope
	if res.Data != "" {
		_ = json.Unmarshal([]byte(extractJSON(res.Data)), &env)
	}
	_, err := r.governor.RecordUsage(ctx, budget.UsageEvent{
		Identity:  st.Identity,
		GoalID:    st.GoalID,
		Delegatee: string(agentType),
		TokensOut: res.TokensUsed,
		AmountUSD: env.CostUSD,
	})
	if err != nil {
		r.logger.Warn("record agent usage failed", "agent", agentType, "error", err)
	}
}

func (r *Runner) checkpoint(ctx context.Context, st *State) {
	if r.store == nil {
		return
	}
	cp, err := st.Checkpoint()
	if err != nil {
		r.logger.Warn("serialize checkpoint failed", "run_id", st.RunID, "error", err)
		return
	}
	if err := r.store.SaveRunCheckpoint(ctx, st.RunID, st.Iteration, cp); err != nil {
		r.logger.Warn("save checkpoint failed", "run_id", st.RunID, "error", err)
	}
}

func (r *Runner) logPhase(ctx context.Context, st *State, pl PhaseLog) {
	st.appendLog(pl)
	if r.store != nil {
		ev := &persistence.RunEvent{
			RunID:         st.RunID,
			GoalID:        st.GoalID,
			Phase:         string(pl.Phase),
			Iteration:     pl.Iteration,
			InputSummary:  shared.Redact(pl.InputSummary),
			OutputSummary: shared.Redact(pl.OutputSummary),
			TokensUsed:    pl.TokensUsed,
			DurationMS:    pl.DurationMS,
		}
		if err := r.store.AppendRunEvent(ctx, ev); err != nil {
			r.logger.Warn("append run event failed", "run_id", st.RunID, "phase", pl.Phase, "error", err)
		}
	}
	r.publishLoop(bus.TopicLoopPhase, st, string(pl.Phase), "")
	r.logger.Debug("phase complete",
		"run_id", st.RunID,
		"goal_id", st.GoalID,
		"phase", pl.Phase,
		"iteration", pl.Iteration,
		"duration_ms", pl.DurationMS,
	)
}

func (r *Runner) publishLoop(topic string, st *State, phase, outcome string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(topic, bus.LoopEvent{
		GoalID:    st.GoalID,
		RunID:     st.RunID,
		Iteration: st.Iteration,
		Phase:     phase,
		Outcome:   outcome,
	})
}

// taskFromDecision builds the dispatch task. The decide phase puts the task
// description in parameters.description; the goal text is the fallback.
func taskFromDecision(goal string, dec Decision) agent.Task {
	task := agent.Task{
		Description: goal,
		Parameters:  dec.Parameters,
	}
	if s, ok := stringParam(dec.Parameters, "description"); ok && s != "" {
		task.Description = s
	}
	if ms, ok := int64Param(dec.Parameters, "expected_duration_ms"); ok {
		task.ExpectedDurationMS = ms
	}
	if ms, ok := int64Param(dec.Parameters, "timeout_ms"); ok {
		task.TimeoutMS = ms
	}
	return task
}

func riskFromParameters(params map[string]any) float64 {
	if params == nil {
		return 0
	}
	switch v := params["risk_score"].(type) {
	case float64:
		return v
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return 0
}

func timeoutFromParams(params map[string]any) (int64, bool) {
	return int64Param(params, "timeout_ms")
}

func stringParam(params map[string]any, key string) (string, bool) {
	if params == nil {
		return "", false
	}
	s, ok := params[key].(string)
	return s, ok
}

func int64Param(params map[string]any, key string) (int64, bool) {
	if params == nil {
		return 0, false
	}
	switch v := params[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
	}
	return 0, false
}

func resultSummary(agentType agent.Type, res agent.Result) string {
	if !res.Success {
		return fmt.Sprintf("%s failed: %s", agentType, res.Error)
	}
	if strings.TrimSpace(res.Data) == "" {
		return fmt.Sprintf("%s completed with no output", agentType)
	}
	return fmt.Sprintf("%s: %s", agentType, res.Data)
}

func profileFor(d *agent.Dispatcher, t agent.Type) (agent.Profile, bool) {
	if d == nil {
		return agent.Profile{}, false
	}
	return d.Profile(t)
}

func outcomeOrDefault(reasoning, fallback string) string {
	if strings.TrimSpace(reasoning) != "" {
		return reasoning
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
