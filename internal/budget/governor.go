// Package budget tracks accounted LLM spend per identity and answers the
// question the coordinator asks before every retry: is there money left?
//
// The governor consults the ledger, it does not gate writes. Callers that
// hold a Status with Allowed=false are expected to stop on their own; the
// coordinator turns it into a forced escalation.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/basket/go-helm/internal/persistence"
)

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	PromptPer1M     float64
	CompletionPer1M float64
}

// Known model pricing as of Feb 2026. Add new models as needed.
var knownModels = map[string]ModelPricing{
	// Gemini
	"gemini-2.0-flash-exp":  {0.0, 0.0},
	"gemini-1.5-pro":        {1.25, 5.00},
	"gemini-2.5-flash":      {0.075, 0.30},
	"gemini-2.5-flash-lite": {0.0, 0.0},
	// Anthropic
	"claude-3-7-sonnet": {3.00, 15.00},
	"claude-sonnet-4-5": {3.00, 15.00},
	// OpenAI
	"gpt-4o":      {2.50, 10.00},
	"gpt-4o-mini": {0.15, 0.60},
}

// EstimateCost returns the estimated USD cost for the given token counts.
// Returns 0.0 for unknown models (safe default).
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	p, ok := knownModels[model]
	if !ok {
		return 0.0
	}
	return (float64(promptTokens)/1_000_000)*p.PromptPer1M +
		(float64(completionTokens)/1_000_000)*p.CompletionPer1M
}

// Status is the answer to a budget check for one identity.
type Status struct {
	Allowed            bool    `json:"allowed"`
	MonthlySpendUSD    float64 `json:"monthly_spend_usd"`
	MonthlyLimitUSD    float64 `json:"monthly_limit_usd"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

// Governor answers budget checks against the spend ledger. A zero or
// negative limit means unlimited.
type Governor struct {
	store           *persistence.Store
	defaultLimitUSD float64
	identityLimits  map[string]float64
	logger          *slog.Logger
}

// NewGovernor builds a governor over the given store. identityLimits
// overrides the default limit per identity; pass nil when every identity
// shares the default.
func NewGovernor(store *persistence.Store, defaultLimitUSD float64, identityLimits map[string]float64, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{
		store:           store,
		defaultLimitUSD: defaultLimitUSD,
		identityLimits:  identityLimits,
		logger:          logger,
	}
}

func (g *Governor) limitFor(identity string) float64 {
	if limit, ok := g.identityLimits[identity]; ok {
		return limit
	}
	return g.defaultLimitUSD
}

// CheckBudget sums the identity's spend since the first of the current
// month (UTC) and compares it against the identity's limit.
func (g *Governor) CheckBudget(ctx context.Context, identity string) (Status, error) {
	if identity == "" {
		identity = "default"
	}
	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	spend, err := g.store.SpendSince(ctx, identity, monthStart)
	if err != nil {
		return Status{}, fmt.Errorf("check budget: %w", err)
	}

	limit := g.limitFor(identity)
	st := Status{
		MonthlySpendUSD: spend,
		MonthlyLimitUSD: limit,
	}
	if limit <= 0 {
		st.Allowed = true
		return st, nil
	}
	st.Allowed = spend < limit
	st.UtilizationPercent = math.Round(spend/limit*10000) / 100
	return st, nil
}

// UsageEvent is one accountable LLM call. When AmountUSD is zero the
// governor prices it from the model table; unknown models stay at zero.
type UsageEvent struct {
	Identity  string
	GoalID    string
	Delegatee string
	Model     string
	TokensIn  int
	TokensOut int
	AmountUSD float64
}

// RecordUsage appends one ledger row and returns the accounted amount.
func (g *Governor) RecordUsage(ctx context.Context, e UsageEvent) (float64, error) {
	if e.Identity == "" {
		e.Identity = "default"
	}
	amount := e.AmountUSD
	if amount == 0 {
		amount = EstimateCost(e.Model, e.TokensIn, e.TokensOut)
	}
	err := g.store.RecordSpend(ctx, persistence.SpendEntry{
		Identity:  e.Identity,
		GoalID:    e.GoalID,
		Delegatee: e.Delegatee,
		Model:     e.Model,
		AmountUSD: amount,
		TokensIn:  e.TokensIn,
		TokensOut: e.TokensOut,
	})
	if err != nil {
		return 0, fmt.Errorf("record usage: %w", err)
	}
	g.logger.Debug("usage recorded",
		"identity", e.Identity,
		"model", e.Model,
		"amount_usd", amount)
	return amount, nil
}

// UsageSummary aggregates an identity's trailing spend window.
type UsageSummary struct {
	Identity       string                   `json:"identity"`
	Days           []persistence.DailySpend `json:"days"`
	TotalUSD       float64                  `json:"total_usd"`
	TotalTokensIn  int                      `json:"total_tokens_in"`
	TotalTokensOut int                      `json:"total_tokens_out"`
}

// GetUsageSummary returns per-day spend rows for the trailing window plus
// window totals. days <= 0 defaults to 30.
func (g *Governor) GetUsageSummary(ctx context.Context, identity string, days int) (UsageSummary, error) {
	if identity == "" {
		identity = "default"
	}
	rows, err := g.store.UsageByDay(ctx, identity, days)
	if err != nil {
		return UsageSummary{}, fmt.Errorf("usage summary: %w", err)
	}
	out := UsageSummary{Identity: identity, Days: rows}
	for _, d := range rows {
		out.TotalUSD += d.AmountUSD
		out.TotalTokensIn += d.TokensIn
		out.TotalTokensOut += d.TokensOut
	}
	out.TotalUSD = math.Round(out.TotalUSD*10000) / 10000
	return out, nil
}
