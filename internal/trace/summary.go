package trace

import (
	"math"

	"github.com/basket/go-helm/internal/persistence"
)

// Summary aggregates a list of delegation traces.
type Summary struct {
	AgentCount           int     `json:"agent_count"`
	TotalCostUSD         float64 `json:"total_cost_usd"`
	TotalDurationMS      int64   `json:"total_duration_ms"`
	VerificationPasses   int     `json:"verification_passes"`
	VerificationFailures int     `json:"verification_failures"`
	Retries              int     `json:"retries"`
}

// Summarize is a pure aggregate over a trace list. agent_count is distinct
// delegatees, total cost is rounded to 4 decimals, and retries counts rows
// with status re_delegated.
func Summarize(traces []persistence.DelegationTrace) Summary {
	var sum Summary
	agents := make(map[string]struct{})
	var cost float64
	for _, t := range traces {
		agents[t.Delegatee] = struct{}{}
		cost += t.CostUSD
		sum.TotalDurationMS += t.DurationMS
		if t.VerificationPassed != nil {
			if *t.VerificationPassed {
				sum.VerificationPasses++
			} else {
				sum.VerificationFailures++
			}
		}
		if t.Status == persistence.TraceStatusReDelegated {
			sum.Retries++
		}
	}
	sum.AgentCount = len(agents)
	sum.TotalCostUSD = math.Round(cost*10000) / 10000
	return sum
}
