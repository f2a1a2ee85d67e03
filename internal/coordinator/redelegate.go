package coordinator

import "github.com/basket/go-helm/internal/agent"

// redelegationMap lists the alternate agent types a failed delegation may
// be handed to, in preference order. Types absent or mapped to nil have no
// alternates: operator, verifier, and executor runs are never silently
// re-routed, a human gets those.
var redelegationMap = map[agent.Type][]agent.Type{
	agent.TypeScout:      {agent.TypeAnalyst, agent.TypeHunter},
	agent.TypeAnalyst:    {agent.TypeHunter},
	agent.TypeHunter:     {agent.TypeAnalyst},
	agent.TypeScribe:     {agent.TypeStrategist},
	agent.TypeStrategist: {agent.TypeScribe},
	agent.TypeOperator:   nil,
	agent.TypeVerifier:   nil,
	agent.TypeExecutor:   nil,
}

// Alternates returns the configured alternates for an agent type, in
// preference order.
func Alternates(t agent.Type) []agent.Type {
	alts := redelegationMap[t]
	out := make([]agent.Type, len(alts))
	copy(out, alts)
	return out
}

// ReDelegationTarget returns the first alternate for failed that is not in
// alreadyTried, preserving table order. ok is false when every alternate
// has been tried or the type has none.
func ReDelegationTarget(failed agent.Type, alreadyTried []agent.Type) (agent.Type, bool) {
	tried := make(map[agent.Type]bool, len(alreadyTried))
	for _, t := range alreadyTried {
		tried[t] = true
	}
	for _, alt := range redelegationMap[failed] {
		if !tried[alt] {
			return alt, true
		}
	}
	return "", false
}
