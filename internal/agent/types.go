// Package agent defines the worker agent types the control plane can
// delegate to, the capability profile each type carries, and the dispatcher
// that routes sub-tasks to registered handlers.
package agent

import (
	"fmt"
	"sort"

	"github.com/basket/go-helm/internal/capability"
)

// Type identifies a worker agent. The built-in set is closed; anything else
// must be registered as an extension before it can be dispatched to.
type Type string

const (
	TypeScout      Type = "scout"
	TypeAnalyst    Type = "analyst"
	TypeHunter     Type = "hunter"
	TypeScribe     Type = "scribe"
	TypeStrategist Type = "strategist"
	TypeOperator   Type = "operator"
	TypeVerifier   Type = "verifier"
	TypeExecutor   Type = "executor"
)

// Profile carries the authority an agent type is minted with. Denied actions
// override allowed ones even when both name the same action.
type Profile struct {
	Type             Type     `json:"type"`
	Description      string   `json:"description"`
	AllowedActions   []string `json:"allowed_actions"`
	DeniedActions    []string `json:"denied_actions,omitempty"`
	TimeLimitSeconds int      `json:"time_limit_seconds"`
}

// Mint issues a fresh capability token scoped to this profile for one
// delegation under the given goal.
func (p Profile) Mint(goalID string) *capability.Token {
	return capability.Mint(string(p.Type), goalID, p.AllowedActions, p.DeniedActions, p.TimeLimitSeconds)
}

var builtinProfiles = map[Type]Profile{
	TypeScout: {
		Type:             TypeScout,
		Description:      "broad discovery over web and search indexes",
		AllowedActions:   []string{"read_exa", "read_web"},
		DeniedActions:    []string{"write_crm"},
		TimeLimitSeconds: 300,
	},
	TypeAnalyst: {
		Type:             TypeAnalyst,
		Description:      "deep analysis over gathered material",
		AllowedActions:   []string{"read_exa", "read_web", "read_crm", "read_docs"},
		TimeLimitSeconds: 600,
	},
	TypeHunter: {
		Type:             TypeHunter,
		Description:      "targeted lookup of specific entities",
		AllowedActions:   []string{"read_exa", "read_web", "read_crm"},
		TimeLimitSeconds: 600,
	},
	TypeScribe: {
		Type:             TypeScribe,
		Description:      "drafting and document production",
		AllowedActions:   []string{"read_crm", "read_docs", "write_docs"},
		TimeLimitSeconds: 600,
	},
	TypeStrategist: {
		Type:             TypeStrategist,
		Description:      "planning and prioritization",
		AllowedActions:   []string{"read_crm", "read_docs"},
		TimeLimitSeconds: 900,
	},
	TypeOperator: {
		Type:             TypeOperator,
		Description:      "record keeping in systems of record",
		AllowedActions:   []string{"read_crm", "write_crm"},
		DeniedActions:    []string{"run_code"},
		TimeLimitSeconds: 300,
	},
	TypeVerifier: {
		Type:             TypeVerifier,
		Description:      "independent output verification",
		AllowedActions:   []string{"read_crm", "read_docs"},
		TimeLimitSeconds: 300,
	},
	TypeExecutor: {
		Type:             TypeExecutor,
		Description:      "side-effecting task execution",
		AllowedActions:   []string{"read_crm", "write_crm", "send_email", "run_code"},
		TimeLimitSeconds: 900,
	},
}

// ParseType validates a raw agent-type string against the built-in set.
// Extension types are resolved by the dispatcher, not here.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if _, ok := builtinProfiles[t]; !ok {
		return "", fmt.Errorf("unknown agent type %q", s)
	}
	return t, nil
}

// BuiltinTypes returns the closed set of built-in agent types, sorted.
func BuiltinTypes() []Type {
	out := make([]Type, 0, len(builtinProfiles))
	for t := range builtinProfiles {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// BuiltinProfile returns the capability profile for a built-in type.
func BuiltinProfile(t Type) (Profile, bool) {
	p, ok := builtinProfiles[t]
	return p, ok
}
