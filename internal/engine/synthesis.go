package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/go-helm/internal/agent"
)

// Schemas for the two structured phases. Compiled once at package init; a
// schema that fails to compile is a programming error.
const synthesisSchemaJSON = `{
	"type": "object",
	"properties": {
		"patterns": {"type": "array", "items": {"type": "string"}},
		"opportunities": {"type": "array", "items": {"type": "string"}},
		"threats": {"type": "array", "items": {"type": "string"}},
		"recommended_focus": {"type": "string"}
	},
	"required": ["patterns", "opportunities", "threats", "recommended_focus"]
}`

const decisionSchemaJSON = `{
	"type": "object",
	"properties": {
		"action": {"type": "string", "minLength": 1},
		"agent": {"type": "string"},
		"parameters": {"type": "object"},
		"reasoning": {"type": "string"}
	},
	"required": ["action"]
}`

var (
	synthesisValidator = mustValidator(synthesisSchemaJSON)
	decisionValidator  = mustValidator(decisionSchemaJSON)
)

func mustValidator(schemaJSON string) *StructuredValidator {
	v, err := NewStructuredValidator(json.RawMessage(schemaJSON), 1, true)
	if err != nil {
		panic(fmt.Sprintf("engine: compile schema: %v", err))
	}
	return v
}

// parseSynthesis decodes validated reason-phase JSON. The second return is
// false when the output is malformed; the caller continues with an empty
// synthesis.
func parseSynthesis(validJSON string) (Synthesis, bool) {
	if validJSON == "" {
		return Synthesis{}, false
	}
	var syn Synthesis
	if err := json.Unmarshal([]byte(validJSON), &syn); err != nil {
		return Synthesis{}, false
	}
	return syn, true
}

// parseDecision decodes validated decide-phase JSON. The second return is
// false when the output is malformed; the caller substitutes a blocked
// decision.
func parseDecision(validJSON string) (Decision, bool) {
	if validJSON == "" {
		return Decision{}, false
	}
	var d Decision
	if err := json.Unmarshal([]byte(validJSON), &d); err != nil {
		return Decision{}, false
	}
	d.Action = strings.ToLower(strings.TrimSpace(d.Action))
	if d.Action == "" {
		return Decision{}, false
	}
	return d, true
}

// reasonerSystemPrompt frames every reason and decide call.
const reasonerSystemPrompt = "You coordinate a multi-agent system pursuing a long-horizon goal. " +
	"Reply with a single JSON object and nothing else."

// synthesisPrompt builds the reason-phase prompt from the goal and the
// perceive-phase observations.
func synthesisPrompt(goal, observations string) string {
	var sb strings.Builder
	sb.WriteString("Goal:\n")
	sb.WriteString(goal)
	sb.WriteString("\n\nObservations from memory:\n")
	if strings.TrimSpace(observations) == "" {
		sb.WriteString("(none)\n")
	} else {
		sb.WriteString(observations)
		sb.WriteString("\n")
	}
	sb.WriteString("\nSynthesize the observations with respect to the goal. Reply with JSON:\n")
	sb.WriteString(`{"patterns": ["..."], "opportunities": ["..."], "threats": ["..."], "recommended_focus": "..."}`)
	return sb.String()
}

// decisionPrompt builds the decide-phase prompt from the goal, the latest
// synthesis, and the dispatchable agent catalog.
func decisionPrompt(goal string, syn Synthesis, profiles []agent.Profile, iteration, maxIterations int) string {
	var sb strings.Builder
	sb.WriteString("Goal:\n")
	sb.WriteString(goal)
	fmt.Fprintf(&sb, "\n\nIteration %d of %d.\n", iteration+1, maxIterations)

	if !syn.Empty() {
		sb.WriteString("\nCurrent synthesis:\n")
		if data, err := json.Marshal(syn); err == nil {
			sb.Write(data)
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\nAvailable agents:\n")
	for _, p := range profiles {
		fmt.Fprintf(&sb, "- %s: %s (actions: %s)\n", p.Type, p.Description, strings.Join(p.AllowedActions, ", "))
	}

	sb.WriteString("\nChoose the next step. Reply with JSON:\n")
	sb.WriteString(`{"action": "delegate", "agent": "<agent type>", "parameters": {"description": "<task for the agent>"}, "reasoning": "..."}`)
	sb.WriteString("\nUse action \"complete\" when the goal is achieved and \"blocked\" when no agent can make progress; both end the run.")
	return sb.String()
}
