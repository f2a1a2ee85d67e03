package engine

import (
	"encoding/json"
	"fmt"
)

// Phase is one stage of the loop cycle.
type Phase string

const (
	PhasePerceive Phase = "perceive"
	PhaseReason   Phase = "reason"
	PhaseDecide   Phase = "decide"
	PhaseAct      Phase = "act"
)

// DefaultMaxIterations bounds a run when the config leaves it unset.
const DefaultMaxIterations = 10

// PhaseLog is one phase entry of a cycle. A non-terminal cycle appends four,
// a terminal decide appends three. Entries are mirrored to run_events.
type PhaseLog struct {
	Phase         Phase  `json:"phase"`
	Iteration     int    `json:"iteration"`
	InputSummary  string `json:"input_summary"`
	OutputSummary string `json:"output_summary"`
	TokensUsed    int    `json:"tokens_used"`
	DurationMS    int64  `json:"duration_ms"`
}

// Synthesis is the reason-phase output. Malformed reasoner output yields the
// zero value and the loop continues with nothing learned.
type Synthesis struct {
	Patterns         []string `json:"patterns"`
	Opportunities    []string `json:"opportunities"`
	Threats          []string `json:"threats"`
	RecommendedFocus string   `json:"recommended_focus"`
}

// Empty reports whether the synthesis carries no content.
func (s Synthesis) Empty() bool {
	return len(s.Patterns) == 0 && len(s.Opportunities) == 0 &&
		len(s.Threats) == 0 && s.RecommendedFocus == ""
}

// Decision is the decide-phase output steering the loop. Action "complete"
// and "blocked" terminate the run; any other action names the agent to
// dispatch.
type Decision struct {
	Action     string         `json:"action"`
	Agent      string         `json:"agent"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Reasoning  string         `json:"reasoning"`
}

// Terminal actions recognized by the decide phase.
const (
	ActionComplete = "complete"
	ActionBlocked  = "blocked"
)

// State is the working state of one goal run. Single-writer: only the Runner
// goroutine that owns the run mutates it.
type State struct {
	RunID         string         `json:"run_id"`
	GoalID        string         `json:"goal_id"`
	GoalText      string         `json:"goal_text"`
	Identity      string         `json:"identity"`
	Iteration     int            `json:"iteration"`
	MaxIterations int            `json:"max_iterations"`
	CurrentPhase  Phase          `json:"current_phase,omitempty"`
	PhaseLogs     []PhaseLog     `json:"phase_logs"`
	Synthesis     Synthesis      `json:"synthesis"`
	LastDecision  *Decision      `json:"last_decision,omitempty"`
	IsComplete    bool           `json:"is_complete"`
	IsBlocked     bool           `json:"is_blocked"`
	Outcome       string         `json:"outcome,omitempty"`
	RetryCounts   map[string]int `json:"retry_counts,omitempty"` // delegatee -> retry_same count
}

// NewState creates the initial state for a run.
func NewState(runID, goalID, goalText, identity string, maxIterations int) *State {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	if identity == "" {
		identity = "default"
	}
	return &State{
		RunID:         runID,
		GoalID:        goalID,
		GoalText:      goalText,
		Identity:      identity,
		MaxIterations: maxIterations,
		RetryCounts:   map[string]int{},
	}
}

// Terminal reports whether the run has reached a terminal outcome.
func (s *State) Terminal() bool {
	return s.IsComplete || s.IsBlocked
}

func (s *State) appendLog(l PhaseLog) {
	s.PhaseLogs = append(s.PhaseLogs, l)
}

// retryCount returns how many retry_same decisions the delegatee has consumed
// this run.
func (s *State) retryCount(delegatee string) int {
	if s.RetryCounts == nil {
		return 0
	}
	return s.RetryCounts[delegatee]
}

func (s *State) bumpRetry(delegatee string) {
	if s.RetryCounts == nil {
		s.RetryCounts = map[string]int{}
	}
	s.RetryCounts[delegatee]++
}

// Checkpoint serializes the state for the goal_runs checkpoint column.
func (s *State) Checkpoint() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}
	return string(data), nil
}

// RestoreState rebuilds a State from a persisted checkpoint.
func RestoreState(checkpointJSON string) (*State, error) {
	var s State
	if err := json.Unmarshal([]byte(checkpointJSON), &s); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	if s.RetryCounts == nil {
		s.RetryCounts = map[string]int{}
	}
	return &s, nil
}
