package memory

import (
	"context"
	"fmt"

	"github.com/basket/go-helm/internal/persistence"
)

// StoreTier surfaces a goal's own history from sqlite: delegation traces
// first, then recent phase-log entries. What the system already did is the
// highest-signal memory it has.
type StoreTier struct {
	store *persistence.Store
}

// NewStoreTier wraps the persistence store as a memory tier.
func NewStoreTier(store *persistence.Store) *StoreTier {
	return &StoreTier{store: store}
}

func (t *StoreTier) Name() string { return "store" }

// Read returns up to limit observations for the goal, relevance-filtered
// and sorted by score.
func (t *StoreTier) Read(ctx context.Context, goalID string, limit int) ([]Observation, error) {
	if limit <= 0 {
		limit = 20
	}

	traces, err := t.store.TracesByGoal(ctx, goalID)
	if err != nil {
		return nil, fmt.Errorf("store tier: %w", err)
	}
	events, err := t.store.RecentGoalEvents(ctx, goalID, limit)
	if err != nil {
		return nil, fmt.Errorf("store tier: %w", err)
	}

	obs := make([]Observation, 0, len(traces)+len(events))
	for _, tr := range traces {
		obs = append(obs, traceObservation(tr))
	}
	for _, ev := range events {
		obs = append(obs, eventObservation(ev))
	}

	obs = FilterAndSort(obs)
	if len(obs) > limit {
		obs = obs[:limit]
	}
	return obs, nil
}

func traceObservation(tr persistence.DelegationTrace) Observation {
	value := tr.OutputSummary
	if tr.Status == persistence.TraceStatusFailed && tr.ErrorMsg != "" {
		value = tr.ErrorMsg
	}
	if value == "" {
		value = tr.InputSummary
	}
	observedAt := tr.StartedAt
	if tr.CompletedAt != nil {
		observedAt = *tr.CompletedAt
	}
	return Observation{
		Key:            fmt.Sprintf("trace:%s:%s", tr.Delegatee, tr.Status),
		Value:          value,
		RelevanceScore: traceRelevance(tr.Status),
		ObservedAt:     observedAt,
	}
}

// Closed traces teach the most; a completed delegation is ground truth,
// a failed one is a lesson, an open one only a hint.
func traceRelevance(status persistence.TraceStatus) float64 {
	switch status {
	case persistence.TraceStatusCompleted:
		return 0.9
	case persistence.TraceStatusFailed:
		return 0.7
	case persistence.TraceStatusReDelegated:
		return 0.5
	default:
		return 0.4
	}
}

func eventObservation(ev persistence.RunEvent) Observation {
	value := ev.OutputSummary
	if value == "" {
		value = ev.InputSummary
	}
	return Observation{
		Key:            fmt.Sprintf("run:%s:%d", ev.Phase, ev.Iteration),
		Value:          value,
		RelevanceScore: phaseRelevance(ev.Phase),
		ObservedAt:     ev.CreatedAt,
	}
}

func phaseRelevance(phase string) float64 {
	switch phase {
	case "act":
		return 0.8
	case "decide":
		return 0.6
	case "reason":
		return 0.4
	default:
		return 0.2
	}
}
