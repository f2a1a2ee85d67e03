// Package trace is the delegation audit service: every dispatched sub-task
// opens a trace row, every outcome closes one, and the resulting tree is the
// durable record used for recovery decisions and recent-activity views.
package trace

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/go-helm/internal/persistence"
	"github.com/basket/go-helm/internal/shared"
)

const summaryMaxLen = 500

// VerificationResult is the quality-check outcome attached to a completed
// delegation.
type VerificationResult struct {
	Passed  bool    `json:"passed"`
	Score   float64 `json:"score"`
	Details string  `json:"details,omitempty"`
}

// Service wraps the store with the delegation-trace contract.
type Service struct {
	store  *persistence.Store
	logger *slog.Logger
}

func NewService(store *persistence.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Start opens a trace row for one delegation and returns its id. The billing
// identity on the context becomes the row's user for recent-activity queries.
func (s *Service) Start(ctx context.Context, goalID, delegator, delegatee, inputSummary string) (string, error) {
	traceID := shared.NewTraceID()
	t := &persistence.DelegationTrace{
		TraceID:      traceID,
		GoalID:       goalID,
		UserID:       shared.Identity(ctx),
		Delegator:    delegator,
		Delegatee:    delegatee,
		InputSummary: shared.Truncate(shared.Redact(inputSummary), summaryMaxLen),
	}
	if err := s.store.InsertTrace(ctx, t); err != nil {
		return "", fmt.Errorf("start trace: %w", err)
	}
	return traceID, nil
}

// Complete closes a trace with its outcome. status defaults to completed;
// pass re_delegated to link a logical step that moves to another delegatee.
func (s *Service) Complete(ctx context.Context, traceID, outputSummary string, costUSD float64, durationMS int64, verification *VerificationResult, status persistence.TraceStatus) error {
	close := persistence.TraceClose{
		OutputSummary: shared.Truncate(shared.Redact(outputSummary), summaryMaxLen),
		CostUSD:       costUSD,
		DurationMS:    durationMS,
		Status:        status,
	}
	if verification != nil {
		passed := verification.Passed
		score := verification.Score
		close.VerificationPassed = &passed
		close.VerificationScore = &score
		close.VerificationDetails = shared.Truncate(verification.Details, summaryMaxLen)
	}
	if err := s.store.CloseTrace(ctx, traceID, close); err != nil {
		return fmt.Errorf("complete trace: %w", err)
	}
	return nil
}

// Fail closes a trace as failed with the error message.
func (s *Service) Fail(ctx context.Context, traceID, errMsg string) error {
	err := s.store.CloseTrace(ctx, traceID, persistence.TraceClose{
		ErrorMsg: shared.Truncate(shared.Redact(errMsg), summaryMaxLen),
		Status:   persistence.TraceStatusFailed,
	})
	if err != nil {
		return fmt.Errorf("fail trace: %w", err)
	}
	return nil
}

// Tree returns the goal's delegation rows in dispatch order. Rows with status
// re_delegated link one logical step across delegatees.
func (s *Service) Tree(ctx context.Context, goalID string) ([]persistence.DelegationTrace, error) {
	return s.store.TracesByGoal(ctx, goalID)
}

// UserTraces returns the user's most recent delegation rows.
func (s *Service) UserTraces(ctx context.Context, userID string, limit int) ([]persistence.DelegationTrace, error) {
	return s.store.TracesByUser(ctx, userID, limit)
}

// TriedDelegatees derives the set of agent types already attempted for a goal
// from the trace tree. The tree is the durable record, so recovery decisions
// survive process restarts without extra bookkeeping.
func (s *Service) TriedDelegatees(ctx context.Context, goalID string) ([]string, error) {
	rows, err := s.store.TracesByGoal(ctx, goalID)
	if err != nil {
		return nil, fmt.Errorf("tried delegatees: %w", err)
	}
	seen := make(map[string]struct{}, len(rows))
	var out []string
	for _, row := range rows {
		if _, ok := seen[row.Delegatee]; ok {
			continue
		}
		seen[row.Delegatee] = struct{}{}
		out = append(out, row.Delegatee)
	}
	return out, nil
}

// SavePartial records partial output before an execution line is abandoned.
// The row opens and closes in one call so the partial survives even when no
// delegation follows.
func (s *Service) SavePartial(ctx context.Context, goalID, delegatee, partial string) error {
	traceID, err := s.Start(ctx, goalID, "coordinator", delegatee, "partial results checkpoint")
	if err != nil {
		return err
	}
	return s.Complete(ctx, traceID, partial, 0, 0, nil, persistence.TraceStatusCompleted)
}
