package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-helm/internal/bus"
)

// DelegationTrace is one audit row for one delegation step. Rows open as
// in_progress and close exactly once; closed rows never change.
type DelegationTrace struct {
	TraceID             string      `json:"trace_id"`
	GoalID              string      `json:"goal_id"`
	UserID              string      `json:"user_id"`
	Delegator           string      `json:"delegator"`
	Delegatee           string      `json:"delegatee"`
	InputSummary        string      `json:"input_summary"`
	OutputSummary       string      `json:"output_summary,omitempty"`
	CostUSD             float64     `json:"cost_usd"`
	DurationMS          int64       `json:"duration_ms"`
	VerificationPassed  *bool       `json:"verification_passed,omitempty"`
	VerificationScore   *float64    `json:"verification_score,omitempty"`
	VerificationDetails string      `json:"verification_details,omitempty"`
	Status              TraceStatus `json:"status"`
	ErrorMsg            string      `json:"error_msg,omitempty"`
	StartedAt           time.Time   `json:"started_at"`
	CompletedAt         *time.Time  `json:"completed_at,omitempty"`
}

// InsertTrace opens a delegation trace row in state in_progress.
func (s *Store) InsertTrace(ctx context.Context, t *DelegationTrace) error {
	if t.TraceID == "" {
		return fmt.Errorf("insert trace: empty trace_id")
	}
	if t.UserID == "" {
		t.UserID = "default"
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO delegation_traces
				(trace_id, goal_id, user_id, delegator, delegatee, input_summary, status, started_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, t.TraceID, t.GoalID, t.UserID, t.Delegator, t.Delegatee, t.InputSummary, string(TraceStatusInProgress))
		return err
	})
	if err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTraceOpened, bus.TraceEvent{
			TraceID:   t.TraceID,
			GoalID:    t.GoalID,
			Delegator: t.Delegator,
			Delegatee: t.Delegatee,
			Status:    string(TraceStatusInProgress),
		})
	}
	return nil
}

// TraceClose carries the closing fields for one trace row.
type TraceClose struct {
	OutputSummary       string
	CostUSD             float64
	DurationMS          int64
	VerificationPassed  *bool
	VerificationScore   *float64
	VerificationDetails string
	ErrorMsg            string
	Status              TraceStatus
}

// CloseTrace moves an in_progress trace to a terminal status. Closed rows are
// immutable: closing an already-closed or missing trace returns ErrNotFound.
func (s *Store) CloseTrace(ctx context.Context, traceID string, close TraceClose) error {
	if close.Status == "" {
		close.Status = TraceStatusCompleted
	}
	if !canTransitionTrace(TraceStatusInProgress, close.Status) {
		return fmt.Errorf("close trace: illegal transition %s -> %s", TraceStatusInProgress, close.Status)
	}

	passed := sql.NullBool{}
	if close.VerificationPassed != nil {
		passed.Valid = true
		passed.Bool = *close.VerificationPassed
	}
	score := sql.NullFloat64{}
	if close.VerificationScore != nil {
		score.Valid = true
		score.Float64 = *close.VerificationScore
	}

	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE delegation_traces
			SET output_summary = ?,
				cost_usd = ?,
				duration_ms = ?,
				verification_passed = ?,
				verification_score = ?,
				verification_details = ?,
				error_msg = ?,
				status = ?,
				completed_at = CURRENT_TIMESTAMP
			WHERE trace_id = ? AND status = ?;
		`, close.OutputSummary, close.CostUSD, close.DurationMS,
			passed, score, close.VerificationDetails, close.ErrorMsg,
			string(close.Status), traceID, string(TraceStatusInProgress))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("close trace: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("close trace %s: %w", traceID, ErrNotFound)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTraceClosed, bus.TraceEvent{
			TraceID: traceID,
			Status:  string(close.Status),
			CostUSD: close.CostUSD,
		})
	}
	return nil
}

// GetTrace returns one trace row by id.
func (s *Store) GetTrace(ctx context.Context, traceID string) (*DelegationTrace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT trace_id, goal_id, user_id, delegator, delegatee, input_summary,
		       output_summary, cost_usd, duration_ms, verification_passed,
		       verification_score, verification_details, status, error_msg,
		       started_at, completed_at
		FROM delegation_traces WHERE trace_id = ?;
	`, traceID)
	t, err := scanTrace(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get trace %s: %w", traceID, ErrNotFound)
		}
		return nil, fmt.Errorf("get trace: %w", err)
	}
	return t, nil
}

// TracesByGoal returns the goal's delegation rows in dispatch order.
func (s *Store) TracesByGoal(ctx context.Context, goalID string) ([]DelegationTrace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, goal_id, user_id, delegator, delegatee, input_summary,
		       output_summary, cost_usd, duration_ms, verification_passed,
		       verification_score, verification_details, status, error_msg,
		       started_at, completed_at
		FROM delegation_traces
		WHERE goal_id = ?
		ORDER BY started_at ASC, trace_id ASC;
	`, goalID)
	if err != nil {
		return nil, fmt.Errorf("traces by goal: %w", err)
	}
	defer rows.Close()
	return collectTraces(rows)
}

// TracesByUser returns the user's most recent delegation rows.
func (s *Store) TracesByUser(ctx context.Context, userID string, limit int) ([]DelegationTrace, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, goal_id, user_id, delegator, delegatee, input_summary,
		       output_summary, cost_usd, duration_ms, verification_passed,
		       verification_score, verification_details, status, error_msg,
		       started_at, completed_at
		FROM delegation_traces
		WHERE user_id = ?
		ORDER BY started_at DESC, trace_id DESC
		LIMIT ?;
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("traces by user: %w", err)
	}
	defer rows.Close()
	return collectTraces(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrace(r rowScanner) (*DelegationTrace, error) {
	var t DelegationTrace
	var passed sql.NullBool
	var score sql.NullFloat64
	var completedAt sql.NullTime
	var status string
	if err := r.Scan(&t.TraceID, &t.GoalID, &t.UserID, &t.Delegator, &t.Delegatee,
		&t.InputSummary, &t.OutputSummary, &t.CostUSD, &t.DurationMS,
		&passed, &score, &t.VerificationDetails, &status, &t.ErrorMsg,
		&t.StartedAt, &completedAt); err != nil {
		return nil, err
	}
	t.Status = TraceStatus(status)
	if passed.Valid {
		v := passed.Bool
		t.VerificationPassed = &v
	}
	if score.Valid {
		v := score.Float64
		t.VerificationScore = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	return &t, nil
}

func collectTraces(rows *sql.Rows) ([]DelegationTrace, error) {
	var out []DelegationTrace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate traces: %w", err)
	}
	return out, nil
}
