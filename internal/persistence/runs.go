package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GoalRun is the durable record of one goal pursuit.
type GoalRun struct {
	RunID         string    `json:"run_id"`
	GoalID        string    `json:"goal_id"`
	GoalText      string    `json:"goal_text"`
	Identity      string    `json:"identity"`
	Status        RunStatus `json:"status"`
	Iteration     int       `json:"iteration"`
	MaxIterations int       `json:"max_iterations"`
	Checkpoint    string    `json:"checkpoint_json"`
	Outcome       string    `json:"outcome,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RunEvent is one persisted phase-log entry.
type RunEvent struct {
	EventID       int64     `json:"event_id"`
	RunID         string    `json:"run_id"`
	GoalID        string    `json:"goal_id"`
	Phase         string    `json:"phase"`
	Iteration     int       `json:"iteration"`
	InputSummary  string    `json:"input_summary"`
	OutputSummary string    `json:"output_summary"`
	TokensUsed    int       `json:"tokens_used"`
	DurationMS    int64     `json:"duration_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

// CreateRun inserts a pending goal run.
func (s *Store) CreateRun(ctx context.Context, r *GoalRun) error {
	if r.RunID == "" || r.GoalID == "" {
		return fmt.Errorf("create run: empty run_id or goal_id")
	}
	if r.Identity == "" {
		r.Identity = "default"
	}
	if r.Checkpoint == "" {
		r.Checkpoint = "{}"
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO goal_runs (run_id, goal_id, goal_text, identity, status, iteration, max_iterations, checkpoint_json)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?);
		`, r.RunID, r.GoalID, r.GoalText, r.Identity, string(RunStatusPending), r.MaxIterations, r.Checkpoint)
		return err
	})
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// TransitionRun moves a run between lifecycle states, enforcing the
// transition table. Returns ErrNotFound when the run is missing or the move
// is not legal from its current state.
func (s *Store) TransitionRun(ctx context.Context, runID string, to RunStatus, outcome string) error {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var current string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM goal_runs WHERE run_id = ?;`, runID).Scan(&current); err != nil {
			return err
		}
		if !canTransitionRun(RunStatus(current), to) {
			return fmt.Errorf("illegal run transition %s -> %s", current, to)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE goal_runs
			SET status = ?,
				outcome = CASE WHEN ? != '' THEN ? ELSE outcome END,
				updated_at = CURRENT_TIMESTAMP
			WHERE run_id = ? AND status = ?;
		`, string(to), outcome, outcome, runID, current)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("transition run %s: %w", runID, ErrNotFound)
		}
		return fmt.Errorf("transition run: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("transition run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// SaveRunCheckpoint stores the loop's recoverable state after an iteration.
func (s *Store) SaveRunCheckpoint(ctx context.Context, runID string, iteration int, checkpointJSON string) error {
	if checkpointJSON == "" {
		checkpointJSON = "{}"
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE goal_runs
			SET iteration = ?, checkpoint_json = ?, updated_at = CURRENT_TIMESTAMP
			WHERE run_id = ?;
		`, iteration, checkpointJSON, runID)
		return err
	})
	if err != nil {
		return fmt.Errorf("save run checkpoint: %w", err)
	}
	return nil
}

// GetRun returns one run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*GoalRun, error) {
	var r GoalRun
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, goal_id, goal_text, identity, status, iteration, max_iterations, checkpoint_json, outcome, created_at, updated_at
		FROM goal_runs WHERE run_id = ?;
	`, runID).Scan(&r.RunID, &r.GoalID, &r.GoalText, &r.Identity, &status,
		&r.Iteration, &r.MaxIterations, &r.Checkpoint, &r.Outcome, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get run %s: %w", runID, ErrNotFound)
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	r.Status = RunStatus(status)
	return &r, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]GoalRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, goal_id, goal_text, identity, status, iteration, max_iterations, checkpoint_json, outcome, created_at, updated_at
		FROM goal_runs
		ORDER BY created_at DESC, run_id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []GoalRun
	for rows.Next() {
		var r GoalRun
		var status string
		if err := rows.Scan(&r.RunID, &r.GoalID, &r.GoalText, &r.Identity, &status,
			&r.Iteration, &r.MaxIterations, &r.Checkpoint, &r.Outcome, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = RunStatus(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// AppendRunEvent persists one phase-log entry.
func (s *Store) AppendRunEvent(ctx context.Context, ev *RunEvent) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO run_events (run_id, goal_id, phase, iteration, input_summary, output_summary, tokens_used, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, ev.RunID, ev.GoalID, ev.Phase, ev.Iteration, ev.InputSummary, ev.OutputSummary, ev.TokensUsed, ev.DurationMS)
		return err
	})
	if err != nil {
		return fmt.Errorf("append run event: %w", err)
	}
	return nil
}

// RecentGoalEvents returns a goal's latest phase-log entries across all of
// its runs, newest first.
func (s *Store) RecentGoalEvents(ctx context.Context, goalID string, limit int) ([]RunEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, run_id, goal_id, phase, iteration, input_summary, output_summary, tokens_used, duration_ms, created_at
		FROM run_events
		WHERE goal_id = ?
		ORDER BY event_id DESC
		LIMIT ?;
	`, goalID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent goal events: %w", err)
	}
	defer rows.Close()

	var out []RunEvent
	for rows.Next() {
		var ev RunEvent
		if err := rows.Scan(&ev.EventID, &ev.RunID, &ev.GoalID, &ev.Phase, &ev.Iteration,
			&ev.InputSummary, &ev.OutputSummary, &ev.TokensUsed, &ev.DurationMS, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run events: %w", err)
	}
	return out, nil
}

// RunEvents returns a run's phase-log entries in append order.
func (s *Store) RunEvents(ctx context.Context, runID string) ([]RunEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, run_id, goal_id, phase, iteration, input_summary, output_summary, tokens_used, duration_ms, created_at
		FROM run_events
		WHERE run_id = ?
		ORDER BY event_id ASC;
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("run events: %w", err)
	}
	defer rows.Close()

	var out []RunEvent
	for rows.Next() {
		var ev RunEvent
		if err := rows.Scan(&ev.EventID, &ev.RunID, &ev.GoalID, &ev.Phase, &ev.Iteration,
			&ev.InputSummary, &ev.OutputSummary, &ev.TokensUsed, &ev.DurationMS, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run events: %w", err)
	}
	return out, nil
}
