package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GoalSchedule is a recurring goal definition fired by the scheduler.
type GoalSchedule struct {
	ScheduleID string     `json:"schedule_id"`
	CronExpr   string     `json:"cron_expr"`
	GoalText   string     `json:"goal_text"`
	Identity   string     `json:"identity"`
	Enabled    bool       `json:"enabled"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// CreateSchedule inserts a recurring goal. NextRunAt should be precomputed by
// the scheduler from the cron expression.
func (s *Store) CreateSchedule(ctx context.Context, sc *GoalSchedule) error {
	if sc.ScheduleID == "" || sc.CronExpr == "" {
		return fmt.Errorf("create schedule: empty schedule_id or cron_expr")
	}
	if sc.Identity == "" {
		sc.Identity = "default"
	}
	next := sql.NullTime{}
	if sc.NextRunAt != nil {
		next.Valid = true
		next.Time = sc.NextRunAt.UTC()
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO goal_schedules (schedule_id, cron_expr, goal_text, identity, enabled, next_run_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, sc.ScheduleID, sc.CronExpr, sc.GoalText, sc.Identity, boolToInt(sc.Enabled), next)
		return err
	})
	if err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

// DueSchedules returns enabled schedules whose next_run_at is at or before now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]GoalSchedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT schedule_id, cron_expr, goal_text, identity, enabled, last_run_at, next_run_at, created_at
		FROM goal_schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, now.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// ListSchedules returns all schedules.
func (s *Store) ListSchedules(ctx context.Context) ([]GoalSchedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT schedule_id, cron_expr, goal_text, identity, enabled, last_run_at, next_run_at, created_at
		FROM goal_schedules
		ORDER BY created_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// MarkScheduleFired stamps a firing and the precomputed next run.
func (s *Store) MarkScheduleFired(ctx context.Context, scheduleID string, firedAt, nextRun time.Time) error {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE goal_schedules
			SET last_run_at = ?, next_run_at = ?
			WHERE schedule_id = ?;
		`, firedAt.UTC().Format("2006-01-02 15:04:05"), nextRun.UTC().Format("2006-01-02 15:04:05"), scheduleID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("mark schedule fired: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("mark schedule fired %s: %w", scheduleID, ErrNotFound)
	}
	return nil
}

// SetScheduleEnabled toggles a schedule.
func (s *Store) SetScheduleEnabled(ctx context.Context, scheduleID string, enabled bool) error {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE goal_schedules SET enabled = ? WHERE schedule_id = ?;
		`, boolToInt(enabled), scheduleID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("set schedule enabled: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("set schedule enabled %s: %w", scheduleID, ErrNotFound)
	}
	return nil
}

func collectSchedules(rows *sql.Rows) ([]GoalSchedule, error) {
	var out []GoalSchedule
	for rows.Next() {
		var sc GoalSchedule
		var enabled int
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&sc.ScheduleID, &sc.CronExpr, &sc.GoalText, &sc.Identity,
			&enabled, &lastRun, &nextRun, &sc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sc.Enabled = enabled != 0
		if lastRun.Valid {
			v := lastRun.Time
			sc.LastRunAt = &v
		}
		if nextRun.Valid {
			v := nextRun.Time
			sc.NextRunAt = &v
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
