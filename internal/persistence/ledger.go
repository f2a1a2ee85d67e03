package persistence

import (
	"context"
	"fmt"
	"time"
)

// SpendEntry is one accounted usage row in the spend ledger.
type SpendEntry struct {
	Identity   string    `json:"identity"`
	GoalID     string    `json:"goal_id,omitempty"`
	Delegatee  string    `json:"delegatee,omitempty"`
	Model      string    `json:"model,omitempty"`
	AmountUSD  float64   `json:"amount_usd"`
	TokensIn   int       `json:"tokens_in"`
	TokensOut  int       `json:"tokens_out"`
	RecordedAt time.Time `json:"recorded_at"`
}

// RecordSpend appends one usage row. Ledger rows are append-only; per-identity
// totals are computed by summation so concurrent appends need no coordination
// beyond the single writer connection.
func (s *Store) RecordSpend(ctx context.Context, e SpendEntry) error {
	if e.Identity == "" {
		e.Identity = "default"
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO spend_ledger (identity, goal_id, delegatee, model, amount_usd, tokens_in, tokens_out, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, e.Identity, e.GoalID, e.Delegatee, e.Model, e.AmountUSD, e.TokensIn, e.TokensOut)
		return err
	})
	if err != nil {
		return fmt.Errorf("record spend: %w", err)
	}
	return nil
}

// SpendSince sums the identity's accounted spend from the given instant.
func (s *Store) SpendSince(ctx context.Context, identity string, since time.Time) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_usd), 0)
		FROM spend_ledger
		WHERE identity = ? AND recorded_at >= ?;
	`, identity, since.UTC().Format("2006-01-02 15:04:05")).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("spend since: %w", err)
	}
	return total, nil
}

// DailySpend is one day's accounted spend for an identity.
type DailySpend struct {
	Day       string  `json:"day"`
	AmountUSD float64 `json:"amount_usd"`
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	Entries   int     `json:"entries"`
}

// UsageByDay returns per-day spend rows for the trailing window, newest first.
func (s *Store) UsageByDay(ctx context.Context, identity string, days int) ([]DailySpend, error) {
	if days <= 0 {
		days = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	rows, err := s.db.QueryContext(ctx, `
		SELECT DATE(recorded_at) AS day,
		       COALESCE(SUM(amount_usd), 0),
		       COALESCE(SUM(tokens_in), 0),
		       COALESCE(SUM(tokens_out), 0),
		       COUNT(*)
		FROM spend_ledger
		WHERE identity = ? AND recorded_at >= ?
		GROUP BY DATE(recorded_at)
		ORDER BY day DESC;
	`, identity, since.Format("2006-01-02 15:04:05"))
	if err != nil {
		return nil, fmt.Errorf("usage by day: %w", err)
	}
	defer rows.Close()

	var out []DailySpend
	for rows.Next() {
		var d DailySpend
		if err := rows.Scan(&d.Day, &d.AmountUSD, &d.TokensIn, &d.TokensOut, &d.Entries); err != nil {
			return nil, fmt.Errorf("scan daily spend: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate daily spend: %w", err)
	}
	return out, nil
}
