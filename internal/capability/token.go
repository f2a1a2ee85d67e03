// Package capability implements scoped, time-limited authorization for
// delegated sub-tasks. A token is minted once per delegation, handed to the
// worker, and checked at every tool-call boundary. Tokens are never mutated
// after minting and never persisted.
package capability

import (
	"time"

	"github.com/google/uuid"
)

// Token authorizes one delegatee to act on behalf of one goal.
// Denied actions always override allowed ones.
type Token struct {
	TokenID          string
	Delegatee        string
	GoalID           string
	AllowedActions   []string
	DeniedActions    []string
	TimeLimitSeconds int
	CreatedAt        time.Time
}

// Mint creates a token scoped to a delegatee and goal. A time limit of zero
// produces a token that is already expired.
func Mint(delegatee, goalID string, allowed, denied []string, timeLimitSeconds int) *Token {
	return &Token{
		TokenID:          uuid.NewString(),
		Delegatee:        delegatee,
		GoalID:           goalID,
		AllowedActions:   append([]string(nil), allowed...),
		DeniedActions:    append([]string(nil), denied...),
		TimeLimitSeconds: timeLimitSeconds,
		CreatedAt:        time.Now().UTC(),
	}
}

// IsValid reports whether the token has not yet expired.
// Valid iff now < created_at + time_limit_seconds.
func (t *Token) IsValid() bool {
	expiry := t.CreatedAt.Add(time.Duration(t.TimeLimitSeconds) * time.Second)
	return time.Now().UTC().Before(expiry)
}

// CanPerform reports whether the token authorizes the action.
// Denied is checked first: an action present in both sets is refused.
func (t *Token) CanPerform(action string) bool {
	for _, d := range t.DeniedActions {
		if d == action {
			return false
		}
	}
	for _, a := range t.AllowedActions {
		if a == action {
			return true
		}
	}
	return false
}

// Remaining returns the time left before expiry, zero when expired.
func (t *Token) Remaining() time.Duration {
	expiry := t.CreatedAt.Add(time.Duration(t.TimeLimitSeconds) * time.Second)
	left := time.Until(expiry)
	if left < 0 {
		return 0
	}
	return left
}
