package shared

import (
	"context"

	"github.com/google/uuid"
)

type goalIDKey struct{}
type runIDKey struct{}
type traceIDKey struct{}
type delegateeKey struct{}
type identityKey struct{}

// WithGoalID attaches a goal_id to the context.
func WithGoalID(ctx context.Context, goalID string) context.Context {
	return context.WithValue(ctx, goalIDKey{}, goalID)
}

// GoalID extracts goal_id from context. Returns "" if absent.
func GoalID(ctx context.Context) string {
	if v, ok := ctx.Value(goalIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewGoalID generates a new goal_id.
func NewGoalID() string {
	return uuid.NewString()
}

// WithRunID attaches a run_id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID extracts run_id from context. Returns "" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewRunID generates a new run_id.
func NewRunID() string {
	return uuid.NewString()
}

// WithTraceID attaches a delegation trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithDelegatee attaches the acting delegatee agent type to the context.
func WithDelegatee(ctx context.Context, delegatee string) context.Context {
	return context.WithValue(ctx, delegateeKey{}, delegatee)
}

// Delegatee extracts the delegatee from context. Returns "" if absent.
func Delegatee(ctx context.Context) string {
	if v, ok := ctx.Value(delegateeKey{}).(string); ok {
		return v
	}
	return ""
}

// WithIdentity attaches the billing identity to the context.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// Identity extracts the billing identity from context. Returns DefaultIdentity if absent.
func Identity(ctx context.Context) string {
	if v, ok := ctx.Value(identityKey{}).(string); ok && v != "" {
		return v
	}
	return DefaultIdentity
}

// DefaultIdentity is the billing identity used when none is supplied.
const DefaultIdentity = "default"
