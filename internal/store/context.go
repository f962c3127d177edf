package store

import "context"

type contextKey string

const (
	// GroupIDKey is the context key for the current group's routing key.
	GroupIDKey contextKey = "groupd_group_id"
	// RunIDKey is the context key for the current container turn's run ID.
	RunIDKey contextKey = "groupd_run_id"
)

// WithGroupID returns a new context carrying the given group ID.
func WithGroupID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, GroupIDKey, id)
}

// GroupIDFromContext extracts the group ID from context. Returns "" if not set.
func GroupIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(GroupIDKey).(string)
	return v
}

// WithRunID returns a new context carrying the given run ID.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RunIDKey, id)
}

// RunIDFromContext extracts the run ID from context. Returns "" if not set.
func RunIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(RunIDKey).(string)
	return v
}
