package ratelimit

import "context"

type priorityKey struct{}

// WithPriority returns a context carrying the scheduling priority for
// downstream upstream calls. Call sites that fan into shared clients use
// this instead of threading a priority argument everywhere.
func WithPriority(ctx context.Context, p Priority) context.Context {
	return context.WithValue(ctx, priorityKey{}, p)
}

// PriorityFromContext returns the carried priority, defaulting to
// realtime.
func PriorityFromContext(ctx context.Context) Priority {
	if p, ok := ctx.Value(priorityKey{}).(Priority); ok {
		return p
	}
	return PriorityRealtime
}
