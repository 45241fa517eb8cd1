package core

import "context"

type roundIDKey struct{}

// WithRoundID attaches a round id to the context.
func WithRoundID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, roundIDKey{}, id)
}

// RoundID returns the round id if present.
func RoundID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(roundIDKey{}).(string)
	return id, ok && id != ""
}
