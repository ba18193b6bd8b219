package httpapi

import "context"

type contextKey int

const userIDKey contextKey = iota

func withUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// userIDFromContext returns the bearer-token-authenticated user id attached
// by authMiddleware, and whether one is present.
func userIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(userIDKey).(string)
	return v, ok && v != ""
}
