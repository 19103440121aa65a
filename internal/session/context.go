// ABOUTME: Carries the acting user through context.Context into tool callbacks
// ABOUTME: Provides WithUser/UserFromContext so tools need no ambient global

package session

import "context"

// userContextKey is the key type for storing the user ID in context.Context.
type userContextKey struct{}

// WithUser returns a new context that records userID as the acting user.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userContextKey{}, userID)
}

// UserFromContext retrieves the acting user, reporting false if none is set.
func UserFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userContextKey{}).(string)
	if !ok || userID == "" {
		return "", false
	}
	return userID, true
}
