package auth

import "context"

type userContextKey struct{}

// WithUser returns a context carrying the authenticated caller.
func WithUser(ctx context.Context, u *AuthUser) context.Context {
	return context.WithValue(ctx, userContextKey{}, u)
}

// UserFrom extracts the authenticated caller, if any.
func UserFrom(ctx context.Context) (*AuthUser, bool) {
	u, ok := ctx.Value(userContextKey{}).(*AuthUser)
	return u, ok && u != nil
}
