package token

import "context"

type contextKey string

const identityKey contextKey = "identity"

func ContextWithIdentity(ctx context.Context, ident *Identity) context.Context {
	return context.WithValue(ctx, identityKey, ident)
}

// IdentityFromContext returns the authenticated identity, or nil when the
// request did not pass through RequireAuth.
func IdentityFromContext(ctx context.Context) *Identity {
	ident, _ := ctx.Value(identityKey).(*Identity)
	return ident
}

// UserIDFromContext is a shorthand for the common case.
func UserIDFromContext(ctx context.Context) string {
	if ident := IdentityFromContext(ctx); ident != nil {
		return ident.UserID
	}
	return ""
}
