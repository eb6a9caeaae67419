package shared

import "context"

type principalContextKey struct{}

// Principal is the authenticated actor attached to a request.
type Principal struct {
	AccountID int64
	Username  string
	SessionID string
	IsAdmin   bool
}

// ContextWithPrincipal stores the principal in context.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the principal from context.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalContextKey{}).(*Principal)
	return p
}
