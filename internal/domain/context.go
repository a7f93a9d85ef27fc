package domain

import "context"

type principalKey struct{}

// ContextPrincipal carries the authenticated caller through request context.
// UserID is the identity that quotas and ledger ownership are keyed on.
type ContextPrincipal struct {
	UserID string
	Source string // "jwt" or "header"
}

// WithPrincipal stores a ContextPrincipal in the context.
func WithPrincipal(ctx context.Context, p ContextPrincipal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext extracts the ContextPrincipal from the context.
func PrincipalFromContext(ctx context.Context) (ContextPrincipal, bool) {
	p, ok := ctx.Value(principalKey{}).(ContextPrincipal)
	return p, ok && p.UserID != ""
}
