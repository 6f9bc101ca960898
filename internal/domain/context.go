package domain

import "context"

type scopeKey struct{}

// TenantScope carries the active tenant/business-unit identity through
// context. A user id is present only for user-scoped work.
type TenantScope struct {
	TenantID string
	Mid      string
	UserID   string
}

// WithTenantScope stores a TenantScope in the context.
func WithTenantScope(ctx context.Context, s TenantScope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// TenantScopeFromContext extracts the TenantScope from the context.
func TenantScopeFromContext(ctx context.Context) (TenantScope, bool) {
	s, ok := ctx.Value(scopeKey{}).(TenantScope)
	return s, ok
}
