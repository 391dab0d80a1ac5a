package auth

import "context"

// Principal is the authenticated identity an authorization decision is made for.
type Principal struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	TenantID string `json:"tenantId,omitempty"`
	Tier     Tier   `json:"tier"`
}

// PrincipalOf projects a user record onto its principal.
func PrincipalOf(u User) Principal {
	return Principal{ID: u.ID, Email: u.Email, TenantID: u.TenantID, Tier: u.Tier}
}

type principalContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}
