package middleware

import (
	"context"
)

type contextKey string

const (
	ContextKeyPrincipal contextKey = "principal"
	ContextKeyClientIP  contextKey = "client_ip"
)

// Principal is the authenticated caller: an operator from a JWT or a service
// from an API key.
type Principal struct {
	ID   string
	Role string
	// Via is "jwt" or "api_key".
	Via string
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ContextKeyPrincipal, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v, ok := ctx.Value(ContextKeyPrincipal).(Principal)
	return v, ok
}

func RoleFromContext(ctx context.Context) (string, bool) {
	p, ok := PrincipalFromContext(ctx)
	return p.Role, ok
}

// ClientIPFromContext returns the address resolved by ClientIP.
func ClientIPFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ContextKeyClientIP).(string)
	return v, ok && v != ""
}
