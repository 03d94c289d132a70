package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/civicgov/civicguard/internal/auth"
)

// KeyValidator resolves a raw API key. *auth.KeyStore satisfies it.
type KeyValidator interface {
	Validate(ctx context.Context, rawKey string) (*auth.APIKey, error)
}

// AuthFailureRecorder counts rejected credentials per client address.
// *guard.Guard satisfies it.
type AuthFailureRecorder interface {
	RecordAuthFailure(ctx context.Context, ip string) error
}

type authOptions struct {
	failures AuthFailureRecorder
}

type AuthOption func(*authOptions)

// WithFailureRecorder reports every 401 to rec, keyed by client IP.
func WithFailureRecorder(rec AuthFailureRecorder) AuthOption {
	return func(o *authOptions) { o.failures = rec }
}

// Auth accepts a Bearer JWT or an X-API-Key header. keys may be nil to
// accept JWTs only.
func Auth(jwtSecret string, keys KeyValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	var o authOptions
	for _, opt := range opts {
		opt(&o)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Try Bearer token first.
			if tok := extractBearer(r); tok != "" {
				if claims, err := auth.ValidateToken(jwtSecret, tok); err == nil {
					ctx := WithPrincipal(r.Context(), Principal{ID: claims.Subject, Role: claims.Role, Via: "jwt"})
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			if raw := r.Header.Get("X-API-Key"); raw != "" && keys != nil {
				key, err := keys.Validate(r.Context(), raw)
				if err == nil {
					ctx := WithPrincipal(r.Context(), Principal{ID: key.Name, Role: key.Role, Via: "api_key"})
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
				log.Debug().Err(err).Msg("api key rejected")
			}

			if o.failures != nil {
				if ip, ok := ClientIPFromContext(r.Context()); ok {
					if err := o.failures.RecordAuthFailure(r.Context(), ip); err != nil {
						log.Warn().Err(err).Str("ip", ip).Msg("auth failure not recorded")
					}
				}
			}
			http.Error(w, `{"title":"Unauthorized","status":401,"detail":"missing or invalid credentials"}`, http.StatusUnauthorized)
		})
	}
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return h[7:]
	}
	return ""
}
