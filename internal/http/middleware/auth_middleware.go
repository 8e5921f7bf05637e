package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/sandeepkv93/keygate/internal/http/response"
	"github.com/sandeepkv93/keygate/internal/observability"
	"github.com/sandeepkv93/keygate/internal/security"
)

type contextKey string

const (
	ClaimsContextKey contextKey = "owner_claims"
)

// OwnerAuth requires a bearer owner token and stores its claims on the context.
func OwnerAuth(tokens *security.OwnerTokenManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				observability.RecordOwnerTokenValidation(r.Context(), "missing")
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing owner token", nil)
				return
			}
			claims, err := tokens.Parse(raw)
			if err != nil {
				observability.RecordOwnerTokenValidation(r.Context(), "invalid")
				observability.Audit(r, "owner.auth", "rejected", "invalid_token")
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid owner token", nil)
				return
			}
			observability.RecordOwnerTokenValidation(r.Context(), "valid")
			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func ClaimsFromContext(ctx context.Context) (*security.OwnerClaims, bool) {
	c, ok := ctx.Value(ClaimsContextKey).(*security.OwnerClaims)
	return c, ok
}

// OwnerIDFromContext returns the authenticated owner id, or "".
func OwnerIDFromContext(ctx context.Context) string {
	if c, ok := ClaimsFromContext(ctx); ok {
		return c.Subject
	}
	return ""
}
