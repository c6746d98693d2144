package middleware

import (
	"context"
	"net/http"

	"github.com/sandeepkv93/realtime-chat-session-core/internal/http/response"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/observability"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/security"
)

type contextKey string

const (
	ClaimsContextKey      contextKey = "claims"
	TokenSourceContextKey contextKey = "token_source"
)

func AuthMiddleware(verifier security.TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, source := security.TokenFromRequest(r, false)
			if raw == "" {
				observability.RecordAccessTokenValidation(r.Context(), "missing", string(source))
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing access token", nil)
				return
			}
			claims, err := verifier.ParseAccessToken(raw)
			if err != nil {
				observability.RecordAccessTokenValidation(r.Context(), "invalid", string(source))
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid access token", nil)
				return
			}
			observability.RecordAccessTokenValidation(r.Context(), "valid", string(source))
			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			ctx = context.WithValue(ctx, TokenSourceContextKey, source)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func ClaimsFromContext(ctx context.Context) (*security.Claims, bool) {
	c, ok := ctx.Value(ClaimsContextKey).(*security.Claims)
	return c, ok
}

// OwnerIDFromContext returns the authenticated principal, or "" when the
// request did not pass AuthMiddleware.
func OwnerIDFromContext(ctx context.Context) string {
	c, ok := ClaimsFromContext(ctx)
	if !ok {
		return ""
	}
	return c.OwnerID()
}

func tokenSourceFromContext(ctx context.Context) security.TokenSource {
	s, _ := ctx.Value(TokenSourceContextKey).(security.TokenSource)
	return s
}
