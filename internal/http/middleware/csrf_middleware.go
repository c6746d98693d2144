package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/sandeepkv93/realtime-chat-session-core/internal/http/response"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/security"
)

const (
	csrfCookieName = "csrf_token"
	csrfHeaderName = "X-CSRF-Token"
)

// CSRFMiddleware applies a double-submit check to unsafe requests that
// authenticated with the access_token cookie. Bearer requests pass through.
func CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isSafeMethod(r.Method) || tokenSourceFromContext(r.Context()) != security.TokenSourceCookie {
			next.ServeHTTP(w, r)
			return
		}
		cookie := security.GetCookie(r, csrfCookieName)
		header := r.Header.Get(csrfHeaderName)
		if cookie == "" || header == "" || subtle.ConstantTimeCompare([]byte(cookie), []byte(header)) != 1 {
			response.Error(w, r, http.StatusForbidden, "FORBIDDEN", "csrf token mismatch", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}
