package security

import (
	"net/http"
	"strings"
)

const AccessTokenCookie = "access_token"

type TokenSource string

const (
	TokenSourceNone   TokenSource = "none"
	TokenSourceBearer TokenSource = "bearer"
	TokenSourceCookie TokenSource = "cookie"
	TokenSourceQuery  TokenSource = "query"
)

func GetCookie(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

// TokenFromRequest looks for an access token in the Authorization header, the
// access_token cookie and, when allowQuery is set, the token query parameter.
func TokenFromRequest(r *http.Request, allowQuery bool) (string, TokenSource) {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		if raw := strings.TrimSpace(auth[7:]); raw != "" {
			return raw, TokenSourceBearer
		}
	}
	if raw := GetCookie(r, AccessTokenCookie); raw != "" {
		return raw, TokenSourceCookie
	}
	if allowQuery {
		if raw := strings.TrimSpace(r.URL.Query().Get("token")); raw != "" {
			return raw, TokenSourceQuery
		}
	}
	return "", TokenSourceNone
}
