package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware requires a bearer token on every path except /healthz.
// An empty token rejects every request.
type AuthMiddleware struct {
	token []byte
}

func NewAuthMiddleware(token string) *AuthMiddleware {
	return &AuthMiddleware{token: []byte(token)}
}

// Wrap wraps an http.Handler with bearer token checking.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		if !am.Authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Authorize reports whether the request carries the configured token.
func (am *AuthMiddleware) Authorize(r *http.Request) bool {
	if len(am.token) == 0 {
		return false
	}
	key := ExtractAPIKey(r)
	if key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), am.token) == 1
}

// ExtractAPIKey extracts a token from request headers or query params.
// It checks, in order: Authorization: Bearer <key>, X-API-Key header,
// api_key query param.
func ExtractAPIKey(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	// Browsers cannot set headers on a websocket handshake.
	return r.URL.Query().Get("api_key")
}
