// ABOUTME: HTTP middleware for bearer-token authentication against the agent registry
// ABOUTME: Re-resolves the token on every request so revocation takes effect immediately

package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/2389/byoa-gateway/internal/metrics"
	"github.com/2389/byoa-gateway/internal/registry"
)

// Authenticator resolves bearer tokens to agents. Implemented by
// *registry.Service.
type Authenticator interface {
	Authenticate(token string) *registry.Agent
}

// SessionChecker reports whether a token is attached to a live downstream
// session. Used to detect auth rejections for tokens that a connected
// session is still using (the revocation gap the metrics track).
type SessionChecker interface {
	TokenInUse(token string) bool
}

// ExtractBearer extracts a bearer token from an Authorization header value.
// Returns the token and an error message (empty if successful).
func ExtractBearer(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// writeError writes the standard JSON error body.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Middleware authenticates every request against the registry and stores
// the agent in the request context. Results are never cached across
// requests: token validity may change between registry refreshes.
func Middleware(authn Authenticator, sessions SessionChecker, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := ExtractBearer(r.Header.Get("Authorization"))
			if errMsg != "" {
				if m != nil {
					m.AuthFailures.Inc()
				}
				writeError(w, http.StatusUnauthorized, errMsg)
				return
			}

			agent := authn.Authenticate(token)
			if agent == nil {
				if m != nil {
					m.AuthFailures.Inc()
					if sessions != nil && sessions.TokenInUse(token) {
						m.RevokedTokenActive.Inc()
					}
				}
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAgent(r.Context(), agent)))
		})
	}
}
