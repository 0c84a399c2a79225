// ABOUTME: HTTP middleware for API key and admin JWT authentication
// ABOUTME: Extracts credentials from X-API-Key or Authorization headers into the request context

package auth

import (
	"net/http"
	"strings"
)

// APIKeyHeader is the dedicated header for API keys.
const APIKeyHeader = "X-API-Key"

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// ExtractAPIKey returns the API key from X-API-Key, falling back to a bearer
// token in Authorization. Returns an error message (empty if successful).
func ExtractAPIKey(r *http.Request) (string, string) {
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		return key, ""
	}
	token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg == "missing authorization header" {
		return "", "missing api key"
	}
	return token, errMsg
}

func writeAuthError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="toolgate"`)
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// RequireAPIKey creates an HTTP middleware that rejects requests without a
// credential and otherwise attaches it with WithCredential.
func RequireAPIKey() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, errMsg := ExtractAPIKey(r)
			if errMsg != "" {
				writeAuthError(w, errMsg, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCredential(r.Context(), key)))
		})
	}
}

// RequireAdmin creates an HTTP middleware that requires a valid admin JWT.
// A nil verifier disables the check and every request passes through.
func RequireAdmin(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if verifier == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeAuthError(w, errMsg, http.StatusUnauthorized)
				return
			}

			subject, err := verifier.Verify(token)
			if err != nil {
				writeAuthError(w, "invalid token", http.StatusUnauthorized)
				return
			}

			authCtx := &AuthContext{Subject: subject, Admin: true}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}
