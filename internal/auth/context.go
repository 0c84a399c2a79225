// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext and the raw credential carried to the gateway

package auth

import (
	"context"
)

// AuthContext holds the authenticated identity information extracted from a request.
type AuthContext struct {
	Subject string // admin JWT subject, or API key ID
	Admin   bool   // true when authenticated by the admin verifier
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// credentialKey is the key type for storing the raw API key in context.Context.
type credentialKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// WithCredential attaches the caller's raw API key. The key is resolved by
// the gateway, not here, so authentication happens in exactly one place.
func WithCredential(ctx context.Context, apiKey string) context.Context {
	return context.WithValue(ctx, credentialKey{}, apiKey)
}

// CredentialFromContext returns the raw API key, or "" if none was supplied.
func CredentialFromContext(ctx context.Context) string {
	key, _ := ctx.Value(credentialKey{}).(string)
	return key
}
