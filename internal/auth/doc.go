// Package auth provides authentication for toolgate.
//
// # API keys
//
// Callers authenticate with an API key of the form "mcp_" followed by 64 hex
// characters, sent as either header:
//
//	X-API-Key: mcp_...
//	Authorization: Bearer mcp_...
//
// Keys are created by a Keyring. The plaintext is returned once from Issue;
// only its SHA-256 digest reaches the store. Keyring.Lookup resolves a
// plaintext key and treats unknown, malformed, and revoked keys alike.
//
// The HTTP middleware only extracts the credential into the request context.
// Resolving it against the store is left to the gateway so that every tool
// call authenticates through the same code path.
//
// # Admin tokens
//
// When an admin secret is configured, key issuance over HTTP requires an
// HS256 JWT with a "sub" claim:
//
//	Authorization: Bearer <jwt>
//
// JWTVerifier.Generate mints such tokens for operators.
package auth
