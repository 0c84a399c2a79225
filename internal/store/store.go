// ABOUTME: Store interface and data types for toolgate persistence
// ABOUTME: Defines APIKey records and the key and audit operations backing the gateway

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/toolgate/internal/permission"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateKey is returned when a key ID or key hash already exists
var ErrDuplicateKey = errors.New("api key already exists")

// ErrAlreadyRevoked is returned when revoking a key that is already revoked
var ErrAlreadyRevoked = errors.New("api key already revoked")

// APIKey is a stored API key. Only the SHA-256 hash of the secret is kept.
type APIKey struct {
	ID          string
	OwnerID     string
	KeyHash     string // hex SHA-256 of the plaintext key
	Permissions permission.Set
	CreatedAt   time.Time
	LastUsedAt  *time.Time
	RevokedAt   *time.Time
}

// Revoked reports whether the key has been revoked.
func (k *APIKey) Revoked() bool {
	return k.RevokedAt != nil
}

// KeyFilter narrows ListAPIKeys.
type KeyFilter struct {
	OwnerID        *string
	IncludeRevoked bool
}

// KeyStore defines persistence for API keys
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *APIKey) error
	GetAPIKey(ctx context.Context, id string) (*APIKey, error)
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error)
	ListAPIKeys(ctx context.Context, f KeyFilter) ([]*APIKey, error)
	RevokeAPIKey(ctx context.Context, id string, at time.Time) error
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
}

// AuditStore defines persistence for the audit log
type AuditStore interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// Store combines every persistence interface
type Store interface {
	KeyStore
	AuditStore

	// Close releases any resources held by the store
	Close() error
}
