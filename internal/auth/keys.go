// ABOUTME: API key generation, hashing, and the keyring that issues, resolves, and revokes keys
// ABOUTME: Plaintext keys exist only in the Issue result; the store sees the SHA-256 hash

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/toolgate/internal/permission"
	"github.com/2389/toolgate/internal/store"
)

// KeyPrefix marks toolgate API keys.
const KeyPrefix = "mcp_"

// keyBytes is the entropy of a key; hex-encoded it is 64 characters.
const keyBytes = 32

// touchInterval limits last-used writes to one per key per interval.
const touchInterval = time.Minute

// Key errors
var (
	ErrInvalidKey   = errors.New("invalid api key")
	ErrMissingOwner = errors.New("owner id is required")
)

// GenerateKey returns a new random API key.
func GenerateKey() (string, error) {
	buf := make([]byte, keyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(buf), nil
}

// HashKey returns the hex SHA-256 digest under which a key is stored.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ValidKeyFormat reports whether s has the shape of a generated key.
func ValidKeyFormat(s string) bool {
	rest, ok := strings.CutPrefix(s, KeyPrefix)
	if !ok || len(rest) != 2*keyBytes {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}

// Issued is the result of issuing a key. Key is the only copy of the plaintext.
type Issued struct {
	Key    string
	Record *store.APIKey
}

// IssueRequest describes a key to create.
type IssueRequest struct {
	OwnerID string
	// Permissions overrides the keyring's default grant when non-nil.
	Permissions *permission.Set
	// Actor is recorded in the audit log.
	Actor string
}

// Keyring issues, resolves, and revokes API keys on top of a store.
type Keyring struct {
	keys     store.KeyStore
	audit    store.AuditStore
	defaults permission.Set
	logger   *slog.Logger
	now      func() time.Time
}

// NewKeyring creates a keyring. audit may be nil.
func NewKeyring(keys store.KeyStore, audit store.AuditStore, defaults permission.Set, logger *slog.Logger) *Keyring {
	if logger == nil {
		logger = slog.Default()
	}
	return &Keyring{
		keys:     keys,
		audit:    audit,
		defaults: defaults,
		logger:   logger.With("component", "keyring"),
		now:      time.Now,
	}
}

// Defaults returns the permission set granted to keys that don't request one.
func (k *Keyring) Defaults() permission.Set {
	return k.defaults
}

// Lookup resolves a plaintext key to its record.
// Unknown, malformed, and revoked keys all return ErrInvalidKey.
func (k *Keyring) Lookup(ctx context.Context, apiKey string) (*store.APIKey, error) {
	if !ValidKeyFormat(apiKey) {
		return nil, ErrInvalidKey
	}

	rec, err := k.keys.GetAPIKeyByHash(ctx, HashKey(apiKey))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("looking up api key: %w", err)
	}
	if rec.Revoked() {
		return nil, ErrInvalidKey
	}

	now := k.now()
	if rec.LastUsedAt == nil || now.Sub(*rec.LastUsedAt) >= touchInterval {
		if err := k.keys.TouchAPIKey(ctx, rec.ID, now); err != nil {
			k.logger.Warn("failed to record key use", "key_id", rec.ID, "error", err)
		}
	}
	return rec, nil
}

// Issue creates and stores a new key.
func (k *Keyring) Issue(ctx context.Context, req IssueRequest) (*Issued, error) {
	owner := strings.TrimSpace(req.OwnerID)
	if owner == "" {
		return nil, ErrMissingOwner
	}

	perms := k.defaults
	if req.Permissions != nil {
		perms = *req.Permissions
	}

	plaintext, err := GenerateKey()
	if err != nil {
		return nil, err
	}

	rec := &store.APIKey{
		ID:          uuid.New().String(),
		OwnerID:     owner,
		KeyHash:     HashKey(plaintext),
		Permissions: perms,
		CreatedAt:   k.now().UTC(),
	}
	if err := k.keys.CreateAPIKey(ctx, rec); err != nil {
		return nil, fmt.Errorf("storing api key: %w", err)
	}

	k.logger.Info("issued api key", "key_id", rec.ID, "owner", owner, "permissions", perms.String())
	k.record(ctx, req.Actor, store.AuditCreateKey, rec.ID, map[string]any{
		"owner_id":    owner,
		"permissions": perms.Names(),
	})

	return &Issued{Key: plaintext, Record: rec}, nil
}

// Revoke revokes the key with the given ID.
func (k *Keyring) Revoke(ctx context.Context, id, actor string) error {
	if err := k.keys.RevokeAPIKey(ctx, id, k.now()); err != nil {
		return fmt.Errorf("revoking api key %s: %w", id, err)
	}
	k.logger.Info("revoked api key", "key_id", id)
	k.record(ctx, actor, store.AuditRevokeKey, id, nil)
	return nil
}

// List returns stored keys.
func (k *Keyring) List(ctx context.Context, f store.KeyFilter) ([]*store.APIKey, error) {
	return k.keys.ListAPIKeys(ctx, f)
}

func (k *Keyring) record(ctx context.Context, actor string, action store.AuditAction, keyID string, detail map[string]any) {
	if k.audit == nil {
		return
	}
	if actor == "" {
		actor = "system"
	}
	err := k.audit.AppendAuditLog(ctx, &store.AuditEntry{
		ActorID:    actor,
		Action:     action,
		TargetType: "api_key",
		TargetID:   keyID,
		Detail:     detail,
	})
	if err != nil {
		k.logger.Warn("failed to append audit log", "action", action, "key_id", keyID, "error", err)
	}
}
