// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu     sync.RWMutex
	keys   map[string]*APIKey // keyed by key ID
	byHash map[string]string  // key hash -> key ID
	audit  []AuditEntry
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		keys:   make(map[string]*APIKey),
		byHash: make(map[string]string),
	}
}

func copyKey(k *APIKey) *APIKey {
	cp := *k
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		cp.LastUsedAt = &t
	}
	if k.RevokedAt != nil {
		t := *k.RevokedAt
		cp.RevokedAt = &t
	}
	return &cp
}

// CreateAPIKey stores a new key.
func (m *MockStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.keys[key.ID]; exists {
		return ErrDuplicateKey
	}
	if _, exists := m.byHash[key.KeyHash]; exists {
		return ErrDuplicateKey
	}

	m.keys[key.ID] = copyKey(key)
	m.byHash[key.KeyHash] = key.ID
	return nil
}

// GetAPIKey retrieves a key by ID.
func (m *MockStore) GetAPIKey(ctx context.Context, id string) (*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k, ok := m.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyKey(k), nil
}

// GetAPIKeyByHash retrieves a key by the hash of its secret.
func (m *MockStore) GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byHash[keyHash]
	if !ok {
		return nil, ErrNotFound
	}
	return copyKey(m.keys[id]), nil
}

// ListAPIKeys returns keys ordered by creation time.
func (m *MockStore) ListAPIKeys(ctx context.Context, f KeyFilter) ([]*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*APIKey{}
	for _, k := range m.keys {
		if f.OwnerID != nil && k.OwnerID != *f.OwnerID {
			continue
		}
		if !f.IncludeRevoked && k.Revoked() {
			continue
		}
		out = append(out, copyKey(k))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// RevokeAPIKey marks a key revoked.
func (m *MockStore) RevokeAPIKey(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[id]
	if !ok {
		return ErrNotFound
	}
	if k.Revoked() {
		return ErrAlreadyRevoked
	}
	t := at.UTC()
	k.RevokedAt = &t
	return nil
}

// TouchAPIKey records the last use of a key.
func (m *MockStore) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[id]
	if !ok {
		return ErrNotFound
	}
	t := at.UTC()
	k.LastUsedAt = &t
	return nil
}

// AppendAuditLog appends an entry to the in-memory audit log.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prepareAuditEntry(e)
	m.audit = append(m.audit, *e)
	return nil
}

// ListAuditLog returns matching entries, newest first.
func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []AuditEntry{}
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		switch {
		case f.Since != nil && e.Timestamp.Before(*f.Since),
			f.Until != nil && e.Timestamp.After(*f.Until),
			f.ActorID != nil && e.ActorID != *f.ActorID,
			f.Action != nil && e.Action != *f.Action,
			f.TargetType != nil && e.TargetType != *f.TargetType,
			f.TargetID != nil && e.TargetID != *f.TargetID,
			f.Outcome != nil && e.Outcome != *f.Outcome:
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit := normalizeAuditLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time interface check
var _ Store = (*MockStore)(nil)
