// ABOUTME: Tests for audit log store operations
// ABOUTME: Covers Append and List with filtering for the audit_log table

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditStore_Append(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		entry := &AuditEntry{
			ActorID:    "key-123",
			Action:     AuditInvokeTool,
			TargetType: "tool",
			TargetID:   "send_message",
			Detail:     map[string]any{"stage": "completed"},
		}

		require.NoError(t, s.AppendAuditLog(ctx, entry))

		// Should have generated ID, timestamp and outcome
		assert.NotEmpty(t, entry.ID)
		assert.False(t, entry.Timestamp.IsZero())
		assert.Equal(t, OutcomeOK, entry.Outcome)

		entries, err := s.ListAuditLog(ctx, AuditFilter{})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "completed", entries[0].Detail["stage"])
	})
}

func seedAudit(t *testing.T, s Store) time.Time {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)

	entries := []*AuditEntry{
		{ActorID: "cli", Action: AuditCreateKey, TargetType: "api_key", TargetID: "key-1"},
		{ActorID: "key-1", Action: AuditInvokeTool, TargetType: "tool", TargetID: "send_message"},
		{ActorID: "key-1", Action: AuditInvokeTool, TargetType: "tool", TargetID: "ban_user", Outcome: OutcomeError},
		{ActorID: "cli", Action: AuditRevokeKey, TargetType: "api_key", TargetID: "key-1"},
	}
	for i, e := range entries {
		e.Timestamp = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.AppendAuditLog(ctx, e))
	}
	return base
}

func TestAuditStore_List_NoFilter(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		seedAudit(t, s)

		entries, err := s.ListAuditLog(context.Background(), AuditFilter{})
		require.NoError(t, err)
		require.Len(t, entries, 4)

		// Should be newest first
		assert.Equal(t, AuditRevokeKey, entries[0].Action)
		assert.Equal(t, AuditCreateKey, entries[3].Action)
	})
}

func TestAuditStore_List_Filters(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		base := seedAudit(t, s)
		ctx := context.Background()

		actor := "key-1"
		entries, err := s.ListAuditLog(ctx, AuditFilter{ActorID: &actor})
		require.NoError(t, err)
		assert.Len(t, entries, 2)

		action := AuditCreateKey
		entries, err = s.ListAuditLog(ctx, AuditFilter{Action: &action})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "key-1", entries[0].TargetID)

		outcome := OutcomeError
		entries, err = s.ListAuditLog(ctx, AuditFilter{Outcome: &outcome})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "ban_user", entries[0].TargetID)

		targetType := "tool"
		targetID := "send_message"
		entries, err = s.ListAuditLog(ctx, AuditFilter{TargetType: &targetType, TargetID: &targetID})
		require.NoError(t, err)
		assert.Len(t, entries, 1)

		since := base.Add(time.Second)
		until := base.Add(2 * time.Second)
		entries, err = s.ListAuditLog(ctx, AuditFilter{Since: &since, Until: &until})
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})
}

func TestAuditStore_List_Limit(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		seedAudit(t, s)

		entries, err := s.ListAuditLog(context.Background(), AuditFilter{Limit: 2})
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, AuditRevokeKey, entries[0].Action)
	})
}

func TestAuditStore_RejectsUnknownAction(t *testing.T) {
	s := setupTestStore(t)

	err := s.AppendAuditLog(context.Background(), &AuditEntry{
		ActorID:    "key-1",
		Action:     AuditAction("launch_rockets"),
		TargetType: "tool",
		TargetID:   "x",
	})
	assert.Error(t, err)
}

func TestNormalizeAuditLimit(t *testing.T) {
	assert.Equal(t, 100, normalizeAuditLimit(0))
	assert.Equal(t, 100, normalizeAuditLimit(-5))
	assert.Equal(t, 50, normalizeAuditLimit(50))
	assert.Equal(t, 1000, normalizeAuditLimit(5000))
}

func TestParseAuditAction(t *testing.T) {
	for _, a := range ValidAuditActions {
		got, err := ParseAuditAction(string(a))
		require.NoError(t, err)
		assert.Equal(t, a, got)
	}

	_, err := ParseAuditAction("delete_everything")
	assert.Error(t, err)
}
