// ABOUTME: Tests for the tool invocation pipeline
// ABOUTME: Covers each failure kind, short-circuit ordering, audit records, and executor panics

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/executor"
	"github.com/2389/toolgate/internal/permission"
	"github.com/2389/toolgate/internal/ratelimit"
	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/tools"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingLimiter records how often it is consulted.
type countingLimiter struct {
	inner Limiter
	calls atomic.Int64
}

func (l *countingLimiter) Allow(key string) ratelimit.Decision {
	l.calls.Add(1)
	return l.inner.Allow(key)
}

type harness struct {
	gw       *Gateway
	keyring  *auth.Keyring
	store    *store.MockStore
	clock    *testClock
	limiter  *countingLimiter
	dispatch atomic.Int64
	exec     func(ctx context.Context, tool string, params any) (any, error)
}

func newHarness(t *testing.T, ceiling int, window time.Duration) *harness {
	t.Helper()

	h := &harness{
		store: store.NewMockStore(),
		clock: &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
		exec: func(ctx context.Context, tool string, params any) (any, error) {
			return map[string]any{"ok": true}, nil
		},
	}
	h.keyring = auth.NewKeyring(h.store, h.store, permission.NewSet(permission.SendMessages), nil)

	rl := ratelimit.New(ratelimit.Config{Limit: ceiling, Window: window, Now: h.clock.Now, SweepInterval: time.Hour})
	t.Cleanup(rl.Close)
	h.limiter = &countingLimiter{inner: rl}

	exec := executor.Func(func(ctx context.Context, tool string, params any) (any, error) {
		h.dispatch.Add(1)
		return h.exec(ctx, tool, params)
	})

	gw, err := New(Config{
		Keys:     h.keyring,
		Limiter:  h.limiter,
		Catalog:  tools.DefaultCatalog(),
		Executor: exec,
		Audit:    h.store,
		Now:      h.clock.Now,
	})
	require.NoError(t, err)
	h.gw = gw
	return h
}

func (h *harness) issue(t *testing.T, perms ...permission.Permission) string {
	t.Helper()
	set := permission.NewSet(perms...)
	issued, err := h.keyring.Issue(context.Background(), auth.IssueRequest{OwnerID: "tester", Permissions: &set})
	require.NoError(t, err)
	return issued.Key
}

var sendParams = json.RawMessage(`{"channel_id":"!room:example.org","content":"hi"}`)

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestInvoke_Success(t *testing.T) {
	h := newHarness(t, 10, time.Minute)
	key := h.issue(t, permission.SendMessages)

	var gotParams any
	h.exec = func(ctx context.Context, tool string, params any) (any, error) {
		gotParams = params
		return "sent", nil
	}

	res := h.gw.Invoke(context.Background(), key, tools.SendMessage, sendParams)
	require.True(t, res.OK(), "%+v", res.Err)
	assert.Equal(t, "sent", res.Payload)
	assert.Nil(t, res.Err)
	assert.Equal(t, StageDispatched, res.Reached)
	assert.Equal(t, StageCompleted, res.Terminal())
	assert.NotEmpty(t, res.RequestID)

	p, ok := gotParams.(*tools.SendMessageParams)
	require.True(t, ok)
	assert.Equal(t, "hi", p.Content)
}

func TestInvoke_UnknownKeyNeverReachesLimiterOrDispatch(t *testing.T) {
	h := newHarness(t, 10, time.Minute)

	for _, key := range []string{"", "nope", "mcp_" + strings.Repeat("0", 64)} {
		res := h.gw.Invoke(context.Background(), key, tools.SendMessage, sendParams)
		require.False(t, res.OK())
		assert.Equal(t, KindAuth, res.Err.Kind)
		assert.Equal(t, ReasonInvalidKey, res.Err.Reason)
		assert.Equal(t, StageReceived, res.Reached)
		assert.ErrorIs(t, res.Err, ErrInvalidKey)
	}

	assert.Zero(t, h.limiter.calls.Load())
	assert.Zero(t, h.dispatch.Load())

	// Unauthenticated calls have no actor and are not audited.
	entries, err := h.store.ListAuditLog(context.Background(), store.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInvoke_RevokedKey(t *testing.T) {
	h := newHarness(t, 10, time.Minute)
	key := h.issue(t, permission.SendMessages)

	rec, err := h.keyring.Lookup(context.Background(), key)
	require.NoError(t, err)
	require.NoError(t, h.keyring.Revoke(context.Background(), rec.ID, "test"))

	res := h.gw.Invoke(context.Background(), key, tools.SendMessage, sendParams)
	require.NotNil(t, res.Err)
	assert.Equal(t, KindAuth, res.Err.Kind)
}

func TestInvoke_CeilingScenario(t *testing.T) {
	// ceiling=2, window=60s, three calls within 10 seconds
	h := newHarness(t, 2, 60*time.Second)
	key := h.issue(t, permission.SendMessages)
	ctx := context.Background()

	first := h.gw.Invoke(ctx, key, tools.SendMessage, sendParams)
	h.clock.Advance(4 * time.Second)
	second := h.gw.Invoke(ctx, key, tools.SendMessage, sendParams)
	h.clock.Advance(5 * time.Second)
	third := h.gw.Invoke(ctx, key, tools.SendMessage, sendParams)

	assert.True(t, first.OK())
	assert.True(t, second.OK())
	require.False(t, third.OK())
	assert.Equal(t, KindRateLimit, third.Err.Kind)
	assert.Equal(t, 51*time.Second, third.Err.RetryAfter)
	assert.Equal(t, StageAuthenticated, third.Reached)
	assert.ErrorIs(t, third.Err, ErrRateLimited)

	assert.Equal(t, int64(2), h.dispatch.Load())
}

func TestInvoke_WindowExpiryRestoresAccess(t *testing.T) {
	h := newHarness(t, 1, time.Minute)
	key := h.issue(t, permission.SendMessages)
	ctx := context.Background()

	require.True(t, h.gw.Invoke(ctx, key, tools.SendMessage, sendParams).OK())
	require.False(t, h.gw.Invoke(ctx, key, tools.SendMessage, sendParams).OK())

	h.clock.Advance(time.Minute)
	assert.True(t, h.gw.Invoke(ctx, key, tools.SendMessage, sendParams).OK())
}

func TestInvoke_MissingPermission(t *testing.T) {
	h := newHarness(t, 10, time.Minute)
	key := h.issue(t, permission.ViewChannels)

	res := h.gw.Invoke(context.Background(), key, tools.BanUser, json.RawMessage(`{"guild_id":"g","user_id":"u"}`))
	require.False(t, res.OK())
	assert.Equal(t, KindAuthorization, res.Err.Kind)
	assert.Equal(t, ReasonMissingPermission, res.Err.Reason)
	assert.Contains(t, res.Err.Message, "ban_members")
	assert.Equal(t, StageRateChecked, res.Reached)
	assert.Zero(t, h.dispatch.Load())
}

func TestInvoke_MissingPermissionRegardlessOfRateLimit(t *testing.T) {
	h := newHarness(t, 1, time.Minute)
	key := h.issue(t, permission.ViewChannels)
	ctx := context.Background()
	params := json.RawMessage(`{"guild_id":"g","user_id":"u"}`)

	first := h.gw.Invoke(ctx, key, tools.BanUser, params)
	assert.Equal(t, KindAuthorization, first.Err.Kind)

	// Once the window is exhausted the limiter answers first, but the call
	// still fails without dispatch.
	second := h.gw.Invoke(ctx, key, tools.BanUser, params)
	require.NotNil(t, second.Err)
	assert.Zero(t, h.dispatch.Load())
}

func TestInvoke_UnknownTool(t *testing.T) {
	h := newHarness(t, 10, time.Minute)
	key := h.issue(t, permission.All()...)

	res := h.gw.Invoke(context.Background(), key, "launch_rockets", nil)
	require.False(t, res.OK())
	assert.Equal(t, KindNotFound, res.Err.Kind)
	assert.Equal(t, ReasonUnknownTool, res.Err.Reason)
	assert.ErrorIs(t, res.Err, ErrUnknownTool)
}

func TestInvoke_ValidationReportsAllViolations(t *testing.T) {
	h := newHarness(t, 10, time.Minute)
	key := h.issue(t, permission.SendMessages)

	res := h.gw.Invoke(context.Background(), key, tools.SendMessage, json.RawMessage(`{"reply_to":7}`))
	require.False(t, res.OK())
	assert.Equal(t, KindValidation, res.Err.Kind)
	assert.Len(t, res.Err.Violations, 3)
	assert.Equal(t, StageAuthorized, res.Reached)
	assert.Zero(t, h.dispatch.Load())
}

func TestInvoke_ValidationMergesMissingAndOutOfRange(t *testing.T) {
	h := newHarness(t, 10, time.Minute)
	key := h.issue(t, permission.ReadMessageHistory)

	res := h.gw.Invoke(context.Background(), key, tools.GetMessages, json.RawMessage(`{"limit":500}`))
	require.False(t, res.OK())
	assert.Equal(t, KindValidation, res.Err.Kind)
	assert.Equal(t, []tools.Violation{
		{Field: "channel_id", Reason: "is required"},
		{Field: "limit", Reason: "must be <= 100"},
	}, res.Err.Violations)
	assert.Zero(t, h.dispatch.Load())
}

func TestInvoke_ExecutorErrorIsUpstream(t *testing.T) {
	h := newHarness(t, 10, time.Minute)
	key := h.issue(t, permission.SendMessages)

	boom := errors.New("homeserver unreachable")
	h.exec = func(ctx context.Context, tool string, params any) (any, error) {
		return nil, boom
	}

	res := h.gw.Invoke(context.Background(), key, tools.SendMessage, sendParams)
	require.False(t, res.OK())
	assert.Equal(t, KindUpstream, res.Err.Kind)
	assert.Equal(t, ReasonExecutorFailed, res.Err.Reason)
	assert.ErrorIs(t, res.Err, boom)
	assert.ErrorIs(t, res.Err, ErrUpstream)
	assert.Equal(t, StageDispatched, res.Reached)
	assert.Nil(t, res.Payload)
}

func TestInvoke_ExecutorPanicIsUpstream(t *testing.T) {
	h := newHarness(t, 10, time.Minute)
	key := h.issue(t, permission.SendMessages)

	h.exec = func(ctx context.Context, tool string, params any) (any, error) {
		panic("nil map write")
	}

	var res Result
	require.NotPanics(t, func() {
		res = h.gw.Invoke(context.Background(), key, tools.SendMessage, sendParams)
	})
	require.False(t, res.OK())
	assert.Equal(t, KindUpstream, res.Err.Kind)
	assert.Equal(t, ReasonExecutorPanicked, res.Err.Reason)
}

func TestInvoke_ContextPassedToExecutor(t *testing.T) {
	h := newHarness(t, 10, time.Minute)
	key := h.issue(t, permission.SendMessages)

	type ctxKey struct{}
	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), ctxKey{}, "marker"))
	cancel()

	h.exec = func(ctx context.Context, tool string, params any) (any, error) {
		assert.Equal(t, "marker", ctx.Value(ctxKey{}))
		return nil, ctx.Err()
	}

	res := h.gw.Invoke(ctx, key, tools.SendMessage, sendParams)
	require.False(t, res.OK())
	assert.Equal(t, ReasonExecutorCanceled, res.Err.Reason)
	assert.ErrorIs(t, res.Err, context.Canceled)

	// The audit entry is still written for the canceled call.
	action := store.AuditInvokeTool
	entries, err := h.store.ListAuditLog(context.Background(), store.AuditFilter{Action: &action})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestInvoke_Audit(t *testing.T) {
	h := newHarness(t, 10, time.Minute)
	key := h.issue(t, permission.SendMessages)
	ctx := context.Background()

	ok := h.gw.Invoke(ctx, key, tools.SendMessage, sendParams)
	denied := h.gw.Invoke(ctx, key, tools.DeleteMessage, json.RawMessage(`{"channel_id":"c","message_id":"m"}`))

	action := store.AuditInvokeTool
	entries, err := h.store.ListAuditLog(ctx, store.AuditFilter{Action: &action})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byTool := map[string]store.AuditEntry{}
	for _, e := range entries {
		byTool[e.TargetID] = e
	}

	sent := byTool[tools.SendMessage]
	assert.Equal(t, ok.KeyID, sent.ActorID)
	assert.Equal(t, store.OutcomeOK, sent.Outcome)
	assert.Equal(t, "completed", sent.Detail["state"])
	assert.Equal(t, ok.RequestID, sent.Detail["request_id"])

	del := byTool[tools.DeleteMessage]
	assert.Equal(t, store.OutcomeError, del.Outcome)
	assert.Equal(t, "authorization", del.Detail["kind"])
	assert.Equal(t, "rate_checked", del.Detail["reached"])
	assert.Equal(t, denied.RequestID, del.Detail["request_id"])
}

func TestListTools(t *testing.T) {
	h := newHarness(t, 1, time.Minute)
	key := h.issue(t, permission.ViewChannels)
	ctx := context.Background()

	first, err := h.gw.ListTools(ctx, key)
	require.NoError(t, err)
	second, err := h.gw.ListTools(ctx, key)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	require.Len(t, first, tools.DefaultCatalog().Len())
	for i, d := range tools.DefaultCatalog().List() {
		assert.Equal(t, d.Name, first[i].Name)
		assert.Equal(t, d.Required, first[i].Required)
		assert.JSONEq(t, string(d.Schema()), string(first[i].Schema()))
	}

	// Listing does not consume the rate limit.
	assert.Zero(t, h.limiter.calls.Load())
}

func TestListTools_InvalidKey(t *testing.T) {
	h := newHarness(t, 1, time.Minute)

	_, err := h.gw.ListTools(context.Background(), "mcp_bad")
	assert.ErrorIs(t, err, ErrInvalidKey)
	gerr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindAuth, gerr.Kind)
}

type failingKeys struct{}

func (failingKeys) Lookup(ctx context.Context, apiKey string) (*store.APIKey, error) {
	return nil, errors.New("database is locked")
}

func TestInvoke_KeyStoreFailure(t *testing.T) {
	gw, err := New(Config{
		Keys:     failingKeys{},
		Limiter:  ratelimit.New(ratelimit.Config{Limit: 1, Window: time.Minute}),
		Catalog:  tools.DefaultCatalog(),
		Executor: executor.NewDryRun(),
	})
	require.NoError(t, err)

	res := gw.Invoke(context.Background(), "mcp_x", tools.SendMessage, sendParams)
	require.False(t, res.OK())
	assert.Equal(t, KindAuth, res.Err.Kind)
	assert.Equal(t, ReasonKeyLookupFailed, res.Err.Reason)
}
