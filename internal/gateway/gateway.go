// ABOUTME: Tool gateway that authenticates, rate limits, authorizes, validates, and dispatches calls
// ABOUTME: Every invocation yields a structured Result; failures never escape as panics

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/executor"
	"github.com/2389/toolgate/internal/ratelimit"
	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/tools"
)

// KeyStore resolves plaintext API keys. Unknown or revoked keys must return
// an error wrapping auth.ErrInvalidKey.
type KeyStore interface {
	Lookup(ctx context.Context, apiKey string) (*store.APIKey, error)
}

// Limiter charges one request against a key.
type Limiter interface {
	Allow(key string) ratelimit.Decision
}

// Config holds the gateway's collaborators.
type Config struct {
	Keys     KeyStore
	Limiter  Limiter
	Catalog  *tools.Catalog
	Executor executor.Executor

	// Audit is optional.
	Audit  store.AuditStore
	Logger *slog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Gateway is the single entry point for tool calls from every transport.
type Gateway struct {
	keys     KeyStore
	limiter  Limiter
	catalog  *tools.Catalog
	executor executor.Executor
	audit    store.AuditStore
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a gateway.
func New(cfg Config) (*Gateway, error) {
	switch {
	case cfg.Keys == nil:
		return nil, errors.New("gateway: key store is required")
	case cfg.Limiter == nil:
		return nil, errors.New("gateway: limiter is required")
	case cfg.Catalog == nil:
		return nil, errors.New("gateway: catalog is required")
	case cfg.Executor == nil:
		return nil, errors.New("gateway: executor is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Gateway{
		keys:     cfg.Keys,
		limiter:  cfg.Limiter,
		catalog:  cfg.Catalog,
		executor: cfg.Executor,
		audit:    cfg.Audit,
		logger:   logger.With("component", "gateway"),
		now:      now,
	}, nil
}

// Catalog returns the tool catalog.
func (g *Gateway) Catalog() *tools.Catalog {
	return g.catalog
}

// ExecutorName identifies the executor behind the gateway.
func (g *Gateway) ExecutorName() string {
	return g.executor.Name()
}

// Ping checks the executor's upstream if it supports it.
func (g *Gateway) Ping(ctx context.Context) error {
	if p, ok := g.executor.(executor.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// invocation tracks one call through the pipeline.
type invocation struct {
	result  Result
	started time.Time
}

func (inv *invocation) reach(s Stage) {
	inv.result.Reached = s
}

// Invoke runs a tool call through authentication, rate limiting,
// authorization, parameter validation, and dispatch, stopping at the first
// failure. ctx is passed to the executor unchanged.
func (g *Gateway) Invoke(ctx context.Context, apiKey, toolName string, params json.RawMessage) Result {
	inv := &invocation{
		result: Result{
			RequestID: uuid.New().String(),
			Tool:      toolName,
			Reached:   StageReceived,
		},
		started: g.now(),
	}

	key, gerr := g.authenticate(ctx, apiKey)
	if gerr != nil {
		return g.finish(ctx, inv, nil, gerr)
	}
	inv.result.KeyID = key.ID
	inv.reach(StageAuthenticated)

	if d := g.limiter.Allow(key.ID); !d.Allowed {
		return g.finish(ctx, inv, nil, rateLimitError(d.RetryAfter, d.Limit))
	}
	inv.reach(StageRateChecked)

	desc, ok := g.catalog.Lookup(toolName)
	if !ok {
		return g.finish(ctx, inv, nil, notFoundError(toolName))
	}
	if !key.Permissions.Has(desc.Required) {
		return g.finish(ctx, inv, nil, authorizationError(toolName, desc.Required.String()))
	}
	inv.reach(StageAuthorized)

	validated, err := desc.Validate(params)
	if err != nil {
		var verr *tools.ValidationError
		if errors.As(err, &verr) {
			return g.finish(ctx, inv, nil, validationError(verr.Violations))
		}
		return g.finish(ctx, inv, nil, validationError([]tools.Violation{{Reason: err.Error()}}))
	}
	inv.reach(StageValidated)

	inv.reach(StageDispatched)
	payload, gerr := g.dispatch(ctx, toolName, validated)
	return g.finish(ctx, inv, payload, gerr)
}

// authenticate resolves the key. Store failures are reported as auth errors
// but keep their cause.
func (g *Gateway) authenticate(ctx context.Context, apiKey string) (*store.APIKey, *Error) {
	if apiKey == "" {
		return nil, authError(nil)
	}
	key, err := g.keys.Lookup(ctx, apiKey)
	if err == nil {
		return key, nil
	}
	if errors.Is(err, auth.ErrInvalidKey) {
		return nil, authError(nil)
	}
	g.logger.Error("api key lookup failed", "error", err)
	return nil, authError(err)
}

// dispatch calls the executor, converting errors and panics to upstream errors.
func (g *Gateway) dispatch(ctx context.Context, toolName string, params any) (payload any, gerr *Error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("executor panicked", "tool", toolName, "panic", r)
			payload = nil
			gerr = upstreamError(ReasonExecutorPanicked, fmt.Errorf("executor panic: %v", r))
		}
	}()

	payload, err := g.executor.Execute(ctx, toolName, params)
	if err != nil {
		reason := ReasonExecutorFailed
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			reason = ReasonExecutorCanceled
		}
		return nil, upstreamError(reason, err)
	}
	return payload, nil
}

// finish fills in the terminal state, logs, and audits the invocation.
func (g *Gateway) finish(ctx context.Context, inv *invocation, payload any, gerr *Error) Result {
	r := inv.result
	r.Duration = g.now().Sub(inv.started)
	if gerr != nil {
		r.Status = StatusError
		r.Err = gerr
	} else {
		r.Status = StatusOK
		r.Payload = payload
	}

	attrs := []any{
		"request_id", r.RequestID,
		"tool", r.Tool,
		"key_id", r.KeyID,
		"reached", r.Reached,
		"state", r.Terminal(),
		"duration", r.Duration,
	}
	if gerr != nil {
		attrs = append(attrs, "kind", gerr.Kind, "reason", gerr.Reason)
		if gerr.Cause != nil {
			attrs = append(attrs, "error", gerr.Cause)
		}
		g.logger.Warn("tool invocation failed", attrs...)
	} else {
		g.logger.Info("tool invocation completed", attrs...)
	}

	g.record(ctx, &r)
	return r
}

// record writes the invocation to the audit log. Calls that never
// authenticated have no actor and are only logged.
func (g *Gateway) record(ctx context.Context, r *Result) {
	if g.audit == nil || r.KeyID == "" {
		return
	}

	detail := map[string]any{
		"request_id":  r.RequestID,
		"reached":     string(r.Reached),
		"state":       string(r.Terminal()),
		"duration_ms": r.Duration.Milliseconds(),
	}
	outcome := store.OutcomeOK
	if r.Err != nil {
		outcome = store.OutcomeError
		detail["kind"] = string(r.Err.Kind)
		detail["reason"] = r.Err.Reason
	}

	// Audit writes must not be lost when the caller's context is canceled.
	err := g.audit.AppendAuditLog(context.WithoutCancel(ctx), &store.AuditEntry{
		ActorID:    r.KeyID,
		Action:     store.AuditInvokeTool,
		TargetType: "tool",
		TargetID:   r.Tool,
		Outcome:    outcome,
		Timestamp:  g.now().UTC(),
		Detail:     detail,
	})
	if err != nil {
		g.logger.Warn("failed to append audit log", "request_id", r.RequestID, "error", err)
	}
}

// ListTools authenticates apiKey and returns the full catalog in
// registration order. Listing is not charged against the rate limit.
func (g *Gateway) ListTools(ctx context.Context, apiKey string) ([]*tools.Descriptor, error) {
	if _, gerr := g.authenticate(ctx, apiKey); gerr != nil {
		return nil, gerr
	}
	return g.catalog.List(), nil
}
