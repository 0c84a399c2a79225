// ABOUTME: Tests for the MCP HTTP server including sessions, listing, and tool calls.
// ABOUTME: Validates key binding at initialize, isError mapping, and session ownership.

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/executor"
	"github.com/2389/toolgate/internal/gateway"
	"github.com/2389/toolgate/internal/permission"
	"github.com/2389/toolgate/internal/ratelimit"
	"github.com/2389/toolgate/internal/store"
	"github.com/2389/toolgate/internal/tools"
)

// setupTestGateway creates a gateway over an in-memory store and returns it
// with a key holding perms.
func setupTestGateway(t *testing.T, perms ...permission.Permission) (*gateway.Gateway, string) {
	t.Helper()

	st := store.NewMockStore()
	keyring := auth.NewKeyring(st, st, permission.NewSet(permission.SendMessages), nil)

	limiter := ratelimit.New(ratelimit.Config{Limit: 100, Window: time.Minute, SweepInterval: time.Hour})
	t.Cleanup(limiter.Close)

	exec := executor.Func(func(ctx context.Context, tool string, params any) (any, error) {
		if p, ok := params.(*tools.SendMessageParams); ok {
			return map[string]string{"sent": p.Content}, nil
		}
		return map[string]string{"tool": tool}, nil
	})

	gw, err := gateway.New(gateway.Config{
		Keys:     keyring,
		Limiter:  limiter,
		Catalog:  tools.DefaultCatalog(),
		Executor: exec,
		Audit:    st,
	})
	if err != nil {
		t.Fatalf("failed to create gateway: %v", err)
	}

	set := permission.NewSet(perms...)
	issued, err := keyring.Issue(context.Background(), auth.IssueRequest{OwnerID: "tester", Permissions: &set})
	if err != nil {
		t.Fatalf("failed to issue key: %v", err)
	}
	return gw, issued.Key
}

func setupTestServer(t *testing.T, gw *gateway.Gateway) *Server {
	t.Helper()
	srv, err := NewServer(Config{Gateway: gw, Version: "test"})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return srv
}

func post(t *testing.T, srv *Server, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

// initSession performs initialize and returns the session ID.
func initSession(t *testing.T, srv *Server, apiKey string) string {
	t.Helper()
	rec := post(t, srv, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		map[string]string{auth.APIKeyHeader: apiKey})
	if rec.Code != http.StatusOK {
		t.Fatalf("initialize: expected 200, got %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.Error != nil {
		t.Fatalf("initialize failed: %+v", resp.Error)
	}
	sessionID := rec.Header().Get("Mcp-Session-Id")
	if sessionID == "" {
		t.Fatal("expected Mcp-Session-Id header")
	}
	return sessionID
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *JSONRPCError   `json:"error"`
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) rpcResponse {
	t.Helper()
	var resp rpcResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestNewServer_RequiresGateway(t *testing.T) {
	if _, err := NewServer(Config{}); err == nil {
		t.Fatal("expected error without gateway")
	}
}

func TestInitialize(t *testing.T) {
	gw, key := setupTestGateway(t, permission.SendMessages)
	srv := setupTestServer(t, gw)

	rec := post(t, srv, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		map[string]string{"Authorization": "Bearer " + key})
	resp := decodeResponse(t, rec)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if result.ProtocolVersion != latestProtocolVersion {
		t.Errorf("expected protocol %s, got %s", latestProtocolVersion, result.ProtocolVersion)
	}
	if result.ServerInfo.Name != ServerName || result.ServerInfo.Version != "test" {
		t.Errorf("unexpected server info: %+v", result.ServerInfo)
	}
	if srv.SessionCount() != 1 {
		t.Errorf("expected 1 session, got %d", srv.SessionCount())
	}
}

func TestInitialize_RejectsMissingAndInvalidKeys(t *testing.T) {
	gw, _ := setupTestGateway(t)
	srv := setupTestServer(t, gw)

	tests := []struct {
		name    string
		headers map[string]string
		message string
	}{
		{"missing", nil, "authentication required"},
		{"unknown", map[string]string{auth.APIKeyHeader: "mcp_" + strings.Repeat("a", 64)}, "invalid api key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, srv, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, tt.headers)
			resp := decodeResponse(t, rec)
			if resp.Error == nil {
				t.Fatal("expected error")
			}
			if resp.Error.Message != tt.message {
				t.Errorf("expected %q, got %q", tt.message, resp.Error.Message)
			}
			if rec.Header().Get("Mcp-Session-Id") != "" {
				t.Error("no session should be created")
			}
		})
	}
}

func TestToolsList(t *testing.T) {
	gw, key := setupTestGateway(t, permission.ViewChannels)
	srv := setupTestServer(t, gw)
	sessionID := initSession(t, srv, key)

	rec := post(t, srv, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		map[string]string{"Mcp-Session-Id": sessionID})
	resp := decodeResponse(t, rec)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	var result MCPListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if len(result.Tools) != 8 {
		t.Fatalf("expected 8 tools, got %d", len(result.Tools))
	}
	if result.Tools[0].Name != tools.SendMessage {
		t.Errorf("expected first tool %s, got %s", tools.SendMessage, result.Tools[0].Name)
	}
	if !strings.Contains(string(result.Tools[0].InputSchema), `"content"`) {
		t.Errorf("schema missing content property: %s", result.Tools[0].InputSchema)
	}
}

func TestToolsCall_Success(t *testing.T) {
	gw, key := setupTestGateway(t, permission.SendMessages)
	srv := setupTestServer(t, gw)
	sessionID := initSession(t, srv, key)

	rec := post(t, srv,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"send_message","arguments":{"channel_id":"c","content":"hello"}}}`,
		map[string]string{"Mcp-Session-Id": sessionID, "Mcp-Protocol-Version": latestProtocolVersion})
	resp := decodeResponse(t, rec)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	var result MCPCallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success, got %+v", result)
	}
	if len(result.Content) != 1 || result.Content[0].Text != `{"sent":"hello"}` {
		t.Errorf("unexpected content: %+v", result.Content)
	}
}

func TestToolsCall_GatewayErrorsAreToolErrors(t *testing.T) {
	gw, key := setupTestGateway(t, permission.SendMessages)
	srv := setupTestServer(t, gw)
	sessionID := initSession(t, srv, key)

	tests := []struct {
		name string
		call string
		kind gateway.Kind
	}{
		{"missing permission", `{"name":"ban_user","arguments":{"guild_id":"g","user_id":"u"}}`, gateway.KindAuthorization},
		{"unknown tool", `{"name":"launch_rockets"}`, gateway.KindNotFound},
		{"invalid parameters", `{"name":"send_message","arguments":{"channel_id":"c"}}`, gateway.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, srv, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":`+tt.call+`}`,
				map[string]string{"Mcp-Session-Id": sessionID})
			resp := decodeResponse(t, rec)
			if resp.Error != nil {
				t.Fatalf("expected tool result, got JSON-RPC error %+v", resp.Error)
			}

			var result MCPCallToolResult
			if err := json.Unmarshal(resp.Result, &result); err != nil {
				t.Fatalf("failed to decode result: %v", err)
			}
			if !result.IsError {
				t.Fatal("expected isError")
			}

			var body struct {
				Status string            `json:"status"`
				Error  gateway.ErrorBody `json:"error"`
			}
			if err := json.Unmarshal([]byte(result.Content[0].Text), &body); err != nil {
				t.Fatalf("error text is not JSON: %v", err)
			}
			if body.Status != "error" || body.Error.Kind != tt.kind {
				t.Errorf("expected kind %s, got %+v", tt.kind, body)
			}
		})
	}
}

func TestToolsCall_MissingName(t *testing.T) {
	gw, key := setupTestGateway(t)
	srv := setupTestServer(t, gw)
	sessionID := initSession(t, srv, key)

	rec := post(t, srv, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{}}`,
		map[string]string{"Mcp-Session-Id": sessionID})
	resp := decodeResponse(t, rec)
	if resp.Error == nil || resp.Error.Code != JSONRPCInvalidParams {
		t.Fatalf("expected invalid params error, got %+v", resp.Error)
	}
}

func TestSessionRequired(t *testing.T) {
	gw, _ := setupTestGateway(t)
	srv := setupTestServer(t, gw)

	rec := post(t, srv, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without session, got %d", rec.Code)
	}

	rec = post(t, srv, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, map[string]string{"Mcp-Session-Id": "nope"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown session, got %d", rec.Code)
	}
}

func TestProtocolErrors(t *testing.T) {
	gw, key := setupTestGateway(t)
	srv := setupTestServer(t, gw)
	sessionID := initSession(t, srv, key)

	resp := decodeResponse(t, post(t, srv, `not json`, nil))
	if resp.Error == nil || resp.Error.Code != JSONRPCParseError {
		t.Errorf("expected parse error, got %+v", resp.Error)
	}

	resp = decodeResponse(t, post(t, srv, `{"jsonrpc":"1.0","id":1,"method":"ping"}`, nil))
	if resp.Error == nil || resp.Error.Code != JSONRPCInvalidRequest {
		t.Errorf("expected invalid request, got %+v", resp.Error)
	}

	resp = decodeResponse(t, post(t, srv, `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`,
		map[string]string{"Mcp-Session-Id": sessionID}))
	if resp.Error == nil || resp.Error.Code != JSONRPCMethodNotFound {
		t.Errorf("expected method not found, got %+v", resp.Error)
	}

	rec := post(t, srv, `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		map[string]string{"Mcp-Session-Id": sessionID, "Mcp-Protocol-Version": "1999-01-01"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unsupported protocol version, got %d", rec.Code)
	}
}

func TestNotificationAccepted(t *testing.T) {
	gw, key := setupTestGateway(t)
	srv := setupTestServer(t, gw)
	sessionID := initSession(t, srv, key)

	rec := post(t, srv, `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		map[string]string{"Mcp-Session-Id": sessionID})
	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("expected empty body, got %q", rec.Body.String())
	}
}

func TestDeleteSession(t *testing.T) {
	gw, key := setupTestGateway(t)
	srv := setupTestServer(t, gw)
	sessionID := initSession(t, srv, key)

	del := func(headers map[string]string) int {
		req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	if code := del(map[string]string{"Mcp-Session-Id": sessionID}); code != http.StatusForbidden {
		t.Errorf("expected 403 without the owning key, got %d", code)
	}
	if code := del(map[string]string{"Mcp-Session-Id": sessionID, auth.APIKeyHeader: key}); code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", code)
	}
	if code := del(map[string]string{"Mcp-Session-Id": sessionID, auth.APIKeyHeader: key}); code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", code)
	}
	if code := del(nil); code != http.StatusBadRequest {
		t.Errorf("expected 400 without session header, got %d", code)
	}
}

func TestGetNotAllowed(t *testing.T) {
	gw, _ := setupTestGateway(t)
	srv := setupTestServer(t, gw)

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestSessionExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sessions := newSessionStore(time.Minute, func() time.Time { return now })

	sess := sessions.create(latestProtocolVersion, "mcp_key")
	if _, ok := sessions.get(sess.id); !ok {
		t.Fatal("expected live session")
	}

	now = now.Add(59 * time.Second)
	if _, ok := sessions.get(sess.id); !ok {
		t.Fatal("get should refresh the idle timer")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := sessions.get(sess.id); ok {
		t.Fatal("expected session to expire")
	}
	if sessions.len() != 0 {
		t.Errorf("expired session should be removed, have %d", sessions.len())
	}

	stale := sessions.create(latestProtocolVersion, "a")
	now = now.Add(2 * time.Minute)
	sessions.create(latestProtocolVersion, "b")
	if _, ok := sessions.sessions[stale.id]; ok {
		t.Error("create should prune idle sessions")
	}
}

func TestSessionOwnership(t *testing.T) {
	sessions := newSessionStore(0, nil)
	sess := sessions.create(latestProtocolVersion, "mcp_owner")

	if !sess.ownedBy("mcp_owner") {
		t.Error("expected owner match")
	}
	if sess.ownedBy("mcp_other") || sess.ownedBy("") {
		t.Error("expected other keys to be rejected")
	}
}
