// ABOUTME: HTTP boundary for key issuance, tool listing, tool calls, and health checks
// ABOUTME: Translates gateway results into JSON responses and status codes

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/gateway"
	"github.com/2389/toolgate/internal/permission"
	"github.com/2389/toolgate/internal/tools"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// ServiceName is reported by the health endpoint.
const ServiceName = "toolgate"

// ToolGateway is the part of the gateway the HTTP API calls.
type ToolGateway interface {
	Invoke(ctx context.Context, apiKey, toolName string, params json.RawMessage) gateway.Result
	ListTools(ctx context.Context, apiKey string) ([]*tools.Descriptor, error)
	ExecutorName() string
	Ping(ctx context.Context) error
}

// ReplayGuard remembers idempotency keys.
type ReplayGuard interface {
	Claim(key string) bool
	Release(key string)
}

// IdempotencyKeyHeader lets callers mark a tool call as non-repeatable.
const IdempotencyKeyHeader = "Idempotency-Key"

// KeyIssuer creates API keys.
type KeyIssuer interface {
	Issue(ctx context.Context, req auth.IssueRequest) (*auth.Issued, error)
}

// Config holds the API's collaborators.
type Config struct {
	Gateway ToolGateway
	Keys    KeyIssuer

	// Admin guards key issuance. Nil leaves it open.
	Admin auth.TokenVerifier

	// AllowedOrigins lists CORS origins; "*" allows any.
	AllowedOrigins []string

	// Replays, when set, refuses repeated Idempotency-Key values per API key.
	Replays ReplayGuard

	// MCP, when set, is mounted at /mcp.
	MCP http.Handler

	Version string
	Logger  *slog.Logger
	Now     func() time.Time
}

// API serves the HTTP endpoints.
type API struct {
	gateway ToolGateway
	keys    KeyIssuer
	admin   auth.TokenVerifier
	origins []string
	replays ReplayGuard
	mcp     http.Handler
	version string
	logger  *slog.Logger
	now     func() time.Time
}

// New creates the API.
func New(cfg Config) *API {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	return &API{
		gateway: cfg.Gateway,
		keys:    cfg.Keys,
		admin:   cfg.Admin,
		origins: cfg.AllowedOrigins,
		replays: cfg.Replays,
		mcp:     cfg.MCP,
		version: version,
		logger:  logger.With("component", "httpapi"),
		now:     now,
	}
}

// Handler returns the routed handler with CORS applied.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /generate-api-key", auth.RequireAdmin(a.admin)(http.HandlerFunc(a.handleGenerateKey)))
	mux.Handle("GET /mcp/tools", auth.RequireAPIKey()(http.HandlerFunc(a.handleListTools)))
	mux.HandleFunc("POST /mcp/call-tool", a.handleCallTool)
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /ready", a.handleReady)
	if a.mcp != nil {
		mux.Handle("/mcp", a.mcp)
	}
	return cors(a.origins)(mux)
}

// GenerateKeyRequest is the JSON body for POST /generate-api-key.
type GenerateKeyRequest struct {
	OwnerID     string   `json:"owner_id"`
	Permissions []string `json:"permissions,omitempty"`
}

// GenerateKeyResponse is returned once per key; the plaintext is not stored.
type GenerateKeyResponse struct {
	APIKey       string    `json:"api_key"`
	KeyID        string    `json:"key_id"`
	OwnerID      string    `json:"owner_id"`
	Permissions  []string  `json:"permissions"`
	CreatedAt    time.Time `json:"created_at"`
	Instructions string    `json:"instructions"`
}

const keyInstructions = "Store this key securely, it will not be shown again. " +
	"Send it in the X-API-Key header or as Authorization: Bearer <key>."

func (a *API) handleGenerateKey(w http.ResponseWriter, r *http.Request) {
	var req GenerateKeyRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		a.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.OwnerID == "" {
		req.OwnerID = r.URL.Query().Get("user_id")
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		a.sendJSONError(w, http.StatusBadRequest, "owner_id is required")
		return
	}

	issue := auth.IssueRequest{OwnerID: req.OwnerID, Actor: "anonymous"}
	if ac := auth.FromContext(r.Context()); ac != nil {
		issue.Actor = ac.Subject
	}
	if req.Permissions != nil {
		perms, err := permission.ParseSet(req.Permissions)
		if err != nil {
			a.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		issue.Permissions = &perms
	}

	issued, err := a.keys.Issue(r.Context(), issue)
	if errors.Is(err, auth.ErrMissingOwner) {
		a.sendJSONError(w, http.StatusBadRequest, "owner_id is required")
		return
	}
	if err != nil {
		a.logger.Error("failed to issue api key", "owner", req.OwnerID, "error", err)
		a.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	a.writeJSON(w, http.StatusCreated, GenerateKeyResponse{
		APIKey:       issued.Key,
		KeyID:        issued.Record.ID,
		OwnerID:      issued.Record.OwnerID,
		Permissions:  issued.Record.Permissions.Names(),
		CreatedAt:    issued.Record.CreatedAt,
		Instructions: keyInstructions,
	})
}

// ToolInfo describes one tool in the listing.
type ToolInfo struct {
	Name               string          `json:"name"`
	Description        string          `json:"description"`
	RequiredPermission string          `json:"required_permission"`
	Parameters         json.RawMessage `json:"parameters"`
}

// ToolsResponse is the JSON response for GET /mcp/tools.
type ToolsResponse struct {
	Tools []ToolInfo `json:"tools"`
	Count int        `json:"count"`
}

func (a *API) handleListTools(w http.ResponseWriter, r *http.Request) {
	descs, err := a.gateway.ListTools(r.Context(), auth.CredentialFromContext(r.Context()))
	if err != nil {
		if gerr, ok := gateway.AsError(err); ok {
			a.writeError(w, gerr)
			return
		}
		a.logger.Error("failed to list tools", "error", err)
		a.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := ToolsResponse{Tools: make([]ToolInfo, 0, len(descs)), Count: len(descs)}
	for _, d := range descs {
		resp.Tools = append(resp.Tools, ToolInfo{
			Name:               d.Name,
			Description:        d.Description,
			RequiredPermission: d.Required.String(),
			Parameters:         d.Schema(),
		})
	}
	a.writeJSON(w, http.StatusOK, resp)
}

// CallToolRequest is the JSON body for POST /mcp/call-tool.
type CallToolRequest struct {
	ToolName   string          `json:"tool_name"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

func (a *API) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req CallToolRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		a.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	// A missing or malformed credential is left for the gateway to reject so
	// the caller gets a structured result.
	apiKey, _ := auth.ExtractAPIKey(r)

	replayKey := ""
	if idem := r.Header.Get(IdempotencyKeyHeader); idem != "" && a.replays != nil && apiKey != "" {
		replayKey = auth.HashKey(apiKey) + ":" + idem
		if !a.replays.Claim(replayKey) {
			a.sendJSONError(w, http.StatusConflict, "duplicate request")
			return
		}
	}

	result := a.gateway.Invoke(r.Context(), apiKey, req.ToolName, req.Parameters)
	if replayKey != "" && !result.OK() && result.Reached != gateway.StageDispatched {
		// Nothing was executed, so the caller may retry with the same key.
		a.replays.Release(replayKey)
	}
	if result.Err != nil {
		setErrorHeaders(w, result.Err)
	}
	a.writeJSON(w, StatusFor(&result), result)
}

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Executor  string    `json:"executor"`
	Timestamp time.Time `json:"timestamp"`
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Service:   ServiceName,
		Version:   a.version,
		Executor:  a.gateway.ExecutorName(),
		Timestamp: a.now().UTC(),
	})
}

// handleReady reports whether the executor's upstream is reachable.
func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := a.gateway.Ping(ctx); err != nil {
		a.logger.Warn("readiness check failed", "executor", a.gateway.ExecutorName(), "error", err)
		a.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// StatusFor maps a result to its HTTP status code.
func StatusFor(r *gateway.Result) int {
	if r.Err == nil {
		return http.StatusOK
	}
	return statusForKind(r.Err.Kind)
}

func statusForKind(k gateway.Kind) int {
	switch k {
	case gateway.KindAuth:
		return http.StatusUnauthorized
	case gateway.KindRateLimit:
		return http.StatusTooManyRequests
	case gateway.KindNotFound:
		return http.StatusNotFound
	case gateway.KindAuthorization:
		return http.StatusForbidden
	case gateway.KindValidation:
		return http.StatusUnprocessableEntity
	case gateway.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func setErrorHeaders(w http.ResponseWriter, e *gateway.Error) {
	switch e.Kind {
	case gateway.KindRateLimit:
		w.Header().Set("Retry-After", strconv.Itoa(gateway.RetryAfterSeconds(e.RetryAfter)))
	case gateway.KindAuth:
		w.Header().Set("WWW-Authenticate", `Bearer realm="toolgate"`)
	}
}

// writeError writes a bare gateway error outside of an invocation result.
func (a *API) writeError(w http.ResponseWriter, e *gateway.Error) {
	setErrorHeaders(w, e)
	a.writeJSON(w, statusForKind(e.Kind), map[string]any{
		"status": gateway.StatusError,
		"error":  e.Body(),
	})
}

// decodeBody decodes a JSON body into v. An empty body is accepted when
// allowEmpty is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	err := dec.Decode(v)
	if errors.Is(err, io.EOF) && allowEmpty {
		return nil
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return errors.New("request body too large")
	}
	if err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (a *API) sendJSONError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, map[string]string{"error": message})
}
