// ABOUTME: MCP stdio server built on mcp-go for local clients that launch toolgate as a subprocess
// ABOUTME: One API key authenticates the whole process; every call runs the gateway pipeline

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

const stdioInstructions = "Chat tools gated by API key permissions. " +
	"Calls may fail with auth, rate_limit, not_found, authorization, validation, or upstream errors."

// NewStdioServer registers the tools visible to apiKey on an mcp-go server.
// The key is checked once here and again on every call.
func NewStdioServer(ctx context.Context, gw ToolGateway, apiKey, version string, logger *slog.Logger) (*mcpserver.MCPServer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mcp-stdio")

	descs, err := gw.ListTools(ctx, apiKey)
	if err != nil {
		return nil, fmt.Errorf("authenticating api key: %w", err)
	}

	srv := mcpserver.NewMCPServer(ServerName, version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithInstructions(stdioInstructions),
		mcpserver.WithRecovery(),
	)
	for _, d := range descs {
		srv.AddTool(mcpgo.NewToolWithRawSchema(d.Name, d.Description, d.Schema()), toolHandler(gw, apiKey, d.Name, logger))
	}

	logger.Info("stdio MCP server ready", "tools", len(descs))
	return srv, nil
}

// ServeStdio serves srv on stdin and stdout until ctx is canceled or input ends.
func ServeStdio(ctx context.Context, srv *mcpserver.MCPServer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	stdio := mcpserver.NewStdioServer(srv)
	stdio.SetErrorLogger(log.New(os.Stderr, "mcp: ", log.LstdFlags))
	if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serving stdio: %w", err)
	}
	logger.Info("stdio MCP server stopped")
	return nil
}

func toolHandler(gw ToolGateway, apiKey, name string, logger *slog.Logger) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		var params json.RawMessage
		if raw := req.GetRawArguments(); raw != nil {
			data, err := json.Marshal(raw)
			if err != nil {
				return mcpgo.NewToolResultError("arguments are not valid JSON"), nil
			}
			params = data
		}

		res := gw.Invoke(ctx, apiKey, name, params)
		text, err := resultText(&res)
		if err != nil {
			return nil, fmt.Errorf("encoding %s result: %w", name, err)
		}
		if !res.OK() {
			logger.Debug("tool call failed", "tool", name, "request_id", res.RequestID, "kind", res.Err.Kind)
			return mcpgo.NewToolResultError(text), nil
		}
		return mcpgo.NewToolResultText(text), nil
	}
}
