// Package mcp exposes the tool gateway to Model Context Protocol clients.
//
// # Transports
//
// Two transports share the same gateway:
//
//   - Streamable HTTP at POST /mcp (JSON-RPC 2.0, no server-initiated streams)
//   - stdio, via mark3labs/mcp-go, for clients that launch toolgate directly
//
// # Authentication
//
// HTTP clients send their API key on initialize:
//
//	X-API-Key: mcp_<64 hex chars>
//	Authorization: Bearer mcp_<64 hex chars>
//
// The key is bound to the session returned in the Mcp-Session-Id header.
// Later requests carry only the session ID. Only the key that opened a
// session can DELETE it. Sessions expire after DefaultSessionTTL idle.
//
// The stdio server authenticates once at startup with the key it is given.
//
// # Tool Calls
//
// Every tools/call goes through Gateway.Invoke, so rate limits, permission
// checks and parameter validation apply exactly as over plain HTTP. Gateway
// failures come back as tool results with isError set and the structured
// error as JSON text:
//
//	{
//	  "content": [{"type": "text", "text": "{\"status\":\"error\",...}"}],
//	  "isError": true
//	}
//
// Malformed JSON-RPC, unknown methods and missing sessions are protocol
// errors and use JSON-RPC error objects instead.
package mcp
