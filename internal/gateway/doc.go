// Package gateway implements the tool invocation pipeline shared by the
// HTTP API, the MCP endpoint, and the stdio MCP server.
//
// Invoke processes a call in a fixed order and stops at the first failure:
//
//  1. authenticate the API key            -> auth / invalid_key
//  2. charge the key's rate-limit window  -> rate_limit / rate_limited
//  3. resolve the tool, check permission  -> not_found / unknown_tool,
//     authorization / missing_permission
//  4. validate parameters                 -> validation / invalid_parameters
//  5. dispatch to the executor            -> upstream / executor_failed
//
// The result always carries either a payload or an *Error. Each call moves
// through the stages received, authenticated, rate_checked, authorized,
// validated, and dispatched before ending in completed or failed. The last
// stage reached and the terminal state are logged and written to the audit
// log for every call that authenticated. The gateway never retries.
package gateway
