// Package mcp parses the JSON-RPC 2.0 messages exchanged between MCP clients and servers.
//
// # Shapes
//
// Parse accepts exactly one of three shapes and rejects everything else:
//
//   - request: method + id (string or number), optional params
//   - notification: method without id, optional params
//   - response: id + exactly one of result or error
//
// Batches, unknown top-level members, params that are neither object nor array,
// and messages that mix request and response members are rejected. Every
// failure wraps ErrInvalidMessage plus a more specific sentinel:
//
//	msg, err := mcp.Parse(body)
//	if errors.Is(err, mcp.ErrInvalidMessage) {
//	    // 400, never persisted
//	}
//
// The original bytes are kept in Message.Raw so callers can forward an
// unmodified message byte for byte.
//
// # Helpers
//
// ToolName extracts params.name from tools/call requests. IDKey canonicalizes
// ids for request/response correlation on stdio transports. Get evaluates a
// gjson path against the raw message.
package mcp
