// Package intercept runs every MCP message through the gateway's policy
// pipeline.
//
// # Pipeline
//
// A message is handled in fixed stages:
//
//  1. Authenticate: the trust token is verified and must be bound to the
//     server named in the path (auth.TrustMiddleware).
//  2. Validate: the envelope and the JSON-RPC message are checked
//     (DecodeFilterRequest, mcp.Parse).
//  3. Evaluate: enabled policies run in priority order (policy.Engine).
//  4. Persist: the message, and an alert when a policy fired, are stored.
//  5. Respond: the possibly modified message is returned, or the block
//     reason.
//
// Messages of one session go through stages 3 to 5 one at a time and in
// arrival order (session.Sequencer). Alerts are handed to a notify.Notifier
// after they are stored.
//
// # HTTP surfaces
//
// FilterHandler serves POST /filter/{serverName} for callers that forward
// messages themselves. ProxyHandler serves POST /servers/{name}/mcp on the
// bridge listener: the client message is filtered, forwarded to the endpoint
// and the reply is filtered before it is returned.
//
// # Errors
//
// Status maps errors to HTTP responses:
//
//	ErrBlocked            400 {"kind":"policy_block"}
//	ErrInvalidRequest     400 {"kind":"validation"}
//	ErrServerUnavailable  403
//	bridge.ErrNotRunning  503
//	*bridge.EndpointError 502
//	anything else         500 with an opaque body
//
// The proxy reports blocked requests as JSON-RPC errors with code
// CodePolicyBlocked instead, so MCP clients see a failed call.
package intercept
