// Package bridge owns the endpoints of managed MCP servers and the local proxy
// listener clients reach them through.
//
// # Lifecycle
//
// A Bridge starts stopped. Start opens the proxy listener on bridge.host and
// bridge.port, then starts one endpoint per managed server (enabled and not
// unmanaged) with at most bridge.max_parallel_starts launches in flight. A
// server that fails to start is reported in a *StartError while the others keep
// running. Stop terminates every endpoint, waiting bridge.shutdown_grace before
// a kill, then closes the listener. Restart is Stop followed by Start.
//
// AddEndpoint is idempotent for a live endpoint and replaces a failed one.
// Reconcile compares the running set with the store and starts, stops or
// reloads endpoints to match.
//
// # Security classes
//
//   - default: the stdio command runs as a child process
//   - unmanaged: never started; clients connect to the server directly
//   - network: a remote http(s) or ws(s) URL, dialed instead of spawned
//   - container: the command runs inside the configured image
//   - wrapped: like container, with the wrapper entrypoint in front
//
// The Sandbox rewrites container and wrapped launches into a runtime
// invocation ("docker run -i --rm ..."). A killed container runner is followed
// by "rm -f" of its container.
//
// # Transports
//
// Stdio and WebSocket endpoints multiplex requests over one stream; responses
// are matched to requests by JSON-RPC id. Messages the endpoint sends on its
// own are dropped. HTTP endpoints get one POST per message and may answer with
// JSON or an event stream; the Mcp-Session-Id header is carried between calls.
//
// # Testing
//
// FakeDriver runs endpoints as goroutines behind pipes. Its knobs make starts
// fail, processes crash, or processes ignore Terminate.
package bridge
