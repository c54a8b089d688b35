// Package gateway is the composition root of toolgate.
//
// # Overview
//
// New builds every component from the configuration and wires them
// together: the store, the catalog, the trust token issuer, the policy
// engine, the interceptor, the alert dispatcher and the bridge. Nothing is
// global; tests pass their own store, process driver and notifier through
// NewWithDeps.
//
// Run applies the manifest, starts the bridge when bridge.autostart is set,
// opens the HTTP and gRPC listeners (on the tailnet when tailscale.enabled is
// set) and blocks until its context is canceled.
//
// # HTTP API
//
//   - GET /health - Liveness check
//   - GET /health/ready - 200 once the bridge is running
//   - POST /api/token - Issue a trust token and the connection config for a server
//   - POST /filter/{serverName} - Filter one message through the policy engine
//   - POST /api/bridge/start, /stop, /restart - Bridge lifecycle (admin)
//   - GET /api/bridge/status, /api/bridge/endpoints - Bridge state (admin)
//   - POST /api/manifest/reload - Re-apply the manifest (admin)
//
// Admin routes require the bearer token whose bcrypt hash is
// auth.admin_token_hash. Without a hash they are open.
//
// The bridge listener serves POST /servers/{name}/mcp, which filters both
// directions of a proxied call through the same interceptor.
//
// # gRPC Service
//
// toolgate.v1.BridgeControl exposes Start, Stop, Restart and Status with
// google.protobuf.Empty requests and google.protobuf.Struct responses,
// guarded by the same admin token as the HTTP routes.
//
// # Shutdown
//
// Shutdown stops the HTTP and gRPC servers, then every endpoint with its
// grace period, then drains queued alerts and closes the store.
package gateway
