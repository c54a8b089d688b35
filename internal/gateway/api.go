// ABOUTME: HTTP API handlers for health, trust token issuance and bridge control
// ABOUTME: Message filtering is served by the interceptor's handler on the same mux

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/bridge"
	"github.com/2389/toolgate/internal/store"
)

// TokenRequest is the JSON request body for POST /api/token.
type TokenRequest struct {
	ServerRef   string `json:"serverRef"`
	ClientToken string `json:"clientToken,omitempty"`
	User        string `json:"user"`
}

// TokenResponse is the JSON response for POST /api/token.
type TokenResponse struct {
	Token     string                   `json:"token"`
	Config    *bridge.ConnectionConfig `json:"config"`
	UpdatedAt string                   `json:"updatedAt"`
	ExpiresAt string                   `json:"expiresAt"`
}

// BridgeResponse is the JSON response for the bridge control endpoints.
type BridgeResponse struct {
	bridge.Status
	Failed []FailedEndpoint `json:"failed,omitempty"`
}

// FailedEndpoint names an endpoint that did not start.
type FailedEndpoint struct {
	ServerID string `json:"server_id"`
	Name     string `json:"name"`
	Error    string `json:"error"`
}

// EndpointsResponse is the JSON response for GET /api/bridge/endpoints.
type EndpointsResponse struct {
	Endpoints []bridge.EndpointStatus `json:"endpoints"`
}

// ManifestResponse is the JSON response for POST /api/manifest/reload.
type ManifestResponse struct {
	Created        int      `json:"created"`
	Updated        int      `json:"updated"`
	ServersChanged []string `json:"servers_changed"`
}

func (g *Gateway) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	mux.HandleFunc("POST /api/token", g.handleIssueToken)
	mux.Handle("POST /filter/{serverName}", g.interceptor.FilterHandler(g.issuer))

	admin := auth.RequireAdminHTTP(g.admin)
	mux.Handle("POST /api/bridge/start", admin(http.HandlerFunc(g.handleBridgeStart)))
	mux.Handle("POST /api/bridge/stop", admin(http.HandlerFunc(g.handleBridgeStop)))
	mux.Handle("POST /api/bridge/restart", admin(http.HandlerFunc(g.handleBridgeRestart)))
	mux.Handle("GET /api/bridge/status", admin(http.HandlerFunc(g.handleBridgeStatus)))
	mux.Handle("GET /api/bridge/endpoints", admin(http.HandlerFunc(g.handleBridgeEndpoints)))
	mux.Handle("POST /api/manifest/reload", admin(http.HandlerFunc(g.handleManifestReload)))

	return mux
}

// sendJSON writes v with the given status.
func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response with the given status code and message.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, map[string]string{"error": message})
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the bridge is running.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	status := g.bridge.Status()
	if !status.Running {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("bridge not running"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d endpoints)", status.Configuration.Endpoints)
}

// handleIssueToken handles POST /api/token. The source IP is taken from the
// connection, never from the body.
func (g *Gateway) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 64*1024)

	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ServerRef == "" {
		sendJSONError(w, http.StatusBadRequest, "serverRef is required")
		return
	}
	if req.User == "" {
		sendJSONError(w, http.StatusBadRequest, "user is required")
		return
	}

	if !g.bridge.Running() {
		sendJSONError(w, http.StatusServiceUnavailable, "bridge is not running")
		return
	}

	issued, err := g.issuer.Issue(r.Context(), auth.IssueRequest{
		ServerRef:   req.ServerRef,
		ClientToken: req.ClientToken,
		User:        req.User,
		SourceIP:    auth.SourceIP(r),
	})
	if err != nil {
		status := auth.HTTPStatus(err)
		if status == http.StatusUnauthorized {
			// issuance has no caller token to reject, so anything else is ours
			g.logger.Error("issuing token failed", "error", err)
			sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		sendJSONError(w, status, auth.PublicMessage(err))
		return
	}

	cc, err := g.bridge.ConnectionConfig(issued.Server)
	if errors.Is(err, bridge.ErrNotRunning) {
		sendJSONError(w, http.StatusServiceUnavailable, "bridge is not running")
		return
	}
	if err != nil {
		g.logger.Error("building connection config failed", "server_id", issued.Server.ID, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if proxied(issued.Server) {
		cc.Headers = map[string]string{"Authorization": "Bearer " + issued.Token}
	}

	sendJSON(w, http.StatusOK, TokenResponse{
		Token:     issued.Token,
		Config:    cc,
		UpdatedAt: issued.Server.UpdatedAt.UTC().Format(time.RFC3339),
		ExpiresAt: issued.Claims.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// proxied reports whether clients reach srv through the bridge proxy.
func proxied(srv *store.Server) bool {
	return srv.Managed() && srv.SecurityClass != store.SecurityNetwork
}

func (g *Gateway) bridgeResult(w http.ResponseWriter, err error) {
	var startErr *bridge.StartError
	switch {
	case err == nil:
		sendJSON(w, http.StatusOK, BridgeResponse{Status: g.bridge.Status()})
	case errors.As(err, &startErr):
		resp := BridgeResponse{Status: g.bridge.Status()}
		for _, f := range startErr.Failed {
			resp.Failed = append(resp.Failed, FailedEndpoint{ServerID: f.ServerID, Name: f.Name, Error: f.Err.Error()})
		}
		sendJSON(w, http.StatusOK, resp)
	default:
		g.logger.Error("bridge control failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// handleBridgeStart handles POST /api/bridge/start.
func (g *Gateway) handleBridgeStart(w http.ResponseWriter, r *http.Request) {
	g.bridgeResult(w, g.bridge.Start(r.Context()))
}

// handleBridgeStop handles POST /api/bridge/stop.
func (g *Gateway) handleBridgeStop(w http.ResponseWriter, r *http.Request) {
	g.bridgeResult(w, g.bridge.Stop(r.Context()))
}

// handleBridgeRestart handles POST /api/bridge/restart.
func (g *Gateway) handleBridgeRestart(w http.ResponseWriter, r *http.Request) {
	g.bridgeResult(w, g.bridge.Restart(r.Context()))
}

// handleBridgeStatus handles GET /api/bridge/status.
func (g *Gateway) handleBridgeStatus(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, g.bridge.Status())
}

// handleBridgeEndpoints handles GET /api/bridge/endpoints.
func (g *Gateway) handleBridgeEndpoints(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, EndpointsResponse{Endpoints: g.bridge.List()})
}

// handleManifestReload handles POST /api/manifest/reload.
func (g *Gateway) handleManifestReload(w http.ResponseWriter, r *http.Request) {
	if g.watcher == nil {
		sendJSONError(w, http.StatusNotFound, "no manifest configured")
		return
	}
	res, err := g.watcher.Reload(r.Context())
	if err != nil && res == nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		g.logger.Error("manifest reload failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	changed := res.ServersChanged
	if changed == nil {
		changed = []string{}
	}
	sendJSON(w, http.StatusOK, ManifestResponse{Created: res.Created, Updated: res.Updated, ServersChanged: changed})
}
