// ABOUTME: HTTP surfaces of the interceptor: the filter endpoint and the bridge proxy
// ABOUTME: Both authenticate with trust tokens and map interceptor errors to status codes

package intercept

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/bridge"
	"github.com/2389/toolgate/internal/mcp"
	"github.com/2389/toolgate/internal/store"
)

// CodePolicyBlocked is the JSON-RPC error code returned to MCP clients for
// blocked messages.
const CodePolicyBlocked = -32003

// Error kinds in 400 bodies.
const (
	KindValidation  = "validation"
	KindPolicyBlock = "policy_block"
)

// maxEnvelopeSize bounds a filter request: one message plus the envelope.
const maxEnvelopeSize = mcp.MaxMessageSize + 64*1024

// FilterRequest is the body of POST /filter/{serverName}.
type FilterRequest struct {
	Origin    string          `json:"origin"`
	SessionID string          `json:"sessionId"`
	Message   json.RawMessage `json:"message"`
}

// FilterResponse is the success body of POST /filter/{serverName}.
type FilterResponse struct {
	Message json.RawMessage `json:"message"`
}

// ErrorResponse is the failure body of every interceptor endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// Status maps an interceptor error to its HTTP status and public body. Anything
// unexpected is an opaque 500.
func Status(err error) (int, ErrorResponse) {
	var endpointErr *bridge.EndpointError
	switch {
	case errors.Is(err, ErrBlocked):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: KindPolicyBlock}
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, mcp.ErrInvalidMessage):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: KindValidation}
	case errors.Is(err, ErrServerUnavailable):
		return http.StatusForbidden, ErrorResponse{Error: "server is not available"}
	case errors.Is(err, bridge.ErrNotRunning):
		return http.StatusServiceUnavailable, ErrorResponse{Error: "bridge is not running"}
	case errors.As(err, &endpointErr):
		return http.StatusBadGateway, ErrorResponse{Error: fmt.Sprintf("server %s is unreachable", endpointErr.Name)}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrorResponse{Error: "timed out"}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: "internal server error"}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (i *Interceptor) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := Status(err)
	if status == http.StatusInternalServerError {
		i.logger.Error("filter request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, body)
}

// DecodeFilterRequest validates the envelope and the JSON-RPC message in it.
func DecodeFilterRequest(body io.Reader) (store.Origin, string, *mcp.Message, error) {
	var req FilterRequest
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return "", "", nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if dec.More() {
		return "", "", nil, fmt.Errorf("%w: trailing data after body", ErrInvalidRequest)
	}

	origin := store.Origin(req.Origin)
	if origin != store.OriginClient && origin != store.OriginServer {
		return "", "", nil, fmt.Errorf("%w: origin must be \"client\" or \"server\"", ErrInvalidRequest)
	}
	if req.SessionID == "" {
		return "", "", nil, fmt.Errorf("%w: sessionId is required", ErrInvalidRequest)
	}
	if len(req.Message) == 0 || bytes.Equal(req.Message, []byte("null")) {
		return "", "", nil, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	msg, err := mcp.Parse(req.Message)
	if err != nil {
		return "", "", nil, err
	}
	return origin, req.SessionID, msg, nil
}

// FilterHandler serves POST /filter/{serverName}. The bearer token must be bound
// to serverName.
func (i *Interceptor) FilterHandler(verifier auth.TokenVerifier) http.Handler {
	serverName := func(r *http.Request) string { return r.PathValue("serverName") }
	return auth.TrustMiddleware(verifier, serverName, i.logger)(http.HandlerFunc(i.handleFilter))
}

func (i *Interceptor) handleFilter(w http.ResponseWriter, r *http.Request) {
	claims := auth.MustClaimsFromContext(r.Context())

	origin, sessionID, msg, err := DecodeFilterRequest(http.MaxBytesReader(w, r.Body, maxEnvelopeSize))
	if err != nil {
		i.writeError(w, r, err)
		return
	}

	res, err := i.Filter(r.Context(), Request{
		Claims:    claims,
		SessionID: sessionID,
		Origin:    origin,
		Message:   msg,
	})
	if err != nil {
		i.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FilterResponse{Message: res.Message})
}

// Forwarder delivers a message to a server endpoint.
type Forwarder interface {
	Send(ctx context.Context, serverID string, msg *mcp.Message) ([]byte, error)
}

// ProxyHandler serves POST /servers/{name}/mcp on the bridge listener. The
// client message is filtered, forwarded, and the endpoint's reply is filtered
// before it is returned. Blocked messages come back as JSON-RPC errors.
func (i *Interceptor) ProxyHandler(verifier auth.TokenVerifier, fwd Forwarder) http.Handler {
	serverName := func(r *http.Request) string { return r.PathValue("name") }
	return auth.TrustMiddleware(verifier, serverName, i.logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i.handleProxy(w, r, fwd)
	}))
}

func (i *Interceptor) handleProxy(w http.ResponseWriter, r *http.Request, fwd Forwarder) {
	ctx := r.Context()
	claims := auth.MustClaimsFromContext(ctx)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, mcp.MaxMessageSize))
	if err != nil {
		writeRPC(w, http.StatusBadRequest, mcp.NewErrorResponse(nil, mcp.CodeParseError, "message too large"))
		return
	}
	msg, err := mcp.Parse(body)
	if err != nil {
		writeRPC(w, http.StatusBadRequest, mcp.NewErrorResponse(nil, mcp.CodeInvalidRequest, err.Error()))
		return
	}

	sessionID := r.Header.Get(bridge.SessionHeader)
	if sessionID == "" {
		sessionID = claims.ID
	}
	w.Header().Set(bridge.SessionHeader, sessionID)

	res, err := i.Filter(ctx, Request{Claims: claims, SessionID: sessionID, Origin: store.OriginClient, Message: msg})
	if err != nil {
		i.proxyError(w, r, msg, err)
		return
	}
	forward, err := mcp.Parse(res.Message)
	if err != nil {
		i.proxyError(w, r, msg, fmt.Errorf("re-parsing filtered message: %w", err))
		return
	}

	reply, err := fwd.Send(ctx, claims.ServerID, forward)
	if err != nil {
		i.proxyError(w, r, msg, err)
		return
	}
	if reply == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	replyMsg, err := mcp.Parse(reply)
	if err != nil {
		i.logger.Warn("endpoint sent an invalid reply", "server", claims.ServerName, "error", err)
		writeRPC(w, http.StatusOK, mcp.NewErrorResponse(msg.ID, mcp.CodeInternalError, "server sent an invalid response"))
		return
	}
	res, err = i.Filter(ctx, Request{Claims: claims, SessionID: sessionID, Origin: store.OriginServer, Message: replyMsg})
	if err != nil {
		i.proxyError(w, r, msg, err)
		return
	}
	writeRPC(w, http.StatusOK, res.Message)
}

// proxyError answers an MCP client. Blocks become JSON-RPC errors so the client
// sees a failed tool call; other failures keep their HTTP status.
func (i *Interceptor) proxyError(w http.ResponseWriter, r *http.Request, msg *mcp.Message, err error) {
	var block *BlockError
	if errors.As(err, &block) {
		if msg.Kind != mcp.KindRequest {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeRPC(w, http.StatusOK, mcp.NewErrorResponse(msg.ID, CodePolicyBlocked, block.Reason))
		return
	}
	i.writeError(w, r, err)
}

func writeRPC(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
