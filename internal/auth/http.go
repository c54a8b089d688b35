// ABOUTME: HTTP middleware for trust token and admin credential checks
// ABOUTME: Extracts bearer tokens, verifies them and adds claims to the request context

package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// TokenVerifier verifies a trust token against the server it is presented to.
type TokenVerifier interface {
	Verify(tokenString, expectedServer string) (*Claims, error)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// HTTPStatus maps a token error to its HTTP status: 403 for a token bound to
// another server or a forbidden client, 404 for an unknown server, 401 otherwise.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrServerMismatch), errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrServerNotFound):
		return http.StatusNotFound
	default:
		return http.StatusUnauthorized
	}
}

// PublicMessage is the error text shown to callers. Details stay in the logs.
func PublicMessage(err error) string {
	switch {
	case errors.Is(err, ErrExpiredToken):
		return "token expired"
	case errors.Is(err, ErrServerMismatch):
		return "token is not valid for this server"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrServerNotFound):
		return "server not found"
	default:
		return "invalid token"
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// TrustMiddleware verifies the bearer trust token against the server named by
// serverName(r) and adds the claims to the request context.
func TrustMiddleware(verifier TokenVerifier, serverName func(*http.Request) string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeError(w, http.StatusUnauthorized, errMsg)
				return
			}

			server := serverName(r)
			claims, err := verifier.Verify(token, server)
			if err != nil {
				logger.Warn("auth failure",
					"reason", err.Error(),
					"server", server,
					"remote_addr", r.RemoteAddr,
				)
				writeError(w, HTTPStatus(err), PublicMessage(err))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireAdminHTTP creates an HTTP middleware that requires the admin bearer token.
// A disabled guard lets every request through.
func RequireAdminHTTP(guard *AdminGuard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !guard.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeError(w, http.StatusUnauthorized, errMsg)
				return
			}
			if !guard.Check(token) {
				guard.logger.Warn("admin auth failure", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
				writeError(w, http.StatusForbidden, "admin token required")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SourceIP returns the caller address of r without its port.
func SourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
