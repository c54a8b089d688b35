// ABOUTME: Admin credential guard for bridge control over HTTP and gRPC
// ABOUTME: Compares bearer tokens against a bcrypt hash from the configuration

package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// AdminGuard checks admin bearer tokens. A guard without a hash is disabled.
type AdminGuard struct {
	hash   []byte
	logger *slog.Logger
}

// NewAdminGuard creates a guard for the given bcrypt hash. An empty hash disables it.
func NewAdminGuard(hash string, logger *slog.Logger) (*AdminGuard, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &AdminGuard{logger: logger.With("component", "admin-guard")}
	if hash == "" {
		return g, nil
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("parsing admin token hash: %w", err)
	}
	g.hash = []byte(hash)
	return g, nil
}

// Enabled reports whether an admin token is required.
func (g *AdminGuard) Enabled() bool {
	return g != nil && len(g.hash) > 0
}

// Check reports whether token matches the configured hash.
func (g *AdminGuard) Check(token string) bool {
	if !g.Enabled() {
		return true
	}
	return bcrypt.CompareHashAndPassword(g.hash, []byte(token)) == nil
}

// HashToken returns the bcrypt hash to put in auth.admin_token_hash.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("token must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing token: %w", err)
	}
	return string(hash), nil
}

// logAuthFailure logs an authentication failure with the peer address when known.
func (g *AdminGuard) logAuthFailure(ctx context.Context, reason, method string) {
	attrs := []any{"reason", reason, "method", method}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		attrs = append(attrs, "peer_addr", p.Addr.String())
	}
	g.logger.Warn("admin auth failure", attrs...)
}

func (g *AdminGuard) authorize(ctx context.Context, method string) error {
	if !g.Enabled() {
		return nil
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		g.logAuthFailure(ctx, "missing_metadata", method)
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	authHeaders := md.Get("authorization")
	if len(authHeaders) == 0 {
		g.logAuthFailure(ctx, "missing_authorization", method)
		return status.Error(codes.Unauthenticated, "missing authorization header")
	}

	token, errMsg := extractBearerToken(strings.TrimSpace(authHeaders[0]))
	if errMsg != "" {
		g.logAuthFailure(ctx, "malformed_authorization", method)
		return status.Error(codes.Unauthenticated, errMsg)
	}
	if !g.Check(token) {
		g.logAuthFailure(ctx, "bad_admin_token", method)
		return status.Error(codes.PermissionDenied, "admin token required")
	}
	return nil
}

// UnaryInterceptor returns a gRPC unary interceptor requiring the admin token.
func (g *AdminGuard) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := g.authorize(ctx, info.FullMethod); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor returns a gRPC stream interceptor requiring the admin token.
func (g *AdminGuard) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := g.authorize(ss.Context(), info.FullMethod); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}
