// Package auth issues and verifies the trust tokens that bind a caller to one
// server, and guards the bridge control surface with an admin credential.
//
// # Trust tokens
//
// Issue resolves a server ref, either a bare server token or "name/token",
// and optionally a client token, then signs an HS256 JWT carrying:
//
//   - serverId, serverName, serverToken: the server the token is bound to
//   - clientId: the client, or null for anonymous callers
//   - user, sourceIp: who asked and from where
//   - iss "toolgate", sub, iat, exp and a unique jti
//
// The signing key is derived from auth.token_secret with HKDF-SHA256, so the
// raw secret never signs anything directly.
//
// Verify checks signature, issuer and expiry, then requires the serverName
// claim to equal the server the token is presented to. A token minted for one
// server is rejected by every other. Expired tokens fail the same way invalid
// ones do; there is no grace window and no revocation list.
//
// # Strict access
//
// With auth.strict_access every issuance needs a client token and a
// client/server relation in the store, otherwise ErrForbidden.
//
// # HTTP
//
// TrustMiddleware verifies the bearer token against the server named in the
// request and stores the claims in the context (ClaimsFromContext). Status
// codes follow HTTPStatus: 403 for a token bound to another server, 401 for
// anything else.
//
// # Admin guard
//
// AdminGuard compares bearer tokens against the bcrypt hash in
// auth.admin_token_hash (generate one with `toolgate hash-token`). It is
// available as HTTP middleware and as gRPC unary and stream interceptors.
// Without a hash the guard is disabled.
package auth
