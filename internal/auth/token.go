// ABOUTME: Trust token issuance and verification binding a caller to one server
// ABOUTME: HS256 JWTs signed with a key derived from the configured token secret

package auth

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/2389/toolgate/internal/store"
)

// Token errors
var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("token expired")
	ErrServerMismatch = errors.New("token was issued for a different server")
	ErrServerNotFound = errors.New("server not found")
	ErrForbidden      = errors.New("client is not allowed to use this server")
	ErrWeakSecret     = errors.New("token secret is too short")
)

const (
	// TokenIssuer is the iss claim of every trust token.
	TokenIssuer = "toolgate"
	// MinSecretLength is the shortest accepted token secret.
	MinSecretLength = 16

	keyInfo = "toolgate trust token"
)

// Claims is the payload of a trust token.
type Claims struct {
	User        string  `json:"user"`
	SourceIP    string  `json:"sourceIp"`
	ServerToken string  `json:"serverToken"`
	ServerName  string  `json:"serverName"`
	ServerID    string  `json:"serverId"`
	ClientID    *string `json:"clientId"`
	jwt.RegisteredClaims
}

// ClientIDOrEmpty returns the bound client id, or "" for anonymous tokens.
func (c *Claims) ClientIDOrEmpty() string {
	if c.ClientID == nil {
		return ""
	}
	return *c.ClientID
}

// IssuerStore is the slice of the store the issuer reads.
type IssuerStore interface {
	FindServerByToken(ctx context.Context, token string) (*store.Server, error)
	FindClientByToken(ctx context.Context, token string) (*store.Client, error)
	HasClientServer(ctx context.Context, clientID, serverID string) (bool, error)
}

// IssueRequest describes who asks for a token and for which server.
type IssueRequest struct {
	// ServerRef is a bare server token or "name/token".
	ServerRef   string
	ClientToken string
	User        string
	SourceIP    string
}

// Issued is a freshly minted token with the server it is bound to.
type Issued struct {
	Token  string
	Claims *Claims
	Server *store.Server
}

// Issuer mints and verifies trust tokens.
type Issuer struct {
	key    []byte
	ttl    time.Duration
	strict bool
	store  IssuerStore
	logger *slog.Logger
	now    func() time.Time
}

// IssuerConfig configures an Issuer.
type IssuerConfig struct {
	Secret string
	TTL    time.Duration
	// Strict requires a client token and a client/server relation for every issuance.
	Strict bool
}

// NewIssuer creates an Issuer. The signing key is derived from cfg.Secret with HKDF-SHA256.
func NewIssuer(cfg IssuerConfig, st IssuerStore, logger *slog.Logger) (*Issuer, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: need at least %d bytes", ErrWeakSecret, MinSecretLength)
	}
	key, err := deriveKey(cfg.Secret)
	if err != nil {
		return nil, err
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{
		key:    key,
		ttl:    cfg.TTL,
		strict: cfg.Strict,
		store:  st,
		logger: logger.With("component", "issuer"),
		now:    time.Now,
	}, nil
}

func deriveKey(secret string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving signing key: %w", err)
	}
	return key, nil
}

// TTL returns the lifetime of issued tokens.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// ParseServerRef splits "name/token" into its parts. A ref without a slash is a bare token.
func ParseServerRef(ref string) (name, token string) {
	ref = strings.TrimSpace(ref)
	if idx := strings.LastIndex(ref, "/"); idx >= 0 {
		return ref[:idx], ref[idx+1:]
	}
	return "", ref
}

// Issue resolves the server and optional client and mints a token bound to them.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (*Issued, error) {
	name, token := ParseServerRef(req.ServerRef)
	if token == "" {
		return nil, fmt.Errorf("%w: empty server token", ErrServerNotFound)
	}

	srv, err := i.store.FindServerByToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrServerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up server: %w", err)
	}
	if !srv.Enabled {
		return nil, fmt.Errorf("%w: server %s is disabled", ErrServerNotFound, srv.Name)
	}
	if name != "" && name != srv.Name {
		return nil, ErrServerNotFound
	}

	var clientID *string
	if req.ClientToken != "" {
		client, err := i.store.FindClientByToken(ctx, req.ClientToken)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown client", ErrForbidden)
		}
		if err != nil {
			return nil, fmt.Errorf("looking up client: %w", err)
		}
		if i.strict {
			ok, err := i.store.HasClientServer(ctx, client.ID, srv.ID)
			if err != nil {
				return nil, fmt.Errorf("checking client access: %w", err)
			}
			if !ok {
				return nil, ErrForbidden
			}
		}
		clientID = &client.ID
	} else if i.strict {
		return nil, fmt.Errorf("%w: a client token is required", ErrForbidden)
	}

	now := i.now()
	claims := &Claims{
		User:        req.User,
		SourceIP:    req.SourceIP,
		ServerToken: srv.Token,
		ServerName:  srv.Name,
		ServerID:    srv.ID,
		ClientID:    clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    TokenIssuer,
			Subject:   req.User,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return nil, fmt.Errorf("signing token: %w", err)
	}

	i.logger.Info("issued trust token",
		"server_id", srv.ID,
		"server", srv.Name,
		"client_id", claims.ClientIDOrEmpty(),
		"user", req.User,
		"jti", claims.ID,
	)
	return &Issued{Token: signed, Claims: claims, Server: srv}, nil
}

// Verify checks signature and expiry and that the token is bound to expectedServer.
func (i *Issuer) Verify(tokenString, expectedServer string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.ServerName == "" || claims.ServerID == "" {
		return nil, ErrInvalidToken
	}
	if claims.ServerName != expectedServer {
		return nil, fmt.Errorf("%w: bound to %q", ErrServerMismatch, claims.ServerName)
	}
	return claims, nil
}
