// ABOUTME: Store interfaces and data types for toolgate persistence
// ABOUTME: Defines servers, clients, policies, messages, alerts and the narrow model contracts

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique column (id, token, name) already exists
var ErrDuplicate = errors.New("already exists")

// SecurityClass is the isolation classification of a server endpoint.
type SecurityClass string

const (
	SecurityDefault   SecurityClass = ""          // spawn directly as a child process
	SecurityUnmanaged SecurityClass = "unmanaged" // owned by a third-party client, never proxied
	SecurityNetwork   SecurityClass = "network"   // remote transport, no process
	SecurityContainer SecurityClass = "container" // one container per endpoint
	SecurityWrapped   SecurityClass = "wrapped"   // container plus wrapping entrypoint
)

// Valid reports whether c is a known security class.
func (c SecurityClass) Valid() bool {
	switch c {
	case SecurityDefault, SecurityUnmanaged, SecurityNetwork, SecurityContainer, SecurityWrapped:
		return true
	}
	return false
}

// Sandboxed reports whether endpoints of this class run inside a container.
func (c SecurityClass) Sandboxed() bool {
	return c == SecurityContainer || c == SecurityWrapped
}

// TransportType discriminates TransportConfig.
type TransportType string

const (
	TransportStdio TransportType = "stdio"
	TransportHTTP  TransportType = "http" // networked: http(s):// or ws(s):// url
)

// TransportConfig describes how to reach a server.
// Command/Args/Env/Cwd apply to stdio, URL/Headers to http.
type TransportConfig struct {
	Type    TransportType     `json:"type" yaml:"type" toml:"type"`
	Command string            `json:"command,omitempty" yaml:"command" toml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args" toml:"args"`
	Env     map[string]string `json:"env,omitempty" yaml:"env" toml:"env"`
	Cwd     string            `json:"cwd,omitempty" yaml:"cwd" toml:"cwd"`
	URL     string            `json:"url,omitempty" yaml:"url" toml:"url"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers" toml:"headers"`
}

// Validate checks that the fields required by the transport type are present.
func (t TransportConfig) Validate() error {
	switch t.Type {
	case TransportStdio:
		if t.Command == "" {
			return errors.New("stdio transport requires a command")
		}
	case TransportHTTP:
		if t.URL == "" {
			return errors.New("http transport requires a url")
		}
	default:
		return fmt.Errorf("unknown transport type %q", t.Type)
	}
	return nil
}

// Server is a tool-providing MCP server endpoint.
type Server struct {
	ID            string
	Token         string // capability credential, unique
	Name          string
	Transport     TransportConfig
	Enabled       bool
	SecurityClass SecurityClass
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Managed reports whether the Bridge owns this server's endpoint.
func (s *Server) Managed() bool {
	return s.Enabled && s.SecurityClass != SecurityUnmanaged
}

// ClientType identifies the assistant application behind a client credential.
type ClientType string

const (
	ClientGeneric       ClientType = "generic"
	ClientClaudeDesktop ClientType = "claude-desktop"
	ClientClaudeCode    ClientType = "claude-code"
	ClientCursor        ClientType = "cursor"
	ClientVSCode        ClientType = "vscode"
	ClientWindsurf      ClientType = "windsurf"
)

// ClientScope is where a client's configuration lives.
type ClientScope string

const (
	ScopeGlobal  ClientScope = "global"
	ScopeProject ClientScope = "project"
)

// Client is an AI-assistant client identity.
type Client struct {
	ID        string
	Token     string
	Name      string
	Type      ClientType
	Scope     ClientScope
	CreatedAt time.Time
}

// ClientServer pairs a client with a server it is entitled to use.
type ClientServer struct {
	ClientID  string
	ServerID  string
	CreatedAt time.Time
}

// ElementType distinguishes condition and action policy elements.
type ElementType string

const (
	ElementCondition ElementType = "condition"
	ElementAction    ElementType = "action"
)

// PolicyElement is a configured instance of a catalog class.
type PolicyElement struct {
	ConfigID    string
	ElementType ElementType
	ClassName   string
	Name        string
	Config      map[string]any
	Enabled     bool
	UpdatedAt   time.Time
}

// Origin is the side of the conversation a message came from.
type Origin string

const (
	OriginClient Origin = "client"
	OriginServer Origin = "server"
	OriginEither Origin = "either" // policies only
)

// Severity ranks policies, 1 is the most severe.
type Severity int

const (
	SeverityCritical Severity = 1
	SeverityHigh     Severity = 2
	SeverityMedium   Severity = 3
	SeverityLow      Severity = 4
	SeverityInfo     Severity = 5
)

// Valid reports whether s is within 1..5.
func (s Severity) Valid() bool {
	return s >= SeverityCritical && s <= SeverityInfo
}

// ElementRef points a policy at a PolicyElement with per-policy parameters.
type ElementRef struct {
	ElementConfigID string         `json:"element_config_id" yaml:"element" toml:"element"`
	InstanceParams  map[string]any `json:"instance_params,omitempty" yaml:"params" toml:"params"`
}

// Policy combines conditions and an optional action.
type Policy struct {
	ID          string
	Name        string
	Description string
	Severity    Severity
	Origin      Origin
	Methods     []string     // empty means all methods
	Conditions  []ElementRef // all must hold
	Action      *ElementRef  // nil means alert only
	Enabled     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AppliesTo reports whether the origin and method filters admit a message.
func (p *Policy) AppliesTo(origin Origin, method string) bool {
	if p.Origin != OriginEither && p.Origin != origin {
		return false
	}
	if len(p.Methods) == 0 {
		return true
	}
	for _, m := range p.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// PolicySnapshot is a consistent view of policies and their elements.
type PolicySnapshot struct {
	Policies []*Policy
	Elements map[string]*PolicyElement
}

// MessageKind is the JSON-RPC shape of an intercepted message.
type MessageKind string

const (
	KindRequest      MessageKind = "request"
	KindResponse     MessageKind = "response"
	KindNotification MessageKind = "notification"
)

// Outcome is what the gateway did with a message.
type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeAlerted Outcome = "alerted"
	OutcomeBlocked Outcome = "blocked"
)

// Message is an append-only record of one intercepted protocol message.
type Message struct {
	ID        string
	SessionID string
	ServerID  string
	ClientID  *string
	Origin    Origin
	Method    string
	Kind      MessageKind
	Payload   json.RawMessage
	Outcome   Outcome
	CreatedAt time.Time
}

// Alert is produced when a policy matches a message.
type Alert struct {
	ID        string
	PolicyID  string
	MessageID string
	Severity  Severity
	SeenAt    *time.Time
	CreatedAt time.Time
}

// MessageFilter narrows ListMessages.
type MessageFilter struct {
	SessionID string
	ServerID  string
	Limit     int // default 100, max 1000
}

// AlertFilter narrows ListAlerts.
type AlertFilter struct {
	UnseenOnly bool
	PolicyID   string
	Limit      int // default 100, max 1000
}

// ServerModel persists server endpoints.
type ServerModel interface {
	FindServerByID(ctx context.Context, id string) (*Server, error)
	FindServerByToken(ctx context.Context, token string) (*Server, error)
	FindServerByName(ctx context.Context, name string) (*Server, error)
	ListServers(ctx context.Context) ([]*Server, error)
	CreateServer(ctx context.Context, s *Server) error
	UpdateServer(ctx context.Context, s *Server) error
	DeleteServer(ctx context.Context, id string) error
}

// ClientModel persists client identities.
type ClientModel interface {
	FindClientByID(ctx context.Context, id string) (*Client, error)
	FindClientByToken(ctx context.Context, token string) (*Client, error)
	ListClients(ctx context.Context) ([]*Client, error)
	CreateClient(ctx context.Context, c *Client) error
	UpdateClient(ctx context.Context, c *Client) error
	DeleteClient(ctx context.Context, id string) error
}

// ClientServerModel persists client/server entitlements.
type ClientServerModel interface {
	CreateClientServer(ctx context.Context, rel *ClientServer) error
	DeleteClientServer(ctx context.Context, clientID, serverID string) error
	HasClientServer(ctx context.Context, clientID, serverID string) (bool, error)
	ListClientServers(ctx context.Context, clientID string) ([]*ClientServer, error)
}

// PolicyElementModel persists policy elements.
type PolicyElementModel interface {
	ListPolicyElements(ctx context.Context) ([]*PolicyElement, error)
	FindPolicyElementByID(ctx context.Context, configID string) (*PolicyElement, error)
	CreatePolicyElement(ctx context.Context, e *PolicyElement) error
	UpdatePolicyElement(ctx context.Context, e *PolicyElement) error
	DeletePolicyElement(ctx context.Context, configID string) error
}

// PolicyModel persists policies.
type PolicyModel interface {
	ListPolicies(ctx context.Context) ([]*Policy, error)
	GetPolicy(ctx context.Context, id string) (*Policy, error)
	CreatePolicy(ctx context.Context, p *Policy) error
	UpdatePolicy(ctx context.Context, p *Policy) error
	DeletePolicy(ctx context.Context, id string) error
}

// PolicySnapshotter reads policies and elements as of a single point in time.
type PolicySnapshotter interface {
	PolicySnapshot(ctx context.Context) (*PolicySnapshot, error)
}

// MessageModel appends intercepted messages.
type MessageModel interface {
	CreateMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, f MessageFilter) ([]*Message, error)
}

// AlertModel appends alerts.
type AlertModel interface {
	CreateAlert(ctx context.Context, a *Alert) error
	ListAlerts(ctx context.Context, f AlertFilter) ([]*Alert, error)
	MarkAlertSeen(ctx context.Context, id string, seen bool) error
}

// Store is the full persistence surface used by the gateway.
type Store interface {
	ServerModel
	ClientModel
	ClientServerModel
	PolicyElementModel
	PolicyModel
	PolicySnapshotter
	MessageModel
	AlertModel

	// Close releases any resources held by the store
	Close() error
}

// normalizeLimit applies default (100) and cap (1000) to list limits.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
