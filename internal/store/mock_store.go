// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without a database and to inject write failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu           sync.RWMutex
	servers      map[string]*Server // keyed by server ID
	clients      map[string]*Client // keyed by client ID
	relations    map[[2]string]*ClientServer
	elements     map[string]*PolicyElement
	policies     map[string]*Policy
	policyOrder  []string
	messages     []*Message
	messageIndex map[string]struct{}
	alerts       []*Alert

	// FailCreateMessage, when set, is returned by CreateMessage
	FailCreateMessage error
	// FailCreateAlert, when set, is returned by CreateAlert
	FailCreateAlert error
	// FailSnapshot, when set, is returned by PolicySnapshot
	FailSnapshot error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		servers:      make(map[string]*Server),
		clients:      make(map[string]*Client),
		relations:    make(map[[2]string]*ClientServer),
		elements:     make(map[string]*PolicyElement),
		policies:     make(map[string]*Policy),
		messageIndex: make(map[string]struct{}),
	}
}

func cloneServer(s *Server) *Server {
	c := *s
	c.Transport.Args = append([]string(nil), s.Transport.Args...)
	c.Transport.Env = cloneStringMap(s.Transport.Env)
	c.Transport.Headers = cloneStringMap(s.Transport.Headers)
	return &c
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func clonePolicy(p *Policy) *Policy {
	c := *p
	c.Methods = append([]string(nil), p.Methods...)
	c.Conditions = append([]ElementRef(nil), p.Conditions...)
	if p.Action != nil {
		a := *p.Action
		c.Action = &a
	}
	return &c
}

func cloneElement(e *PolicyElement) *PolicyElement {
	c := *e
	if e.Config != nil {
		c.Config = make(map[string]any, len(e.Config))
		for k, v := range e.Config {
			c.Config[k] = v
		}
	}
	return &c
}

// FindServerByID retrieves a server by ID.
func (m *MockStore) FindServerByID(ctx context.Context, id string) (*Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.servers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneServer(s), nil
}

// FindServerByToken retrieves a server by token.
func (m *MockStore) FindServerByToken(ctx context.Context, token string) (*Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.servers {
		if s.Token == token {
			return cloneServer(s), nil
		}
	}
	return nil, ErrNotFound
}

// FindServerByName retrieves a server by name.
func (m *MockStore) FindServerByName(ctx context.Context, name string) (*Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.servers {
		if s.Name == name {
			return cloneServer(s), nil
		}
	}
	return nil, ErrNotFound
}

// ListServers returns all servers ordered by name.
func (m *MockStore) ListServers(ctx context.Context) ([]*Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	servers := make([]*Server, 0, len(m.servers))
	for _, s := range m.servers {
		servers = append(servers, cloneServer(s))
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Name < servers[j].Name })
	return servers, nil
}

// CreateServer stores a new server.
func (m *MockStore) CreateServer(ctx context.Context, srv *Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.servers[srv.ID]; ok {
		return ErrDuplicate
	}
	for _, s := range m.servers {
		if s.Token == srv.Token || s.Name == srv.Name {
			return ErrDuplicate
		}
	}
	m.servers[srv.ID] = cloneServer(srv)
	return nil
}

// UpdateServer replaces an existing server.
func (m *MockStore) UpdateServer(ctx context.Context, srv *Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.servers[srv.ID]; !ok {
		return ErrNotFound
	}
	for id, s := range m.servers {
		if id != srv.ID && (s.Token == srv.Token || s.Name == srv.Name) {
			return ErrDuplicate
		}
	}
	m.servers[srv.ID] = cloneServer(srv)
	return nil
}

// DeleteServer removes a server and its relations.
func (m *MockStore) DeleteServer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.servers[id]; !ok {
		return ErrNotFound
	}
	delete(m.servers, id)
	for key := range m.relations {
		if key[1] == id {
			delete(m.relations, key)
		}
	}
	return nil
}

// FindClientByID retrieves a client by ID.
func (m *MockStore) FindClientByID(ctx context.Context, id string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.clients[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// FindClientByToken retrieves a client by token.
func (m *MockStore) FindClientByToken(ctx context.Context, token string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.clients {
		if c.Token == token {
			result := *c
			return &result, nil
		}
	}
	return nil, ErrNotFound
}

// ListClients returns all clients ordered by name.
func (m *MockStore) ListClients(ctx context.Context) ([]*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		result := *c
		clients = append(clients, &result)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].Name < clients[j].Name })
	return clients, nil
}

// CreateClient stores a new client.
func (m *MockStore) CreateClient(ctx context.Context, c *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[c.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range m.clients {
		if existing.Token == c.Token {
			return ErrDuplicate
		}
	}
	result := *c
	m.clients[c.ID] = &result
	return nil
}

// UpdateClient replaces an existing client.
func (m *MockStore) UpdateClient(ctx context.Context, c *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.clients[c.ID]
	if !ok {
		return ErrNotFound
	}
	result := *c
	result.CreatedAt = existing.CreatedAt
	m.clients[c.ID] = &result
	return nil
}

// DeleteClient removes a client and its relations.
func (m *MockStore) DeleteClient(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[id]; !ok {
		return ErrNotFound
	}
	delete(m.clients, id)
	for key := range m.relations {
		if key[0] == id {
			delete(m.relations, key)
		}
	}
	return nil
}

// CreateClientServer stores a relation, ignoring duplicates.
func (m *MockStore) CreateClientServer(ctx context.Context, rel *ClientServer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[rel.ClientID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.servers[rel.ServerID]; !ok {
		return ErrNotFound
	}
	key := [2]string{rel.ClientID, rel.ServerID}
	if _, ok := m.relations[key]; !ok {
		r := *rel
		m.relations[key] = &r
	}
	return nil
}

// DeleteClientServer removes a relation.
func (m *MockStore) DeleteClientServer(ctx context.Context, clientID, serverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := [2]string{clientID, serverID}
	if _, ok := m.relations[key]; !ok {
		return ErrNotFound
	}
	delete(m.relations, key)
	return nil
}

// HasClientServer reports whether a relation exists.
func (m *MockStore) HasClientServer(ctx context.Context, clientID, serverID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.relations[[2]string{clientID, serverID}]
	return ok, nil
}

// ListClientServers returns a client's relations.
func (m *MockStore) ListClientServers(ctx context.Context, clientID string) ([]*ClientServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var rels []*ClientServer
	for key, rel := range m.relations {
		if key[0] == clientID {
			r := *rel
			rels = append(rels, &r)
		}
	}
	sort.Slice(rels, func(i, j int) bool { return rels[i].ServerID < rels[j].ServerID })
	return rels, nil
}

// ListPolicyElements returns all elements ordered by config id.
func (m *MockStore) ListPolicyElements(ctx context.Context) ([]*PolicyElement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	elements := make([]*PolicyElement, 0, len(m.elements))
	for _, e := range m.elements {
		elements = append(elements, cloneElement(e))
	}
	sort.Slice(elements, func(i, j int) bool { return elements[i].ConfigID < elements[j].ConfigID })
	return elements, nil
}

// FindPolicyElementByID retrieves an element.
func (m *MockStore) FindPolicyElementByID(ctx context.Context, configID string) (*PolicyElement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.elements[configID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneElement(e), nil
}

// CreatePolicyElement stores a new element.
func (m *MockStore) CreatePolicyElement(ctx context.Context, e *PolicyElement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.elements[e.ConfigID]; ok {
		return ErrDuplicate
	}
	m.elements[e.ConfigID] = cloneElement(e)
	return nil
}

// UpdatePolicyElement replaces an element.
func (m *MockStore) UpdatePolicyElement(ctx context.Context, e *PolicyElement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.elements[e.ConfigID]; !ok {
		return ErrNotFound
	}
	m.elements[e.ConfigID] = cloneElement(e)
	return nil
}

// DeletePolicyElement removes an element.
func (m *MockStore) DeletePolicyElement(ctx context.Context, configID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.elements[configID]; !ok {
		return ErrNotFound
	}
	delete(m.elements, configID)
	return nil
}

// ListPolicies returns policies in insertion order.
func (m *MockStore) ListPolicies(ctx context.Context) ([]*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.listPoliciesLocked(), nil
}

func (m *MockStore) listPoliciesLocked() []*Policy {
	policies := make([]*Policy, 0, len(m.policyOrder))
	for _, id := range m.policyOrder {
		policies = append(policies, clonePolicy(m.policies[id]))
	}
	return policies
}

// GetPolicy retrieves a policy.
func (m *MockStore) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.policies[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePolicy(p), nil
}

// CreatePolicy stores a new policy.
func (m *MockStore) CreatePolicy(ctx context.Context, p *Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.policies[p.ID]; ok {
		return ErrDuplicate
	}
	m.policies[p.ID] = clonePolicy(p)
	m.policyOrder = append(m.policyOrder, p.ID)
	return nil
}

// UpdatePolicy replaces a policy, keeping its position.
func (m *MockStore) UpdatePolicy(ctx context.Context, p *Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.policies[p.ID]; !ok {
		return ErrNotFound
	}
	m.policies[p.ID] = clonePolicy(p)
	return nil
}

// DeletePolicy removes a policy.
func (m *MockStore) DeletePolicy(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.policies[id]; !ok {
		return ErrNotFound
	}
	delete(m.policies, id)
	for i, pid := range m.policyOrder {
		if pid == id {
			m.policyOrder = append(m.policyOrder[:i], m.policyOrder[i+1:]...)
			break
		}
	}
	return nil
}

// PolicySnapshot returns copies of all policies and elements.
func (m *MockStore) PolicySnapshot(ctx context.Context) (*PolicySnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.FailSnapshot != nil {
		return nil, m.FailSnapshot
	}

	snap := &PolicySnapshot{
		Policies: m.listPoliciesLocked(),
		Elements: make(map[string]*PolicyElement, len(m.elements)),
	}
	for id, e := range m.elements {
		snap.Elements[id] = cloneElement(e)
	}
	return snap, nil
}

// CreateMessage appends a message.
func (m *MockStore) CreateMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailCreateMessage != nil {
		return m.FailCreateMessage
	}
	if _, ok := m.messageIndex[msg.ID]; ok {
		return ErrDuplicate
	}
	c := *msg
	c.Payload = append([]byte(nil), msg.Payload...)
	m.messages = append(m.messages, &c)
	m.messageIndex[msg.ID] = struct{}{}
	return nil
}

// ListMessages returns messages oldest first.
func (m *MockStore) ListMessages(ctx context.Context, f MessageFilter) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := normalizeLimit(f.Limit)
	var out []*Message
	for _, msg := range m.messages {
		if f.SessionID != "" && msg.SessionID != f.SessionID {
			continue
		}
		if f.ServerID != "" && msg.ServerID != f.ServerID {
			continue
		}
		c := *msg
		out = append(out, &c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// CreateAlert appends an alert.
func (m *MockStore) CreateAlert(ctx context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailCreateAlert != nil {
		return m.FailCreateAlert
	}
	if _, ok := m.messageIndex[a.MessageID]; !ok {
		return ErrNotFound
	}
	c := *a
	m.alerts = append(m.alerts, &c)
	return nil
}

// ListAlerts returns alerts newest first.
func (m *MockStore) ListAlerts(ctx context.Context, f AlertFilter) ([]*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := normalizeLimit(f.Limit)
	var out []*Alert
	for i := len(m.alerts) - 1; i >= 0; i-- {
		a := m.alerts[i]
		if f.UnseenOnly && a.SeenAt != nil {
			continue
		}
		if f.PolicyID != "" && a.PolicyID != f.PolicyID {
			continue
		}
		c := *a
		out = append(out, &c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkAlertSeen sets or clears an alert's seen timestamp.
func (m *MockStore) MarkAlertSeen(ctx context.Context, id string, seen bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.alerts {
		if a.ID != id {
			continue
		}
		if seen {
			now := time.Now()
			a.SeenAt = &now
		} else {
			a.SeenAt = nil
		}
		return nil
	}
	return ErrNotFound
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

var _ Store = (*MockStore)(nil)
