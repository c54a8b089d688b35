// ABOUTME: Server and client persistence for SQLStore
// ABOUTME: Includes client/server entitlement relations

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const serverColumns = `id, token, name, transport_json, enabled, security_class, created_at, updated_at`

func scanServer(row interface{ Scan(...any) error }) (*Server, error) {
	var (
		srv                  Server
		transportJSON        string
		enabled              bool
		securityClass        string
		createdAt, updatedAt string
	)
	if err := row.Scan(&srv.ID, &srv.Token, &srv.Name, &transportJSON, &enabled, &securityClass, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(transportJSON), &srv.Transport); err != nil {
		return nil, fmt.Errorf("decoding transport for server %s: %w", srv.ID, err)
	}
	srv.Enabled = enabled
	srv.SecurityClass = SecurityClass(securityClass)

	var err error
	if srv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if srv.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &srv, nil
}

func (s *SQLStore) findServer(ctx context.Context, where string, arg any) (*Server, error) {
	query := `SELECT ` + serverColumns + ` FROM servers WHERE ` + where + ` = ?`
	srv, err := scanServer(s.db.QueryRowContext(ctx, s.rebind(query), arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying server: %w", err)
	}
	return srv, nil
}

// FindServerByID retrieves a server by ID.
// Returns ErrNotFound if the server doesn't exist.
func (s *SQLStore) FindServerByID(ctx context.Context, id string) (*Server, error) {
	return s.findServer(ctx, "id", id)
}

// FindServerByToken retrieves a server by its capability token.
func (s *SQLStore) FindServerByToken(ctx context.Context, token string) (*Server, error) {
	return s.findServer(ctx, "token", token)
}

// FindServerByName retrieves a server by its unique name.
func (s *SQLStore) FindServerByName(ctx context.Context, name string) (*Server, error) {
	return s.findServer(ctx, "name", name)
}

// ListServers returns all servers ordered by name.
func (s *SQLStore) ListServers(ctx context.Context) ([]*Server, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying servers: %w", err)
	}
	defer rows.Close()

	var servers []*Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning server: %w", err)
		}
		servers = append(servers, srv)
	}
	return servers, rows.Err()
}

// CreateServer inserts a new server.
// Returns ErrDuplicate if the id, token or name is taken.
func (s *SQLStore) CreateServer(ctx context.Context, srv *Server) error {
	transportJSON, err := json.Marshal(srv.Transport)
	if err != nil {
		return fmt.Errorf("encoding transport: %w", err)
	}

	_, err = s.exec(ctx, `
		INSERT INTO servers (`+serverColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		srv.ID, srv.Token, srv.Name, string(transportJSON), boolToInt(srv.Enabled),
		string(srv.SecurityClass), formatTime(srv.CreatedAt), formatTime(srv.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting server: %w", err)
	}

	s.logger.Debug("created server", "id", srv.ID, "name", srv.Name)
	return nil
}

// UpdateServer replaces a server's mutable fields.
func (s *SQLStore) UpdateServer(ctx context.Context, srv *Server) error {
	transportJSON, err := json.Marshal(srv.Transport)
	if err != nil {
		return fmt.Errorf("encoding transport: %w", err)
	}

	err = s.execOne(ctx, `
		UPDATE servers
		SET token = ?, name = ?, transport_json = ?, enabled = ?, security_class = ?, updated_at = ?
		WHERE id = ?
	`,
		srv.Token, srv.Name, string(transportJSON), boolToInt(srv.Enabled),
		string(srv.SecurityClass), formatTime(srv.UpdatedAt), srv.ID,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("updating server: %w", err)
	}
	return err
}

// DeleteServer removes a server and its client relations.
func (s *SQLStore) DeleteServer(ctx context.Context, id string) error {
	err := s.execOne(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("deleting server: %w", err)
	}
	return err
}

const clientColumns = `id, token, name, type, scope, created_at`

func scanClient(row interface{ Scan(...any) error }) (*Client, error) {
	var (
		c                         Client
		clientType, scope, create string
	)
	if err := row.Scan(&c.ID, &c.Token, &c.Name, &clientType, &scope, &create); err != nil {
		return nil, err
	}
	c.Type = ClientType(clientType)
	c.Scope = ClientScope(scope)

	var err error
	if c.CreatedAt, err = parseTime(create); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &c, nil
}

func (s *SQLStore) findClient(ctx context.Context, where string, arg any) (*Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients WHERE ` + where + ` = ?`
	c, err := scanClient(s.db.QueryRowContext(ctx, s.rebind(query), arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying client: %w", err)
	}
	return c, nil
}

// FindClientByID retrieves a client by ID.
func (s *SQLStore) FindClientByID(ctx context.Context, id string) (*Client, error) {
	return s.findClient(ctx, "id", id)
}

// FindClientByToken retrieves a client by its credential.
func (s *SQLStore) FindClientByToken(ctx context.Context, token string) (*Client, error) {
	return s.findClient(ctx, "token", token)
}

// ListClients returns all clients ordered by name.
func (s *SQLStore) ListClients(ctx context.Context) ([]*Client, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying clients: %w", err)
	}
	defer rows.Close()

	var clients []*Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning client: %w", err)
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// CreateClient inserts a new client.
func (s *SQLStore) CreateClient(ctx context.Context, c *Client) error {
	_, err := s.exec(ctx, `
		INSERT INTO clients (`+clientColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.Token, c.Name, string(c.Type), string(c.Scope), formatTime(c.CreatedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting client: %w", err)
	}

	s.logger.Debug("created client", "id", c.ID, "name", c.Name)
	return nil
}

// UpdateClient replaces a client's mutable fields.
func (s *SQLStore) UpdateClient(ctx context.Context, c *Client) error {
	err := s.execOne(ctx, `
		UPDATE clients SET token = ?, name = ?, type = ?, scope = ? WHERE id = ?
	`, c.Token, c.Name, string(c.Type), string(c.Scope), c.ID)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("updating client: %w", err)
	}
	return err
}

// DeleteClient removes a client and its server relations.
func (s *SQLStore) DeleteClient(ctx context.Context, id string) error {
	err := s.execOne(ctx, `DELETE FROM clients WHERE id = ?`, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("deleting client: %w", err)
	}
	return err
}

// CreateClientServer entitles a client to a server. Existing relations are left untouched.
func (s *SQLStore) CreateClientServer(ctx context.Context, rel *ClientServer) error {
	_, err := s.exec(ctx, `
		INSERT INTO client_servers (client_id, server_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (client_id, server_id) DO NOTHING
	`, rel.ClientID, rel.ServerID, formatTime(rel.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting client server relation: %w", err)
	}
	return nil
}

// DeleteClientServer removes an entitlement.
func (s *SQLStore) DeleteClientServer(ctx context.Context, clientID, serverID string) error {
	err := s.execOne(ctx, `DELETE FROM client_servers WHERE client_id = ? AND server_id = ?`, clientID, serverID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("deleting client server relation: %w", err)
	}
	return err
}

// HasClientServer reports whether the client is entitled to the server.
func (s *SQLStore) HasClientServer(ctx context.Context, clientID, serverID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT 1 FROM client_servers WHERE client_id = ? AND server_id = ?
	`), clientID, serverID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying client server relation: %w", err)
	}
	return true, nil
}

// ListClientServers returns the relations for a client.
func (s *SQLStore) ListClientServers(ctx context.Context, clientID string) ([]*ClientServer, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT client_id, server_id, created_at FROM client_servers
		WHERE client_id = ? ORDER BY created_at, server_id
	`), clientID)
	if err != nil {
		return nil, fmt.Errorf("querying client server relations: %w", err)
	}
	defer rows.Close()

	var rels []*ClientServer
	for rows.Next() {
		var rel ClientServer
		var createdAt string
		if err := rows.Scan(&rel.ClientID, &rel.ServerID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning client server relation: %w", err)
		}
		if rel.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		rels = append(rels, &rel)
	}
	return rels, rows.Err()
}
