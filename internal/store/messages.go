// ABOUTME: Message and alert persistence for SQLStore
// ABOUTME: Both tables are append-only apart from the alert seen marker

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateMessage appends an intercepted message.
func (s *SQLStore) CreateMessage(ctx context.Context, m *Message) error {
	payload := string(m.Payload)
	if payload == "" {
		payload = "null"
	}
	_, err := s.exec(ctx, `
		INSERT INTO messages (id, session_id, server_id, client_id, origin, method, kind, payload, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.SessionID, m.ServerID, nullString(m.ClientID), string(m.Origin), m.Method,
		string(m.Kind), payload, string(m.Outcome), formatTime(m.CreatedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message", "id", m.ID, "session", m.SessionID, "method", m.Method, "outcome", m.Outcome)
	return nil
}

// ListMessages returns messages oldest first, filtered by session and/or server.
func (s *SQLStore) ListMessages(ctx context.Context, f MessageFilter) ([]*Message, error) {
	var (
		where []string
		args  []any
	)
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.ServerID != "" {
		where = append(where, "server_id = ?")
		args = append(args, f.ServerID)
	}

	query := `SELECT id, session_id, server_id, client_id, origin, method, kind, payload, outcome, created_at FROM messages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id LIMIT ?"
	args = append(args, normalizeLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var (
			m                              Message
			clientID                       sql.NullString
			origin, kind, outcome, payload string
			createdAt                      string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.ServerID, &clientID, &origin, &m.Method,
			&kind, &payload, &outcome, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if clientID.Valid {
			id := clientID.String
			m.ClientID = &id
		}
		m.Origin = Origin(origin)
		m.Kind = MessageKind(kind)
		m.Outcome = Outcome(outcome)
		m.Payload = []byte(payload)
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// CreateAlert appends an alert. The referenced message must already exist.
func (s *SQLStore) CreateAlert(ctx context.Context, a *Alert) error {
	var seenAt any
	if a.SeenAt != nil {
		seenAt = formatTime(*a.SeenAt)
	}
	_, err := s.exec(ctx, `
		INSERT INTO alerts (id, policy_id, message_id, severity, seen_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.ID, a.PolicyID, a.MessageID, int(a.Severity), seenAt, formatTime(a.CreatedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting alert: %w", err)
	}

	s.logger.Debug("created alert", "id", a.ID, "policy", a.PolicyID, "severity", a.Severity)
	return nil
}

// ListAlerts returns alerts newest first.
func (s *SQLStore) ListAlerts(ctx context.Context, f AlertFilter) ([]*Alert, error) {
	var (
		where []string
		args  []any
	)
	if f.UnseenOnly {
		where = append(where, "seen_at IS NULL")
	}
	if f.PolicyID != "" {
		where = append(where, "policy_id = ?")
		args = append(args, f.PolicyID)
	}

	query := `SELECT id, policy_id, message_id, severity, seen_at, created_at FROM alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id LIMIT ?"
	args = append(args, normalizeLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		var (
			a         Alert
			severity  int
			seenAt    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&a.ID, &a.PolicyID, &a.MessageID, &severity, &seenAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning alert: %w", err)
		}
		a.Severity = Severity(severity)
		if a.SeenAt, err = parseNullTime(seenAt); err != nil {
			return nil, fmt.Errorf("parsing seen_at: %w", err)
		}
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}

// MarkAlertSeen sets or clears the seen timestamp of an alert.
func (s *SQLStore) MarkAlertSeen(ctx context.Context, id string, seen bool) error {
	var seenAt any
	if seen {
		seenAt = formatTime(time.Now())
	}
	err := s.execOne(ctx, `UPDATE alerts SET seen_at = ? WHERE id = ?`, seenAt, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("marking alert: %w", err)
	}
	return err
}
