// ABOUTME: Policy and policy element persistence for SQLStore
// ABOUTME: PolicySnapshot reads both tables inside one read transaction

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const elementColumns = `config_id, element_type, class_name, name, config_json, enabled, updated_at`

func scanElement(row interface{ Scan(...any) error }) (*PolicyElement, error) {
	var (
		e                   PolicyElement
		elementType         string
		configJSON, updated string
	)
	if err := row.Scan(&e.ConfigID, &elementType, &e.ClassName, &e.Name, &configJSON, &e.Enabled, &updated); err != nil {
		return nil, err
	}
	e.ElementType = ElementType(elementType)
	if err := json.Unmarshal([]byte(configJSON), &e.Config); err != nil {
		return nil, fmt.Errorf("decoding config for element %s: %w", e.ConfigID, err)
	}

	var err error
	if e.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &e, nil
}

func encodeConfig(cfg map[string]any) (string, error) {
	if cfg == nil {
		cfg = map[string]any{}
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encoding config: %w", err)
	}
	return string(data), nil
}

// ListPolicyElements returns all elements ordered by config id.
func (s *SQLStore) ListPolicyElements(ctx context.Context) ([]*PolicyElement, error) {
	return listElements(ctx, s.db)
}

func listElements(ctx context.Context, q querier) ([]*PolicyElement, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+elementColumns+` FROM policy_elements ORDER BY config_id`)
	if err != nil {
		return nil, fmt.Errorf("querying policy elements: %w", err)
	}
	defer rows.Close()

	var elements []*PolicyElement
	for rows.Next() {
		e, err := scanElement(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning policy element: %w", err)
		}
		elements = append(elements, e)
	}
	return elements, rows.Err()
}

// FindPolicyElementByID retrieves an element by config id.
func (s *SQLStore) FindPolicyElementByID(ctx context.Context, configID string) (*PolicyElement, error) {
	e, err := scanElement(s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+elementColumns+` FROM policy_elements WHERE config_id = ?`), configID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying policy element: %w", err)
	}
	return e, nil
}

// CreatePolicyElement inserts a new element.
func (s *SQLStore) CreatePolicyElement(ctx context.Context, e *PolicyElement) error {
	cfg, err := encodeConfig(e.Config)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO policy_elements (`+elementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ConfigID, string(e.ElementType), e.ClassName, e.Name, cfg, boolToInt(e.Enabled), formatTime(e.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting policy element: %w", err)
	}

	s.logger.Debug("created policy element", "config_id", e.ConfigID, "class", e.ClassName)
	return nil
}

// UpdatePolicyElement replaces an element's mutable fields.
func (s *SQLStore) UpdatePolicyElement(ctx context.Context, e *PolicyElement) error {
	cfg, err := encodeConfig(e.Config)
	if err != nil {
		return err
	}
	err = s.execOne(ctx, `
		UPDATE policy_elements
		SET element_type = ?, class_name = ?, name = ?, config_json = ?, enabled = ?, updated_at = ?
		WHERE config_id = ?
	`, string(e.ElementType), e.ClassName, e.Name, cfg, boolToInt(e.Enabled), formatTime(e.UpdatedAt), e.ConfigID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("updating policy element: %w", err)
	}
	return err
}

// DeletePolicyElement removes an element. Policies that still reference it fail closed.
func (s *SQLStore) DeletePolicyElement(ctx context.Context, configID string) error {
	err := s.execOne(ctx, `DELETE FROM policy_elements WHERE config_id = ?`, configID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("deleting policy element: %w", err)
	}
	return err
}

const policyColumns = `id, name, description, severity, origin, methods_json, conditions_json, action_json, enabled, created_at, updated_at`

func scanPolicy(row interface{ Scan(...any) error }) (*Policy, error) {
	var (
		p                      Policy
		severity               int
		origin                 string
		methodsJSON, condsJSON string
		actionJSON             sql.NullString
		createdAt, updatedAt   string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &severity, &origin, &methodsJSON, &condsJSON,
		&actionJSON, &p.Enabled, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Severity = Severity(severity)
	p.Origin = Origin(origin)

	if err := json.Unmarshal([]byte(methodsJSON), &p.Methods); err != nil {
		return nil, fmt.Errorf("decoding methods for policy %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(condsJSON), &p.Conditions); err != nil {
		return nil, fmt.Errorf("decoding conditions for policy %s: %w", p.ID, err)
	}
	if actionJSON.Valid {
		p.Action = &ElementRef{}
		if err := json.Unmarshal([]byte(actionJSON.String), p.Action); err != nil {
			return nil, fmt.Errorf("decoding action for policy %s: %w", p.ID, err)
		}
	}

	var err error
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &p, nil
}

// policyArgs encodes the JSON columns of a policy
func policyArgs(p *Policy) (methods, conditions string, action any, err error) {
	m := p.Methods
	if m == nil {
		m = []string{}
	}
	c := p.Conditions
	if c == nil {
		c = []ElementRef{}
	}
	mb, err := json.Marshal(m)
	if err != nil {
		return "", "", nil, fmt.Errorf("encoding methods: %w", err)
	}
	cb, err := json.Marshal(c)
	if err != nil {
		return "", "", nil, fmt.Errorf("encoding conditions: %w", err)
	}
	if p.Action != nil {
		ab, err := json.Marshal(p.Action)
		if err != nil {
			return "", "", nil, fmt.Errorf("encoding action: %w", err)
		}
		action = string(ab)
	}
	return string(mb), string(cb), action, nil
}

// ListPolicies returns all policies in insertion order.
func (s *SQLStore) ListPolicies(ctx context.Context) ([]*Policy, error) {
	return listPolicies(ctx, s.db)
}

func listPolicies(ctx context.Context, q querier) ([]*Policy, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+policyColumns+` FROM policies ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("querying policies: %w", err)
	}
	defer rows.Close()

	var policies []*Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning policy: %w", err)
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// GetPolicy retrieves a policy by ID.
func (s *SQLStore) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	p, err := scanPolicy(s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+policyColumns+` FROM policies WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying policy: %w", err)
	}
	return p, nil
}

// CreatePolicy inserts a new policy.
func (s *SQLStore) CreatePolicy(ctx context.Context, p *Policy) error {
	methods, conditions, action, err := policyArgs(p)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO policies (`+policyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Description, int(p.Severity), string(p.Origin), methods, conditions, action,
		boolToInt(p.Enabled), formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting policy: %w", err)
	}

	s.logger.Debug("created policy", "id", p.ID, "severity", p.Severity)
	return nil
}

// UpdatePolicy replaces a policy's mutable fields.
func (s *SQLStore) UpdatePolicy(ctx context.Context, p *Policy) error {
	methods, conditions, action, err := policyArgs(p)
	if err != nil {
		return err
	}
	err = s.execOne(ctx, `
		UPDATE policies
		SET name = ?, description = ?, severity = ?, origin = ?, methods_json = ?,
			conditions_json = ?, action_json = ?, enabled = ?, updated_at = ?
		WHERE id = ?
	`, p.Name, p.Description, int(p.Severity), string(p.Origin), methods, conditions, action,
		boolToInt(p.Enabled), formatTime(p.UpdatedAt), p.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("updating policy: %w", err)
	}
	return err
}

// DeletePolicy removes a policy. Alerts already raised keep its id.
func (s *SQLStore) DeletePolicy(ctx context.Context, id string) error {
	err := s.execOne(ctx, `DELETE FROM policies WHERE id = ?`, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("deleting policy: %w", err)
	}
	return err
}

// PolicySnapshot reads policies and elements inside a single read-only transaction
// so an evaluation never observes a half-applied manifest.
func (s *SQLStore) PolicySnapshot(ctx context.Context) (*PolicySnapshot, error) {
	// sqlite's driver rejects read-only and isolation options; a WAL read
	// transaction is already a snapshot once its first read runs
	var opts *sql.TxOptions
	if s.dialect == DialectPostgres {
		opts = &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead}
	}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("beginning snapshot: %w", err)
	}
	defer tx.Rollback()

	policies, err := listPolicies(ctx, tx)
	if err != nil {
		return nil, err
	}
	elements, err := listElements(ctx, tx)
	if err != nil {
		return nil, err
	}

	snap := &PolicySnapshot{
		Policies: policies,
		Elements: make(map[string]*PolicyElement, len(elements)),
	}
	for _, e := range elements {
		snap.Elements[e.ConfigID] = e
	}
	return snap, nil
}
