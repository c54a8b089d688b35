// ABOUTME: Applies a manifest to the store after checking it against the catalog
// ABOUTME: Upserts servers, clients, relations, policy elements and policies

package manifest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/2389/toolgate/internal/catalog"
	"github.com/2389/toolgate/internal/policy"
	"github.com/2389/toolgate/internal/store"
)

// Store is the slice of the store a manifest writes to.
type Store interface {
	store.ServerModel
	store.ClientModel
	store.ClientServerModel
	store.PolicyElementModel
	store.PolicyModel
	store.PolicySnapshotter
}

// Result summarizes an Apply.
type Result struct {
	Created int
	Updated int
	// ServersChanged lists ids of servers whose endpoint definition changed.
	ServersChanged []string
}

// Applier writes manifests into a store.
type Applier struct {
	store   Store
	catalog *catalog.Registry
	logger  *slog.Logger
	now     func() time.Time
}

// NewApplier creates an Applier.
func NewApplier(st Store, reg *catalog.Registry, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{
		store:   st,
		catalog: reg,
		logger:  logger.With("component", "manifest"),
		now:     time.Now,
	}
}

// Check validates m and resolves every element and policy through the
// catalog, using stored elements for references the manifest does not
// declare. Nothing is written.
func (a *Applier) Check(ctx context.Context, m *Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}

	snap, err := a.store.PolicySnapshot(ctx)
	if err != nil {
		return fmt.Errorf("loading stored policies: %w", err)
	}
	elements := maps.Clone(snap.Elements)
	if elements == nil {
		elements = map[string]*store.PolicyElement{}
	}

	var errs []error
	for _, e := range m.Elements {
		el := e.toStore(time.Time{})
		if _, err := a.catalog.LookupType(el.ElementType, el.ClassName); err != nil {
			errs = append(errs, fmt.Errorf("element %s: %w", e.ID, err))
		}
		elements[el.ConfigID] = el
	}

	policies := make([]*store.Policy, 0, len(m.Policies))
	for _, p := range m.Policies {
		policies = append(policies, p.toStore(time.Time{}))
	}
	if err := policy.Check(&store.PolicySnapshot{Policies: policies, Elements: elements}, a.catalog); err != nil {
		errs = append(errs, err)
	}

	declared := map[string]bool{}
	for _, s := range m.Servers {
		declared[s.Name] = true
	}
	for _, c := range m.Clients {
		for _, name := range c.Servers {
			if declared[name] {
				continue
			}
			if _, err := a.store.FindServerByName(ctx, name); err != nil {
				errs = append(errs, fmt.Errorf("client %s: server %s: %w", c.Name, name, err))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Apply checks m and upserts everything it declares. Servers are matched by
// name, clients by id or token, elements and policies by id. Records missing
// from the manifest are left alone; set enabled: false to switch one off.
func (a *Applier) Apply(ctx context.Context, m *Manifest) (*Result, error) {
	if err := a.Check(ctx, m); err != nil {
		return nil, err
	}

	res := &Result{}
	now := a.now().UTC()

	serverIDs := map[string]string{}
	for _, s := range m.Servers {
		id, err := a.applyServer(ctx, s, now, res)
		if err != nil {
			return res, fmt.Errorf("server %s: %w", s.Name, err)
		}
		serverIDs[s.Name] = id
	}

	for _, c := range m.Clients {
		if err := a.applyClient(ctx, c, serverIDs, now, res); err != nil {
			return res, fmt.Errorf("client %s: %w", c.Name, err)
		}
	}

	for _, e := range m.Elements {
		if err := a.applyElement(ctx, e, now, res); err != nil {
			return res, fmt.Errorf("element %s: %w", e.ID, err)
		}
	}

	for _, p := range m.Policies {
		if err := a.applyPolicy(ctx, p, now, res); err != nil {
			return res, fmt.Errorf("policy %s: %w", p.ID, err)
		}
	}

	a.logger.Info("manifest applied",
		"created", res.Created,
		"updated", res.Updated,
		"servers_changed", len(res.ServersChanged),
	)
	return res, nil
}

func (a *Applier) applyServer(ctx context.Context, s Server, now time.Time, res *Result) (string, error) {
	want := &store.Server{
		ID:            s.ID,
		Token:         s.Token,
		Name:          s.Name,
		Transport:     s.Transport,
		Enabled:       enabled(s.Enabled),
		SecurityClass: store.SecurityClass(s.SecurityClass),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	existing, err := a.store.FindServerByName(ctx, s.Name)
	if errors.Is(err, store.ErrNotFound) {
		if want.ID == "" {
			want.ID = uuid.New().String()
		}
		if err := a.store.CreateServer(ctx, want); err != nil {
			return "", err
		}
		res.Created++
		res.ServersChanged = append(res.ServersChanged, want.ID)
		return want.ID, nil
	}
	if err != nil {
		return "", err
	}

	if existing.Token == want.Token &&
		existing.Enabled == want.Enabled &&
		existing.SecurityClass == want.SecurityClass &&
		reflect.DeepEqual(existing.Transport, want.Transport) {
		return existing.ID, nil
	}
	want.ID = existing.ID
	want.CreatedAt = existing.CreatedAt
	if err := a.store.UpdateServer(ctx, want); err != nil {
		return "", err
	}
	res.Updated++
	res.ServersChanged = append(res.ServersChanged, want.ID)
	return want.ID, nil
}

func (a *Applier) applyClient(ctx context.Context, c Client, serverIDs map[string]string, now time.Time, res *Result) error {
	want := &store.Client{
		ID:        c.ID,
		Token:     c.Token,
		Name:      c.Name,
		Type:      store.ClientType(c.Type),
		Scope:     store.ClientScope(c.Scope),
		CreatedAt: now,
	}

	var existing *store.Client
	var err error
	if c.ID != "" {
		existing, err = a.store.FindClientByID(ctx, c.ID)
	} else {
		existing, err = a.store.FindClientByToken(ctx, c.Token)
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		if want.ID == "" {
			want.ID = uuid.New().String()
		}
		if err := a.store.CreateClient(ctx, want); err != nil {
			return err
		}
		res.Created++
	case err != nil:
		return err
	default:
		want.ID = existing.ID
		want.CreatedAt = existing.CreatedAt
		if *existing != *want {
			if err := a.store.UpdateClient(ctx, want); err != nil {
				return err
			}
			res.Updated++
		}
	}

	for _, name := range c.Servers {
		serverID, ok := serverIDs[name]
		if !ok {
			srv, err := a.store.FindServerByName(ctx, name)
			if err != nil {
				return fmt.Errorf("server %s: %w", name, err)
			}
			serverID = srv.ID
		}
		rel := &store.ClientServer{ClientID: want.ID, ServerID: serverID, CreatedAt: now}
		if err := a.store.CreateClientServer(ctx, rel); err != nil {
			return err
		}
	}
	return nil
}

func (e Element) toStore(now time.Time) *store.PolicyElement {
	return &store.PolicyElement{
		ConfigID:    e.ID,
		ElementType: store.ElementType(e.Type),
		ClassName:   e.Class,
		Name:        e.Name,
		Config:      e.Config,
		Enabled:     enabled(e.Enabled),
		UpdatedAt:   now,
	}
}

func (a *Applier) applyElement(ctx context.Context, e Element, now time.Time, res *Result) error {
	want := e.toStore(now)
	existing, err := a.store.FindPolicyElementByID(ctx, e.ID)
	if errors.Is(err, store.ErrNotFound) {
		if err := a.store.CreatePolicyElement(ctx, want); err != nil {
			return err
		}
		res.Created++
		return nil
	}
	if err != nil {
		return err
	}
	want.UpdatedAt = existing.UpdatedAt
	if reflect.DeepEqual(existing, want) {
		return nil
	}
	want.UpdatedAt = now
	if err := a.store.UpdatePolicyElement(ctx, want); err != nil {
		return err
	}
	res.Updated++
	return nil
}

func (p Policy) toStore(now time.Time) *store.Policy {
	return &store.Policy{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Severity:    store.Severity(p.Severity),
		Origin:      store.Origin(p.Origin),
		Methods:     p.Methods,
		Conditions:  p.Conditions,
		Action:      p.Action,
		Enabled:     enabled(p.Enabled),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (a *Applier) applyPolicy(ctx context.Context, p Policy, now time.Time, res *Result) error {
	want := p.toStore(now)
	if want.Name == "" {
		want.Name = want.ID
	}
	existing, err := a.store.GetPolicy(ctx, p.ID)
	if errors.Is(err, store.ErrNotFound) {
		if err := a.store.CreatePolicy(ctx, want); err != nil {
			return err
		}
		res.Created++
		return nil
	}
	if err != nil {
		return err
	}
	want.CreatedAt = existing.CreatedAt
	if err := a.store.UpdatePolicy(ctx, want); err != nil {
		return err
	}
	res.Updated++
	return nil
}
