// ABOUTME: Declarative manifest of servers, clients, policy elements and policies
// ABOUTME: Loaded from YAML or TOML with ${VAR} expansion and checked before it is applied

package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/toolgate/internal/config"
	"github.com/2389/toolgate/internal/store"
)

// ErrInvalid is returned when a manifest fails validation.
var ErrInvalid = errors.New("invalid manifest")

// Format is the encoding of a manifest file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFor picks the format from a file extension. Anything that is not
// .toml is read as YAML.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Manifest is the declared state of the gateway.
type Manifest struct {
	Servers  []Server  `yaml:"servers" toml:"servers"`
	Clients  []Client  `yaml:"clients" toml:"clients"`
	Elements []Element `yaml:"elements" toml:"elements"`
	Policies []Policy  `yaml:"policies" toml:"policies"`
}

// Server declares a tool server. Servers are matched to stored ones by name.
type Server struct {
	ID            string                `yaml:"id" toml:"id"`
	Name          string                `yaml:"name" toml:"name"`
	Token         string                `yaml:"token" toml:"token"`
	SecurityClass string                `yaml:"security_class" toml:"security_class"`
	Enabled       *bool                 `yaml:"enabled" toml:"enabled"`
	Transport     store.TransportConfig `yaml:"transport" toml:"transport"`
}

// Client declares a client identity and the servers it may use, by name.
type Client struct {
	ID      string   `yaml:"id" toml:"id"`
	Name    string   `yaml:"name" toml:"name"`
	Token   string   `yaml:"token" toml:"token"`
	Type    string   `yaml:"type" toml:"type"`
	Scope   string   `yaml:"scope" toml:"scope"`
	Servers []string `yaml:"servers" toml:"servers"`
}

// Element declares a configured catalog class.
type Element struct {
	ID      string         `yaml:"id" toml:"id"`
	Type    string         `yaml:"type" toml:"type"`
	Class   string         `yaml:"class" toml:"class"`
	Name    string         `yaml:"name" toml:"name"`
	Config  map[string]any `yaml:"config" toml:"config"`
	Enabled *bool          `yaml:"enabled" toml:"enabled"`
}

// Policy declares a policy. Conditions and Action reference element ids.
type Policy struct {
	ID          string             `yaml:"id" toml:"id"`
	Name        string             `yaml:"name" toml:"name"`
	Description string             `yaml:"description" toml:"description"`
	Severity    int                `yaml:"severity" toml:"severity"`
	Origin      string             `yaml:"origin" toml:"origin"`
	Methods     []string           `yaml:"methods" toml:"methods"`
	Conditions  []store.ElementRef `yaml:"conditions" toml:"conditions"`
	Action      *store.ElementRef  `yaml:"action" toml:"action"`
	Enabled     *bool              `yaml:"enabled" toml:"enabled"`
}

// Load reads a manifest file. The format follows the file extension.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return Parse(data, FormatFor(path))
}

// Parse decodes a manifest after expanding ${VAR} references. Unknown keys are
// rejected so typos do not silently drop a policy.
func Parse(data []byte, format Format) (*Manifest, error) {
	expanded := config.ExpandEnv(string(data))

	var m Manifest
	switch format {
	case FormatTOML:
		md, err := toml.Decode(expanded, &m)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("%w: unknown key %s", ErrInvalid, undecoded[0])
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}

	m.applyDefaults()
	return &m, nil
}

func (m *Manifest) applyDefaults() {
	for i := range m.Policies {
		p := &m.Policies[i]
		if p.ID == "" {
			p.ID = p.Name
		}
		if p.Origin == "" {
			p.Origin = string(store.OriginEither)
		}
	}
	for i := range m.Elements {
		e := &m.Elements[i]
		if e.Name == "" {
			e.Name = e.ID
		}
	}
	for i := range m.Clients {
		c := &m.Clients[i]
		if c.Type == "" {
			c.Type = string(store.ClientGeneric)
		}
		if c.Scope == "" {
			c.Scope = string(store.ScopeGlobal)
		}
	}
}

func enabled(b *bool) bool {
	return b == nil || *b
}

// Validate checks the manifest on its own: required fields, uniqueness and
// known enum values. Catalog checks happen in Apply.
func (m *Manifest) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	names := map[string]bool{}
	tokens := map[string]bool{}
	for i, s := range m.Servers {
		switch {
		case s.Name == "":
			fail("servers[%d]: name is required", i)
		case names[s.Name]:
			fail("servers[%d]: duplicate name %q", i, s.Name)
		}
		names[s.Name] = true
		if strings.Contains(s.Name, "/") {
			fail("server %s: name must not contain '/'", s.Name)
		}
		switch {
		case s.Token == "":
			fail("server %s: token is required", s.Name)
		case tokens[s.Token]:
			fail("server %s: token is already used by another server", s.Name)
		}
		tokens[s.Token] = true
		class := store.SecurityClass(s.SecurityClass)
		if !class.Valid() {
			fail("server %s: unknown security_class %q", s.Name, s.SecurityClass)
		}
		if err := s.Transport.Validate(); err != nil {
			fail("server %s: %v", s.Name, err)
		}
		if class == store.SecurityNetwork && s.Transport.Type != store.TransportHTTP {
			fail("server %s: network servers need an http transport", s.Name)
		}
		if class.Sandboxed() && s.Transport.Type != store.TransportStdio {
			fail("server %s: %s servers need a stdio transport", s.Name, class)
		}
	}

	clientTokens := map[string]bool{}
	for i, c := range m.Clients {
		if c.Name == "" {
			fail("clients[%d]: name is required", i)
		}
		switch {
		case c.Token == "":
			fail("client %s: token is required", c.Name)
		case clientTokens[c.Token]:
			fail("client %s: duplicate token", c.Name)
		}
		clientTokens[c.Token] = true
		if c.Scope != string(store.ScopeGlobal) && c.Scope != string(store.ScopeProject) {
			fail("client %s: unknown scope %q", c.Name, c.Scope)
		}
	}

	elements := map[string]bool{}
	for i, e := range m.Elements {
		switch {
		case e.ID == "":
			fail("elements[%d]: id is required", i)
		case elements[e.ID]:
			fail("elements[%d]: duplicate id %q", i, e.ID)
		}
		elements[e.ID] = true
		if t := store.ElementType(e.Type); t != store.ElementCondition && t != store.ElementAction {
			fail("element %s: type must be condition or action", e.ID)
		}
		if e.Class == "" {
			fail("element %s: class is required", e.ID)
		}
	}

	policies := map[string]bool{}
	for i, p := range m.Policies {
		switch {
		case p.ID == "":
			fail("policies[%d]: id or name is required", i)
		case policies[p.ID]:
			fail("policies[%d]: duplicate id %q", i, p.ID)
		}
		policies[p.ID] = true
		if !store.Severity(p.Severity).Valid() {
			fail("policy %s: severity must be between 1 and 5", p.ID)
		}
		switch store.Origin(p.Origin) {
		case store.OriginClient, store.OriginServer, store.OriginEither:
		default:
			fail("policy %s: unknown origin %q", p.ID, p.Origin)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
