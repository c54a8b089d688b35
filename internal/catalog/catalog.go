// ABOUTME: Closed registry of condition and action classes referenced by policy elements
// ABOUTME: Each class carries a JSON Schema for its parameters, compiled once at construction

package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/2389/toolgate/internal/mcp"
	"github.com/2389/toolgate/internal/store"
)

// ErrNotFound is returned when a class name is not registered
var ErrNotFound = errors.New("catalog class not found")

// ErrInvalidParams is returned when merged parameters fail schema or class validation
var ErrInvalidParams = errors.New("invalid catalog parameters")

// Caller identifies who sent a message, taken from verified trust token claims.
type Caller struct {
	User       string
	SourceIP   string
	ClientID   string // empty when no client credential was presented
	ServerID   string
	ServerName string
}

// Input is what conditions and actions see.
type Input struct {
	Origin  store.Origin
	Message *mcp.Message
	Caller  Caller
}

// Verdict is the effect of an action.
type Verdict int

const (
	VerdictPass Verdict = iota
	VerdictRedact
	VerdictBlock
)

func (v Verdict) String() string {
	switch v {
	case VerdictPass:
		return "pass"
	case VerdictRedact:
		return "redact"
	case VerdictBlock:
		return "block"
	default:
		return "unknown"
	}
}

// Outcome is returned by an action. Message is set for VerdictRedact, Reason for VerdictBlock.
type Outcome struct {
	Verdict Verdict
	Message json.RawMessage
	Reason  string
}

// ConditionFunc decides whether a condition holds for a message.
type ConditionFunc func(in *Input, p Params) (bool, error)

// ActionFunc decides what happens to a matched message.
type ActionFunc func(in *Input, p Params) (Outcome, error)

// Class is one registered condition or action implementation.
type Class struct {
	Name        string
	Type        store.ElementType
	Description string
	Schema      string

	schema    *jsonschema.Schema
	validate  func(Params) error
	condition ConditionFunc
	action    ActionFunc
}

// Evaluate runs a condition class.
func (c *Class) Evaluate(in *Input, p Params) (bool, error) {
	if c.condition == nil {
		return false, fmt.Errorf("%s is not a condition", c.Name)
	}
	return c.condition(in, p)
}

// Apply runs an action class.
func (c *Class) Apply(in *Input, p Params) (Outcome, error) {
	if c.action == nil {
		return Outcome{}, fmt.Errorf("%s is not an action", c.Name)
	}
	return c.action(in, p)
}

// Registry is the closed set of classes. It is immutable after New and safe for concurrent use.
type Registry struct {
	classes map[string]*Class
}

// New builds the registry of built-in classes and compiles their schemas.
func New() (*Registry, error) {
	r := &Registry{classes: make(map[string]*Class)}
	for _, c := range builtinConditions() {
		c.Type = store.ElementCondition
		if err := r.register(c); err != nil {
			return nil, err
		}
	}
	for _, c := range builtinActions() {
		c.Type = store.ElementAction
		if err := r.register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) register(c *Class) error {
	if _, exists := r.classes[c.Name]; exists {
		return fmt.Errorf("catalog class %q registered twice", c.Name)
	}
	schema, err := jsonschema.CompileString("catalog/"+string(c.Type)+"/"+c.Name+".json", c.Schema)
	if err != nil {
		return fmt.Errorf("compiling schema for %s: %w", c.Name, err)
	}
	c.schema = schema
	r.classes[c.Name] = c
	return nil
}

// Lookup returns the class registered under name.
func (r *Registry) Lookup(name string) (*Class, error) {
	c, ok := r.classes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return c, nil
}

// LookupType returns the class only if it has the expected element type.
func (r *Registry) LookupType(t store.ElementType, name string) (*Class, error) {
	c, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	if c.Type != t {
		return nil, fmt.Errorf("%w: %q is a %s, not a %s", ErrNotFound, name, c.Type, t)
	}
	return c, nil
}

// Classes returns all classes sorted by type then name.
func (r *Registry) Classes() []*Class {
	out := make([]*Class, 0, len(r.classes))
	for _, c := range r.classes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Params merges instance parameters over an element's stored config, then
// validates the result against the class schema and validator.
func (c *Class) Params(config, instance map[string]any) (Params, error) {
	merged := make(map[string]any, len(config)+len(instance))
	for k, v := range config {
		merged[k] = v
	}
	for k, v := range instance {
		merged[k] = v
	}

	// round-trip so values decoded from YAML/TOML look like JSON values
	data, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidParams, c.Name, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidParams, c.Name, err)
	}

	if err := c.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidParams, c.Name, err)
	}
	p := Params(doc)
	if c.validate != nil {
		if err := c.validate(p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidParams, c.Name, err)
		}
	}
	return p, nil
}

// ValidateRef checks that an element references a class of the right type and
// that its config merged with a policy's instance parameters is valid.
// Elements are only checked in combination because required parameters may
// come from either side.
func (r *Registry) ValidateRef(e *store.PolicyElement, instance map[string]any) error {
	c, err := r.LookupType(e.ElementType, e.ClassName)
	if err != nil {
		return err
	}
	_, err = c.Params(e.Config, instance)
	return err
}
