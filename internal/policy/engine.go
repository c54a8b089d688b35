// ABOUTME: Policy engine: filters, orders and evaluates policies against one message
// ABOUTME: First match by severity wins; any configuration problem fails closed as a block

package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/2389/toolgate/internal/catalog"
	"github.com/2389/toolgate/internal/store"
)

// ErrConfiguration marks a policy that references a missing element, an unknown
// class or invalid parameters.
var ErrConfiguration = errors.New("policy configuration error")

// Verdict is the kind of decision reached for a message.
type Verdict int

const (
	Allow Verdict = iota
	AllowWithAlert
	Block
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case AllowWithAlert:
		return "allow_with_alert"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// Decision is the result of evaluating one message.
type Decision struct {
	Verdict Verdict
	// Message is the payload to return for Allow and AllowWithAlert. On the
	// default path it is the input slice itself.
	Message json.RawMessage
	Reason  string
	// Policy is the winning policy, nil when nothing matched.
	Policy *store.Policy
	// Err is set when the block comes from a configuration error.
	Err error
}

// Alert reports whether the decision should produce an alert.
func (d *Decision) Alert() bool {
	return d.Policy != nil
}

// Severity returns the winning policy's severity, or 0.
func (d *Decision) Severity() store.Severity {
	if d.Policy == nil {
		return 0
	}
	return d.Policy.Severity
}

// Engine evaluates messages against a consistent snapshot of the policy store.
type Engine struct {
	policies store.PolicySnapshotter
	catalog  *catalog.Registry
	logger   *slog.Logger
}

// NewEngine creates a policy engine.
func NewEngine(policies store.PolicySnapshotter, reg *catalog.Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		policies: policies,
		catalog:  reg,
		logger:   logger.With("component", "policy"),
	}
}

// Evaluate decides what happens to in.Message. An error is returned only when
// the policy snapshot cannot be read.
func (e *Engine) Evaluate(ctx context.Context, in *catalog.Input) (*Decision, error) {
	snap, err := e.policies.PolicySnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading policies: %w", err)
	}
	return e.evaluate(snap, in), nil
}

func (e *Engine) evaluate(snap *store.PolicySnapshot, in *catalog.Input) *Decision {
	for _, p := range Candidates(snap.Policies, in.Origin, in.Message.Method) {
		matched, err := e.matches(snap, p, in)
		if err != nil {
			return e.failClosed(p, err)
		}
		if !matched {
			continue
		}

		d, err := e.act(snap, p, in)
		if err != nil {
			return e.failClosed(p, err)
		}
		e.logger.Debug("policy matched",
			"policy_id", p.ID,
			"policy", p.Name,
			"severity", p.Severity,
			"verdict", d.Verdict.String(),
		)
		return d
	}

	return &Decision{Verdict: Allow, Message: in.Message.Raw}
}

// Candidates returns enabled policies admitted by the origin and method filters,
// most severe first. Policies of equal severity keep their store order.
func Candidates(policies []*store.Policy, origin store.Origin, method string) []*store.Policy {
	out := make([]*store.Policy, 0, len(policies))
	for _, p := range policies {
		if p.Enabled && p.AppliesTo(origin, method) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Severity < out[j].Severity
	})
	return out
}

// matches reports whether every condition of p holds. Empty conditions match.
func (e *Engine) matches(snap *store.PolicySnapshot, p *store.Policy, in *catalog.Input) (bool, error) {
	for i, ref := range p.Conditions {
		elem, class, params, err := e.resolve(snap, store.ElementCondition, ref)
		if err != nil {
			return false, fmt.Errorf("condition %d: %w", i, err)
		}
		if !elem.Enabled {
			return false, nil
		}
		ok, err := class.Evaluate(in, params)
		if err != nil {
			return false, fmt.Errorf("%w: condition %s (%s): %v", ErrConfiguration, elem.ConfigID, class.Name, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) act(snap *store.PolicySnapshot, p *store.Policy, in *catalog.Input) (*Decision, error) {
	alert := &Decision{Verdict: AllowWithAlert, Message: in.Message.Raw, Policy: p}
	if p.Action == nil {
		return alert, nil
	}

	elem, class, params, err := e.resolve(snap, store.ElementAction, *p.Action)
	if err != nil {
		return nil, fmt.Errorf("action: %w", err)
	}
	if !elem.Enabled {
		return alert, nil
	}

	out, err := class.Apply(in, params)
	if err != nil {
		return nil, fmt.Errorf("%w: action %s (%s): %v", ErrConfiguration, elem.ConfigID, class.Name, err)
	}
	switch out.Verdict {
	case catalog.VerdictBlock:
		return &Decision{Verdict: Block, Reason: out.Reason, Policy: p}, nil
	case catalog.VerdictRedact:
		alert.Message = out.Message
	}
	return alert, nil
}

// resolve looks up the element and class behind ref and merges its parameters.
func (e *Engine) resolve(snap *store.PolicySnapshot, t store.ElementType, ref store.ElementRef) (*store.PolicyElement, *catalog.Class, catalog.Params, error) {
	elem, ok := snap.Elements[ref.ElementConfigID]
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: element %q does not exist", ErrConfiguration, ref.ElementConfigID)
	}
	if elem.ElementType != t {
		return nil, nil, nil, fmt.Errorf("%w: element %q is a %s, not a %s", ErrConfiguration, elem.ConfigID, elem.ElementType, t)
	}
	class, err := e.catalog.LookupType(t, elem.ClassName)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: element %q: %v", ErrConfiguration, elem.ConfigID, err)
	}
	params, err := class.Params(elem.Config, ref.InstanceParams)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: element %q: %v", ErrConfiguration, elem.ConfigID, err)
	}
	return elem, class, params, nil
}

// failClosed turns a configuration error into a block attributed to the policy.
func (e *Engine) failClosed(p *store.Policy, err error) *Decision {
	e.logger.Error("policy misconfigured, blocking message",
		"policy_id", p.ID,
		"policy", p.Name,
		"error", err,
	)
	return &Decision{
		Verdict: Block,
		Reason:  fmt.Sprintf("policy %q is misconfigured", p.Name),
		Policy:  p,
		Err:     err,
	}
}

// Check resolves every reference of every enabled policy without evaluating
// anything and returns the configuration errors found.
func Check(snap *store.PolicySnapshot, reg *catalog.Registry) error {
	e := &Engine{catalog: reg, logger: slog.Default()}
	var errs []error
	for _, p := range snap.Policies {
		if !p.Enabled {
			continue
		}
		if !p.Severity.Valid() {
			errs = append(errs, fmt.Errorf("policy %s: %w: severity %d out of range", p.ID, ErrConfiguration, p.Severity))
		}
		for i, ref := range p.Conditions {
			if _, _, _, err := e.resolve(snap, store.ElementCondition, ref); err != nil {
				errs = append(errs, fmt.Errorf("policy %s: condition %d: %w", p.ID, i, err))
			}
		}
		if p.Action != nil {
			if _, _, _, err := e.resolve(snap, store.ElementAction, *p.Action); err != nil {
				errs = append(errs, fmt.Errorf("policy %s: action: %w", p.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}
