// ABOUTME: Tests for policy evaluation
// ABOUTME: Covers filtering, severity ordering, fail-closed errors and redaction

package policy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolgate/internal/catalog"
	"github.com/2389/toolgate/internal/mcp"
	"github.com/2389/toolgate/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	t     *testing.T
	store *store.MockStore
	eng   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := catalog.New()
	require.NoError(t, err)
	s := store.NewMockStore()
	return &fixture{t: t, store: s, eng: NewEngine(s, reg, testLogger())}
}

func (f *fixture) element(id string, typ store.ElementType, class string, cfg map[string]any) {
	f.t.Helper()
	require.NoError(f.t, f.store.CreatePolicyElement(context.Background(), &store.PolicyElement{
		ConfigID: id, ElementType: typ, ClassName: class, Name: id, Config: cfg, Enabled: true, UpdatedAt: time.Now(),
	}))
}

func (f *fixture) policy(p *store.Policy) {
	f.t.Helper()
	if p.ID == "" {
		p.ID = p.Name
	}
	if p.Origin == "" {
		p.Origin = store.OriginEither
	}
	p.Enabled = true
	p.CreatedAt = time.Now()
	require.NoError(f.t, f.store.CreatePolicy(context.Background(), p))
}

func (f *fixture) eval(origin store.Origin, raw string) *Decision {
	f.t.Helper()
	msg, err := mcp.Parse([]byte(raw))
	require.NoError(f.t, err)
	d, err := f.eng.Evaluate(context.Background(), &catalog.Input{Origin: origin, Message: msg})
	require.NoError(f.t, err)
	return d
}

const (
	callDeleteAll = `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"delete_all"}}`
	callAdd       = `{"jsonrpc":"2.0", "id":1, "method":"tools/call", "params":{"name":"add"}}`
)

func TestEvaluate_NoPoliciesIsByteIdentical(t *testing.T) {
	f := newFixture(t)
	d := f.eval(store.OriginClient, callAdd)

	assert.Equal(t, Allow, d.Verdict)
	assert.Equal(t, callAdd, string(d.Message))
	assert.False(t, d.Alert())
}

func TestEvaluate_NoMatchIsByteIdentical(t *testing.T) {
	f := newFixture(t)
	f.element("cond-delete", store.ElementCondition, "tool_name", map[string]any{"names": []any{"delete_all"}})
	f.element("act-block", store.ElementAction, "block", nil)
	f.policy(&store.Policy{
		Name: "no deletes", Severity: store.SeverityHigh,
		Conditions: []store.ElementRef{{ElementConfigID: "cond-delete"}},
		Action:     &store.ElementRef{ElementConfigID: "act-block"},
	})

	d := f.eval(store.OriginClient, callAdd)
	assert.Equal(t, Allow, d.Verdict)
	assert.Equal(t, callAdd, string(d.Message))
	assert.Nil(t, d.Policy)
}

func TestEvaluate_BlockOnMethodScenario(t *testing.T) {
	f := newFixture(t)
	f.element("act-bom", store.ElementAction, "block_on_method", map[string]any{"method": "tools/call"})
	f.element("cond-delete", store.ElementCondition, "tool_name", map[string]any{"names": []any{"delete_all"}})
	f.policy(&store.Policy{
		Name: "block delete_all", Severity: store.SeverityCritical, Origin: store.OriginClient,
		Methods:    []string{"tools/call"},
		Conditions: []store.ElementRef{{ElementConfigID: "cond-delete"}},
		Action:     &store.ElementRef{ElementConfigID: "act-bom"},
	})

	d := f.eval(store.OriginClient, callDeleteAll)
	assert.Equal(t, Block, d.Verdict)
	assert.Contains(t, d.Reason, "delete_all")
	assert.True(t, d.Alert())
	assert.NoError(t, d.Err)

	d = f.eval(store.OriginClient, callAdd)
	assert.Equal(t, Allow, d.Verdict)
}

func TestEvaluate_SeverityOrdering(t *testing.T) {
	f := newFixture(t)
	f.element("act-block", store.ElementAction, "block", map[string]any{"reason": "sev2"})
	f.element("act-pass", store.ElementAction, "pass", nil)

	// the lower-severity policy is stored first and must still lose
	f.policy(&store.Policy{Name: "info", Severity: store.SeverityLow, Action: &store.ElementRef{ElementConfigID: "act-pass"}})
	f.policy(&store.Policy{Name: "high", Severity: store.SeverityHigh, Action: &store.ElementRef{ElementConfigID: "act-block"}})

	d := f.eval(store.OriginClient, callAdd)
	assert.Equal(t, Block, d.Verdict)
	assert.Equal(t, "sev2", d.Reason)
	assert.Equal(t, "high", d.Policy.Name)
	assert.Equal(t, store.SeverityHigh, d.Severity())
}

func TestEvaluate_EqualSeverityKeepsStoreOrder(t *testing.T) {
	f := newFixture(t)
	f.policy(&store.Policy{Name: "first", Severity: store.SeverityMedium})
	f.policy(&store.Policy{Name: "second", Severity: store.SeverityMedium})

	d := f.eval(store.OriginServer, callAdd)
	assert.Equal(t, "first", d.Policy.Name)
}

func TestEvaluate_UnconditionalPolicyAlerts(t *testing.T) {
	f := newFixture(t)
	f.policy(&store.Policy{Name: "log everything", Severity: store.SeverityInfo})

	for _, raw := range []string{callAdd, `{"jsonrpc":"2.0","id":9,"result":{}}`, `{"jsonrpc":"2.0","method":"ping"}`} {
		d := f.eval(store.OriginServer, raw)
		assert.Equal(t, AllowWithAlert, d.Verdict)
		assert.Equal(t, raw, string(d.Message))
		assert.True(t, d.Alert())
	}
}

func TestEvaluate_Filters(t *testing.T) {
	f := newFixture(t)
	f.policy(&store.Policy{Name: "server only", Severity: store.SeverityHigh, Origin: store.OriginServer})
	f.policy(&store.Policy{Name: "list only", Severity: store.SeverityHigh, Origin: store.OriginClient, Methods: []string{"tools/list"}})

	d := f.eval(store.OriginClient, callAdd)
	assert.Equal(t, Allow, d.Verdict, "origin and method filters exclude both")

	d = f.eval(store.OriginClient, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	assert.Equal(t, "list only", d.Policy.Name)
}

func TestEvaluate_DisabledPolicyNeverEvaluated(t *testing.T) {
	f := newFixture(t)
	f.policy(&store.Policy{
		Name: "broken but disabled", Severity: store.SeverityCritical,
		Conditions: []store.ElementRef{{ElementConfigID: "missing"}},
	})
	p, err := f.store.GetPolicy(context.Background(), "broken but disabled")
	require.NoError(t, err)
	p.Enabled = false
	require.NoError(t, f.store.UpdatePolicy(context.Background(), p))

	d := f.eval(store.OriginClient, callAdd)
	assert.Equal(t, Allow, d.Verdict)
}

func TestEvaluate_FailsClosed(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
	}{
		{"missing condition element", func(f *fixture) {
			f.policy(&store.Policy{Name: "p", Severity: 3, Conditions: []store.ElementRef{{ElementConfigID: "ghost"}}})
		}},
		{"missing action element", func(f *fixture) {
			f.policy(&store.Policy{Name: "p", Severity: 3, Action: &store.ElementRef{ElementConfigID: "ghost"}})
		}},
		{"unregistered class", func(f *fixture) {
			f.element("cond-x", store.ElementCondition, "telepathy", nil)
			f.policy(&store.Policy{Name: "p", Severity: 3, Conditions: []store.ElementRef{{ElementConfigID: "cond-x"}}})
		}},
		{"action used as condition", func(f *fixture) {
			f.element("act-block", store.ElementAction, "block", nil)
			f.policy(&store.Policy{Name: "p", Severity: 3, Conditions: []store.ElementRef{{ElementConfigID: "act-block"}}})
		}},
		{"invalid params", func(f *fixture) {
			f.element("cond-re", store.ElementCondition, "regex", map[string]any{"pattern": "("})
			f.policy(&store.Policy{Name: "p", Severity: 3, Conditions: []store.ElementRef{{ElementConfigID: "cond-re"}}})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)

			d := f.eval(store.OriginClient, callAdd)
			assert.Equal(t, Block, d.Verdict)
			assert.ErrorIs(t, d.Err, ErrConfiguration)
			assert.Contains(t, d.Reason, "misconfigured")
		})
	}
}

func TestEvaluate_DisabledElements(t *testing.T) {
	f := newFixture(t)
	f.element("cond-always", store.ElementCondition, "always", nil)
	f.element("act-block", store.ElementAction, "block", nil)
	f.policy(&store.Policy{
		Name: "p", Severity: 2,
		Conditions: []store.ElementRef{{ElementConfigID: "cond-always"}},
		Action:     &store.ElementRef{ElementConfigID: "act-block"},
	})
	ctx := context.Background()

	act, err := f.store.FindPolicyElementByID(ctx, "act-block")
	require.NoError(t, err)
	act.Enabled = false
	require.NoError(t, f.store.UpdatePolicyElement(ctx, act))

	d := f.eval(store.OriginClient, callAdd)
	assert.Equal(t, AllowWithAlert, d.Verdict, "disabled action acts as none")

	cond, err := f.store.FindPolicyElementByID(ctx, "cond-always")
	require.NoError(t, err)
	cond.Enabled = false
	require.NoError(t, f.store.UpdatePolicyElement(ctx, cond))

	d = f.eval(store.OriginClient, callAdd)
	assert.Equal(t, Allow, d.Verdict, "disabled condition is false")
}

func TestEvaluate_InstanceParamsOverrideConfig(t *testing.T) {
	f := newFixture(t)
	f.element("cond-tool", store.ElementCondition, "tool_name", map[string]any{"names": []any{"add"}})
	f.policy(&store.Policy{
		Name: "p", Severity: 2,
		Conditions: []store.ElementRef{{ElementConfigID: "cond-tool", InstanceParams: map[string]any{"names": []any{"delete_all"}}}},
	})

	assert.Equal(t, Allow, f.eval(store.OriginClient, callAdd).Verdict)
	assert.Equal(t, AllowWithAlert, f.eval(store.OriginClient, callDeleteAll).Verdict)
}

func TestEvaluate_Redact(t *testing.T) {
	f := newFixture(t)
	f.element("act-redact", store.ElementAction, "redact", map[string]any{"paths": []any{"params.name"}})
	f.policy(&store.Policy{Name: "hide names", Severity: 3, Action: &store.ElementRef{ElementConfigID: "act-redact"}})

	d := f.eval(store.OriginClient, callDeleteAll)
	assert.Equal(t, AllowWithAlert, d.Verdict)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"[REDACTED]"}}`, string(d.Message))
}

func TestEvaluate_SnapshotError(t *testing.T) {
	f := newFixture(t)
	f.store.FailSnapshot = errors.New("db down")

	msg, err := mcp.Parse([]byte(callAdd))
	require.NoError(t, err)
	_, err = f.eng.Evaluate(context.Background(), &catalog.Input{Origin: store.OriginClient, Message: msg})
	assert.Error(t, err)
}

func TestCheck(t *testing.T) {
	reg, err := catalog.New()
	require.NoError(t, err)

	snap := &store.PolicySnapshot{
		Policies: []*store.Policy{
			{ID: "ok", Enabled: true, Severity: 1, Action: &store.ElementRef{ElementConfigID: "act"}},
			{ID: "bad", Enabled: true, Severity: 1, Conditions: []store.ElementRef{{ElementConfigID: "ghost"}}},
			{ID: "off", Enabled: false, Severity: 1, Conditions: []store.ElementRef{{ElementConfigID: "ghost"}}},
		},
		Elements: map[string]*store.PolicyElement{
			"act": {ConfigID: "act", ElementType: store.ElementAction, ClassName: "block", Enabled: true},
		},
	}

	err = Check(snap, reg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "policy bad")
	assert.NotContains(t, err.Error(), "policy off")
	assert.NotContains(t, err.Error(), "policy ok")
}
