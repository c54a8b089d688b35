// ABOUTME: Tests for the condition and action registry
// ABOUTME: Covers lookup, parameter schemas and each builtin class

package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolgate/internal/mcp"
	"github.com/2389/toolgate/internal/store"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New()
	require.NoError(t, err)
	return r
}

func input(t *testing.T, raw string) *Input {
	t.Helper()
	msg, err := mcp.Parse([]byte(raw))
	require.NoError(t, err)
	return &Input{
		Origin:  store.OriginClient,
		Message: msg,
		Caller:  Caller{User: "alice", SourceIP: "10.1.2.3", ClientID: "cli-1", ServerID: "srv-1", ServerName: "calc-server"},
	}
}

const deleteAll = `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"delete_all","arguments":{"path":"/","token":"sk-abc123"}}}`
const addCall = `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"add","arguments":{"a":1,"b":2}}}`

func evalCondition(t *testing.T, r *Registry, class string, params map[string]any, raw string) bool {
	t.Helper()
	c, err := r.LookupType(store.ElementCondition, class)
	require.NoError(t, err)
	p, err := c.Params(params, nil)
	require.NoError(t, err)
	ok, err := c.Evaluate(input(t, raw), p)
	require.NoError(t, err)
	return ok
}

func TestRegistry_Lookup(t *testing.T) {
	r := newRegistry(t)

	c, err := r.Lookup("tool_name")
	require.NoError(t, err)
	assert.Equal(t, store.ElementCondition, c.Type)

	_, err = r.Lookup("rm_rf")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.LookupType(store.ElementAction, "tool_name")
	assert.ErrorIs(t, err, ErrNotFound)

	names := make([]string, 0)
	for _, c := range r.Classes() {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "block_on_method")
	assert.Contains(t, names, "always")
}

func TestConditions(t *testing.T) {
	r := newRegistry(t)

	tests := []struct {
		name   string
		class  string
		params map[string]any
		raw    string
		want   bool
	}{
		{"always", "always", nil, addCall, true},
		{"tool name list hit", "tool_name", map[string]any{"names": []any{"delete_all"}}, deleteAll, true},
		{"tool name list miss", "tool_name", map[string]any{"names": []any{"delete_all"}}, addCall, false},
		{"tool name pattern", "tool_name", map[string]any{"pattern": "^delete_"}, deleteAll, true},
		{"tool name on non call", "tool_name", map[string]any{"pattern": ".*"}, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, false},
		{"method", "method", map[string]any{"methods": []any{"tools/list"}}, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, true},
		{"method on response", "method", map[string]any{"pattern": ".*"}, `{"jsonrpc":"2.0","id":1,"result":{}}`, false},
		{"kind", "message_kind", map[string]any{"kinds": []any{"notification"}}, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, true},
		{"regex raw", "regex", map[string]any{"pattern": `sk-[a-z0-9]+`}, deleteAll, true},
		{"regex path miss", "regex", map[string]any{"pattern": `sk-`, "path": "params.name"}, deleteAll, false},
		{"regex missing path", "regex", map[string]any{"pattern": `.`, "path": "params.nope"}, deleteAll, false},
		{"contains case insensitive", "contains", map[string]any{"value": "DELETE"}, deleteAll, true},
		{"contains case sensitive", "contains", map[string]any{"value": "DELETE", "case_sensitive": true}, deleteAll, false},
		{"json path exists", "json_path", map[string]any{"path": "params.arguments.token"}, deleteAll, true},
		{"json path absent", "json_path", map[string]any{"path": "params.arguments.token", "exists": false}, addCall, true},
		{"json path equals string", "json_path", map[string]any{"path": "params.arguments.path", "equals": "/"}, deleteAll, true},
		{"json path equals number", "json_path", map[string]any{"path": "params.arguments.a", "equals": 1}, addCall, true},
		{"json path equals mismatch", "json_path", map[string]any{"path": "params.arguments.a", "equals": "1"}, addCall, false},
		{"client id", "client_id", map[string]any{"ids": []any{"cli-1"}}, addCall, true},
		{"client id other", "client_id", map[string]any{"ids": []any{"cli-2"}}, addCall, false},
		{"user pattern", "user", map[string]any{"pattern": "^al"}, addCall, true},
		{"source ip in range", "source_ip", map[string]any{"cidrs": []any{"10.0.0.0/8"}}, addCall, true},
		{"source ip exact miss", "source_ip", map[string]any{"cidrs": []any{"192.168.1.1"}}, addCall, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, evalCondition(t, r, tt.class, tt.params, tt.raw))
		})
	}
}

func TestCondition_AnonymousClient(t *testing.T) {
	r := newRegistry(t)
	c, err := r.Lookup("client_id")
	require.NoError(t, err)
	p, err := c.Params(map[string]any{"anonymous": true}, nil)
	require.NoError(t, err)

	in := input(t, addCall)
	in.Caller.ClientID = ""
	ok, err := c.Evaluate(in, p)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestParams_Validation(t *testing.T) {
	r := newRegistry(t)

	tests := []struct {
		name     string
		class    string
		config   map[string]any
		instance map[string]any
	}{
		{"unknown member", "always", map[string]any{"x": 1}, nil},
		{"missing required", "regex", nil, nil},
		{"tool name needs list or pattern", "tool_name", map[string]any{}, nil},
		{"bad regex", "regex", map[string]any{"pattern": "("}, nil},
		{"bad cidr", "source_ip", map[string]any{"cidrs": []any{"10.0.0.0/99"}}, nil},
		{"bad kind", "message_kind", map[string]any{"kinds": []any{"event"}}, nil},
		{"wildcard redaction", "redact", map[string]any{"paths": []any{"params.*"}}, nil},
		{"instance overrides to invalid", "block_on_method", map[string]any{"method": "tools/call"}, map[string]any{"method": 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := r.Lookup(tt.class)
			require.NoError(t, err)
			_, err = c.Params(tt.config, tt.instance)
			assert.ErrorIs(t, err, ErrInvalidParams)
		})
	}
}

func TestParams_InstanceOverridesConfig(t *testing.T) {
	r := newRegistry(t)
	c, err := r.Lookup("block")
	require.NoError(t, err)

	p, err := c.Params(map[string]any{"reason": "base"}, map[string]any{"reason": "override"})
	require.NoError(t, err)
	assert.Equal(t, "override", p.String("reason"))
}

func TestValidateRef(t *testing.T) {
	r := newRegistry(t)
	e := &store.PolicyElement{ElementType: store.ElementAction, ClassName: "block_on_method"}

	assert.ErrorIs(t, r.ValidateRef(e, nil), ErrInvalidParams)
	assert.NoError(t, r.ValidateRef(e, map[string]any{"method": "tools/call"}))

	e.ClassName = "tool_name"
	assert.ErrorIs(t, r.ValidateRef(e, nil), ErrNotFound)
}

func applyAction(t *testing.T, r *Registry, class string, params map[string]any, raw string) Outcome {
	t.Helper()
	c, err := r.LookupType(store.ElementAction, class)
	require.NoError(t, err)
	p, err := c.Params(params, nil)
	require.NoError(t, err)
	out, err := c.Apply(input(t, raw), p)
	require.NoError(t, err)
	return out
}

func TestActions_Block(t *testing.T) {
	r := newRegistry(t)

	out := applyAction(t, r, "pass", nil, addCall)
	assert.Equal(t, VerdictPass, out.Verdict)

	out = applyAction(t, r, "block", nil, addCall)
	assert.Equal(t, VerdictBlock, out.Verdict)
	assert.Equal(t, DefaultBlockReason, out.Reason)

	params := map[string]any{"method": "tools/call", "tool": "delete_all"}
	out = applyAction(t, r, "block_on_method", params, deleteAll)
	assert.Equal(t, VerdictBlock, out.Verdict)
	assert.Equal(t, "tool delete_all is blocked by policy", out.Reason)

	out = applyAction(t, r, "block_on_method", params, addCall)
	assert.Equal(t, VerdictPass, out.Verdict)

	out = applyAction(t, r, "block_on_method", map[string]any{"method": "tools/list"}, addCall)
	assert.Equal(t, VerdictPass, out.Verdict)
}

func TestActions_Redact(t *testing.T) {
	r := newRegistry(t)

	out := applyAction(t, r, "redact", map[string]any{"paths": []any{"params.arguments.token"}}, deleteAll)
	require.Equal(t, VerdictRedact, out.Verdict)
	assert.JSONEq(t,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"delete_all","arguments":{"path":"/","token":"[REDACTED]"}}}`,
		string(out.Message))

	out = applyAction(t, r, "redact", map[string]any{"paths": []any{"params.arguments.token"}}, addCall)
	assert.Equal(t, VerdictPass, out.Verdict, "nothing to redact")

	out = applyAction(t, r, "redact_pattern", map[string]any{"pattern": `sk-[a-z0-9]+`, "replacement": "***"}, deleteAll)
	require.Equal(t, VerdictRedact, out.Verdict)
	assert.JSONEq(t,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"delete_all","arguments":{"path":"/","token":"***"}}}`,
		string(out.Message))

	out = applyAction(t, r, "redact_pattern", map[string]any{"pattern": `2\.0`}, addCall)
	assert.Equal(t, VerdictPass, out.Verdict, "envelope is never rewritten")
}
